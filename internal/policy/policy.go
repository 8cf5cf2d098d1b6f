// Package policy provides the environment shared by search policies and a
// depth-first search policy.
package policy

import (
	"context"

	"stratum/internal/core"
	"stratum/internal/logging"
	"stratum/internal/oracle"
	"stratum/internal/stream"
	"stratum/internal/trace"
)

// Policy explores a tree and reports solutions through a stream.
type Policy interface {
	Search(tree *core.Tree, env *Env) stream.Stream
}

// Func adapts a function to the Policy interface.
type Func func(tree *core.Tree, env *Env) stream.Stream

func (f Func) Search(tree *core.Tree, env *Env) stream.Stream { return f(tree, env) }

// Env carries what policies need to answer queries.
type Env struct {
	Ctx    context.Context
	Tracer *trace.Tracer
	Oracle oracle.Oracle
	// NumAnswers is how many answers are requested per query (default 1).
	NumAnswers int
}

// NewEnv builds an environment with a fresh tracer.
func NewEnv(ctx context.Context, o oracle.Oracle) *Env {
	if o == nil {
		o = oracle.Unavailable
	}
	return &Env{Ctx: ctx, Tracer: trace.NewTracer(), Oracle: o, NumAnswers: 1}
}

func (e *Env) ctx() context.Context {
	if e.Ctx == nil {
		return context.Background()
	}
	return e.Ctx
}

// Log records a message in the trace and the search log.
func (e *Env) Log(sev trace.Severity, msg string, metadata map[string]any, at *core.Tree) {
	var loc *core.GlobalNodePath
	if at != nil {
		loc = &at.Ref
	}
	if e.Tracer != nil {
		e.Tracer.Log(sev, msg, metadata, loc)
	}
	l := logging.Get(logging.CategorySearch)
	switch sev {
	case trace.SeverityError:
		l.Error("%s %v", msg, metadata)
	case trace.SeverityWarn:
		l.Warn("%s %v", msg, metadata)
	default:
		l.Debug("%s %v", msg, metadata)
	}
}

// Answers streams the parsed answers to a query space of tree. Queries with
// an implicit answer are answered for free; others go to the oracle, whose
// cost is reported first as a Spent event. Unparsable answers are logged
// and skipped.
func (e *Env) Answers(tree *core.Tree, space core.Space) stream.Stream {
	return func(yield func(stream.Event) bool) {
		q := space.Query
		ref := tree.SpaceRef(space.Name)
		var answers []core.Answer
		if q.Implicit != nil {
			text, err := q.Implicit()
			if err != nil {
				e.Log(trace.SeverityError, "computation failed", map[string]any{"query": q.Name, "error": err.Error()}, tree)
				return
			}
			answers = []core.Answer{{Text: text}}
		} else {
			if err := e.ctx().Err(); err != nil {
				return
			}
			n := e.NumAnswers
			if n <= 0 {
				n = 1
			}
			resp, err := e.Oracle.Answer(e.ctx(), q, n)
			if len(resp.Spent) > 0 && !yield(stream.Spent(resp.Spent)) {
				return
			}
			if err != nil {
				e.Log(trace.SeverityWarn, "oracle request failed", map[string]any{"query": q.Name, "error": err.Error()}, tree)
				return
			}
			answers = resp.Answers
		}
		for i := range answers {
			a := answers[i]
			data, err := q.ParseAnswer(a)
			if err != nil {
				e.Log(trace.SeverityWarn, "parse error", map[string]any{"query": q.Name, "error": err.Error()}, tree)
				continue
			}
			if e.Tracer != nil {
				e.Tracer.TraceAnswer(ref, a)
			}
			v := core.Value{Ref: core.ValueRef{Space: space.Name, Answer: &a}, Data: data}
			if !yield(stream.Solution(v)) {
				return
			}
		}
	}
}

// Open streams the elements of a space of tree: answers for query spaces,
// successes found by inner for nested spaces.
func (e *Env) Open(tree *core.Tree, space core.Space, inner Policy) stream.Stream {
	if space.Query != nil {
		return e.Answers(tree, space)
	}
	return func(yield func(stream.Event) bool) {
		sub, err := tree.Spawn(space)
		if err != nil {
			e.Log(trace.SeverityError, "strategy exception", map[string]any{"space": string(space.Name), "error": err.Error()}, tree)
			return
		}
		for ev := range inner.Search(sub, e) {
			if ev.Kind == stream.KindSolution {
				ev.Value.Ref.Space = space.Name
			}
			if !yield(ev) {
				return
			}
		}
	}
}
