package demo

import (
	"fmt"

	"stratum/internal/core"
	"stratum/internal/logging"
	"stratum/internal/navigation"
	"stratum/internal/registry"
	"stratum/internal/trace"
)

// AnswerID locates a recorded answer: the index of its query demonstration
// within the strategy demonstration and the index of the answer.
type AnswerID struct {
	Query  int `yaml:"query" json:"query"`
	Answer int `yaml:"answer" json:"answer"`
}

// ImplicitAnswer is an answer produced by a query's implicit-answer
// callback because no recorded answer exists.
type ImplicitAnswer struct {
	Query  string `yaml:"query" json:"query"`
	Args   string `yaml:"args" json:"args"`
	Answer string `yaml:"answer" json:"answer"`
}

// InvalidQuery reports a query demonstration that could not be loaded.
type InvalidQuery struct {
	Index int
	Err   error
}

func (e *InvalidQuery) Error() string {
	return fmt.Sprintf("failed to load query: %v", e.Err)
}

func (e *InvalidQuery) Unwrap() error { return e.Err }

// InvalidAnswer reports a recorded answer that does not parse.
type InvalidAnswer struct {
	ID  AnswerID
	Err error
}

func (e *InvalidAnswer) Error() string {
	return fmt.Sprintf("failed to parse answer: %v", e.Err)
}

func (e *InvalidAnswer) Unwrap() error { return e.Err }

type usedAnswer struct {
	ref trace.AnswerRef
	id  AnswerID
}

type implicitEntry struct {
	fingerprint string
	answer      ImplicitAnswer
}

// Resolver answers queries from the query demonstrations of a strategy
// demonstration. Queries are matched by name and serialized arguments,
// never by position in the tree.
type Resolver struct {
	demo         *StrategyDemo
	fingerprints []string
	used         []bool
	answers      []usedAnswer
	implicit     []implicitEntry
}

// NewResolver loads every query demonstration through reg and parses all
// recorded answers up front. It fails with *InvalidQuery or *InvalidAnswer.
func NewResolver(reg *registry.Registry, d *StrategyDemo) (*Resolver, error) {
	r := &Resolver{demo: d, used: make([]bool, len(d.Queries))}
	for i, qd := range d.Queries {
		q, err := reg.Query(qd.Query, qd.Args)
		if err != nil {
			return nil, &InvalidQuery{Index: i, Err: err}
		}
		r.fingerprints = append(r.fingerprints, q.Fingerprint())
		for j, a := range qd.Answers {
			if _, err := q.ParseAnswer(a.Translate()); err != nil {
				return nil, &InvalidAnswer{ID: AnswerID{Query: i, Answer: j}, Err: err}
			}
		}
	}
	return r, nil
}

// Resolve implements navigation.HintResolver. Without a hint the first
// recorded answer is used. Implicit answers are only produced when no hint
// is given and no query demonstration matches.
func (r *Resolver) Resolve(aq navigation.AttachedQuery, hint *navigation.Hint, implicit func() (string, error)) (*core.Answer, error) {
	fp := aq.Query.Fingerprint()
	for i, known := range r.fingerprints {
		if known != fp {
			continue
		}
		r.used[i] = true
		answers := r.demo.Queries[i].Answers
		if len(answers) == 0 {
			return nil, nil
		}
		id := 0
		if hint != nil {
			id = -1
			for j, a := range answers {
				if a.Label == hint.Label {
					id = j
					break
				}
			}
			if id < 0 {
				return nil, nil
			}
		}
		ans := answers[id].Translate()
		r.answers = append(r.answers, usedAnswer{
			ref: trace.AnswerRef{Space: aq.Ref, Answer: ans},
			id:  AnswerID{Query: i, Answer: id},
		})
		return &ans, nil
	}
	if hint != nil {
		return nil, nil
	}
	for _, e := range r.implicit {
		if e.fingerprint == fp {
			return &core.Answer{Text: e.answer.Answer}, nil
		}
	}
	if implicit == nil {
		return nil, nil
	}
	text, err := implicit()
	if err != nil {
		return nil, &core.StrategyError{Strategy: aq.Query.Name, Err: err}
	}
	logging.DemoDebug("implicit answer for %s", fp)
	r.implicit = append(r.implicit, implicitEntry{
		fingerprint: fp,
		answer:      ImplicitAnswer{Query: aq.Query.Name, Args: aq.Query.Serialize(), Answer: text},
	})
	return &core.Answer{Text: text}, nil
}

// ImplicitAnswers returns the implicit answers produced so far.
func (r *Resolver) ImplicitAnswers() []ImplicitAnswer {
	out := make([]ImplicitAnswer, len(r.implicit))
	for i, e := range r.implicit {
		out[i] = e.answer
	}
	return out
}

// UnusedQueries returns the indices of query demonstrations never matched.
func (r *Resolver) UnusedQueries() []int {
	var out []int
	for i, u := range r.used {
		if !u {
			out = append(out, i)
		}
	}
	return out
}

// AnswerRefs maps the trace ids of used recorded answers to their location
// in the demonstration. Every answer must have been traced.
func (r *Resolver) AnswerRefs(t *trace.Trace) map[trace.AnswerID]AnswerID {
	out := make(map[trace.AnswerID]AnswerID, len(r.answers))
	for _, a := range r.answers {
		out[t.ConvertAnswerRef(a.ref)] = a.id
	}
	return out
}
