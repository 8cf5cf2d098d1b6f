package demo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"stratum/internal/core"
	"stratum/internal/logging"
	"stratum/internal/navigation"
	"stratum/internal/registry"
	"stratum/internal/trace"
)

// Interpreter evaluates demonstrations against the strategies and queries
// of a registry.
type Interpreter struct {
	Registry *registry.Registry
	// Hooks are added to the session of every strategy demonstration.
	Hooks []core.Hook
	// Parallelism bounds how many demonstrations of a file are evaluated at
	// once (zero or less means no bound).
	Parallelism int
}

// NewInterpreter creates an interpreter over reg.
func NewInterpreter(reg *registry.Registry) *Interpreter {
	return &Interpreter{Registry: reg}
}

// =============================================================================
// TEST STEPS
// =============================================================================

type stepStatus int

const (
	statusContinue stepStatus = iota
	statusStop
)

// testRun holds the state shared by the tests of one strategy demonstration.
type testRun struct {
	resolver *Resolver
	tracer   *trace.Tracer
	saved    map[string]*core.Tree
	diags    []Diagnostic
}

func (r *testRun) diag(sev Severity, format string, args ...any) {
	r.diags = append(r.diags, Diagnostic{Severity: sev, Message: fmt.Sprintf(format, args...)})
}

func (r *testRun) navigator() *navigation.Navigator {
	return &navigation.Navigator{Resolver: r.resolver, Tracer: r.tracer}
}

func (r *testRun) unusedHints(rem []navigation.Hint) {
	if len(rem) > 0 {
		r.diag(SeverityWarning, "Unused hints: %s.", navigation.FormatHints(rem))
	}
}

// failure reports errors that end a test. It returns false for errors it
// does not know about.
func (r *testRun) failure(err error) bool {
	var (
		stuck *navigation.Stuck
		serr  *core.StrategyError
	)
	switch {
	case errors.As(err, &stuck):
		r.diag(SeverityWarning, "Test is stuck.")
	case errors.As(err, &serr):
		r.diag(SeverityError, "Exception raised in strategy:\n\n%v\n\n%s", serr.Err, serr.Stack)
	case navigation.IsNavigationError(err), errors.Is(err, core.ErrReplayDiverged), errors.Is(err, core.ErrLeafNavigation):
		r.diag(SeverityError, "Navigation error:\n\n%v", err)
	default:
		return false
	}
	return true
}

func (r *testRun) run(tree *core.Tree, step Run) (*core.Tree, stepStatus) {
	leaf, rem, err := r.navigator().FollowHints(tree, step.Hints, step.Until, nil)
	var (
		matched *navigation.MatchedSelector
		failed  *navigation.ReachedFailureNode
		stuck   *navigation.Stuck
	)
	switch {
	case errors.As(err, &matched):
		r.unusedHints(matched.Remaining)
		return matched.Tree, statusContinue
	case errors.As(err, &failed):
		leaf, rem = failed.Tree, failed.Remaining
	case errors.As(err, &stuck):
		r.failure(err)
		return stuck.Tree, statusStop
	case err != nil:
		if !r.failure(err) {
			r.diag(SeverityError, "Navigation error:\n\n%v", err)
		}
		return tree, statusStop
	}
	r.unusedHints(rem)
	if step.Until != nil {
		r.diag(SeverityWarning, "Leaf node reached before '%s'.", step.Until)
	}
	if step.Until == nil && !leaf.Node.Leaf() {
		r.diag(SeverityWarning, "The `run` command did not reach a leaf.")
	}
	return leaf, statusContinue
}

func (r *testRun) selectSpace(tree *core.Tree, step SelectSpace) (*core.Tree, stepStatus) {
	space, err := navigation.ResolveSpaceRef(tree, step.Space)
	var (
		invalid *navigation.InvalidSpace
		noPrim  *navigation.NoPrimarySpace
	)
	switch {
	case errors.As(err, &invalid):
		r.diag(SeverityError, "Invalid reference to space '%s'.", invalid.Space)
		return tree, statusStop
	case errors.As(err, &noPrim):
		r.diag(SeverityError, "Node %s has no primary space", tree.Node.EffectName())
		return tree, statusStop
	case err != nil:
		r.diag(SeverityError, "Navigation error:\n\n%v", err)
		return tree, statusStop
	}
	name := string(step.Space.Name)
	if name == "" {
		name = string(space.Name)
	}
	if step.ExpectsQuery {
		if space.Query == nil {
			r.diag(SeverityError, "Not a query: %s.", name)
			return tree, statusStop
		}
		if _, err := r.navigator().Answer(tree, space); err != nil {
			var stuck *navigation.Stuck
			if errors.As(err, &stuck) {
				r.diag(SeverityError, "Query not answered: %s.", name)
			} else if !r.failure(err) {
				r.diag(SeverityError, "Navigation error:\n\n%v", err)
			}
			return tree, statusStop
		}
		return tree, statusContinue
	}
	if space.Nested == nil {
		r.diag(SeverityError, "Not a nested tree: %s.", name)
		return tree, statusStop
	}
	sub, err := tree.Spawn(space)
	if err != nil {
		if !r.failure(err) {
			r.diag(SeverityError, "Navigation error:\n\n%v", err)
		}
		return tree, statusStop
	}
	return sub, statusContinue
}

func (r *testRun) step(tree *core.Tree, step Step) (*core.Tree, stepStatus) {
	switch s := step.(type) {
	case Run:
		return r.run(tree, s)
	case SelectSpace:
		return r.selectSpace(tree, s)
	case IsSuccess:
		if _, ok := tree.Node.(*core.Success); !ok {
			r.diag(SeverityError, "Success check failed.")
			return tree, statusStop
		}
	case IsFailure:
		if _, ok := tree.Node.(*core.Success); ok || !tree.Node.Leaf() {
			r.diag(SeverityError, "Failure check failed.")
			return tree, statusStop
		}
	case Save:
		r.saved[s.Name] = tree
	case Load:
		saved, ok := r.saved[s.Name]
		if !ok {
			r.diag(SeverityError, "No saved node named: '%s'.", s.Name)
			return tree, statusStop
		}
		return saved, statusContinue
	}
	return tree, statusContinue
}

func (r *testRun) evaluate(root *core.Tree, command string) TestFeedback {
	r.diags = nil
	fb := TestFeedback{Command: command}
	cmd, err := ParseCommand(command)
	if err != nil {
		logging.DemoDebug("test %q: %v", command, err)
		fb.Diagnostics = []Diagnostic{{Severity: SeverityError, Message: "Syntax error."}}
		return fb
	}
	tree := root
	for _, step := range cmd {
		var status stepStatus
		tree, status = r.step(tree, step)
		if status == statusStop {
			break
		}
	}
	id := r.tracer.Trace().ConvertGlobalNodePath(tree.Ref)
	fb.Node = &id
	fb.Diagnostics = r.diags
	return fb
}

// =============================================================================
// DEMONSTRATIONS
// =============================================================================

// EvaluateStrategyDemo runs every test of a strategy demonstration. The
// returned trace is nil when the strategy could not be instantiated. A
// trace consistency violation panics.
func (in *Interpreter) EvaluateStrategyDemo(d *StrategyDemo) (*StrategyDemoFeedback, *trace.Trace) {
	timer := logging.StartTimer(logging.CategoryDemo, "EvaluateStrategyDemo")
	defer timer.StopWithThreshold(2 * time.Second)

	fb := &StrategyDemoFeedback{}
	st, err := in.Registry.Strategy(d.Strategy, d.Args)
	if err != nil {
		fb.GlobalDiagnostics = append(fb.GlobalDiagnostics, Diagnostic{
			Severity: SeverityError,
			Message:  fmt.Sprintf("Failed to instantiate strategy:\n%v", err),
		})
		return fb, nil
	}

	tracer := trace.NewTracer()
	session := core.NewSession(append([]core.Hook{trace.Hook(tracer)}, in.Hooks...)...)
	root, err := session.Reify(st)
	if err != nil {
		r := &testRun{}
		if !r.failure(err) {
			r.diag(SeverityError, "Exception raised in strategy:\n\n%v", err)
		}
		fb.GlobalDiagnostics = r.diags
		return fb, nil
	}

	resolver, err := NewResolver(in.Registry, d)
	if err != nil {
		var (
			iq *InvalidQuery
			ia *InvalidAnswer
		)
		switch {
		case errors.As(err, &iq):
			fb.QueryDiagnostics = append(fb.QueryDiagnostics, QueryDiagnostic{
				Query:      iq.Index,
				Diagnostic: Diagnostic{Severity: SeverityError, Message: fmt.Sprintf("Failed to load query:\n%v", iq.Err)},
			})
		case errors.As(err, &ia):
			fb.AnswerDiagnostics = append(fb.AnswerDiagnostics, AnswerDiagnostic{
				Answer:     ia.ID,
				Diagnostic: Diagnostic{Severity: SeverityError, Message: fmt.Sprintf("Failed to parse answer:\n%v", ia.Err)},
			})
		}
		return fb, tracer.Trace()
	}

	run := &testRun{resolver: resolver, tracer: tracer, saved: make(map[string]*core.Tree)}
	for _, test := range d.Tests {
		fb.Tests = append(fb.Tests, run.evaluate(root, test))
	}

	tr := tracer.Trace()
	if len(run.saved) > 0 {
		fb.SavedNodes = make(map[string]trace.NodeID, len(run.saved))
		for name, t := range run.saved {
			fb.SavedNodes[name] = tr.ConvertGlobalNodePath(t.Ref)
		}
	}
	if err := tr.CheckConsistency(); err != nil {
		panic(fmt.Sprintf("demo: inconsistent trace for strategy %s: %v", d.Strategy, err))
	}
	for _, i := range resolver.UnusedQueries() {
		fb.QueryDiagnostics = append(fb.QueryDiagnostics, QueryDiagnostic{
			Query:      i,
			Diagnostic: Diagnostic{Severity: SeverityWarning, Message: "Unreachable query."},
		})
	}
	fb.Trace = tr.Export()
	fb.AnswerRefs = resolver.AnswerRefs(tr)
	fb.ImplicitAnswers = resolver.ImplicitAnswers()
	logging.Demo("strategy demo %s: %d tests, %d nodes, %d answers", d.Strategy, len(fb.Tests), tr.NumNodes(), tr.NumAnswers())
	return fb, tr
}

// EvaluateQueryDemo checks that a standalone query demonstration loads and
// that all its answers parse.
func (in *Interpreter) EvaluateQueryDemo(d *QueryDemo) *QueryDemoFeedback {
	fb := &QueryDemoFeedback{}
	q, err := in.Registry.Query(d.Query, d.Args)
	if err != nil {
		fb.Diagnostics = append(fb.Diagnostics, Diagnostic{
			Severity: SeverityError,
			Message:  fmt.Sprintf("Failed to instantiate query:\n%v", err),
		})
		return fb
	}
	for i, a := range d.Answers {
		if msg := checkAnswer(q, a); msg != "" {
			fb.AnswerDiagnostics = append(fb.AnswerDiagnostics, AnswerDiagnostic{
				Answer:     AnswerID{Answer: i},
				Diagnostic: Diagnostic{Severity: SeverityError, Message: msg},
			})
		}
	}
	return fb
}

func checkAnswer(q *core.Query, a Answer) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("Internal parser error: %v", r)
		}
	}()
	if _, err := q.ParseAnswer(a.Translate()); err != nil {
		return fmt.Sprintf("Parse error: %v", err)
	}
	return ""
}

// EvaluateDemo evaluates one demonstration of either kind.
func (in *Interpreter) EvaluateDemo(d Demo) Feedback {
	fb := Feedback{Label: d.Label()}
	switch {
	case d.Strategy != nil:
		fb.Strategy, _ = in.EvaluateStrategyDemo(d.Strategy)
	case d.Query != nil:
		fb.Query = in.EvaluateQueryDemo(d.Query)
	}
	return fb
}

// EvaluateFile evaluates the demonstrations of a file concurrently, each in
// its own session. Feedback is returned in file order. Only cancellation of
// ctx produces an error.
func (in *Interpreter) EvaluateFile(ctx context.Context, f File) ([]Feedback, error) {
	out := make([]Feedback, len(f))
	g, gctx := errgroup.WithContext(ctx)
	if in.Parallelism > 0 {
		g.SetLimit(in.Parallelism)
	}
	for i, d := range f {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = in.EvaluateDemo(d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logging.Demo("evaluated %d demonstrations", len(f))
	return out, nil
}
