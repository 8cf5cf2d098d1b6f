package policy

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stratum/internal/core"
	"stratum/internal/oracle"
	"stratum/internal/stream"
	"stratum/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func intQuery(name string) *core.Query {
	return &core.Query{Name: name, Args: map[string]any{}, Parse: func(a core.Answer) (any, error) {
		return strconv.Atoi(a.Text)
	}}
}

func pairs() core.Strategy {
	return core.Strategy{Name: "pairs", Body: func(s *core.Suspender) (any, error) {
		x := s.Choose(core.QuerySpace("cands", intQuery("x"))).(int)
		y := s.Choose(core.QuerySpace("cands", intQuery("y"))).(int)
		if x == y {
			return nil, s.Fail("equal")
		}
		return x*10 + y, nil
	}}
}

func pairsOracle() *oracle.Static {
	o := oracle.NewStatic()
	o.Add("x", map[string]any{}, core.Answer{Text: "1"}, core.Answer{Text: "2"})
	o.Add("y", map[string]any{}, core.Answer{Text: "1"}, core.Answer{Text: "oops"}, core.Answer{Text: "3"})
	return o
}

func search(t *testing.T, st core.Strategy, p Policy, env *Env) (*core.Tree, stream.Stream) {
	t.Helper()
	root, err := core.NewSession(trace.Hook(env.Tracer)).Reify(st)
	require.NoError(t, err)
	return root, p.Search(root, env)
}

func TestDFSEnumeratesSolutions(t *testing.T) {
	env := NewEnv(context.Background(), pairsOracle())
	env.NumAnswers = 3
	_, s := search(t, pairs(), DFS{}, env)

	sum := stream.Drain(s)
	var got []any
	for _, v := range sum.Solutions {
		got = append(got, v.Data)
	}
	assert.Equal(t, []any{13, 21, 23}, got)
	assert.Equal(t, float64(3), sum.Spent[stream.NumRequests])
	require.NoError(t, env.Tracer.Trace().CheckConsistency())

	var parseErrors int
	for _, m := range env.Tracer.Messages() {
		if m.Message == "parse error" {
			parseErrors++
		}
	}
	assert.Equal(t, 2, parseErrors)
}

func TestDFSBranchingAndDepth(t *testing.T) {
	env := NewEnv(context.Background(), pairsOracle())
	env.NumAnswers = 3
	_, s := search(t, pairs(), DFS{MaxBranching: 1}, env)
	sum := stream.Drain(s)
	assert.Empty(t, sum.Solutions, "first x=1 then first y=1 fails")

	env = NewEnv(context.Background(), pairsOracle())
	env.NumAnswers = 3
	_, s = search(t, pairs(), DFS{MaxDepth: 1}, env)
	assert.Empty(t, stream.Drain(s).Solutions)
}

func TestDFSUnderBudget(t *testing.T) {
	env := NewEnv(context.Background(), pairsOracle())
	env.NumAnswers = 3
	_, s := search(t, pairs(), DFS{}, env)

	sum := stream.Drain(s.WithBudget(stream.Limit{stream.NumRequests: 1}))
	assert.Empty(t, sum.Solutions)
	assert.Equal(t, float64(2), sum.Spent[stream.NumRequests])

	env = NewEnv(context.Background(), pairsOracle())
	env.NumAnswers = 3
	_, s = search(t, pairs(), DFS{}, env)
	sum = stream.Drain(s.Take(1))
	require.Len(t, sum.Solutions, 1)
	assert.Equal(t, 13, sum.Solutions[0].Data)
}

func TestDFSComputationsAndNestedSpaces(t *testing.T) {
	inner := core.Strategy{Name: "double", Body: func(s *core.Suspender) (any, error) {
		x := s.Choose(core.QuerySpace("cands", intQuery("x"))).(int)
		return core.Computed(s, "double", map[string]any{"x": x}, func() (int, error) { return 2 * x, nil })
	}}
	outer := core.Strategy{Name: "outer", Body: func(s *core.Suspender) (any, error) {
		v := s.Choose(core.NestedSpace("cands", inner))
		return v.(int) + 1, nil
	}}
	env := NewEnv(context.Background(), pairsOracle())
	env.NumAnswers = 2
	root, s := search(t, outer, DFS{}, env)

	var got []any
	for _, v := range stream.Drain(s).Solutions {
		got = append(got, v.Data)
	}
	assert.Equal(t, []any{3, 5}, got)
	assert.Greater(t, root.Session().Len(), 5)
	require.NoError(t, env.Tracer.Trace().CheckConsistency())
}

func TestDFSLogsStrategyExceptions(t *testing.T) {
	st := core.Strategy{Name: "crash", Body: func(s *core.Suspender) (any, error) {
		x := s.Choose(core.QuerySpace("cands", intQuery("x"))).(int)
		if x == 1 {
			return nil, errors.New("cannot handle 1")
		}
		return x, nil
	}}
	env := NewEnv(context.Background(), pairsOracle())
	env.NumAnswers = 2
	_, s := search(t, st, DFS{}, env)

	sum := stream.Drain(s)
	require.Len(t, sum.Solutions, 1)
	assert.Equal(t, 2, sum.Solutions[0].Data)
	msgs := env.Tracer.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, trace.SeverityError, msgs[0].Severity)
}

func TestCancelledContextStopsOracleCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := pairsOracle()
	env := NewEnv(ctx, o)
	_, s := search(t, pairs(), DFS{}, env)
	assert.Empty(t, stream.Drain(s).Solutions)
	assert.Equal(t, 0, o.Calls())
}

func TestOracleFailureIsLogged(t *testing.T) {
	env := NewEnv(context.Background(), nil)
	_, s := search(t, pairs(), DFS{}, env)
	assert.Empty(t, stream.Drain(s).Solutions)
	msgs := env.Tracer.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "oracle request failed", msgs[0].Message)
	require.NotNil(t, msgs[0].Node)
}
