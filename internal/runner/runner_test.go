package runner

import (
	"context"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stratum/internal/abduction"
	"stratum/internal/cache"
	"stratum/internal/core"
	"stratum/internal/logic"
	"stratum/internal/metrics"
	"stratum/internal/oracle"
	"stratum/internal/policy"
	"stratum/internal/registry"
	"stratum/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func intQuery(name string) *core.Query {
	return &core.Query{Name: name, Args: map[string]any{}, Parse: func(a core.Answer) (any, error) {
		return strconv.Atoi(a.Text)
	}}
}

// pick returns any answer to x.
func pick() core.Strategy {
	return core.Strategy{Name: "pick", Body: func(s *core.Suspender) (any, error) {
		return s.Choose(core.QuerySpace("cands", intQuery("x"))).(int), nil
	}}
}

// sum adds an answer to x and an answer to y.
func sum() core.Strategy {
	return core.Strategy{Name: "sum", Body: func(s *core.Suspender) (any, error) {
		x := s.Choose(core.QuerySpace("cands", intQuery("x"))).(int)
		y := s.Choose(core.QuerySpace("cands", intQuery("y"))).(int)
		return x + y, nil
	}}
}

func numbers() *oracle.Static {
	o := oracle.NewStatic()
	o.Add("x", map[string]any{}, core.Answer{Text: "1"}, core.Answer{Text: "2"}, core.Answer{Text: "3"})
	o.Add("y", map[string]any{}, core.Answer{Text: "10"})
	return o
}

func TestRunCollectsValues(t *testing.T) {
	m := metrics.New()
	resp, err := Run(context.Background(), Args{
		Strategy:     pick(),
		Policy:       policy.DFS{},
		Oracle:       numbers(),
		NumGenerated: 2,
		NumAnswers:   3,
		ExportTrace:  true,
		ExportLog:    true,
		Metrics:      m,
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.False(t, resp.Interrupted)
	assert.Equal(t, []any{1, 2}, resp.Values)
	assert.Equal(t, stream.Budget{stream.NumRequests: 1}, resp.Spent)
	require.NotNil(t, resp.Trace)
	assert.NotEmpty(t, resp.Trace.Nodes)
	assert.NotEmpty(t, resp.Trace.Answers)
	assert.Positive(t, resp.Nodes)
	_, err = uuid.Parse(resp.RunID)
	assert.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Solutions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BudgetSpent.WithLabelValues(stream.NumRequests)))
}

func TestRunWithoutExports(t *testing.T) {
	resp, err := Run(context.Background(), Args{Strategy: pick(), Policy: policy.DFS{}, Oracle: numbers()})
	require.NoError(t, err)
	assert.Equal(t, []any{1}, resp.Values)
	assert.Nil(t, resp.Trace)
	assert.Nil(t, resp.Log)
}

func TestRunExportsBrowsableTrace(t *testing.T) {
	resp, err := Run(context.Background(), Args{
		Strategy:        pick(),
		Policy:          policy.DFS{},
		Oracle:          numbers(),
		ExportBrowsable: true,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Trace)
	require.Len(t, resp.Browsable, 1)
	root := resp.Browsable[0]
	require.NotEmpty(t, root.Answers)
	assert.Equal(t, "1", root.Answers[0].Answer.Text)
	assert.NotEmpty(t, root.Children)
}

func TestRunStopsOnBudget(t *testing.T) {
	resp, err := Run(context.Background(), Args{
		Strategy: sum(),
		Policy:   policy.DFS{},
		Oracle:   numbers(),
		Budget:   stream.Limit{stream.NumRequests: 0},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Values)
	assert.Equal(t, stream.Budget{stream.NumRequests: 1}, resp.Spent)

	resp, err = Run(context.Background(), Args{
		Strategy: sum(),
		Policy:   policy.DFS{},
		Oracle:   numbers(),
		Budget:   stream.Limit{stream.NumRequests: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{11}, resp.Values)
}

func TestRunInterrupted(t *testing.T) {
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := Run(ctx, Args{Strategy: pick(), Policy: policy.DFS{}, Oracle: numbers(), Metrics: m})
	require.NoError(t, err)
	assert.True(t, resp.Interrupted)
	assert.False(t, resp.Success)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("interrupted")))
}

func unprovable(t *testing.T) core.Strategy {
	t.Helper()
	kb, err := logic.FromSpec(logic.Spec{Requires: map[string][]string{"G": {"D"}, "D": {"E"}}})
	require.NoError(t, err)
	return logic.Strategy(kb, "G")
}

func TestRunUnprovableGoalReturns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := Run(ctx, Args{
		Strategy: unprovable(t),
		Policy:   abduction.AbductAndSaturate{},
		Budget:   stream.Limit{stream.NumRequests: 1},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.False(t, resp.Interrupted)
	assert.Empty(t, resp.Values)
}

func TestRunCancelsEndlessSearch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan *Response, 1)
	go func() {
		resp, err := Run(ctx, Args{
			Strategy: unprovable(t),
			Policy:   abduction.AbductAndSaturate{MaxStaleRollouts: math.MaxInt},
		})
		assert.NoError(t, err)
		done <- resp
	}()
	select {
	case resp := <-done:
		require.NotNil(t, resp)
		assert.True(t, resp.Interrupted)
		assert.Empty(t, resp.Values)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after its context expired")
	}
}

func TestRunReportsStrategyErrors(t *testing.T) {
	boom := errors.New("boom")
	st := core.Strategy{Name: "broken", Body: func(*core.Suspender) (any, error) { return nil, boom }}
	_, err := Run(context.Background(), Args{Strategy: st, Policy: policy.DFS{}})
	assert.ErrorIs(t, err, boom)

	_, err = Run(context.Background(), Args{Strategy: pick()})
	assert.Error(t, err)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.MustRegisterStrategy("pick", func(map[string]any) (core.Strategy, error) { return pick(), nil })
	reg.MustRegisterPolicy("dfs", func(map[string]any) (policy.Policy, error) { return policy.DFS{}, nil })
	return reg
}

func TestRunNamedWithCache(t *testing.T) {
	reg := testRegistry(t)
	inner := numbers()
	m := metrics.New()
	args := NamedArgs{
		Strategy: "pick",
		Policy:   "dfs",
		Cache:    &cache.Spec{Root: t.TempDir(), Mode: cache.ReadWrite, Format: cache.FormatDB},
	}

	first, err := RunNamed(context.Background(), reg, inner, m, args)
	require.NoError(t, err)
	assert.Equal(t, []any{1}, first.Values)
	assert.Equal(t, stream.Budget{stream.NumRequests: 1}, first.Spent)

	second, err := RunNamed(context.Background(), reg, inner, m, args)
	require.NoError(t, err)
	assert.Equal(t, first.Values, second.Values)
	assert.Empty(t, second.Spent)
	assert.Equal(t, 1, inner.Calls())
	assert.NotEqual(t, first.RunID, second.RunID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))

	args.Cache.Root = t.TempDir()
	args.Cache.Mode = cache.ReadOnly
	args.ExportLog = true
	resp, err := RunNamed(context.Background(), reg, inner, nil, args)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotEmpty(t, resp.Log, "read-only misses are logged as failed requests")
	assert.Equal(t, 1, inner.Calls())
}

func TestRunNamedUnknownNames(t *testing.T) {
	reg := testRegistry(t)
	_, err := RunNamed(context.Background(), reg, nil, nil, NamedArgs{Strategy: "nope", Policy: "dfs"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = RunNamed(context.Background(), reg, nil, nil, NamedArgs{Strategy: "pick", Policy: "bfs"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
