package abduction

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stratum/internal/core"
	"stratum/internal/navigation"
	"stratum/internal/oracle"
	"stratum/internal/policy"
	"stratum/internal/stream"
	"stratum/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// oracles implements the four abduction oracles with plain functions over
// string facts; the goal is "".
type oracles struct {
	prove      func(proved []string, fact string) Outcome
	suggest    func(feedback any) []string
	equivalent func(facts []string, fact string) any
	redundant  func(proved []string, fact string) bool
}

func pure(name string, fn func() any) core.Space {
	return core.NestedSpace("", core.Strategy{Name: name, Body: func(*core.Suspender) (any, error) {
		return fn(), nil
	}})
}

func factNames(vs []core.Value) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Data.(string)
	}
	return out
}

func (o oracles) node() *Abduction {
	return &Abduction{
		Prove: func(proved []ProvedFact, fact *core.Value) core.Space {
			var names []string
			for _, p := range proved {
				names = append(names, p.Fact.Data.(string))
			}
			f := ""
			if fact != nil {
				f = fact.Data.(string)
			}
			return pure("prove", func() any { return o.prove(names, f) })
		},
		Suggest: func(feedback core.Value) core.Space {
			return pure("suggest", func() any { return o.suggest(feedback.Data) })
		},
		SearchEquivalent: func(facts []core.Value, fact core.Value) core.Space {
			return pure("search_equivalent", func() any {
				if o.equivalent == nil {
					return nil
				}
				return o.equivalent(factNames(facts), fact.Data.(string))
			})
		},
		Redundant: func(facts []core.Value, fact core.Value) core.Space {
			return pure("is_redundant", func() any {
				if o.redundant == nil {
					return false
				}
				return o.redundant(factNames(facts), fact.Data.(string))
			})
		},
	}
}

func (o oracles) strategy() core.Strategy {
	return core.Strategy{Name: "prove_goal", Body: func(s *core.Suspender) (any, error) {
		return Abduce(s, o.node()), nil
	}}
}

func key(fact string) string {
	if fact == "" {
		return ""
	}
	return core.CanonicalJSON(fact)
}

func keys(facts ...string) []string {
	out := make([]string, len(facts))
	for i, f := range facts {
		out[i] = key(f)
	}
	return out
}

func scenarioC() oracles {
	return oracles{
		prove: func(proved []string, fact string) Outcome {
			switch {
			case fact == "L1":
				return Outcome{Status: Proved, Payload: "P1"}
			case fact == "" && slices.Contains(proved, "L1"):
				return Outcome{Status: Proved, Payload: "PG"}
			case fact == "":
				return Outcome{Status: Feedback, Payload: "need L1"}
			}
			return Outcome{Status: Feedback, Payload: "?"}
		},
		suggest: func(any) []string { return []string{"L1"} },
	}
}

type run struct {
	env       *policy.Env
	root      *core.Tree
	snapshots []Snapshot
}

func start(t *testing.T, st core.Strategy, p AbductAndSaturate, o oracle.Oracle) (*run, stream.Stream) {
	t.Helper()
	return startWithContext(t, context.Background(), st, p, o)
}

func startWithContext(t *testing.T, ctx context.Context, st core.Strategy, p AbductAndSaturate, o oracle.Oracle) (*run, stream.Stream) {
	t.Helper()
	r := &run{env: policy.NewEnv(ctx, o)}
	root, err := core.NewSession(trace.Hook(r.env.Tracer)).Reify(st)
	require.NoError(t, err)
	r.root = root
	p.Observer = func(s Snapshot) { r.snapshots = append(r.snapshots, s) }
	return r, p.Search(root, r.env)
}

func (r *run) last() Snapshot { return r.snapshots[len(r.snapshots)-1] }

func checkPartition(t *testing.T, s Snapshot) {
	t.Helper()
	owner := map[string]string{}
	for name, set := range map[string][]string{
		"candidates": s.Candidates, "proved": s.Proved, "disproved": s.Disproved, "redundant": s.Redundant,
	} {
		for _, k := range set {
			prev, dup := owner[k]
			assert.False(t, dup, "fact %q in both %s and %s", k, prev, name)
			owner[k] = name
		}
	}
	for _, k := range s.Tracked {
		_, ok := owner[k]
		assert.True(t, ok, "tracked fact %q lies in no set", k)
	}
}

func TestScenarioC(t *testing.T) {
	r, s := start(t, scenarioC().strategy(), AbductAndSaturate{}, nil)
	sum := stream.Drain(s)

	require.Len(t, sum.Solutions, 1)
	assert.Equal(t, "PG", sum.Solutions[0].Data)
	final := r.last()
	assert.ElementsMatch(t, keys("L1", ""), final.Proved)
	assert.Empty(t, final.Candidates)
	for _, snap := range r.snapshots {
		checkPartition(t, snap)
	}
	require.NoError(t, r.env.Tracer.Trace().CheckConsistency())
}

func TestGoalDisprovedAborts(t *testing.T) {
	o := oracles{
		prove:   func([]string, string) Outcome { return Outcome{Status: Disproved} },
		suggest: func(any) []string { return nil },
	}
	r, s := start(t, o.strategy(), AbductAndSaturate{}, nil)
	assert.Empty(t, stream.Drain(s).Solutions)
	assert.Equal(t, keys(""), r.last().Disproved)
}

func TestEmptyOracleAborts(t *testing.T) {
	node := scenarioC().node()
	node.Prove = func([]ProvedFact, *core.Value) core.Space {
		return core.NestedSpace("", core.Strategy{Name: "no_answer", Body: func(s *core.Suspender) (any, error) {
			return nil, s.Fail("no proof attempt")
		}})
	}
	st := core.Strategy{Name: "g", Body: func(s *core.Suspender) (any, error) { return Abduce(s, node), nil }}
	_, s := start(t, st, AbductAndSaturate{}, nil)
	assert.Empty(t, stream.Drain(s).Solutions)
}

func TestEquivalentFactsAreFolded(t *testing.T) {
	o := oracles{
		prove: func(proved []string, fact string) Outcome {
			switch fact {
			case "Y":
				return Outcome{Status: Proved, Payload: "pY"}
			case "X":
				if slices.Contains(proved, "Y") {
					return Outcome{Status: Proved, Payload: "pX"}
				}
				return Outcome{Status: Feedback, Payload: "X needs Y"}
			case "":
				if slices.Contains(proved, "X") {
					return Outcome{Status: Proved, Payload: "pG"}
				}
				return Outcome{Status: Feedback, Payload: "goal needs X"}
			}
			return Outcome{Status: Feedback, Payload: "?"}
		},
		suggest: func(fb any) []string {
			if fb == "goal needs X" {
				return []string{"X"}
			}
			return []string{"Xalias", "Y"}
		},
		equivalent: func(facts []string, fact string) any {
			if fact == "Xalias" && slices.Contains(facts, "X") {
				return "X"
			}
			return nil
		},
	}
	r, s := start(t, o.strategy(), AbductAndSaturate{}, nil)
	sum := stream.Drain(s)

	require.Len(t, sum.Solutions, 1)
	assert.Equal(t, "pG", sum.Solutions[0].Data)
	final := r.last()
	assert.Equal(t, map[string]string{key("Xalias"): key("X")}, final.Equivalent)
	assert.Equal(t, keys("Y", "X", ""), final.Proved)
	assert.NotContains(t, final.Tracked, key("Xalias"))
	for _, snap := range r.snapshots {
		checkPartition(t, snap)
	}
}

func TestRedundantAndDisprovedFacts(t *testing.T) {
	o := oracles{
		prove: func(proved []string, fact string) Outcome {
			switch fact {
			case "A":
				return Outcome{Status: Proved, Payload: "pA"}
			case "C":
				return Outcome{Status: Disproved}
			}
			return Outcome{Status: Feedback, Payload: "stuck"}
		},
		suggest: func(any) []string { return []string{"A", "B", "C"} },
		redundant: func(proved []string, fact string) bool {
			return fact == "B" && slices.Contains(proved, "A")
		},
	}
	r, s := start(t, o.strategy(), AbductAndSaturate{MaxRollouts: 2}, nil)
	assert.Empty(t, stream.Drain(s).Solutions)

	final := r.last()
	assert.Equal(t, keys("A"), final.Proved)
	assert.Equal(t, keys("B"), final.Redundant)
	assert.Equal(t, keys("C"), final.Disproved)
	assert.Equal(t, keys(""), final.Candidates)
	for _, snap := range r.snapshots {
		checkPartition(t, snap)
	}
}

func TestProvedFactsAreNeverRetracted(t *testing.T) {
	// Each rollout proves one more fact; earlier proofs stay in place.
	o := oracles{
		prove: func(proved []string, fact string) Outcome {
			switch fact {
			case "weak", "strong":
				return Outcome{Status: Proved, Payload: "p-" + fact}
			case "":
				if len(proved) == 2 {
					return Outcome{Status: Proved, Payload: "pG"}
				}
			}
			return Outcome{Status: Feedback, Payload: strings.Join(proved, ",")}
		},
		suggest: func(fb any) []string {
			if fb == "" {
				return []string{"weak"}
			}
			return []string{"strong"}
		},
	}
	r, s := start(t, o.strategy(), AbductAndSaturate{}, nil)
	require.Len(t, stream.Drain(s).Solutions, 1)
	assert.Equal(t, keys("weak", "strong", ""), r.last().Proved)
}

func TestLaterLemmaPromotesEarlierCandidate(t *testing.T) {
	// B is proved in the same batch that made A a candidate, and saturation
	// then proves A before any of the batch is scored.
	var equivalenceCalls [][]string
	o := oracles{
		prove: func(proved []string, fact string) Outcome {
			switch fact {
			case "B":
				return Outcome{Status: Proved, Payload: "pB"}
			case "A":
				if slices.Contains(proved, "B") {
					return Outcome{Status: Proved, Payload: "pA"}
				}
				return Outcome{Status: Feedback, Payload: "A needs B"}
			case "":
				if slices.Contains(proved, "A") {
					return Outcome{Status: Proved, Payload: "pG"}
				}
				return Outcome{Status: Feedback, Payload: "goal needs A, B"}
			}
			return Outcome{Status: Feedback, Payload: "?"}
		},
		suggest: func(any) []string { return []string{"A", "B"} },
		equivalent: func(facts []string, fact string) any {
			equivalenceCalls = append(equivalenceCalls, append([]string{fact}, facts...))
			return nil
		},
	}
	r, s := start(t, o.strategy(), AbductAndSaturate{}, nil)
	sum := stream.Drain(s)

	require.Len(t, sum.Solutions, 1)
	assert.Equal(t, "pG", sum.Solutions[0].Data)
	assert.Equal(t, keys("B", "A", ""), r.last().Proved)
	assert.Empty(t, r.last().Candidates)
	// The batch is canonicalized before any of it is admitted.
	assert.Equal(t, [][]string{{"A"}, {"B"}}, equivalenceCalls)
	for _, snap := range r.snapshots {
		checkPartition(t, snap)
	}
	require.NoError(t, r.env.Tracer.Trace().CheckConsistency())
}

// unprovable needs D, which needs E, which nothing can establish.
func unprovable() oracles {
	return oracles{
		prove: func(proved []string, fact string) Outcome {
			switch fact {
			case "":
				return Outcome{Status: Feedback, Payload: []any{"D"}}
			case "D":
				return Outcome{Status: Feedback, Payload: []any{"E"}}
			}
			return Outcome{Status: Feedback, Payload: []any{}}
		},
		suggest: func(fb any) []string {
			var out []string
			for _, f := range fb.([]any) {
				out = append(out, f.(string))
			}
			return out
		},
	}
}

func TestUnprovableGoalGivesUp(t *testing.T) {
	r, s := start(t, unprovable().strategy(), AbductAndSaturate{}, nil)

	barriers := 0
	for e := range s {
		require.NotEqual(t, stream.KindSolution, e.Kind)
		if e.Kind == stream.KindBarrier {
			barriers++
		}
	}
	assert.Equal(t, keys("", "D", "E"), r.last().Candidates)
	// One barrier per rollout; the first rollout is the only one that grows
	// the partition.
	assert.Equal(t, (3+1)*DefaultMaxRolloutDepth+1, barriers)
	for _, snap := range r.snapshots {
		checkPartition(t, snap)
	}

	_, s = start(t, unprovable().strategy(), AbductAndSaturate{MaxStaleRollouts: 2}, nil)
	assert.Len(t, collectKinds(s), 3)
}

func collectKinds(s stream.Stream) []stream.Kind {
	var out []stream.Kind
	for e := range s {
		out = append(out, e.Kind)
	}
	return out
}

func TestBarrierLetsConsumerStopUnprovableSearch(t *testing.T) {
	_, s := start(t, unprovable().strategy(), AbductAndSaturate{MaxStaleRollouts: 1 << 30}, nil)
	seen := 0
	for e := range s {
		assert.Equal(t, stream.KindBarrier, e.Kind)
		seen++
		if seen == 5 {
			break
		}
	}
	assert.Equal(t, 5, seen)
}

func TestCancelledContextEndsSearch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, s := startWithContext(t, ctx, unprovable().strategy(), AbductAndSaturate{MaxStaleRollouts: 1 << 30}, nil)
	assert.Empty(t, collectKinds(s))
	require.Len(t, r.snapshots, 1)
	assert.Equal(t, keys(""), r.snapshots[0].Candidates)
}

func TestSelectedCandidateCountsAsVisited(t *testing.T) {
	type call struct{ proposed, visited float64 }
	var calls []call
	o := oracles{
		prove: func(proved []string, fact string) Outcome {
			return Outcome{Status: Feedback, Payload: fact}
		},
		suggest: func(any) []string { return []string{"A"} },
	}
	p := AbductAndSaturate{
		MaxRolloutDepth: 1,
		MaxRollouts:     2,
		Scoring: func(proposed, visited float64) float64 {
			calls = append(calls, call{proposed, visited})
			return DefaultScoring(proposed, visited)
		},
	}
	_, s := start(t, o.strategy(), p, nil)
	stream.Drain(s)
	assert.Equal(t, []call{{1, 0}, {2, 1}}, calls)
}

func TestScoring(t *testing.T) {
	assert.Zero(t, DefaultScoring(0, 0))
	assert.Equal(t, -2.0, DefaultScoring(0, 2))
	assert.Equal(t, -1.0, DefaultScoring(4, 2))
	assert.Greater(t, DefaultScoring(4, 1), DefaultScoring(1, 1))
}

func TestConsumerStopEndsSearch(t *testing.T) {
	_, s := start(t, scenarioC().strategy(), AbductAndSaturate{}, nil)
	for range s {
		break
	}
}

// queryNode asks the prove oracle through queries, so that requests show
// up as spending in the stream.
func queryNode() *Abduction {
	n := scenarioC().node()
	n.Prove = func(proved []ProvedFact, fact *core.Value) core.Space {
		var names []string
		for _, p := range proved {
			names = append(names, p.Fact.Data.(string))
		}
		f := ""
		if fact != nil {
			f = fact.Data.(string)
		}
		q := &core.Query{
			Name: "prove",
			Args: map[string]any{"proved": strings.Join(names, ","), "fact": f},
			Parse: func(a core.Answer) (any, error) {
				status, payload, _ := strings.Cut(a.Text, ":")
				return Outcome{Status: Status(status), Payload: payload}, nil
			},
		}
		return core.QuerySpace("", q)
	}
	return n
}

func TestQueryOraclesSpendBudget(t *testing.T) {
	o := oracle.NewStatic()
	o.Add("prove", map[string]any{"proved": "", "fact": ""}, core.Answer{Text: "feedback:need L1"})
	o.Add("prove", map[string]any{"proved": "", "fact": "L1"}, core.Answer{Text: "proved:P1"})
	o.Add("prove", map[string]any{"proved": "L1", "fact": ""}, core.Answer{Text: "proved:PG"})
	st := core.Strategy{Name: "g", Body: func(s *core.Suspender) (any, error) { return Abduce(s, queryNode()), nil }}

	_, s := start(t, st, AbductAndSaturate{}, o)
	sum := stream.Drain(s)
	require.Len(t, sum.Solutions, 1)
	assert.Equal(t, "PG", sum.Solutions[0].Data)
	assert.Equal(t, float64(3), sum.Spent[stream.NumRequests])

	_, s = start(t, st, AbductAndSaturate{}, o)
	sum = stream.Drain(s.WithBudget(stream.Limit{stream.NumRequests: 1}))
	assert.Empty(t, sum.Solutions, "budget exhaustion aborts the search")
}

func TestNavigateFollowsDemonstrationWalk(t *testing.T) {
	root, err := core.NewSession().Reify(scenarioC().strategy())
	require.NoError(t, err)
	nav := &navigation.Navigator{Resolver: noAnswers{}}
	leaf, _, err := nav.FollowHints(root, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "PG", leaf.Node.(*core.Success).Result)

	o := scenarioC()
	o.prove = func(proved []string, fact string) Outcome {
		if fact == "L1" {
			return Outcome{Status: Disproved}
		}
		return Outcome{Status: Feedback, Payload: "need L1"}
	}
	root, err = core.NewSession().Reify(o.strategy())
	require.NoError(t, err)
	_, _, err = nav.FollowHints(root, nil, nil, nil)
	assert.ErrorContains(t, err, "disproved")
}

type noAnswers struct{}

func (noAnswers) Resolve(navigation.AttachedQuery, *navigation.Hint, func() (string, error)) (*core.Answer, error) {
	return nil, nil
}

func TestSearchRejectsOtherNodes(t *testing.T) {
	st := core.Strategy{Name: "plain", Body: func(*core.Suspender) (any, error) { return 1, nil }}
	r, s := start(t, st, AbductAndSaturate{}, nil)
	assert.Empty(t, stream.Drain(s).Solutions)
	require.Len(t, r.env.Tracer.Messages(), 1)
}
