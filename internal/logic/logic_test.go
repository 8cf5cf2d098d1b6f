package logic

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stratum/internal/abduction"
	"stratum/internal/core"
	"stratum/internal/oracle"
	"stratum/internal/policy"
	"stratum/internal/registry"
	"stratum/internal/stream"
	"stratum/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// goal needs a and b; b needs c, which follows from the axiom d.
var chain = Spec{
	Axioms:   []string{"a", "d"},
	Requires: map[string][]string{"goal": {"a", "b"}, "b": {"c"}},
	Implies:  [][]string{{"d", "c"}},
}

func mustKB(t *testing.T, spec Spec) *KB {
	t.Helper()
	kb, err := FromSpec(spec)
	require.NoError(t, err)
	return kb
}

func TestEvalDerivesFacts(t *testing.T) {
	kb := mustKB(t, Spec{
		Axioms:   []string{"a"},
		Requires: map[string][]string{"g": {"a", "b", "z"}},
		Implies:  [][]string{{"a", "b"}},
		Equiv:    [][]string{{"b", "b1"}, {"b1", "b2"}},
		Refuted:  []string{"x"},
	})
	m, err := kb.Eval(nil)
	require.NoError(t, err)

	assert.True(t, m.Holds("a"))
	assert.True(t, m.Holds("b"))
	assert.True(t, m.Holds("b2"), "equivalence is transitive")
	assert.False(t, m.Holds("z"))
	assert.True(t, m.Equivalent("b2", "b"))
	assert.False(t, m.Equivalent("a", "b"))
	assert.True(t, m.Refuted("x"))
	assert.Equal(t, []string{"z"}, m.Missing("g"))
	assert.Equal(t, []string{"a", "b", "z"}, m.Requires("g"))

	m, err = kb.Eval([]string{"z"})
	require.NoError(t, err)
	assert.Empty(t, m.Missing("g"))
	why, ok := m.Justify("g")
	assert.True(t, ok)
	assert.Equal(t, "premises: a, b, z", why)
}

func TestAddValidatesPredicates(t *testing.T) {
	kb, err := New()
	require.NoError(t, err)
	assert.Error(t, kb.Add("holds", "a"))
	assert.Error(t, kb.Add("requires", "a"))
	require.NoError(t, kb.Add("axiom", "a"))
	assert.Equal(t, []Fact{{Predicate: "axiom", Args: []string{"a"}}}, kb.Facts())
	assert.Equal(t, `axiom("a").`, kb.Facts()[0].String())

	_, err = FromSpec(Spec{Equiv: [][]string{{"only"}}})
	assert.Error(t, err)
}

func TestProveOutcomes(t *testing.T) {
	kb := mustKB(t, Spec{
		Axioms:   []string{"a"},
		Requires: map[string][]string{"g": {"a", "b"}},
		Refuted:  []string{"r"},
	})

	out, err := kb.Prove(nil, "a")
	require.NoError(t, err)
	assert.Equal(t, abduction.Outcome{Status: abduction.Proved, Payload: "a (axiom)"}, out)

	out, err = kb.Prove(nil, "r")
	require.NoError(t, err)
	assert.Equal(t, abduction.Disproved, out.Status)

	out, err = kb.Prove(nil, "g")
	require.NoError(t, err)
	assert.Equal(t, abduction.Outcome{Status: abduction.Feedback, Payload: []string{"b"}}, out)
	assert.Equal(t, []string{"b"}, kb.Suggest(out.Payload))
	assert.Equal(t, []string{"b"}, kb.Suggest([]any{"b", 3}))
	assert.Empty(t, kb.Suggest("not a list"))

	out, err = kb.Prove([]string{"b"}, "g")
	require.NoError(t, err)
	assert.Equal(t, abduction.Proved, out.Status)

	out, err = kb.Prove(nil, "unknown")
	require.NoError(t, err)
	assert.Equal(t, abduction.Outcome{Status: abduction.Feedback, Payload: []string{}}, out)
}

func TestEquivalentAndRedundant(t *testing.T) {
	kb := mustKB(t, Spec{
		Equiv:   [][]string{{"p", "q"}},
		Implies: [][]string{{"p", "r"}},
	})

	eq, err := kb.Equivalent([]string{"x", "q"}, "p")
	require.NoError(t, err)
	assert.Equal(t, "q", eq)
	eq, err = kb.Equivalent([]string{"x"}, "p")
	require.NoError(t, err)
	assert.Empty(t, eq)

	red, err := kb.Redundant([]string{"p"}, "r")
	require.NoError(t, err)
	assert.True(t, red)
	red, err = kb.Redundant([]string{"r"}, "r")
	require.NoError(t, err)
	assert.False(t, red, "a fact never makes itself redundant")
}

func search(t *testing.T, st core.Strategy, p policy.Policy) (*policy.Env, stream.Summary) {
	t.Helper()
	env := policy.NewEnv(context.Background(), nil)
	root, err := core.NewSession(trace.Hook(env.Tracer)).Reify(st)
	require.NoError(t, err)
	return env, stream.Drain(p.Search(root, env))
}

func TestAbductionOverKnowledgeBase(t *testing.T) {
	env, sum := search(t, Strategy(mustKB(t, chain), "goal"), abduction.AbductAndSaturate{})

	require.Len(t, sum.Solutions, 1)
	assert.Equal(t, "goal (premises: a, b)", sum.Solutions[0].Data)
	require.NoError(t, env.Tracer.Trace().CheckConsistency())
}

func TestRefutedGoalHasNoProof(t *testing.T) {
	spec := chain
	spec.Refuted = []string{"goal"}
	_, sum := search(t, Strategy(mustKB(t, spec), "goal"), abduction.AbductAndSaturate{})
	assert.Empty(t, sum.Solutions)
}

func TestRegister(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{"prove_fact", "prove_fact_assisted"}, reg.Names(registry.KindStrategy))
	assert.Equal(t, []string{"suggest_lemmas"}, reg.Names(registry.KindQuery))
	assert.Equal(t, []string{"abduct_and_saturate", "dfs"}, reg.Names(registry.KindPolicy))

	path := filepath.Join(t.TempDir(), "kb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
axioms: [a, d]
requires:
  goal: [a, b]
  b: [c]
implies:
  - [d, c]
`), 0644))

	st, err := reg.Strategy("prove_fact", map[string]any{"goal": "goal", "file": path})
	require.NoError(t, err)
	p, err := reg.Policy("abduct_and_saturate", map[string]any{"max_rollouts": 5, "max_depth": 10})
	require.NoError(t, err)
	_, sum := search(t, st, p)
	require.Len(t, sum.Solutions, 1)

	st, err = reg.Strategy("prove_fact", map[string]any{
		"goal": "g",
		"kb":   map[string]any{"axioms": []any{"g"}},
	})
	require.NoError(t, err)
	_, sum = search(t, st, abduction.AbductAndSaturate{})
	require.Len(t, sum.Solutions, 1)
	assert.Equal(t, "g (axiom)", sum.Solutions[0].Data)

	_, err = reg.Strategy("prove_fact", map[string]any{})
	assert.Error(t, err)
	_, err = reg.Strategy("prove_fact", map[string]any{"goal": "g", "file": path, "kb": map[string]any{}})
	assert.Error(t, err)
	_, err = reg.Policy("dfs", map[string]any{"depth": 3})
	assert.Error(t, err)

	q, err := reg.Query("suggest_lemmas", map[string]any{"missing": []any{"b"}})
	require.NoError(t, err)
	assert.Equal(t, SuggestQuery([]string{"b"}).Fingerprint(), q.Fingerprint())
	_, err = reg.Query("suggest_lemmas", map[string]any{"facts": []any{"b"}})
	assert.Error(t, err)
}

func TestPromotedSuggestionsAreNotScored(t *testing.T) {
	// A and B are suggested together; proving B lets saturation prove A,
	// and D stays stuck on E.
	kb := mustKB(t, Spec{
		Axioms:   []string{"C"},
		Requires: map[string][]string{"G": {"A", "B", "D"}, "A": {"B"}, "B": {"C"}, "D": {"E"}},
	})
	var snaps []abduction.Snapshot
	p := abduction.AbductAndSaturate{Observer: func(s abduction.Snapshot) { snaps = append(snaps, s) }}
	_, sum := search(t, Strategy(kb, "G"), p)

	assert.Empty(t, sum.Solutions)
	require.NotEmpty(t, snaps)
	final := snaps[len(snaps)-1]
	assert.ElementsMatch(t, []string{`"A"`, `"B"`}, final.Proved)
	assert.ElementsMatch(t, []string{"", `"D"`, `"E"`}, final.Candidates)
}

func TestAssistedStrategyAsksOracle(t *testing.T) {
	o := oracle.NewStatic()
	o.Add("suggest_lemmas", map[string]any{"missing": []any{"b"}}, core.Answer{Text: "[b]"})

	env := policy.NewEnv(context.Background(), o)
	root, err := core.NewSession(trace.Hook(env.Tracer)).Reify(AssistedStrategy(mustKB(t, chain), "goal"))
	require.NoError(t, err)
	sum := stream.Drain(abduction.AbductAndSaturate{}.Search(root, env))

	require.Len(t, sum.Solutions, 1)
	assert.Equal(t, "goal (premises: a, b)", sum.Solutions[0].Data)
	assert.Equal(t, 1.0, sum.Spent[stream.NumRequests])
	assert.Equal(t, 1, o.Calls())
	require.NoError(t, env.Tracer.Trace().CheckConsistency())
}

func TestParseFacts(t *testing.T) {
	v, err := parseFacts(core.Answer{Text: "[a, b]"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v)

	v, err = parseFacts(core.Answer{Structured: []any{"c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, v)

	v, err = parseFacts(core.Answer{Text: ""})
	require.NoError(t, err)
	assert.Equal(t, []string{}, v)

	_, err = parseFacts(core.Answer{Text: "{a: b}"})
	assert.Error(t, err)
	_, err = parseFacts(core.Answer{Structured: []any{1}})
	assert.Error(t, err)
}
