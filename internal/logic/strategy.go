package logic

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"stratum/internal/abduction"
	"stratum/internal/core"
	"stratum/internal/policy"
	"stratum/internal/registry"
)

// Strategy proves goal by abduction, with every oracle answered by kb
// through a recorded computation.
func Strategy(kb *KB, goal string) core.Strategy {
	return core.Strategy{
		Name: "prove_fact",
		Args: map[string]any{"goal": goal},
		Body: func(s *core.Suspender) (any, error) {
			return abduction.Abduce(s, node(kb, goal)), nil
		},
	}
}

func node(kb *KB, goal string) *abduction.Abduction {
	return &abduction.Abduction{
		Prove: func(proved []abduction.ProvedFact, fact *core.Value) core.Space {
			names := make([]string, len(proved))
			for i, p := range proved {
				names[i] = factName(p.Fact)
			}
			target := goal
			if fact != nil {
				target = factName(*fact)
			}
			return computation("kb_prove", map[string]any{"proved": names, "fact": target},
				func() (abduction.Outcome, error) { return kb.Prove(names, target) })
		},
		Suggest: func(feedback core.Value) core.Space {
			return computation("kb_suggest", map[string]any{"feedback": feedback.Data},
				func() ([]string, error) { return kb.Suggest(feedback.Data), nil })
		},
		SearchEquivalent: func(facts []core.Value, fact core.Value) core.Space {
			names := factNames(facts)
			f := factName(fact)
			return nested("kb_equivalent", func(s *core.Suspender) (any, error) {
				eq, err := core.Computed(s, "kb_equivalent", map[string]any{"facts": names, "fact": f},
					func() (string, error) { return kb.Equivalent(names, f) })
				if err != nil || eq == "" {
					return nil, err
				}
				return eq, nil
			})
		},
		Redundant: func(facts []core.Value, fact core.Value) core.Space {
			names := factNames(facts)
			f := factName(fact)
			return computation("kb_redundant", map[string]any{"facts": names, "fact": f},
				func() (bool, error) { return kb.Redundant(names, f) })
		},
	}
}

// AssistedStrategy is Strategy with the suggestion oracle asked through
// the suggest_lemmas query instead of read off kb. The oracle is told which
// premises are missing and answers with the facts worth proving next.
func AssistedStrategy(kb *KB, goal string) core.Strategy {
	return core.Strategy{
		Name: "prove_fact_assisted",
		Args: map[string]any{"goal": goal},
		Body: func(s *core.Suspender) (any, error) {
			n := node(kb, goal)
			n.Suggest = func(feedback core.Value) core.Space {
				return core.QuerySpace("", SuggestQuery(kb.Suggest(feedback.Data)))
			}
			return abduction.Abduce(s, n), nil
		},
	}
}

// SuggestQuery asks for the facts to prove next when missing are the
// premises that do not hold yet. Answers are YAML lists of facts.
func SuggestQuery(missing []string) *core.Query {
	if missing == nil {
		missing = []string{}
	}
	return &core.Query{
		Name:  "suggest_lemmas",
		Args:  map[string]any{"missing": missing},
		Parse: parseFacts,
	}
}

func parseFacts(a core.Answer) (any, error) {
	var facts []string
	if a.Structured != nil {
		items, ok := a.Structured.([]any)
		if !ok {
			return nil, fmt.Errorf("expected a list of facts, got %T", a.Structured)
		}
		for _, it := range items {
			f, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("expected a fact, got %T", it)
			}
			facts = append(facts, f)
		}
	} else if err := yaml.Unmarshal([]byte(a.Text), &facts); err != nil {
		return nil, fmt.Errorf("expected a YAML list of facts: %w", err)
	}
	if facts == nil {
		facts = []string{}
	}
	return facts, nil
}

func nested(name string, body func(*core.Suspender) (any, error)) core.Space {
	return core.NestedSpace("", core.Strategy{Name: name, Body: body})
}

// computation is a nested space whose single success is the recorded
// result of fn.
func computation[T any](name string, args map[string]any, fn func() (T, error)) core.Space {
	return nested(name, func(s *core.Suspender) (any, error) {
		v, err := core.Computed(s, name, args, fn)
		return v, err
	})
}

func factName(v core.Value) string {
	if s, ok := v.Data.(string); ok {
		return s
	}
	return fmt.Sprint(v.Data)
}

func factNames(vs []core.Value) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = factName(v)
	}
	return out
}

// =============================================================================
// REGISTRATION
// =============================================================================

type proveArgs struct {
	Goal string `json:"goal"`
	File string `json:"file,omitempty"`
	KB   *Spec  `json:"kb,omitempty"`
}

type dfsArgs struct {
	MaxDepth     int `json:"max_depth,omitempty"`
	MaxBranching int `json:"max_branching,omitempty"`
}

type abductArgs struct {
	MaxRolloutDepth  int  `json:"max_rollout_depth,omitempty"`
	MaxRollouts      int  `json:"max_rollouts,omitempty"`
	MaxStaleRollouts int  `json:"max_stale_rollouts,omitempty"`
	Verbose          bool `json:"verbose,omitempty"`
	dfsArgs
}

type suggestArgs struct {
	Missing []string `json:"missing"`
}

func loadKB(a proveArgs) (*KB, error) {
	if a.Goal == "" {
		return nil, errors.New("goal is required")
	}
	switch {
	case a.File != "" && a.KB != nil:
		return nil, errors.New("give either file or kb, not both")
	case a.File != "":
		return LoadFile(a.File)
	case a.KB != nil:
		return FromSpec(*a.KB)
	}
	return New()
}

// Register exposes the prove_fact and prove_fact_assisted strategies, the
// suggest_lemmas query and the dfs and abduct_and_saturate policies. Both
// strategies read their knowledge base from a YAML file or an inline
// description.
func Register(reg *registry.Registry) error {
	return errors.Join(
		reg.RegisterStrategy("prove_fact", registry.Typed(func(a proveArgs) (core.Strategy, error) {
			kb, err := loadKB(a)
			if err != nil {
				return core.Strategy{}, fmt.Errorf("prove_fact: %w", err)
			}
			return Strategy(kb, a.Goal), nil
		})),
		reg.RegisterStrategy("prove_fact_assisted", registry.Typed(func(a proveArgs) (core.Strategy, error) {
			kb, err := loadKB(a)
			if err != nil {
				return core.Strategy{}, fmt.Errorf("prove_fact_assisted: %w", err)
			}
			return AssistedStrategy(kb, a.Goal), nil
		})),
		reg.RegisterQuery("suggest_lemmas", func(args map[string]any) (*core.Query, error) {
			a, err := registry.DecodeArgs[suggestArgs](args)
			if err != nil {
				return nil, err
			}
			return SuggestQuery(a.Missing), nil
		}),
		reg.RegisterPolicy("dfs", func(args map[string]any) (policy.Policy, error) {
			a, err := registry.DecodeArgs[dfsArgs](args)
			if err != nil {
				return nil, err
			}
			return policy.DFS{MaxDepth: a.MaxDepth, MaxBranching: a.MaxBranching}, nil
		}),
		reg.RegisterPolicy("abduct_and_saturate", func(args map[string]any) (policy.Policy, error) {
			a, err := registry.DecodeArgs[abductArgs](args)
			if err != nil {
				return nil, err
			}
			return abduction.AbductAndSaturate{
				MaxRolloutDepth:  a.MaxRolloutDepth,
				MaxRollouts:      a.MaxRollouts,
				MaxStaleRollouts: a.MaxStaleRollouts,
				Verbose:          a.Verbose,
				Inner:            policy.DFS{MaxDepth: a.MaxDepth, MaxBranching: a.MaxBranching},
			}, nil
		}),
	)
}
