// Package abduction implements the Abduction node and the
// abduct-and-saturate search policy: a goal is proved by recursively
// suggesting, canonicalizing and proving helper facts.
package abduction

import (
	"fmt"

	"stratum/internal/core"
)

// Status of a prove attempt.
type Status string

const (
	Proved    Status = "proved"
	Disproved Status = "disproved"
	Feedback  Status = "feedback"
)

// Outcome is the value produced by the prove oracle. Payload holds the proof
// when proved and the feedback otherwise.
type Outcome struct {
	Status  Status `json:"status" yaml:"status"`
	Payload any    `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// ProvedFact pairs a proved fact with its proof.
type ProvedFact struct {
	Fact  core.Value
	Proof core.Value
}

// Abduction is a node requesting a proof of the goal. Its spaces are built
// on demand from the oracle constructors; a nil fact denotes the goal.
//
//   - Prove yields an Outcome for fact given proved facts.
//   - Suggest yields a list of facts that may help, given feedback.
//   - SearchEquivalent yields one of facts equivalent to fact, or nil.
//   - Redundant yields a bool: whether fact follows from facts.
type Abduction struct {
	Prove            func(proved []ProvedFact, fact *core.Value) core.Space
	Suggest          func(feedback core.Value) core.Space
	SearchEquivalent func(facts []core.Value, fact core.Value) core.Space
	Redundant        func(facts []core.Value, fact core.Value) core.Space
}

func (a *Abduction) EffectName() string           { return "Abduction" }
func (a *Abduction) Leaf() bool                   { return false }
func (a *Abduction) Tags() []string               { return nil }
func (a *Abduction) Spaces() []core.Space         { return nil }
func (a *Abduction) PrimarySpace() core.SpaceName { return "" }

// Abduce suspends the strategy on node and returns the proof of the goal.
func Abduce(s *core.Suspender, node *Abduction) any {
	return s.Suspend(node)
}

// Space names encode every argument, so that distinct oracle calls induce
// distinct nested trees.

func (a *Abduction) proveSpace(proved []ProvedFact, fact *core.Value) core.Space {
	sp := a.Prove(proved, fact)
	keys := make([]string, len(proved))
	for i, p := range proved {
		keys[i] = FactKey(&p.Fact)
	}
	sp.Name = spaceName("prove", keys, FactKey(fact))
	return sp
}

func (a *Abduction) suggestSpace(feedback core.Value) core.Space {
	sp := a.Suggest(feedback)
	sp.Name = spaceName("suggest", core.CanonicalJSON(feedback.Data))
	return sp
}

func (a *Abduction) equivalentSpace(facts []core.Value, fact core.Value) core.Space {
	sp := a.SearchEquivalent(facts, fact)
	sp.Name = spaceName("search_equivalent", valueKeys(facts), FactKey(&fact))
	return sp
}

func (a *Abduction) redundantSpace(facts []core.Value, fact core.Value) core.Space {
	sp := a.Redundant(facts, fact)
	sp.Name = spaceName("is_redundant", valueKeys(facts), FactKey(&fact))
	return sp
}

func spaceName(kind string, args ...any) core.SpaceName {
	return core.SpaceName(kind + core.CanonicalJSON(args))
}

func valueKeys(vs []core.Value) []string {
	keys := make([]string, len(vs))
	for i := range vs {
		keys[i] = FactKey(&vs[i])
	}
	return keys
}

// FactKey identifies a fact by the canonical encoding of its value. The
// goal (nil) has the empty key.
func FactKey(fact *core.Value) string {
	if fact == nil {
		return ""
	}
	return core.CanonicalJSON(fact.Data)
}

// Navigate proves the goal the way a demonstration does: prove each fact
// directly, or prove every suggestion recursively and retry.
func (a *Abduction) Navigate(open core.Opener) (core.Value, error) {
	var prove func(fact *core.Value) (core.Value, error)
	prove = func(fact *core.Value) (core.Value, error) {
		res, err := open(a.proveSpace(nil, fact))
		if err != nil {
			return core.Value{}, err
		}
		out, err := asOutcome(res)
		if err != nil {
			return core.Value{}, err
		}
		switch out.Status {
		case Proved:
			return core.Value{Ref: res.Ref, Data: out.Payload}, nil
		case Disproved:
			return core.Value{}, fmt.Errorf("abduction: fact %s was disproved", describe(fact))
		}
		suggs, err := open(a.suggestSpace(core.Value{Ref: res.Ref, Data: out.Payload}))
		if err != nil {
			return core.Value{}, err
		}
		facts, err := suggs.Elements()
		if err != nil {
			return core.Value{}, err
		}
		var proved []ProvedFact
		for i := range facts {
			proof, err := prove(&facts[i])
			if err != nil {
				return core.Value{}, err
			}
			proved = append(proved, ProvedFact{Fact: facts[i], Proof: proof})
		}
		res, err = open(a.proveSpace(proved, fact))
		if err != nil {
			return core.Value{}, err
		}
		out, err = asOutcome(res)
		if err != nil {
			return core.Value{}, err
		}
		if out.Status != Proved {
			return core.Value{}, fmt.Errorf("abduction: fact %s not proved after proving its suggestions", describe(fact))
		}
		return core.Value{Ref: res.Ref, Data: out.Payload}, nil
	}
	return prove(nil)
}

func asOutcome(v core.Value) (Outcome, error) {
	switch out := v.Data.(type) {
	case Outcome:
		return out, nil
	case *Outcome:
		return *out, nil
	}
	return Outcome{}, fmt.Errorf("abduction: prove produced %T, expected an Outcome", v.Data)
}

func describe(fact *core.Value) string {
	if fact == nil {
		return "<goal>"
	}
	return FactKey(fact)
}
