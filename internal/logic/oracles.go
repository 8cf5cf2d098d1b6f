package logic

import (
	"fmt"
	"slices"

	"stratum/internal/abduction"
	"stratum/internal/logging"
)

// Prove decides fact assuming every fact in proved holds. A refuted fact is
// disproved; a fact that holds, or whose premises all hold, is proved with
// its justification as payload. Otherwise the feedback lists the premises
// still missing.
func (kb *KB) Prove(proved []string, fact string) (abduction.Outcome, error) {
	m, err := kb.Eval(proved)
	if err != nil {
		return abduction.Outcome{}, err
	}
	if m.Refuted(fact) {
		logging.LogicDebug("%q is refuted", fact)
		return abduction.Outcome{Status: abduction.Disproved}, nil
	}
	if why, ok := m.Justify(fact); ok {
		return abduction.Outcome{Status: abduction.Proved, Payload: fmt.Sprintf("%s (%s)", fact, why)}, nil
	}
	missing := m.Missing(fact)
	if missing == nil {
		missing = []string{}
	}
	return abduction.Outcome{Status: abduction.Feedback, Payload: missing}, nil
}

// Suggest turns prove feedback into facts worth proving: the missing
// premises, in order.
func (kb *KB) Suggest(feedback any) []string {
	switch f := feedback.(type) {
	case []string:
		return append([]string{}, f...)
	case []any:
		out := make([]string, 0, len(f))
		for _, x := range f {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

// Equivalent returns the first of facts equivalent to fact, or "".
func (kb *KB) Equivalent(facts []string, fact string) (string, error) {
	m, err := kb.Eval(nil)
	if err != nil {
		return "", err
	}
	for _, f := range facts {
		if f != fact && m.Equivalent(fact, f) {
			return f, nil
		}
	}
	return "", nil
}

// Redundant reports whether fact already holds given the other facts.
// A fact only provable from its own premises is not redundant: it still
// has to be proved and assumed before its dependents go through.
func (kb *KB) Redundant(facts []string, fact string) (bool, error) {
	others := slices.DeleteFunc(slices.Clone(facts), func(f string) bool { return f == fact })
	m, err := kb.Eval(others)
	if err != nil {
		return false, err
	}
	return m.Holds(fact), nil
}
