// Package logic is a small Mangle knowledge base used as a source of
// abduction oracles: facts are strings, and rules say which facts hold,
// which are refuted and what each fact requires.
package logic

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"gopkg.in/yaml.v3"

	"stratum/internal/logging"
)

// Schema declares the base predicates and derives holds/1, entailed/1,
// equivalent/2 and missing/2 from them.
const Schema = `
Decl axiom(Fact).
Decl assumed(Fact).
Decl requires(Fact, Premise).
Decl refuted(Fact).
Decl equiv(Left, Right).
Decl implies(Premise, Fact).

holds(F) :- axiom(F).
holds(F) :- assumed(F).
holds(F) :- entailed(F).

entailed(F) :- implies(P, F), holds(P).
entailed(F) :- equivalent(F, G), holds(G).

equivalent(F, G) :- equiv(F, G).
equivalent(F, G) :- equiv(G, F).
equivalent(F, G) :- equivalent(F, H), equivalent(H, G).

missing(F, P) :- requires(F, P), !holds(P).
`

const defaultSlowEval = 500 * time.Millisecond

// DefaultFactLimit bounds the number of facts derived by one evaluation.
const DefaultFactLimit = 100000

// baseArity lists the predicates that may be asserted directly.
var baseArity = map[string]int{
	"axiom":    1,
	"requires": 2,
	"refuted":  1,
	"equiv":    2,
	"implies":  2,
}

// Fact is a base fact.
type Fact struct {
	Predicate string
	Args      []string
}

func (f Fact) String() string {
	quoted := make([]string, len(f.Args))
	for i, a := range f.Args {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(quoted, ", "))
}

// KB holds base facts and evaluates the schema over them on demand.
type KB struct {
	mu          sync.RWMutex
	programInfo *analysis.ProgramInfo
	facts       []Fact
	FactLimit   int
}

// New compiles the schema into an empty knowledge base.
func New() (*KB, error) {
	unit, err := parse.Unit(strings.NewReader(Schema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze schema: %w", err)
	}
	return &KB{programInfo: programInfo, FactLimit: DefaultFactLimit}, nil
}

// Add asserts a base fact.
func (kb *KB) Add(predicate string, args ...string) error {
	arity, ok := baseArity[predicate]
	if !ok {
		return fmt.Errorf("predicate %s is not a base predicate", predicate)
	}
	if len(args) != arity {
		return fmt.Errorf("predicate %s expects %d args, got %d", predicate, arity, len(args))
	}
	kb.add(Fact{Predicate: predicate, Args: args})
	return nil
}

func (kb *KB) add(f Fact) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.facts = append(kb.facts, f)
}

// Facts returns a copy of the base facts.
func (kb *KB) Facts() []Fact {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]Fact(nil), kb.facts...)
}

// =============================================================================
// FILE FORMAT
// =============================================================================

// Spec is the YAML (or JSON) description of a knowledge base.
type Spec struct {
	Axioms   []string            `yaml:"axioms,omitempty" json:"axioms,omitempty"`
	Requires map[string][]string `yaml:"requires,omitempty" json:"requires,omitempty"`
	Refuted  []string            `yaml:"refuted,omitempty" json:"refuted,omitempty"`
	Equiv    [][]string          `yaml:"equiv,omitempty" json:"equiv,omitempty"`
	Implies  [][]string          `yaml:"implies,omitempty" json:"implies,omitempty"`
}

// FromSpec builds a knowledge base from its description.
func FromSpec(spec Spec) (*KB, error) {
	kb, err := New()
	if err != nil {
		return nil, err
	}
	for _, a := range spec.Axioms {
		kb.add(Fact{"axiom", []string{a}})
	}
	facts := make([]string, 0, len(spec.Requires))
	for f := range spec.Requires {
		facts = append(facts, f)
	}
	sort.Strings(facts)
	for _, f := range facts {
		for _, p := range spec.Requires[f] {
			kb.add(Fact{"requires", []string{f, p}})
		}
	}
	for _, r := range spec.Refuted {
		kb.add(Fact{"refuted", []string{r}})
	}
	for _, pair := range spec.Equiv {
		if len(pair) != 2 {
			return nil, fmt.Errorf("equiv entry %v must have two facts", pair)
		}
		kb.add(Fact{"equiv", pair})
	}
	for _, pair := range spec.Implies {
		if len(pair) != 2 {
			return nil, fmt.Errorf("implies entry %v must have a premise and a fact", pair)
		}
		kb.add(Fact{"implies", pair})
	}
	return kb, nil
}

// LoadFile reads a YAML knowledge base.
func LoadFile(path string) (*KB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base %s: %w", path, err)
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base %s: %w", path, err)
	}
	return FromSpec(spec)
}

// =============================================================================
// EVALUATION
// =============================================================================

// Model is the result of evaluating the schema under a set of assumptions.
type Model struct {
	holds      map[string]bool
	axioms     map[string]bool
	assumed    map[string]bool
	refuted    map[string]bool
	requires   map[string][]string
	missing    map[string][]string
	equivalent map[string]map[string]bool
}

// Eval evaluates the knowledge base with the given facts assumed to hold.
func (kb *KB) Eval(assumed []string) (*Model, error) {
	timer := logging.StartTimer(logging.CategoryLogic, "Eval")
	defer timer.StopWithThreshold(defaultSlowEval)

	kb.mu.RLock()
	facts := append([]Fact(nil), kb.facts...)
	limit := kb.FactLimit
	kb.mu.RUnlock()

	store := factstore.NewSimpleInMemoryStore()
	for _, f := range facts {
		store.Add(atom(f.Predicate, f.Args...))
	}
	for _, a := range assumed {
		store.Add(atom("assumed", a))
	}

	var opts []mengine.EvalOption
	if limit > 0 {
		opts = append(opts, mengine.WithCreatedFactLimit(limit))
	}
	stats, err := mengine.EvalProgramWithStats(kb.programInfo, store, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate knowledge base: %w", err)
	}
	logging.LogicDebug("evaluated %d base facts, %d assumptions: %+v", len(facts), len(assumed), stats)

	m := &Model{equivalent: make(map[string]map[string]bool)}
	sets := []struct {
		predicate string
		dst       *map[string]bool
	}{
		{"holds", &m.holds},
		{"axiom", &m.axioms},
		{"assumed", &m.assumed},
		{"refuted", &m.refuted},
	}
	for _, st := range sets {
		if *st.dst, err = set(store, st.predicate); err != nil {
			return nil, err
		}
	}
	if m.requires, err = relation(store, "requires"); err != nil {
		return nil, err
	}
	if m.missing, err = relation(store, "missing"); err != nil {
		return nil, err
	}
	eqs, err := relation(store, "equivalent")
	if err != nil {
		return nil, err
	}
	for f, gs := range eqs {
		m.equivalent[f] = make(map[string]bool, len(gs))
		for _, g := range gs {
			m.equivalent[f][g] = true
		}
	}
	return m, nil
}

func atom(predicate string, args ...string) ast.Atom {
	terms := make([]ast.BaseTerm, len(args))
	for i, a := range args {
		terms[i] = ast.String(a)
	}
	return ast.NewAtom(predicate, terms...)
}

func str(term ast.BaseTerm) string {
	if c, ok := term.(ast.Constant); ok {
		return c.Symbol
	}
	return term.String()
}

func set(store factstore.FactStore, predicate string) (map[string]bool, error) {
	out := make(map[string]bool)
	err := store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: predicate, Arity: 1}), func(a ast.Atom) error {
		out[str(a.Args[0])] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s facts: %w", predicate, err)
	}
	return out, nil
}

// relation collects a binary predicate keyed by its first argument, with
// sorted second arguments.
func relation(store factstore.FactStore, predicate string) (map[string][]string, error) {
	out := make(map[string][]string)
	err := store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: predicate, Arity: 2}), func(a ast.Atom) error {
		k := str(a.Args[0])
		out[k] = append(out[k], str(a.Args[1]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s facts: %w", predicate, err)
	}
	for _, vs := range out {
		sort.Strings(vs)
	}
	return out, nil
}

// Holds reports whether fact holds in the model.
func (m *Model) Holds(fact string) bool { return m.holds[fact] }

// Refuted reports whether fact is refuted.
func (m *Model) Refuted(fact string) bool { return m.refuted[fact] }

// Missing returns the premises of fact that do not hold, sorted.
func (m *Model) Missing(fact string) []string { return m.missing[fact] }

// Requires returns the premises of fact, sorted.
func (m *Model) Requires(fact string) []string { return m.requires[fact] }

// Equivalent reports whether a and b are declared equivalent, directly
// or transitively.
func (m *Model) Equivalent(a, b string) bool { return a == b || m.equivalent[a][b] }

// Justify describes why fact holds, or returns false.
func (m *Model) Justify(fact string) (string, bool) {
	switch {
	case m.axioms[fact]:
		return "axiom", true
	case m.assumed[fact]:
		return "assumed", true
	case m.holds[fact]:
		return "entailed", true
	case len(m.requires[fact]) > 0 && len(m.missing[fact]) == 0:
		return "premises: " + strings.Join(m.requires[fact], ", "), true
	}
	return "", false
}
