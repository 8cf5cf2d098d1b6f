package abduction

import (
	"fmt"
	"math"

	"stratum/internal/core"
	"stratum/internal/logging"
	"stratum/internal/policy"
	"stratum/internal/stream"
	"stratum/internal/trace"
)

// ScoringFunc rates a candidate from how often it was proposed and visited.
type ScoringFunc func(numProposed, numVisited float64) float64

// DefaultScoring favors frequently suggested, rarely visited candidates.
func DefaultScoring(numProposed, numVisited float64) float64 {
	return -(numVisited / math.Max(1, math.Sqrt(numProposed)))
}

// DefaultMaxRolloutDepth bounds how deep a rollout descends from the goal.
const DefaultMaxRolloutDepth = 3

// AbductAndSaturate searches an Abduction node. Oracle spaces are explored
// with Inner (DFS by default). MaxRollouts bounds the number of rollouts
// (zero means unbounded; budgets usually end the search instead).
// MaxStaleRollouts bounds how many consecutive rollouts may leave the fact
// partition unchanged; zero derives the bound from the number of
// candidates and the rollout depth.
type AbductAndSaturate struct {
	MaxRolloutDepth  int
	MaxRollouts      int
	MaxStaleRollouts int
	Scoring          ScoringFunc
	Inner            policy.Policy
	Verbose          bool
	// Observer, when set, is called with the fact partition at every
	// stable point of the search.
	Observer func(Snapshot)
}

// Snapshot is a copy of the fact partition. Facts are given by key; the
// goal has the empty key.
type Snapshot struct {
	Candidates []string
	Proved     []string
	Disproved  []string
	Redundant  []string
	Tracked    []string
	Equivalent map[string]string
}

// signal is the control outcome of every step of the search.
type signal int

const (
	proceed    signal = iota
	abort             // an oracle produced nothing or the goal was disproved
	proofFound        // the goal entered the proved set
	stopped           // the consumer stopped pulling events
)

func (s signal) String() string {
	switch s {
	case proceed:
		return "proceed"
	case abort:
		return "abort"
	case proofFound:
		return "proof_found"
	case stopped:
		return "stopped"
	}
	return "unknown"
}

type candInfo struct {
	feedback    core.Value
	numProposed float64
	numVisited  float64
}

// ordered is an insertion-ordered map keyed by fact key.
type ordered[V any] struct {
	keys []string
	vals map[string]V
}

func newOrdered[V any]() *ordered[V] {
	return &ordered[V]{vals: make(map[string]V)}
}

func (o *ordered[V]) get(k string) (V, bool) {
	v, ok := o.vals[k]
	return v, ok
}

func (o *ordered[V]) has(k string) bool {
	_, ok := o.vals[k]
	return ok
}

func (o *ordered[V]) set(k string, v V) {
	if _, ok := o.vals[k]; !ok {
		o.keys = append(o.keys, k)
	}
	o.vals[k] = v
}

func (o *ordered[V]) len() int { return len(o.keys) }

func (o *ordered[V]) clone() *ordered[V] {
	c := newOrdered[V]()
	for _, k := range o.keys {
		c.set(k, o.vals[k])
	}
	return c
}

func (o *ordered[V]) clear() {
	o.keys = nil
	o.vals = make(map[string]V)
}

// Search implements policy.Policy.
func (p AbductAndSaturate) Search(tree *core.Tree, env *policy.Env) stream.Stream {
	return func(yield func(stream.Event) bool) {
		node, ok := tree.Node.(*Abduction)
		if !ok {
			env.Log(trace.SeverityError, "abduct_and_saturate: expected an Abduction node",
				map[string]any{"node": tree.Node.EffectName()}, tree)
			return
		}
		s := p.newSearch(tree, node, env, yield)
		s.run()
	}
}

type search struct {
	p     AbductAndSaturate
	tree  *core.Tree
	node  *Abduction
	env   *policy.Env
	inner policy.Policy
	yield func(stream.Event) bool

	candidates *ordered[*candInfo]
	proved     *ordered[core.Value]
	disproved  *ordered[struct{}]
	redundant  *ordered[struct{}]
	tracked    map[string]*core.Value
	equivalent map[string]string
}

func (p AbductAndSaturate) newSearch(tree *core.Tree, node *Abduction, env *policy.Env, yield func(stream.Event) bool) *search {
	if p.MaxRolloutDepth <= 0 {
		p.MaxRolloutDepth = DefaultMaxRolloutDepth
	}
	if p.Scoring == nil {
		p.Scoring = DefaultScoring
	}
	inner := p.Inner
	if inner == nil {
		inner = policy.DFS{}
	}
	return &search{
		p:          p,
		tree:       tree,
		node:       node,
		env:        env,
		inner:      inner,
		yield:      yield,
		candidates: newOrdered[*candInfo](),
		proved:     newOrdered[core.Value](),
		disproved:  newOrdered[struct{}](),
		redundant:  newOrdered[struct{}](),
		tracked:    map[string]*core.Value{"": nil},
		equivalent: make(map[string]string),
	}
}

func (s *search) run() {
	sig := s.addCandidate("")
	s.observe()
	stale := 0
	for rollout := 0; sig == proceed; rollout++ {
		if s.p.MaxRollouts > 0 && rollout >= s.p.MaxRollouts {
			logging.Abduction("giving up after %d rollouts", rollout)
			return
		}
		if ctx := s.env.Ctx; ctx != nil && ctx.Err() != nil {
			logging.Abduction("interrupted after %d rollouts: %v", rollout, ctx.Err())
			return
		}
		before := s.shape()
		sig = s.rollout()
		s.observe()
		if sig != proceed {
			break
		}
		if !s.yield(stream.Barrier()) {
			return
		}
		if s.shape() != before {
			stale = 0
			continue
		}
		stale++
		if limit := s.staleLimit(); stale >= limit {
			logging.Abduction("no progress in %d rollouts, giving up (candidates=%d proved=%d)", limit, s.candidates.len(), s.proved.len())
			return
		}
	}
	switch sig {
	case proofFound:
		s.emitProof()
	case abort:
		logging.Abduction("search aborted (proved=%d candidates=%d)", s.proved.len(), s.candidates.len())
	}
}

// shape summarizes the partition. Facts only move out of candidates into
// the other sets, so any change to the partition changes its shape.
type shape struct {
	candidates, proved, disproved, redundant, equivalent int
}

func (s *search) shape() shape {
	return shape{s.candidates.len(), s.proved.len(), s.disproved.len(), s.redundant.len(), len(s.equivalent)}
}

// staleLimit is how many consecutive rollouts may leave the partition
// unchanged before the search gives up.
func (s *search) staleLimit() int {
	if s.p.MaxStaleRollouts > 0 {
		return s.p.MaxStaleRollouts
	}
	return (s.candidates.len() + 1) * s.p.MaxRolloutDepth
}

func (s *search) rollout() signal {
	cur := ""
	for depth := 0; depth < s.p.MaxRolloutDepth; depth++ {
		suggs, order, sig := s.suggestions(cur)
		if sig != proceed {
			return sig
		}
		if len(order) == 0 {
			break
		}
		total := 0
		for _, k := range order {
			total += suggs[k]
		}
		var best *candInfo
		bestKey, bestScore := "", math.Inf(-1)
		for _, k := range order {
			c, _ := s.candidates.get(k)
			c.numProposed += float64(suggs[k]) / float64(total)
		}
		for _, k := range order {
			c, _ := s.candidates.get(k)
			if score := s.p.Scoring(c.numProposed, c.numVisited); best == nil || score > bestScore {
				best, bestKey, bestScore = c, k, score
			}
		}
		best.numVisited++
		s.log("selected candidate", map[string]any{"fact": bestKey, "score": bestScore, "depth": depth})
		cur = bestKey
	}
	return proceed
}

// suggestions asks for helper facts for candidate c and returns how many
// times each canonical fact still pending was suggested. The whole batch
// is canonicalized first, then admitted, then saturated once if some fact
// got proved; only facts still pending afterwards are counted.
func (s *search) suggestions(c string) (map[string]int, []string, signal) {
	info, ok := s.candidates.get(c)
	if !ok {
		return nil, nil, proceed
	}
	raw, ok := stream.TakeAll(s.env.Open(s.tree, s.node.suggestSpace(info.feedback), s.inner), s.yield)
	if !ok {
		return nil, nil, stopped
	}
	var suggested []string
	for _, r := range raw {
		facts, err := r.Elements()
		if err != nil {
			s.env.Log(trace.SeverityWarn, "abduct_and_saturate: suggestion is not a list", map[string]any{"error": err.Error()}, s.tree)
			continue
		}
		for i := range facts {
			key, sig := s.canonical(facts[i])
			if sig != proceed {
				return nil, nil, sig
			}
			suggested = append(suggested, key)
		}
	}

	before := s.proved.len()
	for _, key := range suggested {
		if s.isCanonical(key) {
			continue
		}
		if sig := s.addCandidate(key); sig != proceed {
			return nil, nil, sig
		}
	}
	if s.proved.len() > before {
		if sig := s.saturate(); sig != proceed {
			return nil, nil, sig
		}
	}

	counts := make(map[string]int)
	var order []string
	for _, key := range suggested {
		if !s.candidates.has(key) {
			continue
		}
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}
	return counts, order, proceed
}

// canonical folds fact onto an equivalent canonical fact when one exists,
// and otherwise starts tracking it.
func (s *search) canonical(fact core.Value) (string, signal) {
	key := FactKey(&fact)
	if s.isCanonical(key) {
		return key, proceed
	}
	if eq, ok := s.equivalent[key]; ok {
		return eq, proceed
	}
	canon := s.canonicalFacts()
	v, found, ok := stream.TakeOne(s.env.Open(s.tree, s.node.equivalentSpace(canon, fact), s.inner), s.yield)
	if !ok {
		return "", stopped
	}
	if !found {
		return "", abort
	}
	if v.Data != nil {
		eq := core.CanonicalJSON(v.Data)
		if s.isCanonical(eq) && eq != "" {
			s.equivalent[key] = eq
			s.log("folded equivalent fact", map[string]any{"fact": key, "onto": eq})
			return eq, proceed
		}
		s.env.Log(trace.SeverityWarn, "abduct_and_saturate: equivalence oracle returned a non-canonical fact", map[string]any{"fact": eq}, s.tree)
	}
	f := fact
	s.tracked[key] = &f
	return key, proceed
}

// addCandidate admits a tracked fact into the partition.
func (s *search) addCandidate(key string) signal {
	fact := s.tracked[key]
	if fact != nil {
		v, found, ok := stream.TakeOne(s.env.Open(s.tree, s.node.redundantSpace(s.provedFacts(), *fact), s.inner), s.yield)
		if !ok {
			return stopped
		}
		if !found {
			return abort
		}
		if r, _ := v.Data.(bool); r {
			s.redundant.set(key, struct{}{})
			s.log("redundant fact", map[string]any{"fact": key})
			return proceed
		}
	}
	v, found, ok := stream.TakeOne(s.env.Open(s.tree, s.node.proveSpace(s.provedList(), fact), s.inner), s.yield)
	if !ok {
		return stopped
	}
	if !found {
		return abort
	}
	out, err := asOutcome(v)
	if err != nil {
		s.env.Log(trace.SeverityError, err.Error(), nil, s.tree)
		return abort
	}
	switch out.Status {
	case Disproved:
		s.disproved.set(key, struct{}{})
		s.log("disproved fact", map[string]any{"fact": key})
		if key == "" {
			return abort
		}
	case Proved:
		s.proved.set(key, core.Value{Ref: v.Ref, Data: out.Payload})
		s.log("proved fact", map[string]any{"fact": key})
		if key == "" {
			return proofFound
		}
	default:
		s.candidates.set(key, &candInfo{feedback: core.Value{Ref: v.Ref, Data: out.Payload}})
	}
	return proceed
}

// saturate retries every candidate against the current proved facts until
// the number of candidates stops changing.
func (s *search) saturate() signal {
	for {
		old := s.candidates.clone()
		s.candidates.clear()
		for _, k := range old.keys {
			prev := old.vals[k]
			if sig := s.addCandidate(k); sig != proceed {
				return sig
			}
			if c, ok := s.candidates.get(k); ok {
				c.numProposed = prev.numProposed
				c.numVisited = prev.numVisited
			}
		}
		if s.candidates.len() == old.len() {
			return proceed
		}
	}
}

func (s *search) emitProof() {
	action, _ := s.proved.get("")
	child, err := s.tree.Child(action)
	if err != nil {
		s.env.Log(trace.SeverityError, "strategy exception", map[string]any{"error": err.Error()}, s.tree)
		return
	}
	v, ok := child.SuccessValue("")
	if !ok {
		s.env.Log(trace.SeverityError, "abduct_and_saturate: proving the goal did not reach a success leaf", nil, child)
		return
	}
	logging.Abduction("goal proved with %d proved facts", s.proved.len())
	s.yield(stream.Solution(v))
}

func (s *search) isCanonical(key string) bool {
	return s.candidates.has(key) || s.proved.has(key) || s.disproved.has(key) || s.redundant.has(key)
}

func (s *search) canonicalFacts() []core.Value {
	var out []core.Value
	for _, set := range [][]string{s.candidates.keys, s.proved.keys, s.disproved.keys, s.redundant.keys} {
		for _, k := range set {
			if f := s.tracked[k]; f != nil {
				out = append(out, *f)
			}
		}
	}
	return out
}

func (s *search) provedFacts() []core.Value {
	var out []core.Value
	for _, k := range s.proved.keys {
		if f := s.tracked[k]; f != nil {
			out = append(out, *f)
		}
	}
	return out
}

func (s *search) provedList() []ProvedFact {
	var out []ProvedFact
	for _, k := range s.proved.keys {
		if f := s.tracked[k]; f != nil {
			out = append(out, ProvedFact{Fact: *f, Proof: s.proved.vals[k]})
		}
	}
	return out
}

func (s *search) log(msg string, metadata map[string]any) {
	logging.AbductionDebug("%s %v", msg, metadata)
	if s.p.Verbose {
		s.env.Log(trace.SeverityInfo, msg, metadata, s.tree)
	}
}

func (s *search) observe() {
	if s.p.Observer == nil {
		return
	}
	snap := Snapshot{
		Candidates: append([]string(nil), s.candidates.keys...),
		Proved:     append([]string(nil), s.proved.keys...),
		Disproved:  append([]string(nil), s.disproved.keys...),
		Redundant:  append([]string(nil), s.redundant.keys...),
		Equivalent: make(map[string]string, len(s.equivalent)),
	}
	for k := range s.tracked {
		snap.Tracked = append(snap.Tracked, k)
	}
	for k, v := range s.equivalent {
		snap.Equivalent[k] = v
	}
	s.p.Observer(snap)
}

func (s Snapshot) String() string {
	return fmt.Sprintf("candidates=%v proved=%v disproved=%v redundant=%v", s.Candidates, s.Proved, s.Disproved, s.Redundant)
}
