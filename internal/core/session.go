package core

import (
	"errors"
	"fmt"

	"stratum/internal/logging"
)

// ErrReplayDiverged is returned when replaying recorded actions does not
// reproduce the recorded suspensions, i.e. the strategy is not deterministic.
var ErrReplayDiverged = errors.New("strategy replay diverged")

// Hook is called on every node materialization.
type Hook func(t *Tree)

// Session owns the tree identity cache for one top-level run. Every
// traversal of a root reads and extends the same cache, and each reference
// is materialized at most once. A session is not safe for concurrent use.
type Session struct {
	cache map[string]*Tree
	hooks []Hook
	runs  int
}

// NewSession creates an empty session.
func NewSession(hooks ...Hook) *Session {
	return &Session{cache: make(map[string]*Tree), hooks: hooks}
}

// AddHook registers a hook for subsequent materializations.
func (s *Session) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

// Reify materializes the root tree of st.
func (s *Session) Reify(st Strategy) (*Tree, error) {
	if t, ok := s.cache[Root.String()]; ok {
		return t, nil
	}
	return s.materialize(&st, Root, nil)
}

// Lookup returns the cached tree at ref, if materialized.
func (s *Session) Lookup(ref GlobalNodePath) (*Tree, bool) {
	t, ok := s.cache[ref.String()]
	return t, ok
}

// Len returns the number of materialized trees.
func (s *Session) Len() int { return len(s.cache) }

// Runs returns how many times strategy bodies were executed.
func (s *Session) Runs() int { return s.runs }

func (s *Session) materialize(st *Strategy, ref GlobalNodePath, actions []any) (*Tree, error) {
	node, err := s.run(st, actions)
	if err != nil {
		logging.Get(logging.CategoryReify).Warn("materialize %s failed: %v", ref, err)
		return nil, err
	}
	t := &Tree{
		Node:     node,
		Ref:      ref,
		session:  s,
		strategy: st,
		actions:  actions,
		children: make(map[string]*Tree),
	}
	s.cache[ref.String()] = t
	logging.ReifyDebug("materialized %s node at %s", node.EffectName(), ref)
	for _, h := range s.hooks {
		h(t)
	}
	return t, nil
}

// run executes st from scratch, feeding it actions, and returns the node at
// which it next suspends (or its terminal leaf).
func (s *Session) run(st *Strategy, actions []any) (Node, error) {
	s.runs++
	ex := start(st)
	defer ex.stop()
	for i := 0; ; i++ {
		node, res := ex.step()
		if res != nil {
			if res.err != nil {
				return nil, res.err
			}
			if i < len(actions) {
				return nil, fmt.Errorf("%w: %s returned after %d of %d actions", ErrReplayDiverged, st.Name, i, len(actions))
			}
			return &Success{Result: res.value}, nil
		}
		if i == len(actions) {
			return node, nil
		}
		if node.Leaf() {
			return nil, fmt.Errorf("%w: %s reached a leaf after %d of %d actions", ErrReplayDiverged, st.Name, i, len(actions))
		}
		ex.resume(actions[i])
	}
}

// =============================================================================
// TREES
// =============================================================================

// Tree is a node together with its address and lazily materialized children.
type Tree struct {
	Node Node
	Ref  GlobalNodePath

	session  *Session
	strategy *Strategy
	actions  []any
	children map[string]*Tree
}

// Session returns the session owning the tree.
func (t *Tree) Session() *Session { return t.session }

// Strategy returns the strategy the tree was reified from.
func (t *Tree) Strategy() *Strategy { return t.strategy }

// Child returns the tree reached by taking action at t, materializing it on
// first request.
func (t *Tree) Child(action Value) (*Tree, error) {
	if t.Node.Leaf() {
		return nil, ErrLeafNavigation
	}
	ref := t.Ref.Child(action.Ref)
	key := ref.String()
	if c, ok := t.children[key]; ok {
		return c, nil
	}
	if c, ok := t.session.cache[key]; ok {
		t.children[key] = c
		return c, nil
	}
	actions := make([]any, len(t.actions), len(t.actions)+1)
	copy(actions, t.actions)
	c, err := t.session.materialize(t.strategy, ref, append(actions, action.Data))
	if err != nil {
		return nil, err
	}
	t.children[key] = c
	return c, nil
}

// Spawn returns the root of the tree induced by a nested space of t.
func (t *Tree) Spawn(space Space) (*Tree, error) {
	if space.Nested == nil {
		return nil, fmt.Errorf("space %q is not a nested-tree space", space.Name)
	}
	ref := t.Ref.Nest(space.Name)
	if c, ok := t.session.cache[ref.String()]; ok {
		return c, nil
	}
	return t.session.materialize(space.Nested, ref, nil)
}

// SpaceRef returns the global reference of a space of t.
func (t *Tree) SpaceRef(name SpaceName) GlobalSpaceRef {
	return GlobalSpaceRef{Node: t.Ref, Space: name}
}

// SuccessValue returns the tracked result of a success leaf, addressed by its
// path in its own tree.
func (t *Tree) SuccessValue(space SpaceName) (Value, bool) {
	s, ok := t.Node.(*Success)
	if !ok {
		return Value{}, false
	}
	return Value{Ref: ValueRef{Space: space, Nested: t.Ref.Path}, Data: s.Result}, true
}
