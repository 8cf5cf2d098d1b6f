// Package navigation walks strategy trees deterministically, consuming
// textual hints and stopping at nodes matching tag selectors.
package navigation

import (
	"errors"
	"fmt"
	"slices"

	"stratum/internal/core"
	"stratum/internal/logging"
	"stratum/internal/trace"
)

// AttachedQuery is a query together with the space it was issued from.
type AttachedQuery struct {
	Query *core.Query
	Ref   core.GlobalSpaceRef
}

// HintResolver produces answers for queries met during navigation. With a
// nil hint it returns the default answer. A nil answer means none exists.
type HintResolver interface {
	Resolve(q AttachedQuery, hint *Hint, implicit func() (string, error)) (*core.Answer, error)
}

// =============================================================================
// NAVIGATION ERRORS
// =============================================================================

// MatchedSelector is returned when the stop selector matched a node.
type MatchedSelector struct {
	Tree      *core.Tree
	Remaining []Hint
}

func (e *MatchedSelector) Error() string {
	return fmt.Sprintf("selector matched at %s", e.Tree.Ref)
}

// Stuck is returned when no answer can be found for a query.
type Stuck struct {
	Tree      *core.Tree
	Space     core.SpaceName
	Remaining []Hint
}

func (e *Stuck) Error() string {
	return fmt.Sprintf("stuck at space %q of %s", e.Space, e.Tree.Ref)
}

// ReachedFailureNode is returned when the walk ends on a failure leaf.
type ReachedFailureNode struct {
	Tree      *core.Tree
	Remaining []Hint
}

func (e *ReachedFailureNode) Error() string {
	msg := ""
	if f, ok := e.Tree.Node.(*core.Failure); ok {
		msg = f.Message
	}
	return fmt.Sprintf("reached failure node at %s: %s", e.Tree.Ref, msg)
}

// InvalidSpace is returned for a reference to a space the node lacks.
type InvalidSpace struct {
	Tree  *core.Tree
	Space core.SpaceName
}

func (e *InvalidSpace) Error() string {
	return fmt.Sprintf("invalid reference to space '%s'", e.Space)
}

// NoPrimarySpace is returned when a node has no default space.
type NoPrimarySpace struct {
	Tree *core.Tree
}

func (e *NoPrimarySpace) Error() string {
	return fmt.Sprintf("node %s has no primary space", e.Tree.Node.EffectName())
}

// AnswerParseError is returned when a resolved answer cannot be parsed.
type AnswerParseError struct {
	Query  string
	Answer core.Answer
	Err    error
}

func (e *AnswerParseError) Error() string {
	return fmt.Sprintf("failed to parse answer to %s: %v", e.Query, e.Err)
}

func (e *AnswerParseError) Unwrap() error { return e.Err }

// IsNavigationError reports whether err is one of the navigation errors
// (as opposed to a strategy error or an internal failure).
func IsNavigationError(err error) bool {
	var (
		matched *MatchedSelector
		stuck   *Stuck
		failed  *ReachedFailureNode
		invalid *InvalidSpace
		noPrim  *NoPrimarySpace
		parse   *AnswerParseError
	)
	return errors.As(err, &matched) || errors.As(err, &stuck) || errors.As(err, &failed) ||
		errors.As(err, &invalid) || errors.As(err, &noPrim) || errors.As(err, &parse)
}

// =============================================================================
// NAVIGATOR
// =============================================================================

// Navigator walks trees using a hint resolver.
type Navigator struct {
	Resolver HintResolver
	// Tracer, when set, records every answer consumed.
	Tracer *trace.Tracer
}

// FollowHints walks from tree, using hints in order to answer queries and
// default answers once they run out. Without a stop selector the walk ends at
// a success leaf; with one, it ends with *MatchedSelector when the selector
// matches. Remaining hints are returned in every case.
func (n *Navigator) FollowHints(tree *core.Tree, hints []Hint, until NodeSelector, enc EncounteredTags) (*core.Tree, []Hint, error) {
	if enc == nil {
		enc = EncounteredTags{}
	}
	w := &walk{nav: n, hints: slices.Clone(hints)}
	t, err := w.follow(tree, until, enc)
	logging.NavigationDebug("follow_hints stopped at %s with %d remaining hints (err=%v)", t.Ref, len(w.hints), err)
	return t, w.hints, err
}

type walk struct {
	nav   *Navigator
	hints []Hint
}

func (w *walk) follow(tree *core.Tree, until NodeSelector, enc EncounteredTags) (*core.Tree, error) {
	for {
		node := tree.Node
		enc.Observe(node.Tags())
		if sel, ok := until.(TagSelectors); ok && sel.Matches(node.Tags(), enc) {
			return tree, &MatchedSelector{Tree: tree, Remaining: w.hints}
		}
		if node.Leaf() {
			if _, ok := node.(*core.Success); ok {
				return tree, nil
			}
			return tree, &ReachedFailureNode{Tree: tree, Remaining: w.hints}
		}
		current := tree
		action, err := node.Navigate(func(space core.Space) (core.Value, error) {
			return w.open(current, space, until, enc)
		})
		if err != nil {
			return tree, err
		}
		child, err := tree.Child(action)
		if err != nil {
			return tree, err
		}
		tree = child
	}
}

func (w *walk) open(tree *core.Tree, space core.Space, until NodeSelector, enc EncounteredTags) (core.Value, error) {
	// The primary space's tags are the node's own and were counted with it.
	if space.Name != tree.Node.PrimarySpace() {
		enc.Observe(space.Tags)
	}
	if space.Query != nil {
		return w.answer(tree, space)
	}
	sub, err := tree.Spawn(space)
	if err != nil {
		return core.Value{}, err
	}
	var inner NodeSelector
	if ws, ok := until.(WithinSpace); ok && ws.Space.Matches(space.Tags, enc) {
		inner = ws.Selector
	}
	leaf, err := w.follow(sub, inner, EncounteredTags{})
	if err != nil {
		return core.Value{}, err
	}
	v, _ := leaf.SuccessValue(space.Name)
	return v, nil
}

func (w *walk) answer(tree *core.Tree, space core.Space) (core.Value, error) {
	q := space.Query
	aq := AttachedQuery{Query: q, Ref: tree.SpaceRef(space.Name)}
	resolver := w.nav.Resolver

	var ans *core.Answer
	if len(w.hints) > 0 && w.hints[0].AppliesTo(q.Name) {
		a, err := resolver.Resolve(aq, &w.hints[0], q.Implicit)
		if err != nil {
			return core.Value{}, err
		}
		if a != nil {
			logging.NavigationDebug("hint %s used for %s", w.hints[0], q.Name)
			ans = a
			w.hints = w.hints[1:]
		}
	}
	if ans == nil {
		a, err := resolver.Resolve(aq, nil, q.Implicit)
		if err != nil {
			return core.Value{}, err
		}
		if a == nil {
			return core.Value{}, &Stuck{Tree: tree, Space: space.Name, Remaining: w.hints}
		}
		ans = a
	}

	data, err := q.ParseAnswer(*ans)
	if err != nil {
		return core.Value{}, &AnswerParseError{Query: q.Name, Answer: *ans, Err: err}
	}
	if w.nav.Tracer != nil {
		w.nav.Tracer.TraceAnswer(aq.Ref, *ans)
	}
	return core.Value{Ref: core.ValueRef{Space: space.Name, Answer: ans}, Data: data}, nil
}

// SpaceRef names a space of a node, by space name or by one of its tags.
// The empty reference denotes the primary space.
type SpaceRef struct {
	Name core.SpaceName
}

// ParseSpaceRef parses the textual form used in test commands.
func ParseSpaceRef(s string) SpaceRef {
	return SpaceRef{Name: core.SpaceName(s)}
}

// ResolveSpaceRef returns the space of tree's node designated by ref.
func ResolveSpaceRef(tree *core.Tree, ref SpaceRef) (core.Space, error) {
	node := tree.Node
	if ref.Name == "" {
		prim := node.PrimarySpace()
		if prim == "" {
			return core.Space{}, &NoPrimarySpace{Tree: tree}
		}
		if s, ok := core.FindSpace(node, prim); ok {
			return s, nil
		}
		return core.Space{}, &NoPrimarySpace{Tree: tree}
	}
	if s, ok := core.FindSpace(node, ref.Name); ok {
		return s, nil
	}
	for _, s := range node.Spaces() {
		if slices.Contains(s.Tags, string(ref.Name)) {
			return s, nil
		}
	}
	return core.Space{}, &InvalidSpace{Tree: tree, Space: ref.Name}
}

// Answer resolves the default answer of a query space without moving,
// recording it in the tracer. It returns *Stuck when no answer exists.
func (n *Navigator) Answer(tree *core.Tree, space core.Space) (core.Value, error) {
	if space.Query == nil {
		return core.Value{}, fmt.Errorf("space %q is not a query space", space.Name)
	}
	w := &walk{nav: n}
	return w.answer(tree, space)
}
