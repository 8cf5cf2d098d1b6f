// Package core implements the strategy-tree runtime: the node model,
// tracked values and references, and the reification engine that turns a
// suspendable strategy into a lazily unfolded, cached tree.
package core

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrLeafNavigation is returned when navigating or expanding a leaf node.
var ErrLeafNavigation = errors.New("cannot navigate a leaf node")

// Opener produces the value selected within a space. Node.Navigate calls it
// once for every space it needs, in order.
type Opener func(space Space) (Value, error)

// Node describes one suspension point of a strategy. Nodes are immutable.
type Node interface {
	// EffectName names the node type (Branch, Compute, ...).
	EffectName() string
	// Leaf reports whether the node is terminal.
	Leaf() bool
	// Tags returns the tags used by selectors to match the node.
	Tags() []string
	// Spaces returns the statically named spaces the node induces.
	Spaces() []Space
	// PrimarySpace names the space opened by default, or "" if none.
	PrimarySpace() SpaceName
	// Navigate computes the action taken at the node, opening spaces as needed.
	Navigate(open Opener) (Value, error)
}

// Value is a value tracked together with the reference explaining where it
// came from.
type Value struct {
	Ref  ValueRef
	Data any
}

// Elements returns the tracked elements of a list value.
func (v Value) Elements() ([]Value, error) {
	rv := reflect.ValueOf(v.Data)
	if !rv.IsValid() {
		return nil, nil
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("value of type %T is not a list", v.Data)
	}
	out := make([]Value, rv.Len())
	for i := range out {
		out[i] = Value{Ref: v.Ref.Elem(i), Data: rv.Index(i).Interface()}
	}
	return out, nil
}

// Query is a request for an answer from an external oracle.
type Query struct {
	Name string
	Args map[string]any
	// Parse turns an answer into a value. When nil, the answer text is used.
	Parse func(Answer) (any, error)
	// Implicit, when set, produces the answer without consulting an oracle.
	Implicit func() (string, error)
}

// Serialize returns the canonical encoding of the query arguments.
func (q *Query) Serialize() string {
	if q.Args == nil {
		return "{}"
	}
	return CanonicalJSON(q.Args)
}

// Fingerprint identifies the query by type name and arguments.
func (q *Query) Fingerprint() string {
	return q.Name + ":" + q.Serialize()
}

// ParseAnswer interprets an answer as a value of the query's result type.
func (q *Query) ParseAnswer(a Answer) (any, error) {
	if q.Parse == nil {
		return a.Text, nil
	}
	return q.Parse(a)
}

// Space is a space induced by a node: either a query whose answers are
// the elements, or a nested strategy whose successes are.
type Space struct {
	Name   SpaceName
	Tags   []string
	Query  *Query
	Nested *Strategy
}

// QuerySpace builds a query space. The query name is always a tag.
func QuerySpace(name SpaceName, q *Query, tags ...string) Space {
	return Space{Name: name, Tags: append([]string{q.Name}, tags...), Query: q}
}

// NestedSpace builds a space of successes of a nested strategy.
func NestedSpace(name SpaceName, st Strategy, tags ...string) Space {
	all := append([]string{}, st.Tags...)
	if st.Name != "" {
		all = append([]string{st.Name}, all...)
	}
	return Space{Name: name, Tags: append(all, tags...), Nested: &st}
}

// IsQuery reports whether the space is a query space.
func (s Space) IsQuery() bool { return s.Query != nil }

// =============================================================================
// STANDARD NODES
// =============================================================================

// Branch requests a nondeterministic choice among the elements of Cands.
type Branch struct {
	Cands Space
}

func (b *Branch) EffectName() string      { return "Branch" }
func (b *Branch) Leaf() bool              { return false }
func (b *Branch) Tags() []string          { return b.Cands.Tags }
func (b *Branch) Spaces() []Space         { return []Space{b.Cands} }
func (b *Branch) PrimarySpace() SpaceName { return b.Cands.Name }

func (b *Branch) Navigate(open Opener) (Value, error) {
	return open(b.Cands)
}

// Compute requests a deterministic computation, exposed as a query with an
// implicit answer.
type Compute struct {
	Comp Space
}

func (c *Compute) EffectName() string      { return "Compute" }
func (c *Compute) Leaf() bool              { return false }
func (c *Compute) Tags() []string          { return c.Comp.Tags }
func (c *Compute) Spaces() []Space         { return []Space{c.Comp} }
func (c *Compute) PrimarySpace() SpaceName { return c.Comp.Name }

func (c *Compute) Navigate(open Opener) (Value, error) {
	return open(c.Comp)
}

// Success is the leaf reached when a strategy returns.
type Success struct {
	Result any
}

func (s *Success) EffectName() string      { return "Success" }
func (s *Success) Leaf() bool              { return true }
func (s *Success) Tags() []string          { return nil }
func (s *Success) Spaces() []Space         { return nil }
func (s *Success) PrimarySpace() SpaceName { return "" }

func (s *Success) Navigate(Opener) (Value, error) {
	return Value{}, ErrLeafNavigation
}

// Failure is a terminal leaf signalling that the branch yields nothing.
type Failure struct {
	Message string
}

func (f *Failure) EffectName() string      { return "Failure" }
func (f *Failure) Leaf() bool              { return true }
func (f *Failure) Tags() []string          { return nil }
func (f *Failure) Spaces() []Space         { return nil }
func (f *Failure) PrimarySpace() SpaceName { return "" }

func (f *Failure) Navigate(Opener) (Value, error) {
	return Value{}, ErrLeafNavigation
}

// FindSpace returns the space of n with the given name.
func FindSpace(n Node, name SpaceName) (Space, bool) {
	for _, s := range n.Spaces() {
		if s.Name == name {
			return s, true
		}
	}
	return Space{}, false
}
