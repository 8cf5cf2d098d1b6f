package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SpaceName identifies a space induced by a node.
type SpaceName string

// Answer is one answer to a query, either textual or structured.
type Answer struct {
	Mode          string     `json:"mode,omitempty" yaml:"mode,omitempty"`
	Text          string     `json:"text,omitempty" yaml:"text,omitempty"`
	Structured    any        `json:"structured,omitempty" yaml:"structured,omitempty"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	Justification string     `json:"justification,omitempty" yaml:"justification,omitempty"`
}

// ToolCall is a structured tool invocation attached to an answer.
type ToolCall struct {
	Name string         `json:"name" yaml:"name"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Key returns a canonical encoding of the answer used for identity.
func (a Answer) Key() string {
	a.Structured = normalize(a.Structured)
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Sprintf("%#v", a)
	}
	return string(data)
}

// ValueRef identifies how a value was obtained: an answer to a query space,
// or the success leaf reached in a nested tree. Elems projects into list values.
type ValueRef struct {
	Space  SpaceName
	Answer *Answer
	Nested NodePath
	Elems  []int
}

// Elem returns a reference to the i-th element of the referenced value.
func (v ValueRef) Elem(i int) ValueRef {
	elems := make([]int, len(v.Elems), len(v.Elems)+1)
	copy(elems, v.Elems)
	v.Elems = append(elems, i)
	return v
}

func (v ValueRef) String() string {
	var sb strings.Builder
	sb.WriteString(string(v.Space))
	if v.Answer != nil {
		sb.WriteString("{")
		sb.WriteString(v.Answer.Key())
		sb.WriteString("}")
	} else {
		sb.WriteString("(")
		sb.WriteString(v.Nested.String())
		sb.WriteString(")")
	}
	for _, i := range v.Elems {
		sb.WriteString("[")
		sb.WriteString(strconv.Itoa(i))
		sb.WriteString("]")
	}
	return sb.String()
}

// NodePath is the sequence of actions leading from a tree root to a node.
type NodePath []ValueRef

// Append returns a copy of p extended with v.
func (p NodePath) Append(v ValueRef) NodePath {
	out := make(NodePath, len(p), len(p)+1)
	copy(out, p)
	return append(out, v)
}

func (p NodePath) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = v.String()
	}
	return strings.Join(parts, " ")
}

// NestingStep enters the tree induced by Space at the node Path of the
// enclosing tree.
type NestingStep struct {
	Path  NodePath
	Space SpaceName
}

// GlobalNodePath is the canonical address of a node from the top-level root.
type GlobalNodePath struct {
	Nesting []NestingStep
	Path    NodePath
}

// Root is the address of the top-level root node.
var Root = GlobalNodePath{}

// Child returns the address reached from g by taking action v.
func (g GlobalNodePath) Child(v ValueRef) GlobalNodePath {
	return GlobalNodePath{Nesting: g.Nesting, Path: g.Path.Append(v)}
}

// Nest returns the root address of the tree induced by space at g.
func (g GlobalNodePath) Nest(space SpaceName) GlobalNodePath {
	nesting := make([]NestingStep, len(g.Nesting), len(g.Nesting)+1)
	copy(nesting, g.Nesting)
	return GlobalNodePath{Nesting: append(nesting, NestingStep{Path: g.Path, Space: space})}
}

// Parent returns the address of the node from which g was reached: the
// previous node on the local path, or the node inducing g's tree.
func (g GlobalNodePath) Parent() (GlobalNodePath, bool) {
	if len(g.Path) > 0 {
		return GlobalNodePath{Nesting: g.Nesting, Path: g.Path[:len(g.Path)-1]}, true
	}
	if len(g.Nesting) == 0 {
		return GlobalNodePath{}, false
	}
	last := g.Nesting[len(g.Nesting)-1]
	return GlobalNodePath{Nesting: g.Nesting[:len(g.Nesting)-1], Path: last.Path}, true
}

// IsRoot reports whether g addresses the top-level root.
func (g GlobalNodePath) IsRoot() bool {
	return len(g.Nesting) == 0 && len(g.Path) == 0
}

// String returns the canonical key of the path.
func (g GlobalNodePath) String() string {
	var sb strings.Builder
	sb.WriteString("/")
	for _, n := range g.Nesting {
		sb.WriteString(n.Path.String())
		sb.WriteString(" <")
		sb.WriteString(string(n.Space))
		sb.WriteString("> /")
	}
	sb.WriteString(g.Path.String())
	return sb.String()
}

// GlobalSpaceRef addresses a space of a given node.
type GlobalSpaceRef struct {
	Node  GlobalNodePath
	Space SpaceName
}

func (r GlobalSpaceRef) String() string {
	return r.Node.String() + " <" + string(r.Space) + ">"
}

// CanonicalJSON encodes v so that structurally equal values share one
// encoding. encoding/json sorts map keys; YAML-decoded maps are normalized.
func CanonicalJSON(v any) string {
	data, err := json.Marshal(normalize(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	}
	return v
}
