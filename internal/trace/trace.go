// Package trace records every node and answer observed during a run and
// assigns them dense, stable identifiers.
package trace

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"stratum/internal/core"
	"stratum/internal/logging"
)

// NodeID identifies a node of a trace.
type NodeID int

// AnswerID identifies an answer of a trace.
type AnswerID int

// AnswerRef identifies an answer to a given space.
type AnswerRef struct {
	Space  core.GlobalSpaceRef
	Answer core.Answer
}

func (r AnswerRef) key() string {
	return r.Space.String() + " " + r.Answer.Key()
}

// Trace is an append-only ledger of nodes and answers.
type Trace struct {
	nodes     []core.GlobalNodePath
	nodeIDs   map[string]NodeID
	answers   []AnswerRef
	answerIDs map[string]AnswerID
}

// New creates an empty trace.
func New() *Trace {
	return &Trace{nodeIDs: make(map[string]NodeID), answerIDs: make(map[string]AnswerID)}
}

func (t *Trace) registerNode(path core.GlobalNodePath) NodeID {
	key := path.String()
	if id, ok := t.nodeIDs[key]; ok {
		return id
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, path)
	t.nodeIDs[key] = id
	return id
}

func (t *Trace) registerAnswer(ref AnswerRef) AnswerID {
	key := ref.key()
	if id, ok := t.answerIDs[key]; ok {
		return id
	}
	id := AnswerID(len(t.answers))
	t.answers = append(t.answers, ref)
	t.answerIDs[key] = id
	return id
}

// ConvertGlobalNodePath returns the id of an observed node. Converting a
// path that was never observed is a programming error and panics.
func (t *Trace) ConvertGlobalNodePath(path core.GlobalNodePath) NodeID {
	id, ok := t.nodeIDs[path.String()]
	if !ok {
		panic(fmt.Sprintf("trace: unobserved node path %s", path))
	}
	return id
}

// LookupNode returns the id of a node path, if observed.
func (t *Trace) LookupNode(path core.GlobalNodePath) (NodeID, bool) {
	id, ok := t.nodeIDs[path.String()]
	return id, ok
}

// ConvertAnswerRef returns the id of an observed answer, panicking otherwise.
func (t *Trace) ConvertAnswerRef(ref AnswerRef) AnswerID {
	id, ok := t.answerIDs[ref.key()]
	if !ok {
		panic(fmt.Sprintf("trace: unobserved answer %s", ref.key()))
	}
	return id
}

// Node returns the path of a node id.
func (t *Trace) Node(id NodeID) core.GlobalNodePath { return t.nodes[id] }

// NumNodes returns the number of recorded nodes.
func (t *Trace) NumNodes() int { return len(t.nodes) }

// NumAnswers returns the number of recorded answers.
func (t *Trace) NumAnswers() int { return len(t.answers) }

// CheckConsistency verifies that every recorded node's parent is recorded,
// that every answer refers to a recorded node, and that ids are injective.
func (t *Trace) CheckConsistency() error {
	if len(t.nodes) != len(t.nodeIDs) {
		return fmt.Errorf("trace: %d nodes but %d node ids", len(t.nodes), len(t.nodeIDs))
	}
	for i, path := range t.nodes {
		if id := t.nodeIDs[path.String()]; id != NodeID(i) {
			return fmt.Errorf("trace: node %d registered under id %d", i, id)
		}
		if parent, ok := path.Parent(); ok {
			if _, seen := t.nodeIDs[parent.String()]; !seen {
				return fmt.Errorf("trace: parent of node %d (%s) is not recorded", i, path)
			}
		}
	}
	if len(t.answers) != len(t.answerIDs) {
		return fmt.Errorf("trace: %d answers but %d answer ids", len(t.answers), len(t.answerIDs))
	}
	for i, a := range t.answers {
		if id := t.answerIDs[a.key()]; id != AnswerID(i) {
			return fmt.Errorf("trace: answer %d registered under id %d", i, id)
		}
		if _, seen := t.nodeIDs[a.Space.Node.String()]; !seen {
			return fmt.Errorf("trace: answer %d refers to unrecorded node %s", i, a.Space.Node)
		}
	}
	return nil
}

// =============================================================================
// TRACER
// =============================================================================

// Severity of a log message.
type Severity string

const (
	SeverityTrace Severity = "trace"
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// LogMessage is a message attached to a trace location.
type LogMessage struct {
	Time     time.Time      `yaml:"time"`
	Severity Severity       `yaml:"level"`
	Message  string         `yaml:"message"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
	Node     *NodeID        `yaml:"node,omitempty"`
}

// Tracer is the single writer of a trace. Id minting is serialized so
// concurrent producers keep ids injective.
type Tracer struct {
	mu       sync.Mutex
	trace    *Trace
	messages []LogMessage
}

// NewTracer creates a tracer over an empty trace.
func NewTracer() *Tracer {
	return &Tracer{trace: New()}
}

// Trace returns the underlying trace.
func (tr *Tracer) Trace() *Trace { return tr.trace }

// TraceNode records a node and returns its id.
func (tr *Tracer) TraceNode(path core.GlobalNodePath) NodeID {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	id := tr.trace.registerNode(path)
	logging.TraceDebug("node %d: %s", id, path)
	return id
}

// TraceAnswer records an answer to a space and returns its id.
func (tr *Tracer) TraceAnswer(space core.GlobalSpaceRef, a core.Answer) AnswerID {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.trace.registerAnswer(AnswerRef{Space: space, Answer: a})
}

// Log attaches a message to the trace, located at a node when that node
// has been observed.
func (tr *Tracer) Log(sev Severity, msg string, metadata map[string]any, at *core.GlobalNodePath) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	m := LogMessage{Time: time.Now(), Severity: sev, Message: msg, Metadata: metadata}
	if at != nil {
		if id, ok := tr.trace.LookupNode(*at); ok {
			m.Node = &id
		}
	}
	tr.messages = append(tr.messages, m)
}

// Messages returns a copy of the logged messages.
func (tr *Tracer) Messages() []LogMessage {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]LogMessage(nil), tr.messages...)
}

// Hook returns a reification hook recording every materialized node.
func Hook(tr *Tracer) core.Hook {
	return func(t *core.Tree) { tr.TraceNode(t.Ref) }
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportedAnswer is the serializable form of an answer reference.
type ExportedAnswer struct {
	Node   NodeID      `yaml:"node" json:"node"`
	Space  string      `yaml:"space" json:"space"`
	Answer core.Answer `yaml:"answer" json:"answer"`
}

// Exportable is the serializable form of a trace.
type Exportable struct {
	Nodes   map[NodeID]string           `yaml:"nodes" json:"nodes"`
	Answers map[AnswerID]ExportedAnswer `yaml:"answers" json:"answers"`
}

// Export converts the trace into a serializable form.
func (t *Trace) Export() Exportable {
	out := Exportable{
		Nodes:   make(map[NodeID]string, len(t.nodes)),
		Answers: make(map[AnswerID]ExportedAnswer, len(t.answers)),
	}
	for i, p := range t.nodes {
		out.Nodes[NodeID(i)] = p.String()
	}
	for i, a := range t.answers {
		out.Answers[AnswerID(i)] = ExportedAnswer{
			Node:   t.nodeIDs[a.Space.Node.String()],
			Space:  string(a.Space.Space),
			Answer: a.Answer,
		}
	}
	return out
}

// NodeIDs returns every recorded id in increasing order.
func (t *Trace) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(t.nodeIDs))
	for _, id := range t.nodeIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BrowsableNode is one node of a browsable trace, with the answers given
// to its spaces and the nodes reached from it. Roots of nested trees are
// children of the node inducing them and name the space in Via.
type BrowsableNode struct {
	ID       NodeID            `yaml:"id" json:"id"`
	Path     string            `yaml:"path" json:"path"`
	Via      string            `yaml:"via,omitempty" json:"via,omitempty"`
	Answers  []BrowsableAnswer `yaml:"answers,omitempty" json:"answers,omitempty"`
	Children []*BrowsableNode  `yaml:"children,omitempty" json:"children,omitempty"`
}

// BrowsableAnswer is an answer attached to the node owning its space.
type BrowsableAnswer struct {
	ID     AnswerID    `yaml:"id" json:"id"`
	Space  string      `yaml:"space" json:"space"`
	Answer core.Answer `yaml:"answer" json:"answer"`
}

// Browsable arranges the recorded nodes into the tree of their paths.
// Nodes and answers appear in id order. Nodes whose parent was never
// recorded become roots.
func (t *Trace) Browsable() []*BrowsableNode {
	nodes := make([]*BrowsableNode, len(t.nodes))
	for i, p := range t.nodes {
		n := &BrowsableNode{ID: NodeID(i), Path: p.String()}
		if len(p.Path) == 0 && len(p.Nesting) > 0 {
			n.Via = string(p.Nesting[len(p.Nesting)-1].Space)
		}
		nodes[i] = n
	}
	for i, a := range t.answers {
		id, ok := t.nodeIDs[a.Space.Node.String()]
		if !ok {
			continue
		}
		nodes[id].Answers = append(nodes[id].Answers, BrowsableAnswer{
			ID:     AnswerID(i),
			Space:  string(a.Space.Space),
			Answer: a.Answer,
		})
	}
	var roots []*BrowsableNode
	for i, p := range t.nodes {
		if parent, ok := p.Parent(); ok {
			if pid, seen := t.nodeIDs[parent.String()]; seen {
				nodes[pid].Children = append(nodes[pid].Children, nodes[i])
				continue
			}
		}
		roots = append(roots, nodes[i])
	}
	return roots
}
