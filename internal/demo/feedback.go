package demo

import (
	"stratum/internal/trace"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is a message produced while evaluating a demonstration.
type Diagnostic struct {
	Severity Severity `yaml:"severity" json:"severity"`
	Message  string   `yaml:"message" json:"message"`
}

// QueryDiagnostic is scoped to one query demonstration.
type QueryDiagnostic struct {
	Query      int `yaml:"query" json:"query"`
	Diagnostic `yaml:",inline"`
}

// AnswerDiagnostic is scoped to one recorded answer.
type AnswerDiagnostic struct {
	Answer     AnswerID `yaml:"answer" json:"answer"`
	Diagnostic `yaml:",inline"`
}

// TestFeedback is the outcome of one test command. Node is the trace id of
// the node where the test ended, absent when the command did not parse.
type TestFeedback struct {
	Command     string        `yaml:"command" json:"command"`
	Diagnostics []Diagnostic  `yaml:"diagnostics,omitempty" json:"diagnostics,omitempty"`
	Node        *trace.NodeID `yaml:"node,omitempty" json:"node,omitempty"`
}

// StrategyDemoFeedback is the outcome of evaluating a strategy demonstration.
type StrategyDemoFeedback struct {
	Trace             trace.Exportable            `yaml:"trace" json:"trace"`
	GlobalDiagnostics []Diagnostic                `yaml:"global_diagnostics,omitempty" json:"global_diagnostics,omitempty"`
	QueryDiagnostics  []QueryDiagnostic           `yaml:"query_diagnostics,omitempty" json:"query_diagnostics,omitempty"`
	AnswerDiagnostics []AnswerDiagnostic          `yaml:"answer_diagnostics,omitempty" json:"answer_diagnostics,omitempty"`
	Tests             []TestFeedback              `yaml:"tests" json:"tests"`
	SavedNodes        map[string]trace.NodeID     `yaml:"saved_nodes,omitempty" json:"saved_nodes,omitempty"`
	AnswerRefs        map[trace.AnswerID]AnswerID `yaml:"answer_refs,omitempty" json:"answer_refs,omitempty"`
	ImplicitAnswers   []ImplicitAnswer            `yaml:"implicit_answers,omitempty" json:"implicit_answers,omitempty"`
}

// QueryDemoFeedback is the outcome of checking a standalone query
// demonstration. Answer diagnostics use query index 0.
type QueryDemoFeedback struct {
	Diagnostics       []Diagnostic       `yaml:"diagnostics,omitempty" json:"diagnostics,omitempty"`
	AnswerDiagnostics []AnswerDiagnostic `yaml:"answer_diagnostics,omitempty" json:"answer_diagnostics,omitempty"`
}

// Feedback is the outcome of one demonstration of a file.
type Feedback struct {
	Label    string                `yaml:"demonstration,omitempty" json:"demonstration,omitempty"`
	Strategy *StrategyDemoFeedback `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Query    *QueryDemoFeedback    `yaml:"query,omitempty" json:"query,omitempty"`
}

// Diagnostics flattens every diagnostic of the feedback.
func (f Feedback) Diagnostics() []Diagnostic {
	var out []Diagnostic
	if s := f.Strategy; s != nil {
		out = append(out, s.GlobalDiagnostics...)
		for _, d := range s.QueryDiagnostics {
			out = append(out, d.Diagnostic)
		}
		for _, d := range s.AnswerDiagnostics {
			out = append(out, d.Diagnostic)
		}
		for _, t := range s.Tests {
			out = append(out, t.Diagnostics...)
		}
	}
	if q := f.Query; q != nil {
		out = append(out, q.Diagnostics...)
		for _, d := range q.AnswerDiagnostics {
			out = append(out, d.Diagnostic)
		}
	}
	return out
}

// Count returns the number of diagnostics with the given severity.
func (f Feedback) Count(sev Severity) int {
	n := 0
	for _, d := range f.Diagnostics() {
		if d.Severity == sev {
			n++
		}
	}
	return n
}

// OK reports whether the feedback holds no error and no warning.
func (f Feedback) OK() bool {
	return f.Count(SeverityError) == 0 && f.Count(SeverityWarning) == 0
}
