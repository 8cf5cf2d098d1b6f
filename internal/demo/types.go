// Package demo evaluates demonstrations: recorded query answers together
// with test commands that replay a strategy tree under textual hints.
package demo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"stratum/internal/core"
)

// ToolCall is a tool invocation recorded as part of an answer.
type ToolCall struct {
	Tool string         `yaml:"tool"`
	Args map[string]any `yaml:"args,omitempty"`
}

// Answer is a recorded query answer. Content is a string or a structured
// object; Structured forces string content to be treated as structured.
type Answer struct {
	Content       any        `yaml:"answer"`
	Call          []ToolCall `yaml:"call,omitempty"`
	Structured    bool       `yaml:"structured,omitempty"`
	Mode          string     `yaml:"mode,omitempty"`
	Label         string     `yaml:"label,omitempty"`
	Example       *bool      `yaml:"example,omitempty"`
	Tags          []string   `yaml:"tags,omitempty"`
	Justification string     `yaml:"justification,omitempty"`
}

// Translate converts a recorded answer into the answer given to queries.
func (a Answer) Translate() core.Answer {
	out := core.Answer{Mode: a.Mode, Justification: a.Justification}
	if s, ok := a.Content.(string); ok && !a.Structured {
		out.Text = s
	} else {
		out.Structured = a.Content
	}
	for _, c := range a.Call {
		out.ToolCalls = append(out.ToolCalls, core.ToolCall{Name: c.Tool, Args: c.Args})
	}
	return out
}

// QueryDemo associates answers with a query instance.
type QueryDemo struct {
	Demonstration string         `yaml:"demonstration,omitempty"`
	Query         string         `yaml:"query"`
	Args          map[string]any `yaml:"args"`
	Answers       []Answer       `yaml:"answers"`
}

// StrategyDemo gathers query demonstrations and the tests combining them
// into navigation scenarios for one strategy instance.
type StrategyDemo struct {
	Demonstration string         `yaml:"demonstration,omitempty"`
	Strategy      string         `yaml:"strategy"`
	Args          map[string]any `yaml:"args"`
	Tests         []string       `yaml:"tests"`
	Queries       []QueryDemo    `yaml:"queries"`
}

// Demo is either a query demonstration or a strategy demonstration. The
// YAML form is discriminated by the presence of a strategy key.
type Demo struct {
	Query    *QueryDemo
	Strategy *StrategyDemo
}

// Label returns the optional demonstration label.
func (d Demo) Label() string {
	if d.Strategy != nil {
		return d.Strategy.Demonstration
	}
	if d.Query != nil {
		return d.Query.Demonstration
	}
	return ""
}

func (d *Demo) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: a demonstration must be a mapping", value.Line)
	}
	var hasStrategy, hasQuery bool
	for i := 0; i+1 < len(value.Content); i += 2 {
		switch value.Content[i].Value {
		case "strategy":
			hasStrategy = true
		case "query":
			hasQuery = true
		}
	}
	switch {
	case hasStrategy:
		var s StrategyDemo
		if err := value.Decode(&s); err != nil {
			return err
		}
		d.Strategy = &s
	case hasQuery:
		var q QueryDemo
		if err := value.Decode(&q); err != nil {
			return err
		}
		d.Query = &q
	default:
		return fmt.Errorf("line %d: demonstration has neither a strategy nor a query key", value.Line)
	}
	return nil
}

func (d Demo) MarshalYAML() (any, error) {
	if d.Strategy != nil {
		return d.Strategy, nil
	}
	return d.Query, nil
}

// File is a sequence of independent demonstrations.
type File []Demo

// Parse decodes a demonstration file.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse demonstrations: %w", err)
	}
	return f, nil
}

// LoadFile reads and decodes a demonstration file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read demonstrations: %w", err)
	}
	return Parse(data)
}

// Find returns the demonstration with the given label.
func (f File) Find(label string) (Demo, bool) {
	for _, d := range f {
		if d.Label() == label {
			return d, true
		}
	}
	return Demo{}, false
}
