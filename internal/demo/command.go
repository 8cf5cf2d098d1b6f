package demo

import (
	"errors"
	"fmt"
	"strings"

	"stratum/internal/navigation"
)

// Step is one instruction of a test command.
type Step interface {
	fmt.Stringer
	isStep()
}

// Run walks the tree using hints, stopping at Until when given.
type Run struct {
	Hints []navigation.Hint
	Until navigation.NodeSelector
}

// SelectSpace selects a space of the current node. With ExpectsQuery the
// position is unchanged and the query must be answered; otherwise the
// position moves to the root of the nested tree.
type SelectSpace struct {
	Space        navigation.SpaceRef
	ExpectsQuery bool
}

// IsSuccess checks that the current node is a success leaf.
type IsSuccess struct{}

// IsFailure checks that the current node is a non-success leaf.
type IsFailure struct{}

// Save records the current node under Name.
type Save struct{ Name string }

// Load moves to a node previously saved under Name.
type Load struct{ Name string }

func (Run) isStep()         {}
func (SelectSpace) isStep() {}
func (IsSuccess) isStep()   {}
func (IsFailure) isStep()   {}
func (Save) isStep()        {}
func (Load) isStep()        {}

func (r Run) String() string {
	s := "run"
	if r.Until != nil {
		s = "at " + r.Until.String()
	}
	if len(r.Hints) > 0 {
		s += " " + navigation.FormatHints(r.Hints)
	}
	return s
}

func (s SelectSpace) String() string {
	verb := "go"
	if s.ExpectsQuery {
		verb = "answer"
	}
	if s.Space.Name == "" {
		return verb
	}
	return verb + " " + string(s.Space.Name)
}

func (IsSuccess) String() string { return "success" }
func (IsFailure) String() string { return "failure" }
func (s Save) String() string    { return "save " + s.Name }
func (l Load) String() string    { return "load " + l.Name }

// Command is a parsed test command.
type Command []Step

func (c Command) String() string {
	parts := make([]string, len(c))
	for i, s := range c {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

// ErrSyntax is wrapped by every test command parse error.
var ErrSyntax = errors.New("syntax error")

// ParseCommand parses a test command: steps separated by "|".
//
//	run [hints...] [at <selector>]
//	at <selector> [hints...]
//	go [<space>] | answer [<space>]
//	success | failure
//	save <name> | load <name>
func ParseCommand(s string) (Command, error) {
	var cmd Command
	if strings.TrimSpace(s) == "" {
		return cmd, nil
	}
	for i, raw := range strings.Split(s, "|") {
		step, err := parseStep(strings.Fields(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: step %d (%q): %v", ErrSyntax, i+1, strings.TrimSpace(raw), err)
		}
		cmd = append(cmd, step)
	}
	return cmd, nil
}

func parseStep(fields []string) (Step, error) {
	if len(fields) == 0 {
		return nil, errors.New("empty step")
	}
	verb, args := fields[0], fields[1:]
	switch verb {
	case "run":
		run := Run{}
		for i := 0; i < len(args); i++ {
			if args[i] == "at" {
				if i+2 != len(args) {
					return nil, errors.New("'at' must be followed by exactly one selector")
				}
				sel, err := navigation.ParseSelector(args[i+1])
				if err != nil {
					return nil, err
				}
				run.Until = sel
				break
			}
			run.Hints = append(run.Hints, navigation.ParseHint(args[i]))
		}
		return run, nil
	case "at":
		if len(args) == 0 {
			return nil, errors.New("'at' expects a selector")
		}
		sel, err := navigation.ParseSelector(args[0])
		if err != nil {
			return nil, err
		}
		return Run{Until: sel, Hints: navigation.ParseHints(args[1:])}, nil
	case "go", "answer":
		if len(args) > 1 {
			return nil, fmt.Errorf("'%s' expects at most one space reference", verb)
		}
		var ref navigation.SpaceRef
		if len(args) == 1 {
			ref = navigation.ParseSpaceRef(args[0])
		}
		return SelectSpace{Space: ref, ExpectsQuery: verb == "answer"}, nil
	case "success", "failure":
		if len(args) != 0 {
			return nil, fmt.Errorf("'%s' takes no argument", verb)
		}
		if verb == "success" {
			return IsSuccess{}, nil
		}
		return IsFailure{}, nil
	case "save", "load":
		if len(args) != 1 {
			return nil, fmt.Errorf("'%s' expects a name", verb)
		}
		if verb == "save" {
			return Save{Name: args[0]}, nil
		}
		return Load{Name: args[0]}, nil
	}
	return nil, fmt.Errorf("unknown instruction %q", verb)
}
