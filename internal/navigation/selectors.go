package navigation

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Hint is a textual token used to pick a recorded answer. A qualified hint
// (query:label) only applies to queries of that name.
type Hint struct {
	Qualifier string
	Label     string
}

// ParseHint parses "label" or "query:label".
func ParseHint(s string) Hint {
	if q, l, ok := strings.Cut(s, ":"); ok {
		return Hint{Qualifier: q, Label: l}
	}
	return Hint{Label: s}
}

// ParseHints parses whitespace separated hints.
func ParseHints(fields []string) []Hint {
	out := make([]Hint, len(fields))
	for i, f := range fields {
		out[i] = ParseHint(f)
	}
	return out
}

func (h Hint) String() string {
	if h.Qualifier != "" {
		return h.Qualifier + ":" + h.Label
	}
	return h.Label
}

// AppliesTo reports whether the hint may be used to answer the named query.
func (h Hint) AppliesTo(query string) bool {
	return h.Qualifier == "" || h.Qualifier == query
}

// FormatHints renders hints the way they are written in test commands.
func FormatHints(hints []Hint) string {
	parts := make([]string, len(hints))
	for i, h := range hints {
		parts[i] = h.String()
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// SELECTORS
// =============================================================================

// TagSelector matches a tag, optionally only at its Num-th occurrence along
// the walked path (Num == 0 matches any occurrence).
type TagSelector struct {
	Tag string
	Num int
}

func (s TagSelector) String() string {
	if s.Num > 0 {
		return s.Tag + "#" + strconv.Itoa(s.Num)
	}
	return s.Tag
}

// NodeSelector is either TagSelectors or WithinSpace.
type NodeSelector interface {
	fmt.Stringer
	isNodeSelector()
}

// TagSelectors matches a node carrying all of the given tags.
type TagSelectors []TagSelector

func (TagSelectors) isNodeSelector() {}

func (s TagSelectors) String() string {
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = t.String()
	}
	return strings.Join(parts, "&")
}

// Matches reports whether tags satisfy every selector, given how many times
// each tag has been encountered so far (including the current node).
func (s TagSelectors) Matches(tags []string, enc EncounteredTags) bool {
	for _, sel := range s {
		if !slices.Contains(tags, sel.Tag) {
			return false
		}
		if sel.Num > 0 && enc[sel.Tag] != sel.Num {
			return false
		}
	}
	return true
}

// WithinSpace first enters a nested space matching Space, then looks for
// Selector inside it.
type WithinSpace struct {
	Space    TagSelectors
	Selector NodeSelector
}

func (WithinSpace) isNodeSelector() {}

func (w WithinSpace) String() string {
	return w.Space.String() + "/" + w.Selector.String()
}

// EncounteredTags counts tag occurrences along a walk.
type EncounteredTags map[string]int

// Observe records one occurrence of each tag.
func (e EncounteredTags) Observe(tags []string) {
	for _, t := range tags {
		e[t]++
	}
}

// ParseTagSelectors parses "tag", "tag#2" or "a&b#1".
func ParseTagSelectors(s string) (TagSelectors, error) {
	if s == "" {
		return nil, fmt.Errorf("empty selector")
	}
	var out TagSelectors
	for _, part := range strings.Split(s, "&") {
		tag, num, hasNum := strings.Cut(part, "#")
		if tag == "" {
			return nil, fmt.Errorf("empty tag in selector %q", s)
		}
		sel := TagSelector{Tag: tag}
		if hasNum {
			n, err := strconv.Atoi(num)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid occurrence number in selector %q", s)
			}
			sel.Num = n
		}
		out = append(out, sel)
	}
	return out, nil
}

// ParseSelector parses a node selector; "/" separates enclosing space
// selectors from the innermost node selector.
func ParseSelector(s string) (NodeSelector, error) {
	parts := strings.Split(s, "/")
	inner, err := ParseTagSelectors(parts[len(parts)-1])
	if err != nil {
		return nil, err
	}
	var sel NodeSelector = inner
	for i := len(parts) - 2; i >= 0; i-- {
		space, err := ParseTagSelectors(parts[i])
		if err != nil {
			return nil, err
		}
		sel = WithinSpace{Space: space, Selector: sel}
	}
	return sel, nil
}
