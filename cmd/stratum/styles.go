package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"stratum/internal/demo"
)

// Semantic colors
var (
	colorError   = lipgloss.Color("#e53935")
	colorWarning = lipgloss.Color("#FFC107")
	colorInfo    = lipgloss.Color("#2196F3")
	colorSuccess = lipgloss.Color("#8BC34A")
	colorMuted   = lipgloss.Color("#6b7280")
)

// styles renders demonstration feedback for a terminal.
type styles struct {
	File    lipgloss.Style
	Label   lipgloss.Style
	OK      lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
	Detail  lipgloss.Style
}

func newStyles() styles {
	return styles{
		File: lipgloss.NewStyle().
			Bold(true).
			Underline(true),
		Label: lipgloss.NewStyle().
			Bold(true),
		OK: lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true),
		Error: lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true),
		Warning: lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true),
		Info: lipgloss.NewStyle().
			Foreground(colorInfo),
		Muted: lipgloss.NewStyle().
			Foreground(colorMuted),
		Detail: lipgloss.NewStyle().
			PaddingLeft(4).
			BorderLeft(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(colorMuted),
	}
}

func (s styles) severity(sev demo.Severity) string {
	switch sev {
	case demo.SeverityError:
		return s.Error.Render("error")
	case demo.SeverityWarning:
		return s.Warning.Render("warning")
	default:
		return s.Info.Render(string(sev))
	}
}

func (s styles) diagnostic(w io.Writer, scope string, d demo.Diagnostic) {
	head := "    " + s.severity(d.Severity)
	if scope != "" {
		head += " " + s.Muted.Render(scope)
	}
	msg, detail, _ := strings.Cut(d.Message, "\n")
	fmt.Fprintf(w, "%s: %s\n", head, msg)
	if detail != "" {
		fmt.Fprintln(w, s.Detail.Render(strings.TrimRight(detail, "\n")))
	}
}

// renderFeedback writes the feedback of one demonstration file.
func (s styles) renderFeedback(w io.Writer, path string, fbs []demo.Feedback) {
	fmt.Fprintln(w, s.File.Render(path))
	for i, fb := range fbs {
		label := fb.Label
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		status := s.OK.Render("ok")
		if n := fb.Count(demo.SeverityError); n > 0 {
			status = s.Error.Render(fmt.Sprintf("%d error(s)", n))
		} else if n := fb.Count(demo.SeverityWarning); n > 0 {
			status = s.Warning.Render(fmt.Sprintf("%d warning(s)", n))
		}
		fmt.Fprintf(w, "  %s %s\n", s.Label.Render(label), status)

		if q := fb.Query; q != nil {
			for _, d := range q.Diagnostics {
				s.diagnostic(w, "", d)
			}
			for _, d := range q.AnswerDiagnostics {
				s.diagnostic(w, fmt.Sprintf("answer %d", d.Answer.Answer), d.Diagnostic)
			}
		}
		sd := fb.Strategy
		if sd == nil {
			continue
		}
		for _, d := range sd.GlobalDiagnostics {
			s.diagnostic(w, "", d)
		}
		for _, d := range sd.QueryDiagnostics {
			s.diagnostic(w, fmt.Sprintf("query %d", d.Query), d.Diagnostic)
		}
		for _, d := range sd.AnswerDiagnostics {
			s.diagnostic(w, fmt.Sprintf("query %d answer %d", d.Answer.Query, d.Answer.Answer), d.Diagnostic)
		}
		for _, t := range sd.Tests {
			for _, d := range t.Diagnostics {
				s.diagnostic(w, fmt.Sprintf("test %q", t.Command), d)
			}
		}
	}
}
