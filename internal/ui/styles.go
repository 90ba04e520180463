// Package ui renders rack's terminal output.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/mediarack/rack/internal/rack/engine"
)

// Color palette
var (
	Amber     = lipgloss.Color("#E5A00D")
	DimGray   = lipgloss.Color("#6B7280")
	LightGray = lipgloss.Color("#9CA3AF")
	Green     = lipgloss.Color("#10B981")
	Red       = lipgloss.Color("#EF4444")
	Blue      = lipgloss.Color("#3B82F6")
)

// Raw activity indicators (unstyled)
const (
	ActiveChar   = "●"
	InactiveChar = "○"
	FailedChar   = "✗"
)

// Styles holds the styles bound to one renderer.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Dim     lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Accent  lipgloss.Style

	activity map[engine.Activity]lipgloss.Style
}

// NewRenderer returns a renderer for w. Colors are dropped when plain is
// set, NO_COLOR is set, or w is not a terminal.
func NewRenderer(w io.Writer, plain bool) *lipgloss.Renderer {
	if plain || os.Getenv("NO_COLOR") != "" {
		return lipgloss.NewRenderer(w, termenv.WithProfile(termenv.Ascii))
	}
	return lipgloss.NewRenderer(w)
}

// NewStyles builds the style set for r.
func NewStyles(r *lipgloss.Renderer) *Styles {
	return &Styles{
		Title:   r.NewStyle().Bold(true),
		Label:   r.NewStyle().Foreground(LightGray).Width(14),
		Dim:     r.NewStyle().Foreground(DimGray),
		Error:   r.NewStyle().Foreground(Red),
		Success: r.NewStyle().Foreground(Green),
		Accent:  r.NewStyle().Foreground(Amber),
		activity: map[engine.Activity]lipgloss.Style{
			engine.Idle:           r.NewStyle().Foreground(Green),
			engine.Running:        r.NewStyle().Foreground(Blue).Bold(true),
			engine.Paused:         r.NewStyle().Foreground(DimGray),
			engine.ConnectionLost: r.NewStyle().Foreground(Amber),
			engine.Error:          r.NewStyle().Foreground(Red).Bold(true),
		},
	}
}

// Activity renders an activity with its indicator.
func (s *Styles) Activity(a engine.Activity) string {
	char := ActiveChar
	switch a {
	case engine.Paused:
		char = InactiveChar
	case engine.Error:
		char = FailedChar
	}
	style, ok := s.activity[a]
	if !ok {
		style = s.Dim
	}
	return style.Render(char + " " + a.String())
}

// Outcome renders a pass outcome.
func (s *Styles) Outcome(o engine.Outcome) string {
	switch o {
	case engine.OutcomeOK:
		return s.Success.Render(string(o))
	case engine.OutcomeError:
		return s.Error.Render(string(o))
	case engine.OutcomeConnectionLost:
		return s.Accent.Render(string(o))
	default:
		return s.Dim.Render(string(o))
	}
}

var defaultStyles = NewStyles(NewRenderer(os.Stdout, false))

// RenderPass renders s in the success color.
func RenderPass(s string) string { return defaultStyles.Success.Render(s) }

// RenderWarn renders s in the warning color.
func RenderWarn(s string) string { return defaultStyles.Accent.Render(s) }

// RenderFail renders s in the error color.
func RenderFail(s string) string { return defaultStyles.Error.Render(s) }

// RenderDim renders s de-emphasized.
func RenderDim(s string) string { return defaultStyles.Dim.Render(s) }
