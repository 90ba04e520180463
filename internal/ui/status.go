package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/mediarack/rack/internal/rack/engine"
)

// StatusView is what `rack status` shows.
type StatusView struct {
	// Source is where the status came from: "daemon" or "journal".
	Source      string              `json:"source" yaml:"source" toml:"source"`
	Activity    engine.Activity     `json:"activity" yaml:"activity" toml:"activity"`
	Direction   engine.Direction    `json:"direction" yaml:"direction" toml:"direction"`
	LastSuccess time.Time           `json:"last_success" yaml:"last_success" toml:"last_success"`
	LastError   string              `json:"last_error,omitempty" yaml:"last_error,omitempty" toml:"last_error,omitempty"`
	Interval    time.Duration       `json:"interval,omitempty" yaml:"interval,omitempty" toml:"interval,omitempty"`
	Pending     int                 `json:"pending" yaml:"pending" toml:"pending"`
	Recent      []engine.PassResult `json:"recent,omitempty" yaml:"recent,omitempty" toml:"recent,omitempty"`
}

// RenderStatus formats v for a terminal. now is used for relative times.
func RenderStatus(s *Styles, v StatusView, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s", s.Title.Render("rack"), s.Activity(v.Activity))
	if v.Source != "" {
		fmt.Fprintf(&b, " %s", s.Dim.Render("("+v.Source+")"))
	}
	b.WriteString("\n")

	row := func(label, value string) {
		fmt.Fprintf(&b, "  %s%s\n", s.Label.Render(label), value)
	}

	if v.Activity == engine.Running {
		row("direction", v.Direction.String())
	}
	if v.LastSuccess.IsZero() {
		row("last success", s.Dim.Render("never"))
	} else {
		row("last success", fmt.Sprintf("%s %s",
			v.LastSuccess.Local().Format("2006-01-02 15:04:05"),
			s.Dim.Render("("+Ago(now, v.LastSuccess)+")")))
	}
	if v.Interval > 0 {
		row("interval", v.Interval.String())
	}
	if v.Pending > 0 {
		row("pending", fmt.Sprintf("%d to upload", v.Pending))
	}
	if v.LastError != "" {
		row("last error", s.Error.Render(v.LastError))
	}

	if len(v.Recent) > 0 {
		b.WriteString("\n")
		b.WriteString(s.Title.Render("Recent passes"))
		b.WriteString("\n")
		for _, p := range v.Recent {
			fmt.Fprintf(&b, "  %s  %s  %s\n",
				p.Started.Local().Format("01-02 15:04:05"),
				s.Outcome(p.Outcome),
				passCounts(p))
		}
	}

	return b.String()
}

func passCounts(p engine.PassResult) string {
	parts := []string{
		fmt.Sprintf("fetched %d", p.Fetched),
		fmt.Sprintf("inserted %d", p.Inserted),
		fmt.Sprintf("overwritten %d", p.Overwritten),
		fmt.Sprintf("pushed %d", p.Pushed),
	}
	if p.Failed+p.PushFailed > 0 {
		parts = append(parts, fmt.Sprintf("failed %d", p.Failed+p.PushFailed))
	}
	parts = append(parts, p.Duration().Round(time.Millisecond).String())
	return strings.Join(parts, ", ")
}

// Ago formats the time between t and now in a coarse human unit.
func Ago(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "in the future"
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
