// Package watch implements the live phase board for a running workflow.
// It reads /status for snapshots and /events for incremental updates.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/codexflow/internal/workflow"
)

// Theme holds the board's styles, named after the states they show.
type Theme struct {
	Done    lipgloss.Style
	Active  lipgloss.Style
	Failed  lipgloss.Style
	Pending lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	GateFilled lipgloss.Style
	GateEmpty  lipgloss.Style
}

func NewDefaultTheme() Theme {
	var (
		green  = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#98C379"}
		amber  = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#E5C07B"}
		red    = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E06C75"}
		grey   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#7F848E"}
		blue   = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#61AFEF"}
		frame  = lipgloss.AdaptiveColor{Light: "#5E35B1", Dark: "#874BFD"}
		strong = lipgloss.AdaptiveColor{Light: "#212121", Dark: "#FAFAFA"}
		track  = lipgloss.AdaptiveColor{Light: "#E0E0E0", Dark: "#3E4451"}
	)

	return Theme{
		Done:    lipgloss.NewStyle().Foreground(green),
		Active:  lipgloss.NewStyle().Foreground(amber).Bold(true),
		Failed:  lipgloss.NewStyle().Foreground(red),
		Pending: lipgloss.NewStyle().Foreground(grey),

		Border:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(frame),
		Title:     lipgloss.NewStyle().Bold(true).Foreground(strong).Padding(0, 1),
		Header:    lipgloss.NewStyle().Bold(true).Foreground(blue),
		Dim:       lipgloss.NewStyle().Foreground(grey),
		Highlight: lipgloss.NewStyle().Foreground(amber),

		GateFilled: lipgloss.NewStyle().Foreground(blue),
		GateEmpty:  lipgloss.NewStyle().Foreground(track),
	}
}

// phaseBadge maps a phaseStatus label to its style and icon.
func (t Theme) phaseBadge(status string) (lipgloss.Style, string) {
	switch status {
	case "done":
		return t.Done, "✓"
	case "active":
		return t.Active, "▶"
	default:
		return t.Pending, "○"
	}
}

// roleBadge styles a role's status cell.
func (t Theme) roleBadge(status string) lipgloss.Style {
	switch status {
	case roleOK:
		return t.Done
	case roleRunning:
		return t.Active
	case roleFailed:
		return t.Failed
	default:
		return t.Pending
	}
}

// outcomeBadge renders the run state shown in the header. A lost API
// connection overrides the outcome.
func (t Theme) outcomeBadge(outcome workflow.Outcome, connected bool) string {
	switch {
	case !connected:
		return t.Failed.Render("CONNECTING")
	case outcome == workflow.OutcomeComplete:
		return t.Done.Render("COMPLETE")
	case outcome == workflow.OutcomeStalled:
		return t.Failed.Render("STALLED")
	case outcome == workflow.OutcomeCancelled:
		return t.Failed.Render("CANCELLED")
	default:
		return t.Active.Render("RUNNING")
	}
}
