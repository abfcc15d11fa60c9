package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/codexflow/internal/events"
)

const visibleEvents = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"), e.Type == "phase.advanced":
		typeStyle = theme.Done
	case strings.HasSuffix(e.Type, ".failed"), strings.HasSuffix(e.Type, ".stalled"), strings.HasSuffix(e.Type, ".cancelled"):
		typeStyle = theme.Failed
	case strings.HasSuffix(e.Type, ".dispatched"), strings.HasSuffix(e.Type, ".started"):
		typeStyle = theme.Active
	case strings.HasPrefix(e.Type, "gate."):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

// extractEventDesc summarizes the payload fields the board cares about.
func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if turn, ok := data["turn"].(float64); ok {
		parts = append(parts, fmt.Sprintf("#%d", int(turn)))
	}
	if role, ok := data["role"].(string); ok {
		parts = append(parts, role)
	}
	if from, ok := data["from"].(string); ok {
		to, _ := data["to"].(string)
		parts = append(parts, from+" → "+to)
	} else if phase, ok := data["phase"].(string); ok {
		parts = append(parts, phase)
	}
	if present, ok := data["present"].(float64); ok {
		required, _ := data["required"].(float64)
		parts = append(parts, fmt.Sprintf("%d/%d", int(present), int(required)))
	}
	if outcome, ok := data["outcome"].(string); ok {
		parts = append(parts, outcome)
	}
	if msg, ok := data["error"].(string); ok && msg != "" {
		if len(msg) > 60 {
			msg = msg[:60] + "..."
		}
		parts = append(parts, msg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
