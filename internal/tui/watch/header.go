package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ConnState tracks the link to the controller's API.
type ConnState struct {
	Connected bool
	LastEvent time.Time
}

func renderHeader(b BoardState, conn ConnState, spin string, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.outcomeBadge(b.Outcome, conn.Connected)

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" CODEXFLOW WATCH %s", spin)
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	runID := b.RunID
	if runID == "" {
		runID = "-"
	}
	statsLine := fmt.Sprintf(" %s  Run: %s  Phase: %s  Turns: %s",
		statusText,
		theme.Highlight.Render(runID),
		theme.Header.Render(string(b.Phase)),
		renderBudget(b.Turns, b.MaxTurns, theme),
	)

	lastEventStr := "never"
	if !conn.LastEvent.IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(conn.LastEvent).Round(time.Second))
	}
	activityLine := theme.Dim.Render(fmt.Sprintf(" Last event: %s", lastEventStr))

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	))
}

// renderBudget colors the turn count as the budget runs out.
func renderBudget(turns, maxTurns int, theme Theme) string {
	text := fmt.Sprintf("%d/%d", turns, maxTurns)
	switch {
	case maxTurns == 0:
		return theme.Dim.Render(text)
	case turns*10 >= maxTurns*9:
		return theme.Failed.Render(text)
	case turns*2 >= maxTurns:
		return theme.Active.Render(text)
	default:
		return theme.Done.Render(text)
	}
}
