package watch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

const progressWidth = 12

func renderPhaseBoard(b BoardState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(b.Phases) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("PHASES"),
			theme.Dim.Render("  Waiting for status..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Title.Render("PHASES")}
	for _, row := range b.Phases {
		statusStyle, icon := theme.phaseBadge(b.phaseStatus(row))

		line := fmt.Sprintf(" %s %-9s %s",
			statusStyle.Render(icon),
			statusStyle.Render(string(row.ID)),
			renderProgress(row.Present, row.Required, theme),
		)
		if row.Required > 0 {
			line += theme.Dim.Render(fmt.Sprintf(" %d/%d", row.Present, row.Required))
		}
		if len(row.Roles) > 0 {
			line += theme.Dim.Render("  " + strings.Join(row.Roles, ", "))
		}
		lines = append(lines, line)
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderProgress(present, required int, theme Theme) string {
	if required == 0 {
		return strings.Repeat(" ", progressWidth)
	}
	filled := present * progressWidth / required
	return theme.GateFilled.Render(strings.Repeat("█", filled)) +
		theme.GateEmpty.Render(strings.Repeat("░", progressWidth-filled))
}

func newRoleTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Role", Width: 20},
			{Title: "Phase", Width: 8},
			{Title: "Status", Width: 8},
			{Title: "Runs", Width: 5},
			{Title: "Fail", Width: 5},
			{Title: "Last", Width: 8},
		}),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// roleRows orders roles by phase then name so the table matches the board.
func roleRows(b BoardState) []table.Row {
	order := make(map[string]int)
	for i, p := range b.Phases {
		order[string(p.ID)] = i
	}

	roles := make([]*RoleState, 0, len(b.Roles))
	for _, r := range b.Roles {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool {
		oi, oj := order[string(roles[i].Phase)], order[string(roles[j].Phase)]
		if oi != oj {
			return oi < oj
		}
		return roles[i].Name < roles[j].Name
	})

	rows := make([]table.Row, 0, len(roles))
	for _, r := range roles {
		last := "-"
		if r.LastDuration > 0 {
			last = formatDuration(r.LastDuration)
		}
		rows = append(rows, table.Row{
			r.Name,
			string(r.Phase),
			r.Status,
			strconv.Itoa(r.Dispatches),
			strconv.Itoa(r.Failures),
			last,
		})
	}
	return rows
}

// renderRoles shows the role table and, under it, the last error of each
// failed role; errors do not fit in a table cell.
func renderRoles(t table.Model, b BoardState, theme Theme, width int) string {
	lines := []string{theme.Title.Render("ROLES"), t.View()}

	names := make([]string, 0, len(b.Roles))
	for name, r := range b.Roles {
		if r.Status == roleFailed && r.LastError != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		r := b.Roles[name]
		msg := r.LastError
		if limit := width - len(name) - 12; limit > 10 && len(msg) > limit {
			msg = msg[:limit] + "..."
		}
		lines = append(lines, fmt.Sprintf(" %s %s", theme.roleBadge(r.Status).Render(name+":"), theme.Dim.Render(msg)))
	}

	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
