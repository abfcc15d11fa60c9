// Package inspect renders journaled workflow runs for humans and scripts.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/codexflow/internal/gate"
	"github.com/mattjoyce/codexflow/internal/journal"
	"github.com/mattjoyce/codexflow/internal/workflow"
)

// Latest selects the most recently started run.
const Latest = "latest"

// Source loads journaled runs. *journal.Store satisfies it.
type Source interface {
	GetRun(ctx context.Context, id string) (*journal.Run, error)
	LatestRun(ctx context.Context) (*journal.Run, error)
}

// Report is the structured JSON representation of a run report.
type Report struct {
	Run          *journal.Run   `json:"run"`
	Duration     string         `json:"duration,omitempty"`
	Deliverables []Deliverables `json:"deliverables,omitempty"`
}

// Deliverables is the current on-disk state of one phase's exit gate.
type Deliverables struct {
	Phase  workflow.PhaseID `json:"phase"`
	Report gate.Report      `json:"report"`
}

// Inspector builds reports. Table and Gates are optional; without them the
// report omits the deliverables section.
type Inspector struct {
	Source Source
	Table  *workflow.Table
	Gates  workflow.GateChecker
}

// BuildReport renders a terminal-friendly report for a run.
func (i *Inspector) BuildReport(ctx context.Context, runID string) (string, error) {
	report, err := i.gather(ctx, runID)
	if err != nil {
		return "", err
	}
	run := report.Run

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", run.ID)
	fmt.Fprintf(&out, "Workdir     : %s\n", renderUnset(run.Workdir, "<unknown>"))
	fmt.Fprintf(&out, "Outcome     : %s\n", run.Outcome)
	fmt.Fprintf(&out, "Phase       : %s\n", renderUnset(string(run.Phase), "<none>"))
	fmt.Fprintf(&out, "Turns       : %d/%d\n", run.Turns, run.MaxTurns)
	fmt.Fprintf(&out, "Started     : %s\n", run.StartedAt.Format(time.RFC3339))
	if report.Duration != "" {
		fmt.Fprintf(&out, "Duration    : %s\n", report.Duration)
	}
	if run.LastError != "" {
		fmt.Fprintf(&out, "Error       : %s\n", run.LastError)
	}
	if len(run.Dispatches) > 0 {
		fmt.Fprintf(&out, "Dispatches  : %s\n", renderCounts(run.Dispatches))
	}
	fmt.Fprintf(&out, "\n")

	byTurn := make(map[int][]journal.Dispatch)
	for _, d := range run.Roles {
		byTurn[d.Turn] = append(byTurn[d.Turn], d)
	}

	for _, t := range run.TurnLog {
		gateState := "unsatisfied"
		if t.GateSatisfied {
			gateState = "satisfied"
		}
		fmt.Fprintf(&out, "[%d] %s gate %s -> %s\n", t.Turn, t.Phase, gateState, t.Current)
		if len(t.Skipped) > 0 {
			fmt.Fprintf(&out, "    skipped    : %s\n", joinPhases(t.Skipped))
		}
		if len(t.Missing) > 0 {
			fmt.Fprintf(&out, "    missing    :\n")
			for _, m := range t.Missing {
				fmt.Fprintf(&out, "      - %s\n", m)
			}
		}
		if len(byTurn[t.Turn]) == 0 {
			fmt.Fprintf(&out, "    roles      : <none>\n")
		}
		for _, d := range byTurn[t.Turn] {
			fmt.Fprintf(&out, "    role       : %s (%s, %s)\n", d.Role, d.Status, d.Duration().Round(time.Millisecond))
			if d.Error != "" {
				fmt.Fprintf(&out, "      error    : %s\n", d.Error)
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	if len(report.Deliverables) > 0 {
		fmt.Fprintf(&out, "Deliverables\n")
		for _, d := range report.Deliverables {
			have, total := d.Report.Progress()
			fmt.Fprintf(&out, "  %-8s %d/%d\n", d.Phase, have, total)
			for _, m := range d.Report.Missing {
				fmt.Fprintf(&out, "    missing  %s\n", m)
			}
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func (i *Inspector) BuildJSONReport(ctx context.Context, runID string) (string, error) {
	report, err := i.gather(ctx, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func (i *Inspector) gather(ctx context.Context, runID string) (*Report, error) {
	runID = strings.TrimSpace(runID)

	var (
		run *journal.Run
		err error
	)
	if runID == "" || runID == Latest {
		run, err = i.Source.LatestRun(ctx)
	} else {
		run, err = i.Source.GetRun(ctx, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %q: %w", renderUnset(runID, Latest), err)
	}

	report := &Report{Run: run}
	if run.FinishedAt != nil {
		report.Duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
	}
	if i.Table != nil && i.Gates != nil {
		for _, p := range i.Table.Phases() {
			if len(p.Exit.Paths) == 0 {
				continue
			}
			report.Deliverables = append(report.Deliverables, Deliverables{Phase: p.ID, Report: i.Gates.Check(p.Exit)})
		}
	}
	return report, nil
}

func renderCounts(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[name]))
	}
	return strings.Join(parts, " ")
}

func joinPhases(phases []workflow.PhaseID) string {
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
