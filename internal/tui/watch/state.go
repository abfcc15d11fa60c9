package watch

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/codexflow/internal/api"
	"github.com/mattjoyce/codexflow/internal/events"
	"github.com/mattjoyce/codexflow/internal/workflow"
)

// Role statuses shown on the board.
const (
	roleIdle    = "idle"
	roleRunning = "running"
	roleOK      = "ok"
	roleFailed  = "failed"
)

// BoardState is what the watch view knows about the run.
type BoardState struct {
	RunID      string
	Phase      workflow.PhaseID
	Turns      int
	MaxTurns   int
	Outcome    workflow.Outcome
	Phases     []*PhaseRow
	Roles      map[string]*RoleState
	LastStatus time.Time
}

// PhaseRow is one phase with its latest gate progress.
type PhaseRow struct {
	ID        workflow.PhaseID
	Roles     []string
	Present   int
	Required  int
	Satisfied bool
	Missing   []string
}

// RoleState tracks one role across dispatches.
type RoleState struct {
	Name         string
	Phase        workflow.PhaseID
	Status       string
	Dispatches   int
	Failures     int
	LastDuration time.Duration
	LastError    string
}

func newBoardState() BoardState {
	return BoardState{Roles: make(map[string]*RoleState)}
}

// applyStatus replaces counters and gate progress with a fresh snapshot.
func (b *BoardState) applyStatus(s api.StatusResponse) {
	b.RunID = s.State.RunID
	b.Phase = s.State.Phase
	b.Turns = s.State.Turns
	b.MaxTurns = s.State.MaxTurns
	b.Outcome = s.State.Outcome
	b.LastStatus = time.Now()

	b.Phases = b.Phases[:0]
	for _, p := range s.Phases {
		row := &PhaseRow{ID: p.ID, Roles: p.Roles}
		if p.Gate != nil {
			row.Present, row.Required = p.Gate.Progress()
			row.Satisfied = p.Gate.Satisfied
			row.Missing = p.Gate.Missing
		}
		b.Phases = append(b.Phases, row)
		for _, name := range p.Roles {
			b.role(name).Phase = p.ID
		}
	}

	active := make(map[string]bool, len(s.State.Active))
	for _, name := range s.State.Active {
		active[name] = true
	}
	for name, r := range b.Roles {
		r.Dispatches = s.State.Dispatches[name]
		r.Failures = s.State.Failures[name]
		switch {
		case active[name]:
			r.Status = roleRunning
		case r.Status == roleRunning:
			r.Status = roleIdle
		}
	}
	for name := range active {
		b.role(name).Status = roleRunning
	}
}

// applyEvent folds one controller event into the board.
func (b *BoardState) applyEvent(e events.Event) {
	switch e.Type {
	case workflow.EventGateChecked:
		var g workflow.GateEvent
		if json.Unmarshal(e.Data, &g) != nil {
			return
		}
		b.RunID = g.RunID
		if g.Turn > b.Turns {
			b.Turns = g.Turn
		}
		if row := b.phase(g.Phase); row != nil {
			row.Present = g.Present
			row.Required = g.Required
			row.Satisfied = g.Satisfied
			row.Missing = g.Missing
		}

	case workflow.EventPhaseAdvanced, workflow.EventPhaseSkipped:
		var p workflow.PhaseEvent
		if json.Unmarshal(e.Data, &p) != nil {
			return
		}
		b.Phase = p.To
		if row := b.phase(p.From); row != nil {
			row.Satisfied = true
			row.Present = row.Required
			row.Missing = nil
		}

	case workflow.EventRoleDispatched, workflow.EventRoleCompleted, workflow.EventRoleFailed:
		var r workflow.RoleEvent
		if json.Unmarshal(e.Data, &r) != nil {
			return
		}
		role := b.role(r.Role)
		role.Phase = r.Phase
		switch e.Type {
		case workflow.EventRoleDispatched:
			role.Status = roleRunning
			role.Dispatches++
		case workflow.EventRoleCompleted:
			role.Status = roleOK
			role.LastDuration = r.Duration
			role.LastError = ""
		case workflow.EventRoleFailed:
			role.Status = roleFailed
			role.Failures++
			role.LastDuration = r.Duration
			role.LastError = r.Error
		}

	case workflow.EventWorkflowStarted, workflow.EventWorkflowCompleted,
		workflow.EventWorkflowStalled, workflow.EventWorkflowCancelled:
		var r workflow.RunEvent
		if json.Unmarshal(e.Data, &r) != nil {
			return
		}
		b.RunID = r.RunID
		b.Phase = r.Phase
		b.Turns = r.Turns
		b.MaxTurns = r.MaxTurns
		if r.Outcome != "" {
			b.Outcome = r.Outcome
		}
	}
}

func (b *BoardState) phase(id workflow.PhaseID) *PhaseRow {
	for _, row := range b.Phases {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func (b *BoardState) role(name string) *RoleState {
	r, ok := b.Roles[name]
	if !ok {
		r = &RoleState{Name: name, Status: roleIdle}
		b.Roles[name] = r
	}
	return r
}

// phaseStatus is the board label for a phase relative to the current one.
func (b *BoardState) phaseStatus(row *PhaseRow) string {
	if row.ID == b.Phase {
		if b.Outcome == workflow.OutcomeComplete {
			return "done"
		}
		return "active"
	}
	for _, p := range b.Phases {
		if p.ID == b.Phase {
			return "pending"
		}
		if p.ID == row.ID {
			return "done"
		}
	}
	return "pending"
}
