package workflow

import "time"

// Event types published while a run progresses.
const (
	EventWorkflowStarted   = "workflow.started"
	EventGateChecked       = "gate.checked"
	EventPhaseAdvanced     = "phase.advanced"
	EventPhaseSkipped      = "phase.skipped"
	EventRoleDispatched    = "role.dispatched"
	EventRoleCompleted     = "role.completed"
	EventRoleFailed        = "role.failed"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowStalled   = "workflow.stalled"
	EventWorkflowCancelled = "workflow.cancelled"
)

// RunEvent is the payload of workflow.* events.
type RunEvent struct {
	RunID    string   `json:"run_id"`
	Phase    PhaseID  `json:"phase"`
	Turns    int      `json:"turns"`
	MaxTurns int      `json:"max_turns"`
	Outcome  Outcome  `json:"outcome,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// GateEvent is the payload of gate.checked.
type GateEvent struct {
	RunID     string   `json:"run_id"`
	Turn      int      `json:"turn"`
	Phase     PhaseID  `json:"phase"`
	Satisfied bool     `json:"satisfied"`
	Present   int      `json:"present"`
	Required  int      `json:"required"`
	Missing   []string `json:"missing,omitempty"`
}

// PhaseEvent is the payload of phase.advanced and phase.skipped.
type PhaseEvent struct {
	RunID string  `json:"run_id"`
	Turn  int     `json:"turn"`
	From  PhaseID `json:"from"`
	To    PhaseID `json:"to"`
}

// RoleEvent is the payload of role.* events.
type RoleEvent struct {
	RunID    string        `json:"run_id"`
	Turn     int           `json:"turn"`
	Phase    PhaseID       `json:"phase"`
	Role     string        `json:"role"`
	Missing  []string      `json:"missing,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Error    string        `json:"error,omitempty"`
}
