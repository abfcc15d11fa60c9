package api

import (
	"github.com/mattjoyce/codexflow/internal/gate"
	"github.com/mattjoyce/codexflow/internal/workflow"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string           `json:"status"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	RunID         string           `json:"run_id,omitempty"`
	Phase         workflow.PhaseID `json:"phase,omitempty"`
	Turns         int              `json:"turns"`
	MaxTurns      int              `json:"max_turns"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	State  workflow.State `json:"state"`
	Phases []PhaseStatus  `json:"phases"`
}

// PhaseStatus is one row of the phase board.
type PhaseStatus struct {
	ID      workflow.PhaseID `json:"id"`
	Roles   []string         `json:"roles,omitempty"`
	Current bool             `json:"current"`
	Reached bool             `json:"reached"`
	Gate    *gate.Report     `json:"gate,omitempty"`
}
