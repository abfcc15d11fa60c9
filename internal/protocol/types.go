package protocol

import "time"

// Version is the role invocation protocol version spoken by codexflow.
const Version = 1

// RoleRequest is the envelope written to a role command's stdin, once per invocation.
type RoleRequest struct {
	Protocol     int            `json:"protocol"`
	RunID        string         `json:"run_id"`
	InvocationID string         `json:"invocation_id"`
	Role         string         `json:"role"`
	Phase        string         `json:"phase"`
	Turn         int            `json:"turn"`
	Brief        string         `json:"brief,omitempty"`
	Workdir      string         `json:"workdir"`
	Requires     []string       `json:"requires"`
	Produces     []string       `json:"produces"`
	Missing      []string       `json:"missing"` // outputs still absent at dispatch time
	Config       map[string]any `json:"config,omitempty"`
	DeadlineAt   time.Time      `json:"deadline_at"`
}

// RoleResponse is the envelope a role command writes to stdout before exiting.
type RoleResponse struct {
	Status string     `json:"status"` // ok | error
	Error  string     `json:"error,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from a role.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// OK reports whether the role finished its turn without error.
func (r *RoleResponse) OK() bool {
	return r != nil && r.Status == "ok"
}
