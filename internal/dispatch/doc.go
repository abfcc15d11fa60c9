// Package dispatch runs workflow roles as subprocesses.
//
// Each invocation spawns the role's command in the workflow directory, writes
// one JSON RoleRequest to its stdin and reads one RoleResponse from stdout.
//
// Key features:
//   - Spawn-per-invocation, so a role carries no state between turns
//   - Per-role timeout with SIGTERM → 5s grace → SIGKILL to the process group
//   - Stderr capture (last 64KB) attached to the returned RoleError
//   - Role logs relayed into the structured log
//
// Error handling (all returned as *RoleError, none fatal to the workflow):
//   - Command missing or not executable → spawn
//   - Non-zero exit → exit
//   - Invalid or missing response → protocol
//   - Response status=error → role
//   - Timeout → timeout (wraps ErrTimeout)
//
// Cancellation of the caller's context terminates the role and returns the
// context error unwrapped so the controller can tell it from a role failure.
package dispatch
