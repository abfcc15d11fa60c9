// Package proxy bridges a parent process's stdio to a spawned MCP server so a
// generic MCP client can drive the codex server without protocol warnings.
//
// Two pumps run for the life of the child:
//   - upstream: parent stdin → child stdin, byte-identical
//   - downstream: child stdout → parent stdout, with codex/event
//     notifications rewritten to notifications/message
//
// The child's stderr is inherited and never inspected.
//
// Shutdown:
//   - Parent EOF closes the child's stdin; the session ends once the child's
//     output ends and the child exits
//   - Child exit ends the session even if the parent never closes its input
//   - Pump failure, context cancellation, idle timeout or session timeout send
//     SIGTERM to the child's process group, then SIGKILL after the grace period
//
// The child's exit status is the proxy's result.
package proxy
