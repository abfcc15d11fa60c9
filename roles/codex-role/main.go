// Command codex-role is the default role command: it reads one role request
// on stdin, runs a codex agent in the workflow directory with a prompt built
// from the role's brief and deliverables, and answers on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/codexflow/internal/protocol"
)

const (
	defaultAgentCommand = "codex"
	defaultSandbox      = "workspace-write"
	defaultApproval     = "never"
	terminationGrace    = 5 * time.Second
	maxTailBytes        = 2048
)

type roleConfig struct {
	AgentCommand   string
	AgentArgs      []string // nil selects the codex exec argv
	ApprovalPolicy string
	Sandbox        string
	Model          string
}

func main() {
	resp := handle(context.Background(), os.Stdin, os.Stderr)
	_ = protocol.EncodeResponse(os.Stdout, resp)
}

// handle never writes to stdout; the agent's own output goes to agentOut.
func handle(ctx context.Context, in io.Reader, agentOut io.Writer) *protocol.RoleResponse {
	req, err := protocol.DecodeRequest(in)
	if err != nil {
		return errResp(fmt.Sprintf("invalid request: %v", err))
	}
	if strings.TrimSpace(req.Workdir) == "" {
		return errResp("request has no workdir")
	}

	cfg := parseConfig(req.Config)
	prompt := buildPrompt(req)
	argv := buildArgv(cfg, req.Workdir, prompt)

	var logs []protocol.LogEntry
	logs = append(logs, info(fmt.Sprintf("role=%s phase=%s turn=%d missing=%d", req.Role, req.Phase, req.Turn, len(req.Missing))))

	if !req.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.DeadlineAt)
		defer cancel()
	}

	tail := &tailBuffer{max: maxTailBytes}
	cmd := exec.CommandContext(ctx, cfg.AgentCommand, argv...)
	cmd.Dir = req.Workdir
	cmd.Stdout = io.MultiWriter(agentOut, tail)
	cmd.Stderr = io.MultiWriter(agentOut, tail)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGrace

	if err := cmd.Run(); err != nil {
		msg := fmt.Sprintf("agent %s failed: %v", cfg.AgentCommand, err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("agent %s exceeded the role deadline", cfg.AgentCommand)
		}
		resp := errResp(msg)
		if t := strings.TrimSpace(tail.String()); t != "" {
			resp.Logs = append(resp.Logs, warn("agent output tail: "+t))
		}
		return resp
	}

	// The controller's gate decides completeness; this is informational.
	var still []string
	for _, rel := range req.Produces {
		if _, err := os.Stat(filepath.Join(req.Workdir, filepath.FromSlash(rel))); err != nil {
			still = append(still, rel)
		}
	}
	if len(still) > 0 {
		logs = append(logs, warn(fmt.Sprintf("agent finished with %d deliverables missing: %s", len(still), strings.Join(still, ", "))))
	} else {
		logs = append(logs, info(fmt.Sprintf("all %d deliverables present", len(req.Produces))))
	}

	return &protocol.RoleResponse{Status: "ok", Logs: logs}
}

func parseConfig(in map[string]any) roleConfig {
	out := roleConfig{
		AgentCommand:   defaultAgentCommand,
		ApprovalPolicy: defaultApproval,
		Sandbox:        defaultSandbox,
	}
	if v := asString(in["agent_command"]); v != "" {
		out.AgentCommand = v
	}
	if v, ok := in["agent_args"]; ok {
		out.AgentArgs = asStringSlice(v)
	}
	if v := asString(in["approval_policy"]); v != "" {
		out.ApprovalPolicy = v
	}
	if v := asString(in["sandbox"]); v != "" {
		out.Sandbox = v
	}
	out.Model = asString(in["model"])
	return out
}

// buildArgv expands {workdir} and {prompt} in configured args, or builds the
// codex exec argv when none are configured.
func buildArgv(cfg roleConfig, workdir, prompt string) []string {
	if cfg.AgentArgs != nil {
		r := strings.NewReplacer("{workdir}", workdir, "{prompt}", prompt)
		out := make([]string, len(cfg.AgentArgs))
		for i, a := range cfg.AgentArgs {
			out[i] = r.Replace(a)
		}
		return out
	}

	argv := []string{
		"exec",
		"--skip-git-repo-check",
		"-C", workdir,
		"--sandbox", cfg.Sandbox,
		"-c", fmt.Sprintf("approval_policy=%q", cfg.ApprovalPolicy),
	}
	if cfg.Model != "" {
		argv = append(argv, "-m", cfg.Model)
	}
	return append(argv, prompt)
}

func buildPrompt(req *protocol.RoleRequest) string {
	var b strings.Builder
	if req.Brief != "" {
		b.WriteString(strings.TrimSpace(req.Brief))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Working directory: %s\n", req.Workdir)
	if len(req.Requires) > 0 {
		b.WriteString("\nRead these inputs first:\n")
		for _, p := range req.Requires {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	b.WriteString("\nYou are responsible for exactly these files:\n")
	for _, p := range req.Produces {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if len(req.Missing) > 0 && len(req.Missing) < len(req.Produces) {
		b.WriteString("\nThese are still missing; create them and leave existing files alone unless they are wrong:\n")
		for _, p := range req.Missing {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	b.WriteString("\nWrite the files to disk with paths relative to the working directory. Do not create other deliverables.\n")
	return b.String()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func warn(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "warn", Message: msg}
}

func errResp(message string) *protocol.RoleResponse {
	return &protocol.RoleResponse{
		Status: "error",
		Error:  message,
		Logs:   []protocol.LogEntry{{Level: "error", Message: message}},
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func asStringSlice(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = append(out, strings.Fields(t)...)
	}
	return out
}
