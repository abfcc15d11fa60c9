package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/codexflow/internal/log"
	"github.com/mattjoyce/codexflow/internal/proc"
	"github.com/mattjoyce/codexflow/internal/protocol"
	"github.com/mattjoyce/codexflow/internal/workflow"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a role.
	maxStderrBytes = 64 * 1024

	// DefaultRoleTimeout bounds one role invocation when the role sets none.
	DefaultRoleTimeout = 30 * time.Minute
)

// ErrTimeout is wrapped by the RoleError returned when a role overruns its timeout.
var ErrTimeout = errors.New("role timed out")

// RoleError describes a failed role invocation.
type RoleError struct {
	Role     string
	Reason   string // timeout | exit | protocol | role | spawn
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RoleError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("role %s %s (exit %d): %v", e.Role, e.Reason, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("role %s %s: %v", e.Role, e.Reason, e.Err)
}

func (e *RoleError) Unwrap() error { return e.Err }

// Output returns the captured stderr of the role.
func (e *RoleError) Output() string { return e.Stderr }

// Options configure an ExecDispatcher.
type Options struct {
	Workdir          string
	DefaultTimeout   time.Duration
	TerminationGrace time.Duration
	Env              []string // extra environment for every role
}

// ExecDispatcher runs each role invocation as a subprocess speaking the role
// protocol: one RoleRequest on stdin, one RoleResponse on stdout.
type ExecDispatcher struct {
	opts   Options
	logger *slog.Logger
}

// New creates an ExecDispatcher.
func New(opts Options) *ExecDispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultRoleTimeout
	}
	if opts.TerminationGrace <= 0 {
		opts.TerminationGrace = proc.DefaultGrace
	}
	return &ExecDispatcher{opts: opts, logger: log.WithComponent("dispatch")}
}

// Dispatch runs the role once and waits for it. It returns nil only when the
// role exited zero and replied with status ok.
func (d *ExecDispatcher) Dispatch(ctx context.Context, inv workflow.Invocation) error {
	role := inv.Role
	if role.Command == "" {
		return &RoleError{Role: role.Name, Reason: "spawn", Err: errors.New("no command configured")}
	}

	timeout := role.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}

	req := &protocol.RoleRequest{
		Protocol:     protocol.Version,
		RunID:        inv.RunID,
		InvocationID: uuid.NewString(),
		Role:         role.Name,
		Phase:        string(inv.Phase),
		Turn:         inv.Turn,
		Brief:        role.Brief,
		Workdir:      d.opts.Workdir,
		Requires:     role.Requires,
		Produces:     role.Produces,
		Missing:      inv.Missing,
		Config:       role.Config,
		DeadlineAt:   time.Now().Add(timeout),
	}

	logger := log.WithRole(role.Name).With(
		"component", "dispatch",
		"run_id", inv.RunID,
		"invocation_id", req.InvocationID,
		"turn", inv.Turn,
	)

	resp, stderr, err := d.spawnRole(ctx, role, req, timeout, logger)
	if err != nil {
		return err
	}

	for _, entry := range resp.Logs {
		logger.Log(ctx, roleLogLevel(entry.Level), "role log", "message", entry.Message)
	}

	if !resp.OK() {
		logger.Warn("role returned error", "error", resp.Error)
		return &RoleError{Role: role.Name, Reason: "role", Stderr: stderr, Err: errors.New(resp.Error)}
	}

	logger.Info("role finished")
	return nil
}

// spawnRole starts the role process, writes the request to stdin, and reads
// the response from stdout. Timeout and cancellation send SIGTERM, then
// SIGKILL after the grace period.
func (d *ExecDispatcher) spawnRole(
	ctx context.Context,
	role workflow.Role,
	req *protocol.RoleRequest,
	timeout time.Duration,
	logger *slog.Logger,
) (*protocol.RoleResponse, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed here.
	cmd := exec.Command(role.Command, role.Args...)
	cmd.Dir = d.opts.Workdir
	cmd.Env = append(os.Environ(), d.opts.Env...)
	cmd.Env = append(cmd.Env,
		"CODEXFLOW_RUN_ID="+req.RunID,
		"CODEXFLOW_ROLE="+role.Name,
		"CODEXFLOW_WORKDIR="+d.opts.Workdir,
	)
	cmd.WaitDelay = d.opts.TerminationGrace
	proc.Isolate(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", &RoleError{Role: role.Name, Reason: "spawn", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning role", "command", role.Command, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", &RoleError{Role: role.Name, Reason: "spawn", Err: fmt.Errorf("start process: %w", err)}
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitCh := proc.Wait(cmd)

	select {
	case <-timeoutTimer.C:
		logger.Warn("role timed out", "timeout", timeout)
		_ = proc.Terminate(cmd, waitCh, d.opts.TerminationGrace, logger)
		return nil, truncateStderr(stderr.String()), &RoleError{
			Role:     role.Name,
			Reason:   "timeout",
			ExitCode: proc.ExitCode(cmd.ProcessState),
			Stderr:   truncateStderr(stderr.String()),
			Err:      fmt.Errorf("%w after %s", ErrTimeout, timeout),
		}

	case <-ctx.Done():
		logger.Warn("role cancelled")
		_ = proc.Terminate(cmd, waitCh, d.opts.TerminationGrace, logger)
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitCh:
		stderrStr := truncateStderr(stderr.String())
		exitCode := proc.ExitCode(cmd.ProcessState)

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, &RoleError{Role: role.Name, Reason: "exit", Stderr: stderrStr, Err: fmt.Errorf("wait for process: %w", err)}
			}
			logger.Warn("role exited with non-zero status", "exit_code", exitCode)
			// A role may still explain itself on stdout before failing.
			msg := err
			if resp, _, derr := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes())); derr == nil && resp.Error != "" {
				msg = errors.New(resp.Error)
			}
			return nil, stderrStr, &RoleError{Role: role.Name, Reason: "exit", ExitCode: exitCode, Stderr: stderrStr, Err: msg}
		}

		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, &RoleError{Role: role.Name, Reason: "protocol", Stderr: stderrStr, Err: werr}
		}

		resp, rawBytes, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode role response", "error", err, "stdout", string(rawBytes))
			return nil, stderrStr, &RoleError{Role: role.Name, Reason: "protocol", Stderr: stderrStr, Err: fmt.Errorf("decode response: %w", err)}
		}

		return resp, stderrStr, nil
	}
}

func roleLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// truncateStderr keeps the last maxStderrBytes of s; the tail is where the
// failure usually is.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[len(s)-maxStderrBytes:]
	}
	return s
}
