// Package proc holds the child-process lifecycle shared by the transport
// proxy and the role dispatcher: process-group setup, SIGTERM then SIGKILL
// termination, and exit-code extraction.
package proc

import (
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGrace is the time we wait after SIGTERM before sending SIGKILL.
const DefaultGrace = 5 * time.Second

// Isolate places the command in its own process group so the whole tree it
// spawns (npx -> node, sh -> agent) can be signalled at once.
func Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Wait starts cmd.Wait in a goroutine and returns the channel it reports on.
// The channel is buffered so the goroutine never leaks.
func Wait(cmd *exec.Cmd) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- cmd.Wait()
	}()
	return ch
}

// Terminate sends SIGTERM to the process group of cmd, waits up to grace for
// waitCh to report, then sends SIGKILL and waits for the reap. It returns the
// error received from waitCh.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration, logger *slog.Logger) error {
	if cmd.Process == nil {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGrace
	}

	logger.Warn("terminating child process", "pid", cmd.Process.Pid, "signal", "SIGTERM")
	signal(cmd, unix.SIGTERM, logger)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		logger.Info("child exited after SIGTERM", "pid", cmd.Process.Pid)
		return err
	case <-timer.C:
	}

	logger.Warn("child did not exit after SIGTERM, sending SIGKILL", "pid", cmd.Process.Pid, "grace", grace)
	signal(cmd, unix.SIGKILL, logger)
	return <-waitCh
}

func signal(cmd *exec.Cmd, sig unix.Signal, logger *slog.Logger) {
	pid := cmd.Process.Pid
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		if err := unix.Kill(-pid, sig); err == nil {
			return
		}
	}
	if err := cmd.Process.Signal(sig); err != nil && err != os.ErrProcessDone {
		logger.Error("failed to signal child", "pid", pid, "signal", sig.String(), "error", err)
	}
}

// ExitCode reports the shell-style exit status: the exit code for a normal
// exit, 128+N for death by signal N, and -1 when the process never finished.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
