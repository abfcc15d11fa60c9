package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/mattjoyce/codexflow/internal/log"
	"github.com/mattjoyce/codexflow/internal/proc"
	"github.com/mattjoyce/codexflow/internal/protocol"
)

var (
	// ErrSpawn is returned when the child process cannot be started.
	ErrSpawn = errors.New("spawn child process")
	// ErrIdleTimeout is returned when no unit crossed the proxy in either
	// direction for Config.IdleTimeout.
	ErrIdleTimeout = errors.New("proxy idle timeout")
	// ErrSessionTimeout is returned when the session outlived Config.SessionTimeout.
	ErrSessionTimeout = errors.New("proxy session timeout")
)

const defaultDrainGrace = 2 * time.Second

// Config describes the child process and the limits the proxy enforces on it.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment

	// Sentinel is the vendor event method to rewrite. Empty means codex/event.
	Sentinel string

	// Stderr receives the child's stderr untouched. Defaults to os.Stderr.
	Stderr io.Writer

	IdleTimeout      time.Duration // zero disables
	SessionTimeout   time.Duration // zero disables
	TerminationGrace time.Duration // SIGTERM to SIGKILL; zero means proc.DefaultGrace
	DrainGrace       time.Duration // how long to wait on a stuck pump after the child is gone

	Logger *slog.Logger
}

// Proxy bridges a parent's stdio to a spawned child's stdio. Traffic from
// the parent reaches the child untouched; traffic from the child has vendor
// events rewritten into generic notifications.
type Proxy struct {
	cfg    Config
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// New creates a proxy that reads parent traffic from in and writes child
// traffic to out.
func New(cfg Config, in io.Reader, out io.Writer) *Proxy {
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = proc.DefaultGrace
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("proxy")
	}
	return &Proxy{cfg: cfg, in: in, out: out, logger: logger}
}

// Run spawns the child and pumps both directions until the child's output
// ends and the child has exited, or until a pump fails, ctx is cancelled, or
// a timeout fires. In the failure cases the child is terminated and reaped
// before Run returns.
//
// The returned code is the child's exit status (128+N when killed by signal N,
// -1 if it never started). A non-zero child exit is not an error.
func (p *Proxy) Run(ctx context.Context) (int, error) {
	cmd, childIn, childOut, err := p.spawn()
	if err != nil {
		return -1, err
	}
	defer childIn.Close()
	defer childOut.Close()

	logger := p.logger.With("pid", cmd.Process.Pid)
	logger.Info("child started", "command", p.cfg.Command, "args", p.cfg.Args)

	waitCh := proc.Wait(cmd)

	// Cancelled once shutdown begins so pumps treat closed streams as normal.
	pumpCtx, stopPumps := context.WithCancel(context.Background())
	defer stopPumps()

	activity := make(chan struct{}, 1)
	touch := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	upstream := &Pump{Name: "upstream", Src: p.in, Dst: childIn, OnUnit: touch}
	downstream := &Pump{
		Name:      "downstream",
		Src:       childOut,
		Dst:       p.out,
		Transform: protocol.EventRewriter(p.cfg.Sentinel),
		OnUnit:    touch,
	}

	upErr := make(chan error, 1)
	downErr := make(chan error, 1)
	go func() { upErr <- upstream.Run(pumpCtx) }()
	go func() { downErr <- downstream.Run(pumpCtx) }()

	var idleC, sessionC, drainC <-chan time.Time
	var idle *time.Timer
	if p.cfg.IdleTimeout > 0 {
		idle = time.NewTimer(p.cfg.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}
	if p.cfg.SessionTimeout > 0 {
		session := time.NewTimer(p.cfg.SessionTimeout)
		defer session.Stop()
		sessionC = session.C
	}

	var (
		failure  error
		exited   bool
		upDone   bool
		downDone bool
	)

	for failure == nil && !(exited && downDone) {
		select {
		case err := <-downErr:
			downDone = true
			if err != nil {
				failure = err
			}
		case err := <-upErr:
			upDone = true
			switch {
			case err == nil:
			case isClosedStream(err):
				// The child stopped reading; keep draining its output.
				logger.Warn("child closed its input", "error", err)
			default:
				failure = err
			}
		case <-waitCh:
			exited = true
			if !downDone {
				// Something else still holds the child's stdout open.
				drainC = time.After(p.cfg.DrainGrace)
			}
		case <-drainC:
			logger.Warn("child output still open after exit, closing it")
			stopPumps()
			_ = childOut.Close()
			drainC = nil
		case <-activity:
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(p.cfg.IdleTimeout)
			}
		case <-idleC:
			failure = ErrIdleTimeout
		case <-sessionC:
			failure = ErrSessionTimeout
		case <-ctx.Done():
			failure = ctx.Err()
		}
	}

	stopPumps()

	if !exited {
		logger.Warn("stopping child", "reason", failure)
		_ = proc.Terminate(cmd, waitCh, p.cfg.TerminationGrace, logger)
	}

	if !downDone {
		_ = childOut.Close()
		p.await(downErr, "downstream", logger)
	}
	if !upDone {
		// The parent may never close its end; unblock the read if we can.
		_ = childIn.Close()
		if c, ok := p.in.(io.Closer); ok {
			_ = c.Close()
		}
		p.await(upErr, "upstream", logger)
	}

	code := proc.ExitCode(cmd.ProcessState)
	if failure != nil {
		logger.Error("proxy stopped", "error", failure, "exit_code", code)
		return code, failure
	}
	logger.Info("child exited", "exit_code", code)
	return code, nil
}

func (p *Proxy) spawn() (*exec.Cmd, *os.File, *os.File, error) {
	if p.cfg.Command == "" {
		return nil, nil, nil, fmt.Errorf("%w: no command configured", ErrSpawn)
	}

	// Plain pipes rather than cmd.StdinPipe/StdoutPipe so closing our ends
	// is under our control and cmd.Wait never races the pumps.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, nil, nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = p.cfg.Stderr
	proc.Isolate(cmd)

	startErr := cmd.Start()
	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()
	if startErr != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, nil, nil, fmt.Errorf("%w: %s: %v", ErrSpawn, p.cfg.Command, startErr)
	}

	return cmd, stdinW, stdoutR, nil
}

func (p *Proxy) await(ch <-chan error, name string, logger *slog.Logger) {
	timer := time.NewTimer(p.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case err := <-ch:
		if err != nil {
			logger.Debug("pump ended during shutdown", "pump", name, "error", err)
		}
	case <-timer.C:
		logger.Warn("pump did not stop in time, abandoning it", "pump", name)
	}
}
