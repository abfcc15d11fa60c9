package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/codexflow/internal/gate"
	"github.com/mattjoyce/codexflow/internal/log"
)

// DefaultMaxTurns bounds a run when no budget is configured.
const DefaultMaxTurns = 30

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeComplete  Outcome = "complete"
	OutcomeStalled   Outcome = "stalled"
	OutcomeCancelled Outcome = "cancelled"
)

// Invocation asks a dispatcher to run one role for one turn.
type Invocation struct {
	RunID   string
	Turn    int
	Phase   PhaseID
	Role    Role
	Missing []string // role outputs absent when the turn started
}

// Dispatcher invokes a role and returns once that invocation has finished.
// An error means the invocation failed; it does not stop the workflow.
//
//go:generate mockgen -destination=mocks/mock_dispatcher.go -package=mocks github.com/mattjoyce/codexflow/internal/workflow Dispatcher
type Dispatcher interface {
	Dispatch(ctx context.Context, inv Invocation) error
}

// GateChecker evaluates a gate against the artifact store.
type GateChecker interface {
	Check(g gate.Gate) gate.Report
}

// Observer receives progress events. events.Hub satisfies it.
type Observer interface {
	Publish(eventType string, data any)
}

// Journal records a run for later inspection. It is an audit trail only:
// a new run never reads it back.
type Journal interface {
	BeginRun(ctx context.Context, run RunInfo) error
	RecordTurn(ctx context.Context, rec TurnRecord) error
	RecordDispatch(ctx context.Context, rec DispatchRecord) error
	FinishRun(ctx context.Context, res Result, runErr error) error
}

// RunInfo describes a run at start.
type RunInfo struct {
	RunID     string
	Workdir   string
	MaxTurns  int
	StartedAt time.Time
}

// TurnRecord is one gate evaluation and the dispatches it caused.
type TurnRecord struct {
	RunID         string
	Turn          int
	Phase         PhaseID // phase whose exit gate was evaluated
	GateSatisfied bool
	Missing       []string
	Skipped       []PhaseID // phases passed without dispatch
	Current       PhaseID   // phase after this turn
	Dispatched    []string
	At            time.Time
}

// DispatchRecord is one role invocation.
type DispatchRecord struct {
	RunID       string
	Turn        int
	Phase       PhaseID
	Role        string
	Succeeded   bool
	Error       string
	Output      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Result summarises a finished run.
type Result struct {
	RunID      string         `json:"run_id"`
	Outcome    Outcome        `json:"outcome"`
	Phase      PhaseID        `json:"phase"`
	Turns      int            `json:"turns"`
	MaxTurns   int            `json:"max_turns"`
	Dispatches map[string]int `json:"dispatches"`
	Failures   map[string]int `json:"failures"`
	Missing    []string       `json:"missing,omitempty"`
}

// State is a point-in-time copy of the workflow state.
type State struct {
	RunID      string         `json:"run_id"`
	Phase      PhaseID        `json:"phase"`
	Turns      int            `json:"turns"`
	MaxTurns   int            `json:"max_turns"`
	Terminal   bool           `json:"terminal"`
	Outcome    Outcome        `json:"outcome"`
	StartedAt  time.Time      `json:"started_at"`
	Dispatches map[string]int `json:"dispatches"`
	Failures   map[string]int `json:"failures"`
	Missing    []string       `json:"missing,omitempty"`
	Active     []string       `json:"active,omitempty"` // roles currently running
}

// Options configure a Controller.
type Options struct {
	RunID    string // generated when empty
	Workdir  string // recorded in the journal only
	MaxTurns int
	Observer Observer
	Journal  Journal
	Logger   *slog.Logger
}

// detailer is implemented by dispatch errors that carry role output.
type detailer interface {
	Output() string
}

// Controller sequences roles by artifact existence. Turns run one at a
// time on the goroutine calling Run.
type Controller struct {
	table      *Table
	gates      GateChecker
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger

	mu    sync.RWMutex
	state State
}

// NewController builds a controller starting in the init phase.
func NewController(table *Table, gates GateChecker, dispatcher Dispatcher, opts Options) *Controller {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("workflow")
	}
	return &Controller{
		table:      table,
		gates:      gates,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With("run_id", opts.RunID),
		state: State{
			RunID:      opts.RunID,
			Phase:      PhaseInit,
			MaxTurns:   opts.MaxTurns,
			Outcome:    OutcomeRunning,
			Dispatches: make(map[string]int),
			Failures:   make(map[string]int),
		},
	}
}

// RunID returns the identifier of this controller's run.
func (c *Controller) RunID() string { return c.opts.RunID }

// Table returns the dependency table the controller drives.
func (c *Controller) Table() *Table { return c.table }

// Snapshot returns a copy of the current state, safe to call from any goroutine.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	s.Dispatches = maps.Clone(c.state.Dispatches)
	s.Failures = maps.Clone(c.state.Failures)
	s.Missing = append([]string(nil), c.state.Missing...)
	s.Active = append([]string(nil), c.state.Active...)
	return s
}

// Run drives turns until the workflow completes, the turn budget runs out,
// or ctx is cancelled. Running out of turns is reported as OutcomeStalled
// with a nil error. Cancellation returns OutcomeCancelled and ctx's error.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	started := time.Now()
	c.update(func(s *State) { s.StartedAt = started })
	c.journal("begin run", func(j Journal) error {
		return j.BeginRun(ctx, RunInfo{RunID: c.opts.RunID, Workdir: c.opts.Workdir, MaxTurns: c.opts.MaxTurns, StartedAt: started})
	})
	c.logger.Info("workflow started", "max_turns", c.opts.MaxTurns, "workdir", c.opts.Workdir)
	c.publish(EventWorkflowStarted, c.runEvent(""))

	for {
		if err := ctx.Err(); err != nil {
			return c.finish(ctx, OutcomeCancelled, err)
		}
		if c.Snapshot().Phase == PhaseComplete {
			return c.finish(ctx, OutcomeComplete, nil)
		}
		if c.Snapshot().Turns >= c.opts.MaxTurns {
			// The last dispatch may have finished the job.
			if c.settle() == PhaseComplete {
				return c.finish(ctx, OutcomeComplete, nil)
			}
			return c.finish(ctx, OutcomeStalled, nil)
		}
		if err := c.turn(ctx); err != nil {
			return c.finish(ctx, OutcomeCancelled, err)
		}
	}
}

// turn evaluates the current exit gate once and dispatches accordingly.
func (c *Controller) turn(ctx context.Context) error {
	var turn int
	c.update(func(s *State) {
		s.Turns++
		turn = s.Turns
	})

	from := c.Snapshot().Phase
	phase, _ := c.table.Phase(from)
	report := c.gates.Check(phase.Exit)
	c.publishGate(turn, from, report)

	rec := TurnRecord{
		RunID:         c.opts.RunID,
		Turn:          turn,
		Phase:         from,
		GateSatisfied: report.Satisfied,
		Missing:       report.Missing,
		At:            time.Now(),
	}

	current := from
	if report.Satisfied {
		current, report, rec.Skipped = c.advance(turn, from)
	}
	rec.Current = current
	c.update(func(s *State) {
		s.Phase = current
		s.Missing = report.Missing
	})

	if current == PhaseComplete {
		c.recordTurn(ctx, rec)
		return nil
	}

	assignments := c.table.OwnersOf(current, report.Missing)
	for _, a := range assignments {
		rec.Dispatched = append(rec.Dispatched, a.Role.Name)
	}
	c.logger.Info("turn", "turn", turn, "phase", current, "missing", len(report.Missing), "dispatching", rec.Dispatched)

	err := c.dispatchAll(ctx, turn, current, assignments)
	c.recordTurn(ctx, rec)
	return err
}

// advance moves past from and every following phase whose exit gate is
// already satisfied. It returns the first phase with outstanding work (or
// Complete), that phase's gate report, and the phases skipped on the way.
func (c *Controller) advance(turn int, from PhaseID) (PhaseID, gate.Report, []PhaseID) {
	var skipped []PhaseID
	current := from
	for {
		next := c.table.Next(current)
		c.logger.Info("phase advanced", "turn", turn, "from", current, "to", next)
		c.publish(EventPhaseAdvanced, PhaseEvent{RunID: c.opts.RunID, Turn: turn, From: current, To: next})
		current = next
		if current == PhaseComplete {
			return current, gate.Report{Gate: string(PhaseComplete), Satisfied: true}, skipped
		}

		phase, _ := c.table.Phase(current)
		report := c.gates.Check(phase.Exit)
		c.publishGate(turn, current, report)
		if !report.Satisfied {
			return current, report, skipped
		}
		// Deliverables already on disk: do not invoke the phase's roles again.
		skipped = append(skipped, current)
		c.logger.Info("phase already satisfied, skipping", "turn", turn, "phase", current)
		c.publish(EventPhaseSkipped, PhaseEvent{RunID: c.opts.RunID, Turn: turn, From: from, To: current})
	}
}

// settle advances through satisfied gates without dispatching. It is used
// once the budget is spent so work finished on the last turn still counts.
func (c *Controller) settle() PhaseID {
	current := c.Snapshot().Phase
	for current != PhaseComplete {
		phase, _ := c.table.Phase(current)
		report := c.gates.Check(phase.Exit)
		if !report.Satisfied {
			c.update(func(s *State) { s.Missing = report.Missing })
			break
		}
		current = c.table.Next(current)
	}
	c.update(func(s *State) { s.Phase = current })
	return current
}

// dispatchAll invokes every assignment concurrently and waits for all of
// them. Role failures are recorded; only cancellation is returned.
func (c *Controller) dispatchAll(ctx context.Context, turn int, phase PhaseID, assignments []Assignment) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range assignments {
		g.Go(func() error {
			return c.dispatchOne(gctx, turn, phase, a)
		})
	}
	return g.Wait()
}

func (c *Controller) dispatchOne(ctx context.Context, turn int, phase PhaseID, a Assignment) error {
	name := a.Role.Name
	logger := c.logger.With("role", name, "turn", turn)

	c.update(func(s *State) {
		s.Dispatches[name]++
		s.Active = append(s.Active, name)
	})
	defer c.update(func(s *State) {
		for i, r := range s.Active {
			if r == name {
				s.Active = append(s.Active[:i], s.Active[i+1:]...)
				break
			}
		}
	})

	ev := RoleEvent{RunID: c.opts.RunID, Turn: turn, Phase: phase, Role: name, Missing: a.Missing}
	logger.Info("dispatching role", "missing", a.Missing)
	c.publish(EventRoleDispatched, ev)

	started := time.Now()
	err := c.dispatcher.Dispatch(ctx, Invocation{
		RunID:   c.opts.RunID,
		Turn:    turn,
		Phase:   phase,
		Role:    a.Role,
		Missing: append([]string(nil), a.Missing...),
	})
	ev.Duration = time.Since(started)

	rec := DispatchRecord{
		RunID:       c.opts.RunID,
		Turn:        turn,
		Phase:       phase,
		Role:        name,
		Succeeded:   err == nil,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}

	if err != nil {
		rec.Error = err.Error()
		var d detailer
		if errors.As(err, &d) {
			rec.Output = d.Output()
		}
	}
	jctx := context.WithoutCancel(ctx)
	c.journal("record dispatch", func(j Journal) error { return j.RecordDispatch(jctx, rec) })

	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return fmt.Errorf("dispatch role %s: %w", name, ctx.Err())
		}
		c.update(func(s *State) { s.Failures[name]++ })
		ev.Error = err.Error()
		logger.Warn("role failed", "error", err, "duration", ev.Duration)
		c.publish(EventRoleFailed, ev)
		return nil
	}

	logger.Info("role completed", "duration", ev.Duration)
	c.publish(EventRoleCompleted, ev)
	return nil
}

func (c *Controller) finish(ctx context.Context, outcome Outcome, runErr error) (Result, error) {
	c.update(func(s *State) {
		s.Outcome = outcome
		s.Terminal = outcome == OutcomeComplete
		if outcome == OutcomeComplete {
			s.Missing = nil
		}
	})
	snap := c.Snapshot()
	res := Result{
		RunID:      snap.RunID,
		Outcome:    outcome,
		Phase:      snap.Phase,
		Turns:      snap.Turns,
		MaxTurns:   snap.MaxTurns,
		Dispatches: snap.Dispatches,
		Failures:   snap.Failures,
		Missing:    snap.Missing,
	}

	// Recording must survive the cancellation that ended the run.
	jctx := context.WithoutCancel(ctx)
	c.journal("finish run", func(j Journal) error { return j.FinishRun(jctx, res, runErr) })

	ev := c.runEvent(outcome)
	switch outcome {
	case OutcomeComplete:
		c.logger.Info("workflow complete", "turns", res.Turns)
		c.publish(EventWorkflowCompleted, ev)
	case OutcomeStalled:
		c.logger.Warn("turn budget exhausted", "turns", res.Turns, "phase", res.Phase, "missing", res.Missing)
		c.publish(EventWorkflowStalled, ev)
	case OutcomeCancelled:
		ev.Error = fmt.Sprint(runErr)
		c.logger.Warn("workflow cancelled", "turns", res.Turns, "phase", res.Phase, "error", runErr)
		c.publish(EventWorkflowCancelled, ev)
	}
	return res, runErr
}

func (c *Controller) update(fn func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
}

func (c *Controller) runEvent(outcome Outcome) RunEvent {
	s := c.Snapshot()
	return RunEvent{
		RunID:    s.RunID,
		Phase:    s.Phase,
		Turns:    s.Turns,
		MaxTurns: s.MaxTurns,
		Outcome:  outcome,
		Missing:  s.Missing,
	}
}

func (c *Controller) publishGate(turn int, phase PhaseID, r gate.Report) {
	have, need := r.Progress()
	c.publish(EventGateChecked, GateEvent{
		RunID:     c.opts.RunID,
		Turn:      turn,
		Phase:     phase,
		Satisfied: r.Satisfied,
		Present:   have,
		Required:  need,
		Missing:   r.Missing,
	})
}

func (c *Controller) publish(eventType string, data any) {
	if c.opts.Observer != nil {
		c.opts.Observer.Publish(eventType, data)
	}
}

func (c *Controller) recordTurn(ctx context.Context, rec TurnRecord) {
	jctx := context.WithoutCancel(ctx)
	c.journal("record turn", func(j Journal) error { return j.RecordTurn(jctx, rec) })
}

// journal runs fn against the configured journal. Journal failures are
// logged and never stop the run.
func (c *Controller) journal(what string, fn func(Journal) error) {
	if c.opts.Journal == nil {
		return
	}
	if err := fn(c.opts.Journal); err != nil {
		c.logger.Warn("journal write failed", "op", what, "error", err)
	}
}
