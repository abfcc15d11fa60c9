// Package journal records workflow runs in SQLite for later inspection.
//
// The journal is write-mostly: the controller appends turns and dispatches as
// they happen, and the inspect/API surfaces read them back. A run never
// resumes from the journal; the working directory is the only state that
// carries across runs.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/codexflow/internal/workflow"
)

// DefaultMaxOutputBytes caps the role output stored per dispatch.
const DefaultMaxOutputBytes = 64 * 1024

// ErrRunNotFound is returned when a run id is not in the journal.
var ErrRunNotFound = errors.New("run not found")

type Store struct {
	db             *sql.DB
	maxOutputBytes int
	now            func() time.Time
}

var _ workflow.Journal = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:             db,
		maxOutputBytes: DefaultMaxOutputBytes,
		now:            time.Now,
	}
}

// Run is a journaled run with its turns and dispatches.
type Run struct {
	ID         string           `json:"id"`
	Workdir    string           `json:"workdir"`
	MaxTurns   int              `json:"max_turns"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Outcome    workflow.Outcome `json:"outcome"`
	Phase      workflow.PhaseID `json:"phase,omitempty"`
	Turns      int              `json:"turns"`
	Dispatches map[string]int   `json:"dispatches"`
	Missing    []string         `json:"missing,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
	TurnLog    []Turn           `json:"turn_log,omitempty"`
	Roles      []Dispatch       `json:"roles,omitempty"`
}

// Turn is one journaled controller turn.
type Turn struct {
	Turn          int                `json:"turn"`
	Phase         workflow.PhaseID   `json:"phase"`
	GateSatisfied bool               `json:"gate_satisfied"`
	Missing       []string           `json:"missing,omitempty"`
	Skipped       []workflow.PhaseID `json:"skipped,omitempty"`
	Current       workflow.PhaseID   `json:"current"`
	Dispatched    []string           `json:"dispatched,omitempty"`
	At            time.Time          `json:"at"`
}

// Dispatch is one journaled role invocation.
type Dispatch struct {
	Turn        int              `json:"turn"`
	Phase       workflow.PhaseID `json:"phase"`
	Role        string           `json:"role"`
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	Output      string           `json:"output,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Duration is how long the role ran.
func (d Dispatch) Duration() time.Duration { return d.CompletedAt.Sub(d.StartedAt) }

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// BeginRun inserts the run row.
func (s *Store) BeginRun(ctx context.Context, run workflow.RunInfo) error {
	if run.RunID == "" {
		return fmt.Errorf("run id is empty")
	}
	started := run.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_run(id, workdir, max_turns, started_at, outcome)
VALUES(?, ?, ?, ?, ?);
`, run.RunID, run.Workdir, run.MaxTurns, formatTime(started), string(workflow.OutcomeRunning))
	if err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}
	return nil
}

// RecordTurn appends a turn row and bumps the run's turn counter.
func (s *Store) RecordTurn(ctx context.Context, rec workflow.TurnRecord) error {
	missing, err := marshalList(rec.Missing)
	if err != nil {
		return fmt.Errorf("marshal missing: %w", err)
	}
	skipped, err := marshalList(rec.Skipped)
	if err != nil {
		return fmt.Errorf("marshal skipped: %w", err)
	}
	dispatched, err := marshalList(rec.Dispatched)
	if err != nil {
		return fmt.Errorf("marshal dispatched: %w", err)
	}
	at := rec.At
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO workflow_turn(run_id, turn, phase, gate_satisfied, missing, skipped, current_phase, dispatched, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.RunID, rec.Turn, string(rec.Phase), boolInt(rec.GateSatisfied), missing, skipped, string(rec.Current), dispatched, formatTime(at))
	if err != nil {
		return fmt.Errorf("insert workflow turn: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE workflow_run SET turns = MAX(turns, ?), final_phase = ? WHERE id = ?;
`, rec.Turn, string(rec.Current), rec.RunID)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record turn %d: %w: %s", rec.Turn, ErrRunNotFound, rec.RunID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecordDispatch appends a role invocation. Output beyond the cap keeps its tail.
func (s *Store) RecordDispatch(ctx context.Context, rec workflow.DispatchRecord) error {
	status := StatusSucceeded
	if !rec.Succeeded {
		status = StatusFailed
	}
	output := rec.Output
	if len(output) > s.maxOutputBytes {
		output = output[len(output)-s.maxOutputBytes:]
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO role_dispatch(run_id, turn, phase, role, status, started_at, completed_at, last_error, output)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.RunID, rec.Turn, string(rec.Phase), rec.Role, status,
		formatTime(rec.StartedAt), formatTime(rec.CompletedAt), nullString(rec.Error), nullString(output))
	if err != nil {
		return fmt.Errorf("insert role dispatch: %w", err)
	}
	return nil
}

// FinishRun stamps the run with its outcome.
func (s *Store) FinishRun(ctx context.Context, res workflow.Result, runErr error) error {
	dispatches, err := json.Marshal(nonNilCounts(res.Dispatches))
	if err != nil {
		return fmt.Errorf("marshal dispatches: %w", err)
	}
	missing, err := marshalList(res.Missing)
	if err != nil {
		return fmt.Errorf("marshal missing: %w", err)
	}
	var lastErr sql.NullString
	if runErr != nil {
		lastErr = sql.NullString{String: runErr.Error(), Valid: true}
	}

	r, err := s.db.ExecContext(ctx, `
UPDATE workflow_run
SET finished_at = ?, outcome = ?, final_phase = ?, turns = ?, dispatches = ?, missing = ?, last_error = ?
WHERE id = ?;
`, formatTime(s.now()), string(res.Outcome), string(res.Phase), res.Turns, string(dispatches), missing, lastErr, res.RunID)
	if err != nil {
		return fmt.Errorf("finish workflow run: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: %w: %s", ErrRunNotFound, res.RunID)
	}
	return nil
}

// GetRun loads a run with its turns and dispatches.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	run, err := s.scanRun(s.db.QueryRowContext(ctx, runSelect+" WHERE id = ?;", id))
	if err != nil {
		return nil, err
	}
	if run.TurnLog, err = s.listTurns(ctx, id); err != nil {
		return nil, err
	}
	if run.Roles, err = s.listDispatches(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// LatestRun loads the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM workflow_run ORDER BY started_at DESC, rowid DESC LIMIT 1;").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read latest run: %w", err)
	}
	return s.GetRun(ctx, id)
}

// ListRuns returns run headers, newest first, without turns or dispatches.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, runSelect+" ORDER BY started_at DESC, rowid DESC LIMIT ?;", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

const runSelect = `SELECT id, workdir, max_turns, started_at, finished_at, outcome, final_phase, turns, dispatches, missing, last_error FROM workflow_run`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRun(row rowScanner) (*Run, error) {
	var (
		run                   Run
		started, outcome      string
		finished, phase, last sql.NullString
		dispatches, missing   string
	)
	err := row.Scan(&run.ID, &run.Workdir, &run.MaxTurns, &started, &finished, &outcome, &phase, &run.Turns, &dispatches, &missing, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow run: %w", err)
	}

	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at for run=%q: %w", run.ID, err)
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at for run=%q: %w", run.ID, err)
		}
		run.FinishedAt = &t
	}
	run.Outcome = workflow.Outcome(outcome)
	run.Phase = workflow.PhaseID(phase.String)
	run.LastError = last.String
	if err := json.Unmarshal([]byte(dispatches), &run.Dispatches); err != nil {
		return nil, fmt.Errorf("stored dispatches are invalid JSON for run=%q: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(missing), &run.Missing); err != nil {
		return nil, fmt.Errorf("stored missing list is invalid JSON for run=%q: %w", run.ID, err)
	}
	return &run, nil
}

func (s *Store) listTurns(ctx context.Context, runID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT turn, phase, gate_satisfied, missing, skipped, current_phase, dispatched, created_at
FROM workflow_turn WHERE run_id = ? ORDER BY turn ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Turn
	for rows.Next() {
		var (
			t                            Turn
			phase, current, created      string
			satisfied                    int
			missing, skipped, dispatched string
		)
		if err := rows.Scan(&t.Turn, &phase, &satisfied, &missing, &skipped, &current, &dispatched, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Phase = workflow.PhaseID(phase)
		t.Current = workflow.PhaseID(current)
		t.GateSatisfied = satisfied != 0
		if err := json.Unmarshal([]byte(missing), &t.Missing); err != nil {
			return nil, fmt.Errorf("decode turn %d missing: %w", t.Turn, err)
		}
		if err := json.Unmarshal([]byte(skipped), &t.Skipped); err != nil {
			return nil, fmt.Errorf("decode turn %d skipped: %w", t.Turn, err)
		}
		if err := json.Unmarshal([]byte(dispatched), &t.Dispatched); err != nil {
			return nil, fmt.Errorf("decode turn %d dispatched: %w", t.Turn, err)
		}
		if t.At, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse turn %d created_at: %w", t.Turn, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return out, nil
}

func (s *Store) listDispatches(ctx context.Context, runID string) ([]Dispatch, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT turn, phase, role, status, started_at, completed_at, last_error, output
FROM role_dispatch WHERE run_id = ? ORDER BY turn ASC, id ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Dispatch
	for rows.Next() {
		var (
			d                  Dispatch
			phase              string
			started, completed string
			lastErr, output    sql.NullString
		)
		if err := rows.Scan(&d.Turn, &phase, &d.Role, &d.Status, &started, &completed, &lastErr, &output); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		d.Phase = workflow.PhaseID(phase)
		d.Error = lastErr.String
		d.Output = output.String
		if d.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parse dispatch started_at: %w", err)
		}
		if d.CompletedAt, err = parseTime(completed); err != nil {
			return nil, fmt.Errorf("parse dispatch completed_at: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func marshalList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonNilCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
