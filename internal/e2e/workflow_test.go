package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/codexflow/internal/config"
	"github.com/mattjoyce/codexflow/internal/dispatch"
	"github.com/mattjoyce/codexflow/internal/events"
	"github.com/mattjoyce/codexflow/internal/gate"
	"github.com/mattjoyce/codexflow/internal/journal"
	"github.com/mattjoyce/codexflow/internal/log"
	"github.com/mattjoyce/codexflow/internal/storage"
	"github.com/mattjoyce/codexflow/internal/workflow"
)

// recorder collects published event types in order.
type recorder struct {
	mu    sync.Mutex
	types []string
	hub   *events.Hub
}

func (r *recorder) Publish(eventType string, data any) {
	r.mu.Lock()
	r.types = append(r.types, eventType)
	r.mu.Unlock()
	r.hub.Publish(eventType, data)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	workdir string
	scripts string
	cfg     *config.Config
	store   *journal.Store
	obs     *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log.Setup("error", "text")

	root := t.TempDir()
	h := &harness{
		workdir: filepath.Join(root, "work"),
		scripts: filepath.Join(root, "roles"),
	}
	require.NoError(t, gate.EnsureDir(h.workdir))
	require.NoError(t, os.MkdirAll(h.scripts, 0o755))

	h.cfg = config.Defaults()
	h.cfg.Workflow.Workdir = h.workdir
	h.cfg.Workflow.RequiredEnv = nil
	h.cfg.Workflow.RoleTimeout = 10 * time.Second

	db, err := storage.OpenSQLite(context.Background(), h.cfg.JournalPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	h.store = journal.NewStore(db)

	hub := events.NewHub(0)
	t.Cleanup(hub.Close)
	h.obs = &recorder{hub: hub}
	return h
}

// role installs a bash role command. body runs after the request is read,
// in the workflow directory.
func (h *harness) role(t *testing.T, name, body string) {
	t.Helper()
	path := filepath.Join(h.scripts, name+".sh")
	script := "#!/bin/bash\nset -e\ncat > /dev/null\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	h.cfg.Roles[name] = config.RoleConfig{Command: path}
}

// producer returns a script body creating every default output of role.
func producer(role string) string {
	produces := workflow.DefaultRoles()[role].Produces
	var b strings.Builder
	for _, p := range produces {
		fmt.Fprintf(&b, "mkdir -p \"$(dirname %q)\"\necho %q > %q\n", p, role, p)
	}
	b.WriteString(`echo '{"status":"ok","logs":[{"level":"info","message":"wrote deliverables"}]}'`)
	return b.String()
}

func (h *harness) run(t *testing.T, maxTurns int) workflow.Result {
	t.Helper()
	table, err := h.cfg.Table()
	require.NoError(t, err)

	ctrl := workflow.NewController(table, gate.NewOSEvaluator(h.workdir), dispatch.New(dispatch.Options{
		Workdir:          h.workdir,
		TerminationGrace: time.Second,
	}), workflow.Options{
		Workdir:  h.workdir,
		MaxTurns: maxTurns,
		Observer: h.obs,
		Journal:  h.store,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res, err := ctrl.Run(ctx)
	require.NoError(t, err)
	return res
}

func TestEndToEndWorkflowCompletes(t *testing.T) {
	h := newHarness(t)
	for name := range workflow.DefaultRoles() {
		h.role(t, name, producer(name))
	}

	res := h.run(t, 30)

	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Equal(t, workflow.PhaseComplete, res.Phase)
	assert.Empty(t, res.Missing)
	for name := range workflow.DefaultRoles() {
		assert.Equal(t, 1, res.Dispatches[name], "role %s", name)
	}
	assert.FileExists(t, filepath.Join(h.workdir, "backend", "routes", "rag.js"))
	assert.FileExists(t, filepath.Join(h.workdir, "tests", "TEST_PLAN.md"))

	// Both build roles ran in the same turn.
	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeComplete, run.Outcome)

	buildTurns := map[int][]string{}
	for _, d := range run.Roles {
		if d.Phase == workflow.PhaseBuild {
			buildTurns[d.Turn] = append(buildTurns[d.Turn], d.Role)
		}
	}
	require.Len(t, buildTurns, 1)
	for _, roles := range buildTurns {
		sort.Strings(roles)
		assert.Equal(t, []string{workflow.RoleBackend, workflow.RoleFrontend}, roles)
	}

	assert.Equal(t, 1, h.obs.count(workflow.EventWorkflowStarted))
	assert.Equal(t, 1, h.obs.count(workflow.EventWorkflowCompleted))
	assert.Equal(t, 5, h.obs.count(workflow.EventRoleCompleted))
	assert.Zero(t, h.obs.count(workflow.EventRoleFailed))
}

func TestEndToEndWorkflowRetriesFailedRole(t *testing.T) {
	h := newHarness(t)
	for name := range workflow.DefaultRoles() {
		h.role(t, name, producer(name))
	}
	// The backend fails on its first attempt and succeeds on the next.
	marker := filepath.Join(h.scripts, "backend.attempted")
	h.role(t, workflow.RoleBackend, fmt.Sprintf(
		"if [ ! -f %q ]; then touch %q; echo '{\"status\":\"error\",\"error\":\"npm exploded\"}'; exit 0; fi\n%s",
		marker, marker, producer(workflow.RoleBackend)))

	res := h.run(t, 30)

	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Equal(t, 2, res.Dispatches[workflow.RoleBackend])
	assert.Equal(t, 1, res.Failures[workflow.RoleBackend])
	assert.Equal(t, 1, res.Dispatches[workflow.RoleFrontend], "a satisfied sibling is not re-dispatched")
	assert.Equal(t, 1, h.obs.count(workflow.EventRoleFailed))

	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	var failed []journal.Dispatch
	for _, d := range run.Roles {
		if d.Status == journal.StatusFailed {
			failed = append(failed, d)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, workflow.RoleBackend, failed[0].Role)
	assert.Contains(t, failed[0].Error, "npm exploded")
}

func TestEndToEndWorkflowStallsOnBudget(t *testing.T) {
	h := newHarness(t)
	for name := range workflow.DefaultRoles() {
		h.role(t, name, producer(name))
	}
	// The tester never writes its plan.
	h.role(t, workflow.RoleTester, `echo '{"status":"ok"}'`)

	res := h.run(t, 8)

	assert.Equal(t, workflow.OutcomeStalled, res.Outcome)
	assert.Equal(t, workflow.PhaseTest, res.Phase)
	assert.Equal(t, 8, res.Turns)
	assert.Equal(t, workflow.TestArtifacts, res.Missing)
	assert.Equal(t, 1, h.obs.count(workflow.EventWorkflowStalled))

	run, err := h.store.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.RunID, run.ID)
	assert.Equal(t, workflow.OutcomeStalled, run.Outcome)
	assert.Len(t, run.TurnLog, 8)
}

func TestEndToEndWorkflowResumesFromExistingDeliverables(t *testing.T) {
	h := newHarness(t)
	for name := range workflow.DefaultRoles() {
		h.role(t, name, producer(name))
	}
	// A previous run already got through Design.
	for _, rel := range append(append([]string{}, workflow.PlanningArtifacts...), workflow.DesignArtifacts...) {
		p := filepath.Join(h.workdir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("prior"), 0o644))
	}

	res := h.run(t, 30)

	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Zero(t, res.Dispatches[workflow.RoleProjectManager])
	assert.Zero(t, res.Dispatches[workflow.RoleDesigner])
	assert.Equal(t, 1, res.Dispatches[workflow.RoleTester])

	data, err := os.ReadFile(filepath.Join(h.workdir, "REQUIREMENTS.md"))
	require.NoError(t, err)
	assert.Equal(t, "prior", string(data), "existing deliverables are not rewritten")
}
