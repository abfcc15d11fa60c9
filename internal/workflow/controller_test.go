package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/codexflow/internal/gate"
	"github.com/mattjoyce/codexflow/internal/log"
	"github.com/mattjoyce/codexflow/internal/workflow"
	"github.com/mattjoyce/codexflow/internal/workflow/mocks"
)

const workdir = "/work"

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fixture struct {
	fs    afero.Fs
	table *workflow.Table
	gates *gate.Evaluator
	obs   *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	table, err := workflow.NewTable(workflow.DefaultRoles())
	require.NoError(t, err)
	fs := afero.NewMemMapFs()
	return &fixture{fs: fs, table: table, gates: gate.NewEvaluator(fs, workdir), obs: &recordingObserver{}}
}

func (f *fixture) seed(t *testing.T, sets ...[]string) {
	t.Helper()
	for _, set := range sets {
		for _, p := range set {
			require.NoError(t, afero.WriteFile(f.fs, path.Join(workdir, p), []byte("seed"), 0o644))
		}
	}
}

// produce writes every artifact the invocation still owes, like a role that
// does its job in one turn.
func (f *fixture) produce(_ context.Context, inv workflow.Invocation) error {
	for _, p := range inv.Missing {
		if err := afero.WriteFile(f.fs, path.Join(workdir, p), []byte(inv.Role.Name), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fixture) controller(d workflow.Dispatcher, maxTurns int) *workflow.Controller {
	return workflow.NewController(f.table, f.gates, d, workflow.Options{
		RunID:    "run-test",
		Workdir:  workdir,
		MaxTurns: maxTurns,
		Observer: f.obs,
	})
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (o *recordingObserver) Publish(eventType string, data any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, eventType)
	o.data = append(o.data, data)
}

func (o *recordingObserver) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *recordingObserver) count(eventType string) int {
	n := 0
	for _, e := range o.types() {
		if e == eventType {
			n++
		}
	}
	return n
}

type roleMatcher string

func (m roleMatcher) Matches(x any) bool {
	inv, ok := x.(workflow.Invocation)
	return ok && inv.Role.Name == string(m)
}

func (m roleMatcher) String() string { return fmt.Sprintf("invocation of role %s", string(m)) }

func TestRunCompletesInPhaseOrder(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)

	var mu sync.Mutex
	var order []string
	d.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, inv workflow.Invocation) error {
		mu.Lock()
		order = append(order, fmt.Sprintf("%d:%s", inv.Turn, inv.Role.Name))
		mu.Unlock()
		return f.produce(ctx, inv)
	}).Times(5)

	res, err := f.controller(d, 10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Equal(t, workflow.PhaseComplete, res.Phase)
	assert.Equal(t, 5, res.Turns)
	assert.Equal(t, map[string]int{
		workflow.RoleProjectManager: 1,
		workflow.RoleDesigner:       1,
		workflow.RoleFrontend:       1,
		workflow.RoleBackend:        1,
		workflow.RoleTester:         1,
	}, res.Dispatches)
	assert.Empty(t, res.Missing)

	assert.Equal(t, "1:project_manager", order[0])
	assert.Equal(t, "2:designer", order[1])
	assert.ElementsMatch(t, []string{"3:frontend_developer", "3:backend_developer"}, order[2:4])
	assert.Equal(t, "4:tester", order[4])

	types := f.obs.types()
	assert.Equal(t, workflow.EventWorkflowStarted, types[0])
	assert.Equal(t, workflow.EventWorkflowCompleted, types[len(types)-1])
	assert.Equal(t, 4, f.obs.count(workflow.EventPhaseAdvanced))
	assert.Equal(t, 0, f.obs.count(workflow.EventPhaseSkipped))
}

func TestBuildRolesAreNotDispatchedBeforeDesignGate(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)

	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleProjectManager)).DoAndReturn(f.produce).Times(1)
	// The designer never delivers.
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleDesigner)).Return(nil).Times(7)

	res, err := f.controller(d, 8).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, workflow.OutcomeStalled, res.Outcome)
	assert.Equal(t, workflow.PhaseDesign, res.Phase)
	assert.Zero(t, res.Dispatches[workflow.RoleFrontend])
	assert.Zero(t, res.Dispatches[workflow.RoleBackend])
	assert.Equal(t, workflow.DesignArtifacts, res.Missing)
}

func TestPartialArtifactsRedispatchOnlyTheOwner(t *testing.T) {
	f := newFixture(t)
	f.seed(t, workflow.PlanningArtifacts, workflow.DesignArtifacts)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)

	var backendCalls int
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleFrontend)).DoAndReturn(f.produce).Times(1)
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleBackend)).DoAndReturn(func(ctx context.Context, inv workflow.Invocation) error {
		backendCalls++
		if backendCalls == 1 {
			// Half the job: only server.js.
			return afero.WriteFile(f.fs, path.Join(workdir, "backend/server.js"), nil, 0o644)
		}
		assert.NotContains(t, inv.Missing, "backend/server.js", "delivered files are not requested again")
		return f.produce(ctx, inv)
	}).Times(2)
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleTester)).DoAndReturn(f.produce).Times(1)

	res, err := f.controller(d, 10).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Equal(t, 1, res.Dispatches[workflow.RoleFrontend])
	assert.Equal(t, 2, res.Dispatches[workflow.RoleBackend])
}

func TestJoinBarrier(t *testing.T) {
	f := newFixture(t)
	f.seed(t, workflow.PlanningArtifacts, workflow.DesignArtifacts, workflow.FrontendArtifacts)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)

	backendDoneTurn := 0
	testerTurn := 0
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleBackend)).DoAndReturn(func(ctx context.Context, inv workflow.Invocation) error {
		if inv.Turn < 3 {
			return nil
		}
		backendDoneTurn = inv.Turn
		return f.produce(ctx, inv)
	}).Times(3)
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleTester)).DoAndReturn(func(ctx context.Context, inv workflow.Invocation) error {
		testerTurn = inv.Turn
		return f.produce(ctx, inv)
	}).Times(1)

	res, err := f.controller(d, 10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Zero(t, res.Dispatches[workflow.RoleFrontend], "frontend set was already present")
	assert.Equal(t, 3, backendDoneTurn)
	assert.Equal(t, backendDoneTurn+1, testerTurn, "test phase starts on the evaluation right after the join")
}

func TestIdempotentResumeSkipsSatisfiedPhases(t *testing.T) {
	f := newFixture(t)
	f.seed(t, workflow.PlanningArtifacts, workflow.DesignArtifacts, workflow.FrontendArtifacts, workflow.BackendArtifacts)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)

	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleTester)).DoAndReturn(func(ctx context.Context, inv workflow.Invocation) error {
		assert.Equal(t, 1, inv.Turn)
		assert.Equal(t, workflow.PhaseTest, inv.Phase)
		return f.produce(ctx, inv)
	}).Times(1)

	res, err := f.controller(d, 10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Equal(t, map[string]int{workflow.RoleTester: 1}, res.Dispatches)
	assert.Equal(t, 2, f.obs.count(workflow.EventPhaseSkipped), "design and build are skipped")
}

func TestAlreadyCompleteDirectoryDispatchesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, workflow.PlanningArtifacts, workflow.DesignArtifacts, workflow.FrontendArtifacts,
		workflow.BackendArtifacts, workflow.TestArtifacts)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)

	res, err := f.controller(d, 10).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Equal(t, 1, res.Turns)
	assert.Empty(t, res.Dispatches)
}

func TestTurnBudgetEndsStalled(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleProjectManager)).Return(nil).Times(3)

	c := f.controller(d, 3)
	res, err := c.Run(context.Background())

	require.NoError(t, err, "a stall is an outcome, not an error")
	assert.Equal(t, workflow.OutcomeStalled, res.Outcome)
	assert.Equal(t, 3, res.Turns)
	assert.Equal(t, workflow.PhaseInit, res.Phase)
	assert.Equal(t, workflow.PlanningArtifacts, res.Missing)

	snap := c.Snapshot()
	assert.False(t, snap.Terminal)
	assert.Equal(t, workflow.OutcomeStalled, snap.Outcome)
	assert.Equal(t, 1, f.obs.count(workflow.EventWorkflowStalled))
}

func TestWorkFinishedOnLastTurnCounts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, workflow.PlanningArtifacts, workflow.DesignArtifacts, workflow.FrontendArtifacts, workflow.BackendArtifacts)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleTester)).DoAndReturn(f.produce).Times(1)

	res, err := f.controller(d, 1).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Equal(t, 1, res.Turns)
}

func TestRoleFailureIsRetriedNextTurn(t *testing.T) {
	f := newFixture(t)
	f.seed(t, workflow.PlanningArtifacts, workflow.DesignArtifacts, workflow.FrontendArtifacts, workflow.BackendArtifacts)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)

	gomock.InOrder(
		d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleTester)).Return(errors.New("agent exited with status 1")),
		d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleTester)).DoAndReturn(f.produce),
	)

	res, err := f.controller(d, 5).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Equal(t, 2, res.Dispatches[workflow.RoleTester])
	assert.Equal(t, 1, res.Failures[workflow.RoleTester])
	assert.Equal(t, 1, f.obs.count(workflow.EventRoleFailed))
}

func TestCancellationStopsTheRun(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	d.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ workflow.Invocation) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}).Times(1)

	res, err := f.controller(d, 10).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, workflow.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, 1, f.obs.count(workflow.EventWorkflowCancelled))
}

func TestBuildRolesRunConcurrently(t *testing.T) {
	f := newFixture(t)
	f.seed(t, workflow.PlanningArtifacts, workflow.DesignArtifacts)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)

	// Each build role waits for the other to start; a serial controller would deadlock.
	var wg sync.WaitGroup
	wg.Add(2)
	meet := func(ctx context.Context, inv workflow.Invocation) error {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			return errors.New("sibling role was never started")
		}
		return f.produce(ctx, inv)
	}
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleFrontend)).DoAndReturn(meet).Times(1)
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleBackend)).DoAndReturn(meet).Times(1)
	d.EXPECT().Dispatch(gomock.Any(), roleMatcher(workflow.RoleTester)).DoAndReturn(f.produce).Times(1)

	res, err := f.controller(d, 10).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeComplete, res.Outcome)
	assert.Zero(t, res.Failures[workflow.RoleFrontend])
	assert.Zero(t, res.Failures[workflow.RoleBackend])
}

type fakeJournal struct {
	mu         sync.Mutex
	begun      bool
	turns      []workflow.TurnRecord
	dispatches []workflow.DispatchRecord
	finished   *workflow.Result
}

func (j *fakeJournal) BeginRun(context.Context, workflow.RunInfo) error {
	j.begun = true
	return nil
}

func (j *fakeJournal) RecordTurn(_ context.Context, rec workflow.TurnRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.turns = append(j.turns, rec)
	return nil
}

func (j *fakeJournal) RecordDispatch(_ context.Context, rec workflow.DispatchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dispatches = append(j.dispatches, rec)
	return nil
}

func (j *fakeJournal) FinishRun(_ context.Context, res workflow.Result, _ error) error {
	j.finished = &res
	return nil
}

func TestJournalRecordsTurnsAndDispatches(t *testing.T) {
	f := newFixture(t)
	f.seed(t, workflow.PlanningArtifacts)
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	d.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(f.produce).AnyTimes()

	j := &fakeJournal{}
	c := workflow.NewController(f.table, f.gates, d, workflow.Options{MaxTurns: 10, Journal: j})
	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, c.RunID(), "run id is generated")
	assert.True(t, j.begun)
	require.NotNil(t, j.finished)
	assert.Equal(t, res.Turns, len(j.turns))
	assert.Len(t, j.dispatches, 4)

	first := j.turns[0]
	assert.Equal(t, workflow.PhaseInit, first.Phase)
	assert.True(t, first.GateSatisfied)
	assert.Equal(t, workflow.PhaseDesign, first.Current)
	assert.Equal(t, []string{workflow.RoleDesigner}, first.Dispatched)
}
