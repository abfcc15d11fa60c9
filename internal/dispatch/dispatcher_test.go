package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/codexflow/internal/log"
	"github.com/mattjoyce/codexflow/internal/workflow"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// writeRole creates an executable shell script acting as a role command.
func writeRole(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func invocation(role workflow.Role) workflow.Invocation {
	return workflow.Invocation{RunID: "run-1", Turn: 1, Phase: workflow.PhaseDesign, Role: role, Missing: role.Produces}
}

func TestDispatchSuccessWritesArtifacts(t *testing.T) {
	workdir := t.TempDir()
	bin := t.TempDir()
	cmd := writeRole(t, bin, "designer.sh", `
req=$(cat)
mkdir -p design
echo "$req" > design/request.json
echo "# spec" > design/design_spec.md
echo '{"status":"ok","logs":[{"level":"info","message":"wrote spec"}]}'
`)

	d := New(Options{Workdir: workdir})
	role := workflow.Role{Name: "designer", Command: cmd, Produces: []string{"design/design_spec.md"}, Brief: "design it"}

	require.NoError(t, d.Dispatch(context.Background(), invocation(role)))

	_, err := os.Stat(filepath.Join(workdir, "design", "design_spec.md"))
	assert.NoError(t, err, "role runs in the workflow directory")

	req, err := os.ReadFile(filepath.Join(workdir, "design", "request.json"))
	require.NoError(t, err)
	assert.Contains(t, string(req), `"role":"designer"`)
	assert.Contains(t, string(req), `"brief":"design it"`)
	assert.Contains(t, string(req), `"missing":["design/design_spec.md"]`)
	assert.Contains(t, string(req), `"run_id":"run-1"`)
}

func TestDispatchPassesEnvironment(t *testing.T) {
	workdir := t.TempDir()
	cmd := writeRole(t, t.TempDir(), "env.sh", `
cat > /dev/null
echo "$CODEXFLOW_ROLE $CODEXFLOW_RUN_ID $EXTRA" > env.txt
echo '{"status":"ok"}'
`)

	d := New(Options{Workdir: workdir, Env: []string{"EXTRA=yes"}})
	require.NoError(t, d.Dispatch(context.Background(), invocation(workflow.Role{Name: "tester", Command: cmd})))

	got, err := os.ReadFile(filepath.Join(workdir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tester run-1 yes\n", string(got))
}

func TestDispatchRoleReportsError(t *testing.T) {
	cmd := writeRole(t, t.TempDir(), "fail.sh", `
cat > /dev/null
echo "stack trace" >&2
echo '{"status":"error","error":"model refused"}'
`)

	err := New(Options{Workdir: t.TempDir()}).Dispatch(context.Background(), invocation(workflow.Role{Name: "designer", Command: cmd}))

	var roleErr *RoleError
	require.True(t, errors.As(err, &roleErr))
	assert.Equal(t, "role", roleErr.Reason)
	assert.Contains(t, roleErr.Error(), "model refused")
	assert.Equal(t, "stack trace\n", roleErr.Output())
}

func TestDispatchNonZeroExit(t *testing.T) {
	cmd := writeRole(t, t.TempDir(), "exit.sh", `
cat > /dev/null
echo '{"status":"error","error":"agent crashed"}'
exit 4
`)

	err := New(Options{Workdir: t.TempDir()}).Dispatch(context.Background(), invocation(workflow.Role{Name: "backend_developer", Command: cmd}))

	var roleErr *RoleError
	require.True(t, errors.As(err, &roleErr))
	assert.Equal(t, "exit", roleErr.Reason)
	assert.Equal(t, 4, roleErr.ExitCode)
	assert.Contains(t, roleErr.Error(), "agent crashed")
}

func TestDispatchInvalidResponse(t *testing.T) {
	cmd := writeRole(t, t.TempDir(), "garbage.sh", `
cat > /dev/null
echo 'not json'
`)

	err := New(Options{Workdir: t.TempDir()}).Dispatch(context.Background(), invocation(workflow.Role{Name: "tester", Command: cmd}))

	var roleErr *RoleError
	require.True(t, errors.As(err, &roleErr))
	assert.Equal(t, "protocol", roleErr.Reason)
}

func TestDispatchMissingCommand(t *testing.T) {
	d := New(Options{Workdir: t.TempDir()})

	err := d.Dispatch(context.Background(), invocation(workflow.Role{Name: "tester"}))
	var roleErr *RoleError
	require.True(t, errors.As(err, &roleErr))
	assert.Equal(t, "spawn", roleErr.Reason)

	err = d.Dispatch(context.Background(), invocation(workflow.Role{Name: "tester", Command: "/nonexistent/role"}))
	require.True(t, errors.As(err, &roleErr))
	assert.Equal(t, "spawn", roleErr.Reason)
}

func TestDispatchTimeout(t *testing.T) {
	cmd := writeRole(t, t.TempDir(), "slow.sh", `
cat > /dev/null
sleep 30
`)

	d := New(Options{Workdir: t.TempDir(), TerminationGrace: 500 * time.Millisecond})
	role := workflow.Role{Name: "frontend_developer", Command: cmd, Timeout: 200 * time.Millisecond}

	start := time.Now()
	err := d.Dispatch(context.Background(), invocation(role))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatchCancellation(t *testing.T) {
	cmd := writeRole(t, t.TempDir(), "slow.sh", `
cat > /dev/null
sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	d := New(Options{Workdir: t.TempDir(), TerminationGrace: 500 * time.Millisecond})
	err := d.Dispatch(ctx, invocation(workflow.Role{Name: "tester", Command: cmd}))

	assert.ErrorIs(t, err, context.Canceled)
	var roleErr *RoleError
	assert.False(t, errors.As(err, &roleErr), "cancellation is not a role failure")
}

func TestTruncateStderrKeepsTail(t *testing.T) {
	long := make([]byte, maxStderrBytes+10)
	for i := range long {
		long[i] = 'a'
	}
	copy(long[len(long)-3:], "END")

	got := truncateStderr(string(long))
	assert.Len(t, got, maxStderrBytes)
	assert.True(t, len(got) > 3 && got[len(got)-3:] == "END")
}
