package proc

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/codexflow/internal/log"
)

func TestExitCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	_ = cmd.Run()
	assert.Equal(t, 7, ExitCode(cmd.ProcessState))

	assert.Equal(t, -1, ExitCode(nil))
}

func TestTerminateGraceful(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	Isolate(cmd)
	require.NoError(t, cmd.Start())
	waitCh := Wait(cmd)

	start := time.Now()
	_ = Terminate(cmd, waitCh, 2*time.Second, log.Get())

	assert.Less(t, time.Since(start), 2*time.Second, "sleep should die on SIGTERM without needing SIGKILL")
	assert.Equal(t, 128+15, ExitCode(cmd.ProcessState))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	cmd := exec.Command("sh", "-c", `trap "" TERM; while true; do sleep 0.05; done`)
	Isolate(cmd)
	require.NoError(t, cmd.Start())
	waitCh := Wait(cmd)
	time.Sleep(100 * time.Millisecond) // let the trap install

	_ = Terminate(cmd, waitCh, 200*time.Millisecond, log.Get())
	assert.Equal(t, 128+9, ExitCode(cmd.ProcessState))
}
