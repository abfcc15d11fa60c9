package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/codexflow/internal/protocol"
	"github.com/mattjoyce/codexflow/internal/proxy"
)

// fakeServer answers each request line with a codex/event followed by a
// result carrying the request id, like the codex MCP server does for tool calls.
const fakeServer = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","method":"codex/event","params":{"id":"%s","msg":{"type":"agent_message","message":"working"}}}\n' "$id"
  printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[]}}\n' "$id"
done
echo "server shutting down" >&2
exit 0
`

func TestProxyAgainstScriptedServer(t *testing.T) {
	upR, upW := io.Pipe()
	var out bytes.Buffer
	var stderr bytes.Buffer

	p := proxy.New(proxy.Config{
		Command:          "bash",
		Args:             []string{"-c", fakeServer},
		Stderr:           &stderr,
		TerminationGrace: time.Second,
	}, upR, &out)

	done := make(chan struct{})
	var code int
	var runErr error
	go func() {
		defer close(done)
		code, runErr = p.Run(context.Background())
	}()

	for i := 1; i <= 3; i++ {
		_, err := io.WriteString(upW, `{"jsonrpc":"2.0","id":`+strconv.Itoa(i)+`,"method":"tools/call","params":{}}`+"\n")
		require.NoError(t, err)
	}
	require.NoError(t, upW.Close())

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("proxy did not exit after upstream EOF")
	}
	require.NoError(t, runErr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr.String(), "server shutting down")

	var notifications, results int
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var msg map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &msg), sc.Text())
		switch {
		case strings.Contains(string(msg["method"]), protocol.NotificationMethod):
			notifications++
			var params protocol.NotificationParams
			require.NoError(t, json.Unmarshal(msg["params"], &params))
			assert.Equal(t, "info", params.Level)
			assert.JSONEq(t, `{"type":"agent_message","message":"working"}`, string(params.Data))
		case msg["id"] != nil:
			results++
		default:
			t.Fatalf("unexpected unit: %s", sc.Text())
		}
		assert.NotContains(t, sc.Text(), protocol.DefaultSentinel)
	}
	assert.Equal(t, 3, notifications)
	assert.Equal(t, 3, results)
}

func TestProxyIdleTimeoutKillsStuckServer(t *testing.T) {
	upR, upW := io.Pipe()
	defer upW.Close()

	p := proxy.New(proxy.Config{
		Command:          "bash",
		Args:             []string{"-c", "trap '' TERM; sleep 60"},
		Stderr:           io.Discard,
		IdleTimeout:      200 * time.Millisecond,
		TerminationGrace: 200 * time.Millisecond,
	}, upR, io.Discard)

	start := time.Now()
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, proxy.ErrIdleTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}
