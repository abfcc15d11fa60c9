package protocol

import (
	"bytes"
	"encoding/json"
)

const (
	// DefaultSentinel is the vendor event method emitted by the codex MCP server.
	DefaultSentinel = "codex/event"
	// NotificationMethod is the generic MCP logging notification method.
	NotificationMethod = "notifications/message"
	// JSONRPCVersion is stamped on every rewritten notification.
	JSONRPCVersion = "2.0"
)

// TransformFunc maps one newline-delimited unit to the bytes written in its
// place. It must be pure: same input, same output, no retained state.
type TransformFunc func(line []byte) []byte

// Identity returns its input unchanged.
func Identity(line []byte) []byte { return line }

// Notification is the generic MCP notifications/message envelope.
// Field order is the wire order.
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

// NotificationParams carries the log level and the original event payload.
type NotificationParams struct {
	Level string          `json:"level"`
	Data  json.RawMessage `json:"data"`
}

// EventRewriter returns a TransformFunc that rewrites vendor events whose
// method equals sentinel into notifications/message envelopes. An empty
// sentinel selects DefaultSentinel.
//
// A unit is rewritten only when it is a JSON object whose "method" is the
// sentinel string and whose "params" object has a "msg" key. Anything else,
// including malformed JSON, is returned unchanged.
func EventRewriter(sentinel string) TransformFunc {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	return func(line []byte) []byte {
		out, ok := rewriteEvent(line, sentinel)
		if !ok {
			return line
		}
		return out
	}
}

func rewriteEvent(line []byte, sentinel string) ([]byte, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(line, &envelope); err != nil || envelope == nil {
		return nil, false
	}

	rawMethod, ok := envelope["method"]
	if !ok {
		return nil, false
	}
	var method string
	if err := json.Unmarshal(rawMethod, &method); err != nil || method != sentinel {
		return nil, false
	}

	var params map[string]json.RawMessage
	if err := json.Unmarshal(envelope["params"], &params); err != nil || params == nil {
		return nil, false
	}
	msg, ok := params["msg"]
	if !ok {
		return nil, false
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(Notification{
		JSONRPC: JSONRPCVersion,
		Method:  NotificationMethod,
		Params:  NotificationParams{Level: "info", Data: msg},
	})
	if err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
