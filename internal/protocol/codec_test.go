package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *RoleRequest
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid design request",
			req: &RoleRequest{
				Protocol:     1,
				RunID:        "run-1",
				InvocationID: "inv-1",
				Role:         "designer",
				Phase:        "design",
				Turn:         2,
				Requires:     []string{"REQUIREMENTS.md"},
				Produces:     []string{"design/design_spec.md"},
				Missing:      []string{"design/design_spec.md"},
				DeadlineAt:   time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				for _, want := range []string{`"protocol":1`, `"role":"designer"`, `"turn":2`, `"missing":["design/design_spec.md"]`} {
					if !strings.Contains(output, want) {
						t.Errorf("output missing %s: %s", want, output)
					}
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("request must be newline terminated")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &RoleRequest{Protocol: 2, Role: "designer"},
			wantErr: true,
		},
		{
			name:    "missing role",
			req:     &RoleRequest{Protocol: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &RoleRequest{Protocol: 1, RunID: "r", Role: "tester", Produces: []string{"tests/TEST_PLAN.md"}}
	if err := EncodeRequest(&buf, in); err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	out, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if out.Role != "tester" || len(out.Produces) != 1 {
		t.Errorf("unexpected request: %+v", out)
	}

	if _, err := DecodeRequest(strings.NewReader(`{"protocol":9,"role":"x"}`)); err == nil {
		t.Error("expected version error")
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *RoleResponse)
	}{
		{
			name:  "valid ok response",
			input: `{"status":"ok"}`,
			checkFn: func(t *testing.T, resp *RoleResponse) {
				if !resp.OK() {
					t.Errorf("want ok, got %s", resp.Status)
				}
			},
		},
		{
			name:  "valid error response",
			input: `{"status":"error","error":"agent exited 1"}`,
			checkFn: func(t *testing.T, resp *RoleResponse) {
				if resp.OK() {
					t.Error("want not ok")
				}
				if resp.Error != "agent exited 1" {
					t.Errorf("want error message, got %s", resp.Error)
				}
			},
		},
		{
			name:  "response with logs",
			input: `{"status":"ok","logs":[{"level":"info","message":"wrote design/wireframe.md"}]}`,
			checkFn: func(t *testing.T, resp *RoleResponse) {
				if len(resp.Logs) != 1 {
					t.Fatalf("want 1 log, got %d", len(resp.Logs))
				}
				if resp.Logs[0].Level != "info" {
					t.Error("log level not parsed")
				}
			},
		},
		{name: "unknown field rejected", input: `{"status":"ok","retry":true}`, wantErr: true},
		{name: "missing status field", input: `{"logs":[]}`, wantErr: true},
		{name: "invalid status value", input: `{"status":"unknown"}`, wantErr: true},
		{name: "error status without message", input: `{"status":"error"}`, wantErr: true},
		{name: "invalid JSON", input: `{not json}`, wantErr: true},
		{name: "empty input", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestDecodeResponseLenient(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     bool
		wantRawData bool
	}{
		{name: "valid JSON response", input: `{"status":"ok"}`, wantRawData: true},
		{name: "unknown fields tolerated", input: `{"status":"ok","extra":1}`, wantRawData: true},
		{name: "invalid JSON captures raw data", input: `not json at all`, wantErr: true, wantRawData: true},
		{name: "empty output", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, rawData, err := DecodeResponseLenient(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponseLenient() error = %v, wantErr %v", err, tt.wantErr)
			}

			if tt.wantRawData && len(rawData) == 0 {
				t.Error("expected raw data to be captured")
			}

			if !tt.wantErr && resp == nil {
				t.Error("expected response to be parsed")
			}
		})
	}
}

func TestEncodeResponse(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeResponse(&buf, &RoleResponse{Status: "ok"}); err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	if buf.String() != "{\"status\":\"ok\"}\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
	if err := EncodeResponse(&buf, &RoleResponse{Status: "error"}); err == nil {
		t.Error("expected error for status=error without message")
	}
}
