package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/codexflow/internal/protocol"
)

func encodeRequest(t *testing.T, req *protocol.RoleRequest) *bytes.Buffer {
	t.Helper()
	req.Protocol = protocol.Version
	var buf bytes.Buffer
	if err := protocol.EncodeRequest(&buf, req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return &buf
}

func TestHandleRunsAgentInWorkdir(t *testing.T) {
	ws := t.TempDir()
	in := encodeRequest(t, &protocol.RoleRequest{
		Role:     "designer",
		Phase:    "design",
		Turn:     2,
		Workdir:  ws,
		Produces: []string{"design/design_spec.md", "design/wireframe.md"},
		Missing:  []string{"design/design_spec.md", "design/wireframe.md"},
		Config: map[string]any{
			"agent_command": "sh",
			"agent_args":    []any{"-c", "mkdir -p design && touch design/design_spec.md design/wireframe.md && pwd"},
		},
		DeadlineAt: time.Now().Add(time.Minute),
	})

	var agentOut bytes.Buffer
	resp := handle(context.Background(), in, &agentOut)
	if !resp.OK() {
		t.Fatalf("status = %q, want ok (error=%s)", resp.Status, resp.Error)
	}
	for _, name := range []string{"design/design_spec.md", "design/wireframe.md"} {
		if _, err := os.Stat(filepath.Join(ws, name)); err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
	}
	resolved, _ := filepath.EvalSymlinks(ws)
	if got := strings.TrimSpace(agentOut.String()); got != ws && got != resolved {
		t.Fatalf("agent ran in %q, want %q", got, ws)
	}
	if last := resp.Logs[len(resp.Logs)-1].Message; !strings.Contains(last, "all 2 deliverables present") {
		t.Fatalf("last log = %q", last)
	}
}

func TestHandleReportsMissingDeliverables(t *testing.T) {
	ws := t.TempDir()
	in := encodeRequest(t, &protocol.RoleRequest{
		Role:     "tester",
		Workdir:  ws,
		Produces: []string{"tests/TEST_PLAN.md"},
		Config:   map[string]any{"agent_command": "true", "agent_args": []any{}},
	})

	resp := handle(context.Background(), in, &bytes.Buffer{})
	if !resp.OK() {
		t.Fatalf("status = %q, want ok", resp.Status)
	}
	if last := resp.Logs[len(resp.Logs)-1]; last.Level != "warn" || !strings.Contains(last.Message, "tests/TEST_PLAN.md") {
		t.Fatalf("last log = %+v, want missing-deliverable warning", last)
	}
}

func TestHandleAgentFailure(t *testing.T) {
	in := encodeRequest(t, &protocol.RoleRequest{
		Role:    "backend_developer",
		Workdir: t.TempDir(),
		Config: map[string]any{
			"agent_command": "sh",
			"agent_args":    []any{"-c", "echo boom >&2; exit 4"},
		},
	})

	resp := handle(context.Background(), in, &bytes.Buffer{})
	if resp.Status != "error" {
		t.Fatalf("status = %q, want error", resp.Status)
	}
	if !strings.Contains(resp.Error, "exit status 4") {
		t.Fatalf("error = %q", resp.Error)
	}
	found := false
	for _, l := range resp.Logs {
		if strings.Contains(l.Message, "boom") {
			found = true
		}
	}
	if !found {
		t.Fatalf("logs missing agent output tail: %+v", resp.Logs)
	}
}

func TestHandleDeadline(t *testing.T) {
	in := encodeRequest(t, &protocol.RoleRequest{
		Role:       "designer",
		Workdir:    t.TempDir(),
		Config:     map[string]any{"agent_command": "sleep", "agent_args": []any{"30"}},
		DeadlineAt: time.Now().Add(200 * time.Millisecond),
	})

	start := time.Now()
	resp := handle(context.Background(), in, &bytes.Buffer{})
	if resp.Status != "error" || !strings.Contains(resp.Error, "deadline") {
		t.Fatalf("resp = %+v, want deadline error", resp)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("agent was not stopped at the deadline")
	}
}

func TestHandleRejectsBadRequest(t *testing.T) {
	resp := handle(context.Background(), strings.NewReader("{not json"), &bytes.Buffer{})
	if resp.Status != "error" || !strings.Contains(resp.Error, "invalid request") {
		t.Fatalf("resp = %+v", resp)
	}

	resp = handle(context.Background(), strings.NewReader(`{"protocol":1,"role":"designer"}`), &bytes.Buffer{})
	if resp.Status != "error" || resp.Error != "request has no workdir" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestBuildArgvDefault(t *testing.T) {
	argv := buildArgv(parseConfig(map[string]any{"model": "gpt-5"}), "/w", "do it")
	want := []string{"exec", "--skip-git-repo-check", "-C", "/w", "--sandbox", "workspace-write", "-c", `approval_policy="never"`, "-m", "gpt-5", "do it"}
	if strings.Join(argv, "|") != strings.Join(want, "|") {
		t.Fatalf("argv = %q, want %q", argv, want)
	}
}

func TestBuildArgvPlaceholders(t *testing.T) {
	cfg := parseConfig(map[string]any{"agent_args": []any{"run", "--dir={workdir}", "{prompt}"}})
	argv := buildArgv(cfg, "/w", "p")
	if strings.Join(argv, " ") != "run --dir=/w p" {
		t.Fatalf("argv = %q", argv)
	}
}

func TestBuildPromptListsOnlyMissingOnPartialRedo(t *testing.T) {
	req := &protocol.RoleRequest{
		Brief:    "You are the Tester.",
		Workdir:  "/w",
		Requires: []string{"TEST.md"},
		Produces: []string{"a.md", "b.md"},
		Missing:  []string{"b.md"},
	}
	p := buildPrompt(req)
	for _, want := range []string{"You are the Tester.", "- TEST.md", "- a.md", "still missing", "- b.md"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}

	req.Missing = req.Produces
	if strings.Contains(buildPrompt(req), "still missing") {
		t.Fatalf("a first attempt should not list missing files separately")
	}
}
