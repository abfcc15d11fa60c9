package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/codexflow/internal/api"
	"github.com/mattjoyce/codexflow/internal/auth"
	"github.com/mattjoyce/codexflow/internal/config"
	"github.com/mattjoyce/codexflow/internal/dispatch"
	"github.com/mattjoyce/codexflow/internal/events"
	"github.com/mattjoyce/codexflow/internal/gate"
	"github.com/mattjoyce/codexflow/internal/inspect"
	"github.com/mattjoyce/codexflow/internal/journal"
	"github.com/mattjoyce/codexflow/internal/lock"
	"github.com/mattjoyce/codexflow/internal/log"
	"github.com/mattjoyce/codexflow/internal/storage"
	"github.com/mattjoyce/codexflow/internal/tui/watch"
	"github.com/mattjoyce/codexflow/internal/workflow"
)

// apiKeyEnv supplies the bearer token for 'workflow watch' when --api-key is absent.
const apiKeyEnv = "CODEXFLOW_API_KEY"

func runWorkflowNoun(args []string) int {
	if len(args) < 1 {
		printWorkflowNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printWorkflowNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "run":
		if hasHelpFlag(actionArgs) {
			printWorkflowRunHelp()
			return 0
		}
		return runWorkflowRun(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printWorkflowStatusHelp()
			return 0
		}
		return runWorkflowStatus(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printWorkflowInspectHelp()
			return 0
		}
		return runWorkflowInspect(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printWorkflowWatchHelp()
			return 0
		}
		return runWorkflowWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown workflow action: %s\n", action)
		return 1
	}
}

func printWorkflowNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: codexflow workflow <action> [flags]

Actions:
  run       Drive Init -> Design -> Build -> Test -> Complete within the turn budget
  status    Show deliverables on disk and the phase a run would resume in
  inspect   Show a journaled run ("latest" or a run id)
  watch     Live phase board of a running controller (needs api.enabled)

Exit codes for run: 0 complete, 1 error, 2 turn budget exhausted, 130 cancelled.
`)
}

func printWorkflowRunHelp() {
	fmt.Println("Usage: codexflow workflow run [--config PATH] [--workdir DIR] [--max-turns N] [--api]")
	fmt.Println("Run the phase controller until every gate is satisfied or the turn budget is spent.")
}

func printWorkflowStatusHelp() {
	fmt.Println("Usage: codexflow workflow status [--config PATH] [--workdir DIR] [--json]")
	fmt.Println("Evaluate every phase's exit gate against the workflow directory.")
}

func printWorkflowInspectHelp() {
	fmt.Println("Usage: codexflow workflow inspect <run_id|latest> [--config PATH] [--json]")
	fmt.Println("Show the turn-by-turn record of a run from the journal.")
}

func printWorkflowWatchHelp() {
	fmt.Println("Usage: codexflow workflow watch [--config PATH] [--api-url URL] [--api-key KEY]")
	fmt.Printf("Attach to a running controller's API. The key defaults to $%s.\n", apiKeyEnv)
}

// loadWorkflowConfig loads config and applies the workdir override shared
// by the workflow actions.
func loadWorkflowConfig(configPath, workdir string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if workdir != "" {
		cfg.Workflow.Workdir = workdir
	}
	abs, err := filepath.Abs(cfg.Workflow.Workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	cfg.Workflow.Workdir = abs
	return cfg, nil
}

func runWorkflowRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	workdir := fs.String("workdir", "", "Workflow directory (overrides workflow.workdir)")
	maxTurns := fs.Int("max-turns", 0, "Turn budget (overrides workflow.max_turns)")
	withAPI := fs.Bool("api", false, "Serve the status API even when api.enabled is false")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadWorkflowConfig(*configPath, *workdir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *maxTurns < 0 {
		fmt.Fprintf(os.Stderr, "--max-turns must be positive\n")
		return 1
	}
	if *maxTurns > 0 {
		cfg.Workflow.MaxTurns = *maxTurns
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	if err := cfg.CheckRequiredEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	dir := cfg.Workflow.Workdir
	if err := gate.EnsureDir(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Workflow directory: %v\n", err)
		return 1
	}

	pidLock, err := lock.AcquirePIDLock(lock.PathFor(dir))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to lock workflow directory: %v\n", err)
		}
		return 1
	}
	defer func() { _ = pidLock.Release() }()

	table, err := cfg.Table()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid role table: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.JournalPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()
	store := journal.NewStore(db)

	hub := events.NewHub(0)
	defer hub.Close()

	gates := gate.NewOSEvaluator(dir)
	dispatcher := dispatch.New(dispatch.Options{
		Workdir:          dir,
		DefaultTimeout:   cfg.Workflow.RoleTimeout,
		TerminationGrace: cfg.Proxy.TerminationGrace,
	})
	ctrl := workflow.NewController(table, gates, dispatcher, workflow.Options{
		Workdir:  dir,
		MaxTurns: cfg.Workflow.MaxTurns,
		Observer: hub,
		Journal:  store,
		Logger:   log.WithComponent("controller"),
	})

	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()
	apiDone := make(chan struct{})
	if cfg.API.Enabled || *withAPI {
		server := api.New(apiConfig(cfg), ctrl, gates, store, hub, log.WithComponent("api"))
		go func() {
			defer close(apiDone)
			if err := server.Start(apiCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("API server failed", "error", err)
			}
		}()
	} else {
		close(apiDone)
	}

	res, runErr := ctrl.Run(ctx)
	stopAPI()
	<-apiDone

	printRunSummary(res)

	switch res.Outcome {
	case workflow.OutcomeComplete:
		return 0
	case workflow.OutcomeStalled:
		return exitStalled
	case workflow.OutcomeCancelled:
		if errors.Is(runErr, context.Canceled) {
			return exitCancelled
		}
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Workflow failed: %v\n", runErr)
	}
	return 1
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.Token, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.Token{Name: t.Name, Value: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen:      cfg.API.Listen,
		OperatorKey: cfg.API.Auth.APIKey,
		Tokens:      tokens,
	}
}

func printRunSummary(res workflow.Result) {
	fmt.Printf("Run %s: %s in phase %s after %d/%d turns\n", res.RunID, res.Outcome, res.Phase, res.Turns, res.MaxTurns)
	if len(res.Missing) > 0 {
		fmt.Println("Missing deliverables:")
		for _, m := range res.Missing {
			fmt.Printf("  - %s\n", m)
		}
	}
}

// phaseGate is one row of 'workflow status'.
type phaseGate struct {
	Phase  workflow.PhaseID `json:"phase"`
	Roles  []string         `json:"roles,omitempty"`
	Report gate.Report      `json:"report"`
}

type statusReport struct {
	Workdir string           `json:"workdir"`
	Resume  workflow.PhaseID `json:"resume_phase"`
	Phases  []phaseGate      `json:"phases"`
}

// buildStatus evaluates every exit gate. The resume phase is the first whose
// exit gate is unsatisfied, matching where a fresh run would start working.
func buildStatus(table *workflow.Table, gates workflow.GateChecker, dir string) statusReport {
	report := statusReport{Workdir: dir, Resume: workflow.PhaseComplete}
	resumeSet := false
	for _, p := range table.Phases() {
		r := gates.Check(p.Exit)
		report.Phases = append(report.Phases, phaseGate{Phase: p.ID, Roles: p.Roles, Report: r})
		if !resumeSet && !r.Satisfied {
			report.Resume = p.ID
			resumeSet = true
		}
	}
	return report
}

func runWorkflowStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	workdir := fs.String("workdir", "", "Workflow directory (overrides workflow.workdir)")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadWorkflowConfig(*configPath, *workdir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	table, err := cfg.Table()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid role table: %v\n", err)
		return 1
	}

	report := buildStatus(table, gate.NewOSEvaluator(cfg.Workflow.Workdir), cfg.Workflow.Workdir)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Workdir : %s\n", report.Workdir)
	fmt.Printf("Resume  : %s\n\n", report.Resume)
	for _, p := range report.Phases {
		have, total := p.Report.Progress()
		mark := " "
		if p.Report.Satisfied {
			mark = "x"
		}
		fmt.Printf("[%s] %-8s %d/%d  %s\n", mark, p.Phase, have, total, strings.Join(p.Roles, ", "))
		for _, m := range p.Report.Missing {
			fmt.Printf("      missing %s\n", m)
		}
	}
	return 0
}

func runWorkflowInspect(args []string) int {
	// Flags may follow the run id: 'codexflow workflow inspect <id> --json'.
	runID, flagArgs := splitPositional(args, "config")

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output report in JSON")
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if runID == "" {
		runID = inspect.Latest
	}

	cfg, err := loadWorkflowConfig(*configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	journalPath := cfg.JournalPath()
	if _, err := os.Stat(journalPath); err != nil {
		fmt.Fprintf(os.Stderr, "No journal at %s\n", journalPath)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, journalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()

	inspector := &inspect.Inspector{
		Source: journal.NewStore(db),
		Gates:  gate.NewOSEvaluator(cfg.Workflow.Workdir),
	}
	if table, err := cfg.Table(); err == nil {
		inspector.Table = table
	}

	var out string
	if *jsonOut {
		out, err = inspector.BuildJSONReport(ctx, runID)
	} else {
		out, err = inspector.BuildReport(ctx, runID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		if errors.Is(err, journal.ErrRunNotFound) {
			return 2
		}
		return 1
	}
	fmt.Print(strings.TrimRight(out, "\n") + "\n")
	return 0
}

func runWorkflowWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api-url", "", "Controller API base URL (default from api.listen)")
	apiKey := fs.String("api-key", "", "Bearer token (default $"+apiKeyEnv+")")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	url := *apiURL
	if url == "" {
		cfg, err := config.LoadOrDefault(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		url = "http://" + cfg.API.Listen
		if *apiKey == "" && os.Getenv(apiKeyEnv) == "" {
			*apiKey = cfg.API.Auth.APIKey
		}
	}
	key := *apiKey
	if key == "" {
		key = os.Getenv(apiKeyEnv)
	}

	p := tea.NewProgram(watch.New(strings.TrimRight(url, "/"), key), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}
