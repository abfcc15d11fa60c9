// Package doctor validates codexflow configuration and the commands it will
// spawn, before any agent runs.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/codexflow/internal/auth"
	"github.com/mattjoyce/codexflow/internal/config"
	"github.com/mattjoyce/codexflow/internal/workflow"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, stat: os.Stat}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	table := d.validateTable(r)
	d.validateRoleCommands(r, table)
	d.validateProxy(r)
	d.validateAPIConfig(r)
	d.warnMissingEnvVars(r)
	d.warnWorkdir(r)
	d.warnBudget(r, table)
	d.warnTokenOverlap(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Workflow.MaxTurns <= 0 {
		d.addError(r, "workflow", "workflow.max_turns", "max_turns must be positive")
	}
}

// validateTable builds the phase table; ownership and path errors surface here.
func (d *Doctor) validateTable(r *Result) *workflow.Table {
	table, err := d.cfg.Table()
	if err != nil {
		d.addError(r, "workflow", "roles", err.Error())
		return nil
	}
	return table
}

// validateRoleCommands checks every role command resolves to an executable.
// A missing command is a warning: roles may be installed after the check.
func (d *Doctor) validateRoleCommands(r *Result, table *workflow.Table) {
	if table == nil {
		return
	}
	for _, role := range table.Roles() {
		field := fmt.Sprintf("roles.%s.command", role.Name)
		if role.Command == "" {
			d.addError(r, "roles", field, fmt.Sprintf("role %q has no command", role.Name))
			continue
		}
		if err := d.resolve(role.Command); err != nil {
			d.addWarning(r, "roles", field, fmt.Sprintf("role %q command %q: %v", role.Name, role.Command, err))
		}
	}
}

func (d *Doctor) validateProxy(r *Result) {
	if d.cfg.Proxy.Command == "" {
		d.addError(r, "proxy", "proxy.command", "proxy.command is required")
		return
	}
	if err := d.resolve(d.cfg.Proxy.Command); err != nil {
		d.addWarning(r, "proxy", "proxy.command", fmt.Sprintf("command %q: %v", d.cfg.Proxy.Command, err))
	}
	if d.cfg.Proxy.IdleTimeout > 0 && d.cfg.Proxy.SessionTimeout > 0 && d.cfg.Proxy.IdleTimeout > d.cfg.Proxy.SessionTimeout {
		d.addWarning(r, "proxy", "proxy.idle_timeout", "idle_timeout exceeds session_timeout and will never fire")
	}
}

// resolve finds command on PATH, or relative to the config file when it
// contains a path separator.
func (d *Doctor) resolve(command string) error {
	if !strings.ContainsRune(command, filepath.Separator) {
		_, err := d.lookPath(command)
		if err != nil {
			return fmt.Errorf("not found on PATH")
		}
		return nil
	}
	path := command
	if !filepath.IsAbs(path) && d.cfg.SourcePath != "" {
		path = filepath.Join(filepath.Dir(d.cfg.SourcePath), path)
	}
	info, err := d.stat(path)
	if err != nil {
		return fmt.Errorf("not found")
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return fmt.Errorf("not executable")
	}
	return nil
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every protected route will return 401")
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.IsKnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of %s)", scope, strings.Join(auth.KnownScopes, ", ")))
			}
		}
	}
}

func (d *Doctor) warnMissingEnvVars(r *Result) {
	for _, name := range d.cfg.MissingRequiredEnv() {
		d.addWarning(r, "env_vars", "workflow.required_env",
			fmt.Sprintf("environment variable %s is not set; workflow run will refuse to start", name))
	}
}

func (d *Doctor) warnWorkdir(r *Result) {
	dir := d.cfg.Workflow.Workdir
	if dir == "" {
		return
	}
	info, err := d.stat(dir)
	switch {
	case err != nil:
		d.addWarning(r, "workflow", "workflow.workdir", fmt.Sprintf("workdir %q does not exist yet; it will be created", dir))
	case !info.IsDir():
		d.addError(r, "workflow", "workflow.workdir", fmt.Sprintf("workdir %q is not a directory", dir))
	}
}

// warnBudget flags budgets too small to reach Complete from an empty
// directory, which needs one dispatching turn per non-terminal phase.
func (d *Doctor) warnBudget(r *Result, table *workflow.Table) {
	if table == nil || d.cfg.Workflow.MaxTurns <= 0 {
		return
	}
	needed := len(table.Phases()) - 1
	if d.cfg.Workflow.MaxTurns < needed {
		d.addWarning(r, "workflow", "workflow.max_turns",
			fmt.Sprintf("max_turns %d is below the %d turns an empty directory needs", d.cfg.Workflow.MaxTurns, needed))
	}
}

// warnTokenOverlap flags tokens whose scopes can never apply: a token equal
// to api_key authenticates as the operator, and of two identical tokens only
// the first is used.
func (d *Doctor) warnTokenOverlap(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		switch first, dup := seen[token.Token]; {
		case token.Token == "":
			continue
		case token.Token == d.cfg.API.Auth.APIKey:
			d.addWarning(r, "api", field, "token repeats api_key and is treated as the operator; its scopes are ignored")
		case dup:
			d.addWarning(r, "api", field, fmt.Sprintf("token repeats api.auth.tokens[%d]; only the first entry is used", first))
		default:
			seen[token.Token] = i
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
