package config

import (
	"time"

	"github.com/mattjoyce/codexflow/internal/protocol"
)

// DefaultFileName is the config file looked up inside a config directory.
const DefaultFileName = "codexflow.yaml"

// Config represents the complete codexflow configuration.
type Config struct {
	Service  ServiceConfig         `yaml:"service"`
	State    StateConfig           `yaml:"state"`
	API      APIConfig             `yaml:"api,omitempty"`
	Proxy    ProxyConfig           `yaml:"proxy"`
	Workflow WorkflowConfig        `yaml:"workflow"`
	Roles    map[string]RoleConfig `yaml:"roles,omitempty"`

	// SourcePath is the absolute path the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where the run journal lives. A relative path is
// resolved against the workflow directory.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the operator key: every scope, and the key workflow watch
	// sends by default.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken is a scoped read token. Name labels it in logs.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// ProxyConfig describes the MCP server the shim spawns and the limits on it.
type ProxyConfig struct {
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args"`
	Env              map[string]string `yaml:"env,omitempty"`
	SentinelMethod   string            `yaml:"sentinel_method"`
	IdleTimeout      time.Duration     `yaml:"idle_timeout"`
	SessionTimeout   time.Duration     `yaml:"session_timeout"`
	TerminationGrace time.Duration     `yaml:"termination_grace"`
}

// WorkflowConfig defines the phase controller settings.
type WorkflowConfig struct {
	Workdir     string        `yaml:"workdir"`
	MaxTurns    int           `yaml:"max_turns"`
	RoleTimeout time.Duration `yaml:"role_timeout"`
	RoleCommand string        `yaml:"role_command"`
	RoleArgs    []string      `yaml:"role_args,omitempty"`
	RequiredEnv []string      `yaml:"required_env"`
}

// RoleConfig overrides one role of the default team. Empty fields keep the
// team default.
type RoleConfig struct {
	Command string         `yaml:"command,omitempty"`
	Args    []string       `yaml:"args,omitempty"`
	Timeout time.Duration  `yaml:"timeout,omitempty"`
	Brief   string         `yaml:"brief,omitempty"`
	Inputs  []string       `yaml:"inputs,omitempty"`
	Outputs []string       `yaml:"outputs,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// Defaults returns a Config with the defaults of the codex team workflow.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "codexflow",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: ".codexflow/journal.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8765",
		},
		Proxy: ProxyConfig{
			Command:          "npx",
			Args:             []string{"-y", "@openai/codex", "mcp-server"},
			SentinelMethod:   protocol.DefaultSentinel,
			SessionTimeout:   360000 * time.Second,
			TerminationGrace: 5 * time.Second,
		},
		Workflow: WorkflowConfig{
			Workdir:     ".",
			MaxTurns:    30,
			RoleTimeout: 30 * time.Minute,
			RoleCommand: "codex-role",
			RequiredEnv: []string{"OPENAI_API_KEY"},
		},
		Roles: make(map[string]RoleConfig),
	}
}
