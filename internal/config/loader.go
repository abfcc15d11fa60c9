package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/codexflow/internal/auth"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, or from codexflow.yaml
// inside configPath when it is a directory. Defaults are applied before
// validation; a .checksums manifest next to the file is verified when present.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	if err := VerifyLock(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	// A relative workdir is relative to the config file, not the caller's cwd.
	if !filepath.IsAbs(cfg.Workflow.Workdir) {
		cfg.Workflow.Workdir = filepath.Join(filepath.Dir(absPath), cfg.Workflow.Workdir)
	}

	return cfg, nil
}

// Parse decodes YAML config bytes, interpolating ${VAR} references, applying
// defaults and validating the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DiscoverConfigPath finds the config by checking standard locations.
// Priority order: $CODEXFLOW_CONFIG_DIR, ~/.config/codexflow, /etc/codexflow, ./codexflow.yaml
func DiscoverConfigPath() (string, error) {
	var candidates []string
	if dir := os.Getenv("CODEXFLOW_CONFIG_DIR"); dir != "" {
		candidates = append(candidates, filepath.Join(dir, DefaultFileName))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "codexflow", DefaultFileName))
	}
	candidates = append(candidates,
		filepath.Join("/etc", "codexflow", DefaultFileName),
		DefaultFileName,
	)

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $CODEXFLOW_CONFIG_DIR, ~/.config/codexflow, /etc/codexflow, ./%s)", DefaultFileName)
}

// LoadOrDefault loads configPath, or the discovered config when configPath
// is empty. With nothing to discover it returns Defaults.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		found, err := DiscoverConfigPath()
		if err != nil {
			cfg := Defaults()
			if err := validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		configPath = found
	}
	return Load(configPath)
}

// MissingRequiredEnv lists workflow.required_env variables that are unset
// or empty, sorted.
func (c *Config) MissingRequiredEnv() []string {
	var missing []string
	for _, name := range c.Workflow.RequiredEnv {
		if strings.TrimSpace(os.Getenv(name)) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// CheckRequiredEnv fails when any workflow.required_env variable is unset.
func (c *Config) CheckRequiredEnv() error {
	if missing := c.MissingRequiredEnv(); len(missing) > 0 {
		return fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// JournalPath resolves state.path against the workflow directory.
func (c *Config) JournalPath() string {
	if c.State.Path == "" || filepath.IsAbs(c.State.Path) {
		return c.State.Path
	}
	return filepath.Join(c.Workflow.Workdir, c.State.Path)
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Proxy.Command == "" {
		cfg.Proxy.Command = defaults.Proxy.Command
		if cfg.Proxy.Args == nil {
			cfg.Proxy.Args = defaults.Proxy.Args
		}
	}
	if cfg.Proxy.SentinelMethod == "" {
		cfg.Proxy.SentinelMethod = defaults.Proxy.SentinelMethod
	}
	if cfg.Proxy.SessionTimeout == 0 {
		cfg.Proxy.SessionTimeout = defaults.Proxy.SessionTimeout
	}
	if cfg.Proxy.TerminationGrace == 0 {
		cfg.Proxy.TerminationGrace = defaults.Proxy.TerminationGrace
	}

	if cfg.Workflow.Workdir == "" {
		cfg.Workflow.Workdir = defaults.Workflow.Workdir
	}
	if cfg.Workflow.MaxTurns == 0 {
		cfg.Workflow.MaxTurns = defaults.Workflow.MaxTurns
	}
	if cfg.Workflow.RoleTimeout == 0 {
		cfg.Workflow.RoleTimeout = defaults.Workflow.RoleTimeout
	}
	if cfg.Workflow.RoleCommand == "" {
		cfg.Workflow.RoleCommand = defaults.Workflow.RoleCommand
	}
	// An explicit empty list disables the check; only an absent key defaults.
	if cfg.Workflow.RequiredEnv == nil {
		cfg.Workflow.RequiredEnv = defaults.Workflow.RequiredEnv
	}

	if cfg.Roles == nil {
		cfg.Roles = make(map[string]RoleConfig)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be one of: json, text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Proxy.IdleTimeout < 0 || cfg.Proxy.SessionTimeout < 0 || cfg.Proxy.TerminationGrace < 0 {
		return fmt.Errorf("proxy timeouts must not be negative")
	}
	if err := checkUnresolved("proxy.command", cfg.Proxy.Command); err != nil {
		return err
	}
	for key, value := range cfg.Proxy.Env {
		if err := checkUnresolved("proxy.env."+key, value); err != nil {
			return err
		}
	}

	if cfg.Workflow.MaxTurns < 0 {
		return fmt.Errorf("workflow.max_turns must be positive (got %d)", cfg.Workflow.MaxTurns)
	}
	if cfg.Workflow.RoleTimeout < 0 {
		return fmt.Errorf("workflow.role_timeout must not be negative")
	}

	if cfg.API.Enabled {
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := checkUnresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
			for _, scope := range tok.Scopes {
				if !auth.IsKnownScope(scope) {
					return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, scope)
				}
			}
		}
	}

	for name, role := range cfg.Roles {
		if role.Timeout < 0 {
			return fmt.Errorf("role %q: timeout must not be negative", name)
		}
		if role.Config != nil {
			if err := checkUnresolvedEnvVars(role.Config, name); err != nil {
				return err
			}
		}
	}

	// Ownership, paths and the fixed role set are checked by the table itself.
	if _, err := cfg.Table(); err != nil {
		return fmt.Errorf("roles: %w", err)
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func checkUnresolvedEnvVars(data map[string]any, roleName string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if matches := envVarPattern.FindStringSubmatch(v); len(matches) > 1 {
				return fmt.Errorf("role %q: environment variable ${%s} is not set (config.%s)", roleName, matches[1], key)
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, roleName); err != nil {
				return err
			}
		}
	}
	return nil
}
