package config

import (
	"maps"

	"github.com/mattjoyce/codexflow/internal/workflow"
)

// WorkflowRoles merges the configured role overrides onto the default team.
// Roles named in config but unknown to the workflow are passed through so
// workflow.NewTable can reject them.
func (c *Config) WorkflowRoles() map[string]workflow.Role {
	roles := workflow.DefaultRoles()

	for name, role := range roles {
		role.Command = c.Workflow.RoleCommand
		role.Args = append([]string(nil), c.Workflow.RoleArgs...)
		role.Timeout = c.Workflow.RoleTimeout
		roles[name] = role
	}

	for name, override := range c.Roles {
		role, ok := roles[name]
		if !ok {
			role = workflow.Role{Name: name, Command: c.Workflow.RoleCommand, Timeout: c.Workflow.RoleTimeout}
		}
		if override.Command != "" {
			role.Command = override.Command
			role.Args = nil
		}
		if len(override.Args) > 0 {
			role.Args = append([]string(nil), override.Args...)
		}
		if override.Timeout > 0 {
			role.Timeout = override.Timeout
		}
		if override.Brief != "" {
			role.Brief = override.Brief
		}
		if len(override.Inputs) > 0 {
			role.Requires = append([]string(nil), override.Inputs...)
		}
		if len(override.Outputs) > 0 {
			role.Produces = append([]string(nil), override.Outputs...)
		}
		if len(override.Config) > 0 {
			if role.Config == nil {
				role.Config = make(map[string]any)
			}
			maps.Copy(role.Config, override.Config)
		}
		roles[name] = role
	}

	return roles
}

// Table builds the workflow dependency table from the configured roles.
func (c *Config) Table() (*workflow.Table, error) {
	return workflow.NewTable(c.WorkflowRoles())
}
