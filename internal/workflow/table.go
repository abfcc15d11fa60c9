package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/codexflow/internal/gate"
)

// PhaseID identifies one state of the workflow state machine.
type PhaseID string

const (
	PhaseInit     PhaseID = "init"
	PhaseDesign   PhaseID = "design"
	PhaseBuild    PhaseID = "build"
	PhaseTest     PhaseID = "test"
	PhaseComplete PhaseID = "complete"
)

// Role names of the fixed team.
const (
	RoleProjectManager = "project_manager"
	RoleDesigner       = "designer"
	RoleFrontend       = "frontend_developer"
	RoleBackend        = "backend_developer"
	RoleTester         = "tester"
)

// ErrUnknownRole is returned when configuration names a role the workflow
// has no phase for.
var ErrUnknownRole = errors.New("unknown role")

// layout is the fixed phase structure: which roles own each phase, in order.
// Init is owned by the bootstrap role that writes the planning documents.
var layout = []struct {
	id    PhaseID
	roles []string
}{
	{PhaseInit, []string{RoleProjectManager}},
	{PhaseDesign, []string{RoleDesigner}},
	{PhaseBuild, []string{RoleFrontend, RoleBackend}},
	{PhaseTest, []string{RoleTester}},
}

// Role is a data record describing an external collaborator. The controller
// only reads Name and Produces; the rest is handed to the dispatcher.
type Role struct {
	Name     string         `json:"name"`
	Requires []string       `json:"requires"`
	Produces []string       `json:"produces"`
	Brief    string         `json:"brief,omitempty"`
	Command  string         `json:"command,omitempty"`
	Args     []string       `json:"args,omitempty"`
	Timeout  time.Duration  `json:"timeout,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// Phase is one row of the dependency table.
type Phase struct {
	ID    PhaseID   `json:"id"`
	Roles []string  `json:"roles"`
	Entry gate.Gate `json:"entry"`
	Exit  gate.Gate `json:"exit"`
}

// Table is the acyclic phase -> (entry gate, roles, exit gate) table. Roles
// never reference each other; only the table knows the order.
type Table struct {
	phases []Phase
	roles  map[string]Role
	owner  map[string]string // artifact path -> role name
}

// NewTable validates roles against the fixed phase layout and derives the
// gates. Every layout role must be present with at least one output, every
// output must be a valid relative path, and no artifact may have two owners.
// A role with no declared inputs requires its phase's entry gate.
func NewTable(roles map[string]Role) (*Table, error) {
	known := make(map[string]bool)
	for _, row := range layout {
		for _, name := range row.roles {
			known[name] = true
		}
	}
	for name := range roles {
		if !known[name] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, name)
		}
	}

	t := &Table{
		roles: make(map[string]Role, len(roles)),
		owner: make(map[string]string),
	}

	var entry gate.Gate
	for _, row := range layout {
		exit := gate.Gate{Name: string(row.id)}
		for _, name := range row.roles {
			role, ok := roles[name]
			if !ok {
				return nil, fmt.Errorf("role %q is required by phase %s but not configured", name, row.id)
			}
			role.Name = name
			if len(role.Produces) == 0 {
				return nil, fmt.Errorf("role %q produces no artifacts", name)
			}
			for _, p := range role.Produces {
				if err := gate.ValidatePath(p); err != nil {
					return nil, fmt.Errorf("role %q: %w", name, err)
				}
				if prev, dup := t.owner[p]; dup {
					return nil, fmt.Errorf("artifact %q is produced by both %q and %q", p, prev, name)
				}
				t.owner[p] = name
				exit.Paths = append(exit.Paths, p)
			}
			if len(role.Requires) == 0 {
				role.Requires = append([]string(nil), entry.Paths...)
			}
			t.roles[name] = role
		}

		entryGate := gate.Gate{Name: string(row.id) + ".entry", Paths: entry.Paths}
		t.phases = append(t.phases, Phase{ID: row.id, Roles: row.roles, Entry: entryGate, Exit: exit})
		entry = exit
	}
	t.phases = append(t.phases, Phase{
		ID:    PhaseComplete,
		Entry: gate.Gate{Name: string(PhaseComplete) + ".entry", Paths: entry.Paths},
	})

	return t, nil
}

// Phases returns every phase in order, ending with Complete.
func (t *Table) Phases() []Phase {
	return append([]Phase(nil), t.phases...)
}

// Phase looks up a phase by id.
func (t *Table) Phase(id PhaseID) (Phase, bool) {
	for _, p := range t.phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}

// Next returns the phase after id. Complete is its own successor.
func (t *Table) Next(id PhaseID) PhaseID {
	for i, p := range t.phases {
		if p.ID == id && i+1 < len(t.phases) {
			return t.phases[i+1].ID
		}
	}
	return PhaseComplete
}

// Role looks up a role by name.
func (t *Table) Role(name string) (Role, bool) {
	r, ok := t.roles[name]
	return r, ok
}

// Roles returns the roles in phase order.
func (t *Table) Roles() []Role {
	var out []Role
	for _, p := range t.phases {
		for _, name := range p.Roles {
			out = append(out, t.roles[name])
		}
	}
	return out
}

// Owner returns the role that produces artifact path.
func (t *Table) Owner(path string) (string, bool) {
	name, ok := t.owner[path]
	return name, ok
}

// OwnersOf groups missing artifacts by owning role, keeping the phase's
// role order. Paths without an owner are ignored.
func (t *Table) OwnersOf(phase PhaseID, missing []string) []Assignment {
	p, ok := t.Phase(phase)
	if !ok {
		return nil
	}
	byRole := make(map[string][]string)
	for _, path := range missing {
		if name, ok := t.owner[path]; ok {
			byRole[name] = append(byRole[name], path)
		}
	}
	var out []Assignment
	for _, name := range p.Roles {
		if paths := byRole[name]; len(paths) > 0 {
			out = append(out, Assignment{Role: t.roles[name], Missing: paths})
		}
	}
	return out
}

// Assignment pairs a role with the outputs it still owes.
type Assignment struct {
	Role    Role
	Missing []string
}
