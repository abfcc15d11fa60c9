package workflow

import "maps"

// Artifact sets of the default team. Configuration may override a role's
// outputs; the phase structure stays fixed.
var (
	PlanningArtifacts = []string{"REQUIREMENTS.md", "AGENT_TASKS.md", "TEST.md"}
	DesignArtifacts   = []string{"design/design_spec.md", "design/wireframe.md"}
	FrontendArtifacts = []string{
		"frontend/index.html",
		"frontend/styles.css",
		"frontend/main.js",
		"widget/widget.js",
		"widget/widget.css",
		"widget/chat-window.html",
		"conversation/flow.json",
		"conversation/offroute.json",
		"conversation/recommendation_rules.json",
	}
	BackendArtifacts = []string{
		"backend/package.json",
		"backend/server.js",
		"backend/routes/message.js",
		"backend/routes/rag.js",
		"backend/routes/recommend.js",
		"backend/routes/support.js",
		"backend/routes/memory.js",
		"backend/routes/carousel.js",
	}
	TestArtifacts = []string{"tests/TEST_PLAN.md"}
)

// DefaultToolConfig is passed to every role so its agent writes files
// without asking for approval and stays inside the workflow directory.
var DefaultToolConfig = map[string]any{
	"approval_policy": "never",
	"sandbox":         "workspace-write",
}

// DefaultRoles returns the five-role team with its default deliverables.
func DefaultRoles() map[string]Role {
	return map[string]Role{
		RoleProjectManager: {
			Name:     RoleProjectManager,
			Produces: clone(PlanningArtifacts),
			Brief: "You are the Project Manager. Turn the task brief into REQUIREMENTS.md " +
				"(goals, constraints, backend routes), AGENT_TASKS.md (one section per role " +
				"with its exact deliverables) and TEST.md (acceptance criteria). " +
				"Never invent deliverables beyond the listed files.",
			Config: maps.Clone(DefaultToolConfig),
		},
		RoleDesigner: {
			Name:     RoleDesigner,
			Requires: clone(PlanningArtifacts),
			Produces: clone(DesignArtifacts),
			Brief: "You are the Designer. Write design/design_spec.md and design/wireframe.md. " +
				"Strictly follow REQUIREMENTS.md and AGENT_TASKS.md. Do not invent features.",
			Config: maps.Clone(DefaultToolConfig),
		},
		RoleFrontend: {
			Name:     RoleFrontend,
			Requires: append(clone(PlanningArtifacts), DesignArtifacts...),
			Produces: clone(FrontendArtifacts),
			Brief: "You are the Frontend Developer. No frameworks. " +
				"Follow design/design_spec.md exactly.",
			Config: maps.Clone(DefaultToolConfig),
		},
		RoleBackend: {
			Name:     RoleBackend,
			Requires: append(clone(PlanningArtifacts), DesignArtifacts...),
			Produces: clone(BackendArtifacts),
			Brief: "You are the Backend Developer. Implement all backend routes listed in " +
				"REQUIREMENTS.md and AGENT_TASKS.md. Keep code readable and minimal.",
			Config: maps.Clone(DefaultToolConfig),
		},
		RoleTester: {
			Name:     RoleTester,
			Requires: append(append(clone(PlanningArtifacts), FrontendArtifacts...), BackendArtifacts...),
			Produces: clone(TestArtifacts),
			Brief: "You are the Tester. Write tests/TEST_PLAN.md validating the guided flow, " +
				"off-route logic, recommendation logic, widget behavior and API contract correctness.",
			Config: maps.Clone(DefaultToolConfig),
		},
	}
}

func clone[T any](in []T) []T {
	return append([]T(nil), in...)
}
