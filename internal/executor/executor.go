// Package executor produces phase content. The orchestration engine treats
// implementations as opaque: given a phase and a task description they
// return generated text or an error that aborts the run.
package executor

import (
	"context"

	"specforge/internal/domain"
)

// Profile describes the agent persona driving one phase.
type Profile struct {
	Role      string
	Goal      string
	Backstory string
	Model     string
}

// Executor generates the content for a single workflow phase.
type Executor interface {
	Execute(ctx context.Context, phase domain.WorkflowPhase, taskDescription string, profile Profile) (string, error)
}

// Models maps capability tiers to concrete model names.
type Models struct {
	Large  string `yaml:"large"`
	Medium string `yaml:"medium"`
	Small  string `yaml:"small"`
}

func DefaultModels() Models {
	return Models{
		Large:  "claude-3-opus-20240229",
		Medium: "claude-3-5-sonnet-20241022",
		Small:  "claude-3-haiku-20240307",
	}
}

type profileSpec struct {
	role      string
	goal      string
	backstory string
	tier      func(Models) string
}

// Implementations are selected per phase through this table, not through
// type hierarchies.
var profiles = map[domain.WorkflowPhase]profileSpec{
	domain.PhaseRequirements: {
		role: "Requirements Analyst",
		goal: "Gather, clarify, and document comprehensive requirements from feature descriptions",
		backstory: "You are an expert requirements analyst with deep experience in software specifications. " +
			"You take vague feature requests and transform them into clear, actionable requirements " +
			"and ensure completeness of requirements documentation.",
		tier: func(m Models) string { return m.Medium },
	},
	domain.PhaseDesign: {
		role: "Software Architect",
		goal: "Design robust, scalable architectures based on requirements",
		backstory: "You are a seasoned software architect who creates elegant solutions. " +
			"You analyze requirements and propose architectures with clear component diagrams, " +
			"data flows, and integration patterns, considering existing codebase patterns.",
		tier: func(m Models) string { return m.Medium },
	},
	domain.PhaseTasks: {
		role: "Task Planner",
		goal: "Break down designs into actionable, well-defined development tasks",
		backstory: "You are an expert at decomposing complex designs into manageable tasks. " +
			"You create clear task definitions with acceptance criteria, dependencies, and " +
			"effort estimates, and ensure tasks are atomic and testable.",
		tier: func(m Models) string { return m.Medium },
	},
	domain.PhaseImplementation: {
		role: "Software Developer",
		goal: "Implement features according to task specifications with clean, tested code",
		backstory: "You are an expert software developer who writes clean, maintainable code. " +
			"You follow best practices, write tests, and commit changes incrementally with " +
			"clear commit messages.",
		tier: func(m Models) string { return m.Medium },
	},
	domain.PhaseVerification: {
		role: "QA Engineer",
		goal: "Verify implementations through comprehensive testing and quality checks",
		backstory: "You are a meticulous QA engineer who ensures software quality. You run " +
			"tests, verify requirements are met, check for edge cases, and report issues with " +
			"clear reproduction steps.",
		tier: func(m Models) string { return m.Small },
	},
	domain.PhaseReview: {
		role: "Code Reviewer",
		goal: "Review implementations for quality, best practices, and improvement opportunities",
		backstory: "You are an experienced code reviewer who provides constructive feedback. " +
			"You check for code quality, potential bugs, security issues, and adherence to " +
			"standards, while being mindful of scope.",
		tier: func(m Models) string { return m.Small },
	},
}

// ProfileFor returns the agent profile for a phase with models resolved.
func ProfileFor(phase domain.WorkflowPhase, models Models) Profile {
	spec, ok := profiles[phase]
	if !ok {
		return Profile{Role: "Workflow Orchestrator", Model: models.Large}
	}
	return Profile{
		Role:      spec.role,
		Goal:      spec.goal,
		Backstory: spec.backstory,
		Model:     spec.tier(models),
	}
}
