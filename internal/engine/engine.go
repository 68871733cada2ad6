// Package engine drives features through the six-phase workflow: each phase
// generates a spec document via the executor, and a human (or auto-approve)
// gates progression to the next phase.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"specforge/internal/domain"
	"specforge/internal/eventbus"
	"specforge/internal/executor"
	"specforge/internal/repo"
	"specforge/internal/specstore"
)

var (
	// ErrPhaseNotApproved is returned by Advance when the current phase has
	// not been approved or completed yet.
	ErrPhaseNotApproved = errors.New("current phase is not approved")
	// ErrWorkflowFinished is returned by Advance once every phase is done.
	ErrWorkflowFinished = errors.New("workflow already finished")
)

const defaultContextLimit = 1500

// Engine executes workflow phases for one feature at a time. It is safe for
// concurrent use across distinct features.
type Engine struct {
	Repo  repo.Repo
	Specs *specstore.Store
	Bus   *eventbus.Bus
	Exec  executor.Executor

	Models executor.Models
	Log    *zap.Logger
	Now    func() time.Time

	// ContextLimit caps how many characters of each prior phase document
	// are carried into the next phase's prompt.
	ContextLimit int
	// PhaseTimeout bounds a single executor call. Zero means no bound
	// beyond the run context.
	PhaseTimeout time.Duration
}

// RunOptions parameterizes one workflow run.
type RunOptions struct {
	FeatureID   string
	Project     string
	Description string
	AutoApprove bool
}

func (e *Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e *Engine) contextLimit() int {
	if e.ContextLimit > 0 {
		return e.ContextLimit
	}
	return defaultContextLimit
}

// emit records a log line in the durable store and on the live bus.
func (e *Engine) emit(ctx context.Context, featureID, message, level string) {
	if _, err := e.Repo.AddLog(ctx, featureID, message, level); err != nil {
		e.log().Warn("persist log entry", zap.String("feature", featureID), zap.Error(err))
	}
	e.Bus.Publish(featureID, message, level)
}

// Run executes the workflow from the requirements phase. With AutoApprove it
// runs all six phases and marks the feature completed; without it, it stops
// after the first phase and leaves the feature pending approval. A phase
// failure marks the feature rejected. Cancellation is honored at phase
// boundaries: the phase in flight finishes or fails with the context.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	e.emit(ctx, opts.FeatureID, fmt.Sprintf("Starting workflow for %s", opts.FeatureID), "info")

	phase := domain.PhaseRequirements
	for {
		if err := ctx.Err(); err != nil {
			e.emit(context.WithoutCancel(ctx), opts.FeatureID, "Workflow cancelled", "warning")
			return err
		}
		if err := e.runPhase(ctx, opts, phase); err != nil {
			return err
		}
		if !opts.AutoApprove {
			// Human gate: the run ends here and resumes through Advance
			// after the phase is approved.
			return nil
		}
		next, ok := domain.NextPhase(phase)
		if !ok {
			return e.finish(ctx, opts.FeatureID)
		}
		phase = next
	}
}

// Advance runs the next phase after verifying the current one was approved.
// It is the resume path for manually gated workflows.
func (e *Engine) Advance(ctx context.Context, featureID string) error {
	project, f, next, err := e.advanceTarget(ctx, featureID)
	if err != nil {
		return err
	}
	if next == "" {
		return e.finish(ctx, featureID)
	}
	return e.runPhase(ctx, RunOptions{
		FeatureID:   featureID,
		Project:     project,
		Description: f.Description,
	}, next)
}

// CheckAdvance verifies the feature can advance right now and returns its
// project name. It performs no writes, so callers launching Advance in a
// detached goroutine can surface gate errors synchronously.
func (e *Engine) CheckAdvance(ctx context.Context, featureID string) (string, error) {
	project, _, _, err := e.advanceTarget(ctx, featureID)
	return project, err
}

// advanceTarget resolves what Advance would do next. next is empty when only
// the completion mark remains.
func (e *Engine) advanceTarget(ctx context.Context, featureID string) (string, domain.Feature, domain.WorkflowPhase, error) {
	f, err := e.Repo.GetFeature(ctx, featureID)
	if err != nil {
		return "", domain.Feature{}, "", err
	}
	project, err := e.Repo.GetProjectByID(ctx, f.ProjectID)
	if err != nil {
		return "", domain.Feature{}, "", err
	}
	if f.Status == domain.StatusCompleted {
		return project.Name, f, "", ErrWorkflowFinished
	}
	spec, err := e.Specs.Read(project.Name, featureID, f.CurrentPhase)
	if err != nil {
		if errors.Is(err, specstore.ErrNotFound) {
			return project.Name, f, "", fmt.Errorf("phase %s has no spec yet: %w", f.CurrentPhase, ErrPhaseNotApproved)
		}
		return project.Name, f, "", err
	}
	if !spec.Status.Terminal() {
		return project.Name, f, "", fmt.Errorf("phase %s is %s: %w", f.CurrentPhase, spec.Status, ErrPhaseNotApproved)
	}
	next, ok := domain.NextPhase(f.CurrentPhase)
	if !ok {
		return project.Name, f, "", nil
	}
	return project.Name, f, next, nil
}

// runPhase generates one phase document. In auto-approve mode the document is
// written completed with a synthetic approval; otherwise it is written
// pending_approval and the feature waits for review.
func (e *Engine) runPhase(ctx context.Context, opts RunOptions, phase domain.WorkflowPhase) error {
	if _, err := e.Repo.UpdateFeatureStatus(ctx, opts.FeatureID, domain.StatusInProgress, &phase); err != nil {
		return err
	}
	profile := executor.ProfileFor(phase, e.Models)
	e.emit(ctx, opts.FeatureID, fmt.Sprintf("Starting phase %s (%s)", phase, profile.Role), "info")

	prior, err := e.Specs.ListAll(opts.Project, opts.FeatureID)
	if err != nil {
		return e.fail(ctx, opts.FeatureID, phase, err)
	}
	prompt := e.buildPrompt(phase, opts.Description, prior)

	execCtx := ctx
	if e.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.PhaseTimeout)
		defer cancel()
	}
	content, err := e.Exec.Execute(execCtx, phase, prompt, profile)
	if err != nil {
		return e.fail(ctx, opts.FeatureID, phase, err)
	}

	status := domain.StatusPendingApproval
	if opts.AutoApprove {
		status = domain.StatusCompleted
	}
	if _, err := e.Specs.Write(opts.Project, opts.FeatureID, phase, content, status, phaseDependencies(phase)); err != nil {
		return e.fail(ctx, opts.FeatureID, phase, err)
	}

	if opts.AutoApprove {
		e.emit(ctx, opts.FeatureID, fmt.Sprintf("Phase %s completed (auto-approved)", phase), "info")
		return nil
	}
	if _, err := e.Repo.UpdateFeatureStatus(ctx, opts.FeatureID, domain.StatusPendingApproval, &phase); err != nil {
		return err
	}
	e.emit(ctx, opts.FeatureID, fmt.Sprintf("Phase %s awaiting approval", phase), "info")
	return nil
}

// fail marks the feature rejected after a phase error. Executor errors are
// never retried.
func (e *Engine) fail(ctx context.Context, featureID string, phase domain.WorkflowPhase, cause error) error {
	// The run context may already be cancelled; the failure record must
	// still land.
	ctx = context.WithoutCancel(ctx)
	e.emit(ctx, featureID, fmt.Sprintf("Phase %s failed: %v", phase, cause), "error")
	if _, err := e.Repo.UpdateFeatureStatus(ctx, featureID, domain.StatusRejected, nil); err != nil {
		e.log().Warn("mark feature rejected", zap.String("feature", featureID), zap.Error(err))
	}
	return fmt.Errorf("phase %s: %w", phase, cause)
}

func (e *Engine) finish(ctx context.Context, featureID string) error {
	phase := domain.PhaseReview
	if _, err := e.Repo.UpdateFeatureStatus(ctx, featureID, domain.StatusCompleted, &phase); err != nil {
		return err
	}
	e.emit(ctx, featureID, "Workflow completed", "info")
	e.log().Info("workflow completed", zap.String("feature", featureID))
	return nil
}

// ReviewPhase records a human approval or rejection on a phase document.
// Rejection also marks the feature itself rejected.
func (e *Engine) ReviewPhase(ctx context.Context, featureID string, phase domain.WorkflowPhase, approve bool, comment, user string) (domain.SpecPhase, error) {
	f, err := e.Repo.GetFeature(ctx, featureID)
	if err != nil {
		return domain.SpecPhase{}, err
	}
	project, err := e.Repo.GetProjectByID(ctx, f.ProjectID)
	if err != nil {
		return domain.SpecPhase{}, err
	}
	status := domain.StatusApproved
	verb := "approved"
	if !approve {
		status = domain.StatusRejected
		verb = "rejected"
	}
	spec, err := e.Specs.UpdateStatus(project.Name, featureID, phase, status, comment, user)
	if err != nil {
		return domain.SpecPhase{}, err
	}
	if approve {
		if _, err := e.Repo.UpdateFeatureStatus(ctx, featureID, domain.StatusApproved, &phase); err != nil {
			return domain.SpecPhase{}, err
		}
	} else {
		if _, err := e.Repo.UpdateFeatureStatus(ctx, featureID, domain.StatusRejected, nil); err != nil {
			return domain.SpecPhase{}, err
		}
	}
	e.emit(ctx, featureID, fmt.Sprintf("Phase %s %s by %s", phase, verb, user), "info")
	return spec, nil
}

// Progress returns workflow completion in [0,1]: each of the six phases
// contributes its status weight divided by six.
func (e *Engine) Progress(ctx context.Context, featureID string) (float64, error) {
	f, err := e.Repo.GetFeature(ctx, featureID)
	if err != nil {
		return 0, err
	}
	project, err := e.Repo.GetProjectByID(ctx, f.ProjectID)
	if err != nil {
		return 0, err
	}
	specs, err := e.Specs.ListAll(project.Name, featureID)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, spec := range specs {
		sum += statusWeight(spec.Status)
	}
	return sum / float64(len(domain.Phases())), nil
}

func statusWeight(st domain.PhaseStatus) float64 {
	switch st {
	case domain.StatusCompleted:
		return 1.0
	case domain.StatusApproved:
		return 0.75
	case domain.StatusInProgress:
		return 0.5
	default:
		return 0
	}
}

// phaseDependencies names the phases whose output feeds this one.
func phaseDependencies(phase domain.WorkflowPhase) []string {
	i := domain.PhaseIndex(phase)
	if i <= 0 {
		return nil
	}
	return []string{string(domain.Phases()[i-1])}
}

func (e *Engine) excerpt(s string) string {
	limit := e.contextLimit()
	if len(s) <= limit {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "\n[truncated]"
}

// buildPrompt composes the task description for one phase, carrying bounded
// excerpts of the relevant prior phase documents.
func (e *Engine) buildPrompt(phase domain.WorkflowPhase, description string, prior map[domain.WorkflowPhase]domain.SpecPhase) string {
	var sb strings.Builder
	switch phase {
	case domain.PhaseRequirements:
		sb.WriteString("Analyze the following feature request and produce a complete requirements document ")
		sb.WriteString("with user stories and acceptance criteria.\n\n")
		fmt.Fprintf(&sb, "Feature request: %s\n", description)
	case domain.PhaseDesign:
		sb.WriteString("Design the architecture for the feature below. Describe components, data flows, ")
		sb.WriteString("and integration points.\n\n")
		fmt.Fprintf(&sb, "Feature request: %s\n", description)
		e.appendPrior(&sb, prior, domain.PhaseRequirements)
	case domain.PhaseTasks:
		sb.WriteString("Break the design below into atomic, testable development tasks with acceptance ")
		sb.WriteString("criteria and dependencies.\n\n")
		e.appendPrior(&sb, prior, domain.PhaseDesign)
	case domain.PhaseImplementation:
		sb.WriteString("Implement the tasks below. Produce the code changes and note test coverage for each task.\n\n")
		e.appendPrior(&sb, prior, domain.PhaseTasks)
	case domain.PhaseVerification:
		sb.WriteString("Verify the implementation below against the requirements. Report pass/fail per ")
		sb.WriteString("acceptance criterion and list any issues with reproduction steps.\n\n")
		e.appendPrior(&sb, prior, domain.PhaseRequirements)
		e.appendPrior(&sb, prior, domain.PhaseImplementation)
	case domain.PhaseReview:
		sb.WriteString("Review the implementation and verification results below for quality, bugs, and ")
		sb.WriteString("adherence to standards. Summarize findings and recommendations.\n\n")
		e.appendPrior(&sb, prior, domain.PhaseImplementation)
		e.appendPrior(&sb, prior, domain.PhaseVerification)
	}
	return sb.String()
}

func (e *Engine) appendPrior(sb *strings.Builder, prior map[domain.WorkflowPhase]domain.SpecPhase, phase domain.WorkflowPhase) {
	spec, ok := prior[phase]
	if !ok {
		return
	}
	fmt.Fprintf(sb, "--- %s ---\n%s\n\n", phase, e.excerpt(spec.Content))
}
