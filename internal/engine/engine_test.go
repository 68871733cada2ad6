package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"specforge/internal/db"
	"specforge/internal/domain"
	"specforge/internal/engine"
	"specforge/internal/eventbus"
	"specforge/internal/executor"
	"specforge/internal/migrate"
	"specforge/internal/repo"
	"specforge/internal/specstore"
)

// fakeExecutor records every call and returns canned content per phase.
type fakeExecutor struct {
	mu      sync.Mutex
	prompts map[domain.WorkflowPhase]string
	failOn  domain.WorkflowPhase
}

func (f *fakeExecutor) Execute(_ context.Context, phase domain.WorkflowPhase, taskDescription string, _ executor.Profile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prompts == nil {
		f.prompts = make(map[domain.WorkflowPhase]string)
	}
	f.prompts[phase] = taskDescription
	if phase == f.failOn {
		return "", errors.New("model unavailable")
	}
	return fmt.Sprintf("generated %s document", phase), nil
}

func (f *fakeExecutor) prompt(phase domain.WorkflowPhase) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[phase]
}

type testEnv struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Specs  *specstore.Store
	Exec   *fakeExecutor
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn, Now: now}
	specs := specstore.New(t.TempDir())
	specs.Now = now
	exec := &fakeExecutor{}
	eng := &engine.Engine{
		Repo:  r,
		Specs: specs,
		Bus:   eventbus.NewWithClock(now, time.Millisecond),
		Exec:  exec,
		Now:   now,
	}
	ctx := context.Background()
	p, err := r.RegisterProject(ctx, "demo", "")
	if err != nil {
		t.Fatalf("register project: %v", err)
	}
	if _, err := r.CreateFeature(ctx, "FEAT-20250101-001", p.ID, "add login"); err != nil {
		t.Fatalf("create feature: %v", err)
	}
	return testEnv{Engine: eng, Repo: r, Specs: specs, Exec: exec, Ctx: ctx}
}

func (env testEnv) runOpts(auto bool) engine.RunOptions {
	return engine.RunOptions{
		FeatureID:   "FEAT-20250101-001",
		Project:     "demo",
		Description: "add login",
		AutoApprove: auto,
	}
}

func TestAutoApproveRunsAllPhases(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Run(env.Ctx, env.runOpts(true)); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, phase := range domain.Phases() {
		spec, err := env.Specs.Read("demo", "FEAT-20250101-001", phase)
		if err != nil {
			t.Fatalf("read %s: %v", phase, err)
		}
		if spec.Status != domain.StatusCompleted {
			t.Fatalf("%s status = %s", phase, spec.Status)
		}
		if len(spec.Approvals) != 1 || spec.Approvals[0].User != "system" {
			t.Fatalf("%s: expected exactly one system approval, got %+v", phase, spec.Approvals)
		}
	}
	f, err := env.Repo.GetFeature(env.Ctx, "FEAT-20250101-001")
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != domain.StatusCompleted || f.CurrentPhase != domain.PhaseReview {
		t.Fatalf("feature end state: %+v", f)
	}
	progress, err := env.Engine.Progress(env.Ctx, "FEAT-20250101-001")
	if err != nil {
		t.Fatal(err)
	}
	if progress != 1.0 {
		t.Fatalf("progress = %v", progress)
	}
}

func TestManualRunStopsAtFirstGate(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Run(env.Ctx, env.runOpts(false)); err != nil {
		t.Fatalf("run: %v", err)
	}
	spec, err := env.Specs.Read("demo", "FEAT-20250101-001", domain.PhaseRequirements)
	if err != nil {
		t.Fatalf("read requirements: %v", err)
	}
	if spec.Status != domain.StatusPendingApproval {
		t.Fatalf("status = %s", spec.Status)
	}
	if _, err := env.Specs.Read("demo", "FEAT-20250101-001", domain.PhaseDesign); !errors.Is(err, specstore.ErrNotFound) {
		t.Fatalf("design must not run before approval, err=%v", err)
	}
	f, _ := env.Repo.GetFeature(env.Ctx, "FEAT-20250101-001")
	if f.Status != domain.StatusPendingApproval || f.CurrentPhase != domain.PhaseRequirements {
		t.Fatalf("feature state: %+v", f)
	}
}

func TestAdvanceRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Run(env.Ctx, env.runOpts(false)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := env.Engine.Advance(env.Ctx, "FEAT-20250101-001"); !errors.Is(err, engine.ErrPhaseNotApproved) {
		t.Fatalf("expected ErrPhaseNotApproved, got %v", err)
	}

	spec, err := env.Engine.ReviewPhase(env.Ctx, "FEAT-20250101-001", domain.PhaseRequirements, true, "ship it", "alex")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if len(spec.Approvals) != 2 || spec.Approvals[1].User != "alex" {
		t.Fatalf("approvals: %+v", spec.Approvals)
	}

	if err := env.Engine.Advance(env.Ctx, "FEAT-20250101-001"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	design, err := env.Specs.Read("demo", "FEAT-20250101-001", domain.PhaseDesign)
	if err != nil {
		t.Fatalf("read design: %v", err)
	}
	if design.Status != domain.StatusPendingApproval {
		t.Fatalf("design status = %s", design.Status)
	}
	// design prompt carries the requirements content
	if !strings.Contains(env.Exec.prompt(domain.PhaseDesign), "generated requirements document") {
		t.Fatalf("design prompt missing requirements context: %q", env.Exec.prompt(domain.PhaseDesign))
	}
}

func TestRejectMarksFeatureRejected(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Run(env.Ctx, env.runOpts(false)); err != nil {
		t.Fatalf("run: %v", err)
	}
	spec, err := env.Engine.ReviewPhase(env.Ctx, "FEAT-20250101-001", domain.PhaseRequirements, false, "wrong scope", "alex")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if spec.Status != domain.StatusRejected {
		t.Fatalf("spec status = %s", spec.Status)
	}
	f, _ := env.Repo.GetFeature(env.Ctx, "FEAT-20250101-001")
	if f.Status != domain.StatusRejected {
		t.Fatalf("feature status = %s", f.Status)
	}
	if err := env.Engine.Advance(env.Ctx, "FEAT-20250101-001"); !errors.Is(err, engine.ErrPhaseNotApproved) {
		t.Fatalf("rejected phase must not advance, got %v", err)
	}
}

func TestExecutorFailureRejectsFeature(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.failOn = domain.PhaseDesign
	err := env.Engine.Run(env.Ctx, env.runOpts(true))
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected executor error, got %v", err)
	}
	f, _ := env.Repo.GetFeature(env.Ctx, "FEAT-20250101-001")
	if f.Status != domain.StatusRejected {
		t.Fatalf("feature status = %s", f.Status)
	}
	// requirements completed before the failure and stays on disk
	if _, err := env.Specs.Read("demo", "FEAT-20250101-001", domain.PhaseRequirements); err != nil {
		t.Fatalf("requirements spec lost: %v", err)
	}
	logs, err := env.Repo.ListLogs(env.Ctx, "FEAT-20250101-001", 5)
	if err != nil {
		t.Fatal(err)
	}
	var sawError bool
	for _, l := range logs {
		if l.Level == "error" && strings.Contains(l.Message, "design") {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected error log for design phase, got %+v", logs)
	}
}

func TestProgressWeights(t *testing.T) {
	env := newTestEnv(t)
	writes := []struct {
		phase  domain.WorkflowPhase
		status domain.PhaseStatus
	}{
		{domain.PhaseRequirements, domain.StatusCompleted},
		{domain.PhaseDesign, domain.StatusCompleted},
		{domain.PhaseTasks, domain.StatusApproved},
		{domain.PhaseImplementation, domain.StatusPendingApproval},
	}
	for _, w := range writes {
		if _, err := env.Specs.Write("demo", "FEAT-20250101-001", w.phase, "doc", w.status, nil); err != nil {
			t.Fatalf("write %s: %v", w.phase, err)
		}
	}
	progress, err := env.Engine.Progress(env.Ctx, "FEAT-20250101-001")
	if err != nil {
		t.Fatal(err)
	}
	// pending_approval contributes nothing until a human approves
	want := (1.0 + 1.0 + 0.75 + 0.0) / 6.0
	if math.Abs(progress-want) > 1e-9 {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
}

func TestProgressIgnoresPendingPhases(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Specs.Write("demo", "FEAT-20250101-001", domain.PhaseRequirements, "doc", domain.StatusCompleted, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Specs.Write("demo", "FEAT-20250101-001", domain.PhaseDesign, "doc", domain.StatusPendingApproval, nil); err != nil {
		t.Fatal(err)
	}
	progress, err := env.Engine.Progress(env.Ctx, "FEAT-20250101-001")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(progress-1.0/6.0) > 1e-9 {
		t.Fatalf("progress = %v, want %v", progress, 1.0/6.0)
	}
}

func TestCancelledContextStopsAtPhaseBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	if err := env.Engine.Run(ctx, env.runOpts(true)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := env.Specs.Read("demo", "FEAT-20250101-001", domain.PhaseRequirements); !errors.Is(err, specstore.ErrNotFound) {
		t.Fatalf("no phase should run after cancellation, err=%v", err)
	}
}

func TestExcerptKeepsRuneBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ContextLimit = 5
	// 2-byte runes: a 5-byte cut would split the third one
	content := strings.Repeat("é", 10)
	if _, err := env.Specs.Write("demo", "FEAT-20250101-001", domain.PhaseRequirements, content, domain.StatusApproved, nil); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Advance(env.Ctx, "FEAT-20250101-001"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	prompt := env.Exec.prompt(domain.PhaseDesign)
	if !utf8.ValidString(prompt) {
		t.Fatalf("prompt contains a split rune: %q", prompt)
	}
	if !strings.Contains(prompt, "éé\n[truncated]") {
		t.Fatalf("excerpt not cut at rune boundary: %q", prompt)
	}
}

func TestAdvancePastReviewCompletes(t *testing.T) {
	env := newTestEnv(t)
	phase := domain.PhaseReview
	if _, err := env.Specs.Write("demo", "FEAT-20250101-001", phase, "doc", domain.StatusCompleted, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Repo.UpdateFeatureStatus(env.Ctx, "FEAT-20250101-001", domain.StatusApproved, &phase); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Advance(env.Ctx, "FEAT-20250101-001"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	f, _ := env.Repo.GetFeature(env.Ctx, "FEAT-20250101-001")
	if f.Status != domain.StatusCompleted {
		t.Fatalf("feature status = %s", f.Status)
	}
	if err := env.Engine.Advance(env.Ctx, "FEAT-20250101-001"); !errors.Is(err, engine.ErrWorkflowFinished) {
		t.Fatalf("expected ErrWorkflowFinished, got %v", err)
	}
}
