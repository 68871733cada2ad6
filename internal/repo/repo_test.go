package repo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"specforge/internal/db"
	"specforge/internal/domain"
	"specforge/internal/migrate"
	"specforge/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{
		DB:  conn,
		Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestRegisterProjectIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p1, err := r.RegisterProject(ctx, "demo", "/srv/demo")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	p2, err := r.RegisterProject(ctx, "demo", "/elsewhere")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if p1.ID != p2.ID {
		t.Fatalf("expected same project, got %d and %d", p1.ID, p2.ID)
	}
	if p2.Path != "/srv/demo" {
		t.Fatalf("existing record must win, got path %q", p2.Path)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.GetProject(context.Background(), "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateFeatureDefaultsAndDuplicate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p, err := r.RegisterProject(ctx, "demo", "")
	if err != nil {
		t.Fatal(err)
	}
	f, err := r.CreateFeature(ctx, "FEAT-20250101-001", p.ID, "add login")
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if f.Status != domain.StatusDraft || f.CurrentPhase != domain.PhaseRequirements {
		t.Fatalf("unexpected defaults: %+v", f)
	}
	if _, err := r.CreateFeature(ctx, "FEAT-20250101-001", p.ID, "again"); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestUpdateFeatureStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p, _ := r.RegisterProject(ctx, "demo", "")
	if _, err := r.CreateFeature(ctx, "FEAT-20250101-001", p.ID, "x"); err != nil {
		t.Fatal(err)
	}
	phase := domain.PhaseDesign
	ok, err := r.UpdateFeatureStatus(ctx, "FEAT-20250101-001", domain.StatusInProgress, &phase)
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	f, err := r.GetFeature(ctx, "FEAT-20250101-001")
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != domain.StatusInProgress || f.CurrentPhase != domain.PhaseDesign {
		t.Fatalf("not applied: %+v", f)
	}
	// status-only update keeps the phase
	ok, err = r.UpdateFeatureStatus(ctx, "FEAT-20250101-001", domain.StatusRejected, nil)
	if err != nil || !ok {
		t.Fatalf("status-only update: ok=%v err=%v", ok, err)
	}
	f, _ = r.GetFeature(ctx, "FEAT-20250101-001")
	if f.CurrentPhase != domain.PhaseDesign {
		t.Fatalf("phase changed unexpectedly: %s", f.CurrentPhase)
	}
	ok, err = r.UpdateFeatureStatus(ctx, "FEAT-00000000-000", domain.StatusDraft, nil)
	if err != nil || ok {
		t.Fatalf("unknown feature must report false, got ok=%v err=%v", ok, err)
	}
}

func TestNextFeatureNumberIsSequential(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		n, err := r.NextFeatureNumber(ctx, "20250101")
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if n != want {
			t.Fatalf("got %d, want %d", n, want)
		}
	}
	// a different day has its own counter
	n, err := r.NextFeatureNumber(ctx, "20250102")
	if err != nil || n != 1 {
		t.Fatalf("new day: n=%d err=%v", n, err)
	}
}

func TestNextFeatureNumberConcurrent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	const workers = 20
	results := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := r.NextFeatureNumber(ctx, "20250101")
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			results <- n
		}()
	}
	wg.Wait()
	close(results)
	seen := make(map[int]bool)
	for n := range results {
		if seen[n] {
			t.Fatalf("duplicate counter value %d", n)
		}
		seen[n] = true
	}
	if len(seen) != workers {
		t.Fatalf("got %d unique values, want %d", len(seen), workers)
	}
}

func TestGenerateFeatureID(t *testing.T) {
	r := newTestRepo(t)
	id, err := r.GenerateFeatureID(context.Background())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if id != "FEAT-20250101-001" {
		t.Fatalf("got %s", id)
	}
	if !domain.ValidateFeatureID(id) {
		t.Fatalf("generated id must validate")
	}
}

func TestLogsNewestFirst(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p, _ := r.RegisterProject(ctx, "demo", "")
	if _, err := r.CreateFeature(ctx, "FEAT-20250101-001", p.ID, "x"); err != nil {
		t.Fatal(err)
	}
	for _, msg := range []string{"first", "second", "third"} {
		if _, err := r.AddLog(ctx, "FEAT-20250101-001", msg, ""); err != nil {
			t.Fatalf("add log: %v", err)
		}
	}
	logs, err := r.ListLogs(ctx, "FEAT-20250101-001", 2)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Message != "third" || logs[1].Message != "second" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if logs[0].Level != "info" {
		t.Fatalf("empty level must default to info, got %q", logs[0].Level)
	}
}

func TestSearchFeatures(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p, _ := r.RegisterProject(ctx, "demo", "")
	if _, err := r.CreateFeature(ctx, "FEAT-20250101-001", p.ID, "add OAuth login"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateFeature(ctx, "FEAT-20250101-002", p.ID, "export reports"); err != nil {
		t.Fatal(err)
	}
	hits, err := r.SearchFeatures(ctx, repo.FeatureFilter{Query: "oauth"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].FeatureID != "FEAT-20250101-001" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	hits, err = r.SearchFeatures(ctx, repo.FeatureFilter{Query: "FEAT-20250101"})
	if err != nil || len(hits) != 2 {
		t.Fatalf("id search: %d hits, err=%v", len(hits), err)
	}
	// project and status filters narrow the result
	other, _ := r.RegisterProject(ctx, "other", "")
	if _, err := r.CreateFeature(ctx, "FEAT-20250101-003", other.ID, "oauth for other"); err != nil {
		t.Fatal(err)
	}
	hits, err = r.SearchFeatures(ctx, repo.FeatureFilter{Query: "oauth", Project: "demo"})
	if err != nil || len(hits) != 1 || hits[0].FeatureID != "FEAT-20250101-001" {
		t.Fatalf("project filter: %+v err=%v", hits, err)
	}
	hits, err = r.SearchFeatures(ctx, repo.FeatureFilter{Status: domain.StatusDraft})
	if err != nil || len(hits) != 3 {
		t.Fatalf("status filter: %d hits err=%v", len(hits), err)
	}
	hits, err = r.SearchFeatures(ctx, repo.FeatureFilter{Status: domain.StatusCompleted})
	if err != nil || len(hits) != 0 {
		t.Fatalf("completed filter: %+v err=%v", hits, err)
	}
}
