package specstore

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"specforge/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	s.Now = func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	spec, err := s.Write("demo", "FEAT-20250101-001", domain.PhaseRequirements, "# Requirements", domain.StatusPendingApproval, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(spec.Approvals) != 1 || spec.Approvals[0].User != "system" {
		t.Fatalf("expected one system approval, got %+v", spec.Approvals)
	}
	if spec.Approvals[0].Comment != "Generated" {
		t.Fatalf("comment = %q", spec.Approvals[0].Comment)
	}
	got, err := s.Read("demo", "FEAT-20250101-001", domain.PhaseRequirements)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Content != "# Requirements" || got.Status != domain.StatusPendingApproval {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Phase != domain.PhaseRequirements || got.FeatureID != "FEAT-20250101-001" {
		t.Fatalf("identity mismatch: %+v", got)
	}
}

func TestWriteCompletedRecordsAutoApproval(t *testing.T) {
	s := newTestStore(t)
	spec, err := s.Write("demo", "FEAT-20250101-001", domain.PhaseDesign, "# Design", domain.StatusCompleted, []string{"requirements"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(spec.Approvals) != 1 {
		t.Fatalf("expected exactly one approval record, got %d", len(spec.Approvals))
	}
	if spec.Approvals[0].Comment != "Auto-approved" {
		t.Fatalf("comment = %q", spec.Approvals[0].Comment)
	}
	if len(spec.Dependencies) != 1 || spec.Dependencies[0] != "requirements" {
		t.Fatalf("dependencies = %v", spec.Dependencies)
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Read("demo", "FEAT-20250101-001", domain.PhaseTasks); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusAppendsApproval(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Write("demo", "FEAT-20250101-001", domain.PhaseRequirements, "doc", domain.StatusPendingApproval, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	spec, err := s.UpdateStatus("demo", "FEAT-20250101-001", domain.PhaseRequirements, domain.StatusApproved, "looks good", "alex")
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if spec.Status != domain.StatusApproved {
		t.Fatalf("status = %s", spec.Status)
	}
	if len(spec.Approvals) != 2 {
		t.Fatalf("expected 2 approvals, got %d", len(spec.Approvals))
	}
	last := spec.Approvals[1]
	if last.User != "alex" || last.Comment != "looks good" {
		t.Fatalf("unexpected approval: %+v", last)
	}
}

func TestUpdateStatusNeverCreates(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateStatus("demo", "FEAT-20250101-001", domain.PhaseDesign, domain.StatusApproved, "", "alex")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAllSkipsAbsentPhases(t *testing.T) {
	s := newTestStore(t)
	for _, phase := range []domain.WorkflowPhase{domain.PhaseRequirements, domain.PhaseTasks} {
		if _, err := s.Write("demo", "FEAT-20250101-001", phase, "doc", domain.StatusCompleted, nil); err != nil {
			t.Fatalf("write %s: %v", phase, err)
		}
	}
	all, err := s.ListAll("demo", "FEAT-20250101-001")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(all))
	}
	if _, ok := all[domain.PhaseDesign]; ok {
		t.Fatalf("design was never written")
	}
}

func TestListFeaturesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"FEAT-20250101-001", "FEAT-20250102-001", "FEAT-20250101-002"} {
		if _, err := s.Write("demo", id, domain.PhaseRequirements, "doc", domain.StatusCompleted, nil); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	ids, err := s.ListFeatures("demo")
	if err != nil {
		t.Fatalf("list features: %v", err)
	}
	want := []string{"FEAT-20250102-001", "FEAT-20250101-002", "FEAT-20250101-001"}
	if len(ids) != len(want) {
		t.Fatalf("got %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestListFeaturesEmptyProject(t *testing.T) {
	s := newTestStore(t)
	ids, err := s.ListFeatures("nothing-here")
	if err != nil || len(ids) != 0 {
		t.Fatalf("ids=%v err=%v", ids, err)
	}
}

func TestBackup(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Write("demo", "FEAT-20250101-001", domain.PhaseRequirements, "doc", domain.StatusCompleted, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	path, err := s.Backup("demo", "FEAT-20250101-001", domain.PhaseRequirements)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != ".backups" {
		t.Fatalf("backup path %s not in .backups", path)
	}
	if !strings.Contains(filepath.Base(path), "phase-requirements_") {
		t.Fatalf("backup name %s", filepath.Base(path))
	}
	if _, err := s.Backup("demo", "FEAT-20250101-001", domain.PhaseDesign); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing phase, got %v", err)
	}
}
