package domain

import (
	"testing"
	"time"
)

func TestValidateFeatureID(t *testing.T) {
	valid := []string{"FEAT-20250101-001", "FEAT-20251231-999"}
	for _, id := range valid {
		if !ValidateFeatureID(id) {
			t.Errorf("expected %q valid", id)
		}
	}
	invalid := []string{
		"",
		"FEAT-2025-001",
		"FEAT-20250101-1",
		"feat-20250101-001",
		"FEAT-20250101-0012",
		"FEAT-20250101-001 ",
		"XFEAT-20250101-001",
	}
	for _, id := range invalid {
		if ValidateFeatureID(id) {
			t.Errorf("expected %q invalid", id)
		}
	}
}

func TestFormatFeatureID(t *testing.T) {
	ts := time.Date(2025, 3, 7, 23, 59, 0, 0, time.UTC)
	if got := FormatFeatureID(ts, 7); got != "FEAT-20250307-007" {
		t.Fatalf("got %s", got)
	}
	if !ValidateFeatureID(FormatFeatureID(ts, 999)) {
		t.Fatalf("formatted id should validate")
	}
}

func TestPhaseOrdering(t *testing.T) {
	phases := Phases()
	if len(phases) != 6 {
		t.Fatalf("expected 6 phases, got %d", len(phases))
	}
	if phases[0] != PhaseRequirements || phases[5] != PhaseReview {
		t.Fatalf("unexpected order: %v", phases)
	}
	for i, p := range phases {
		if PhaseIndex(p) != i {
			t.Errorf("index of %s = %d, want %d", p, PhaseIndex(p), i)
		}
	}
	next, ok := NextPhase(PhaseRequirements)
	if !ok || next != PhaseDesign {
		t.Fatalf("next of requirements = %s, %v", next, ok)
	}
	if _, ok := NextPhase(PhaseReview); ok {
		t.Fatalf("review must be the last phase")
	}
	if _, ok := NextPhase("bogus"); ok {
		t.Fatalf("unknown phase must not advance")
	}
}

func TestParsePhaseAndStatus(t *testing.T) {
	if _, err := ParsePhase("design"); err != nil {
		t.Fatalf("parse design: %v", err)
	}
	if _, err := ParsePhase("deploy"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
	if _, err := ParseStatus("pending_approval"); err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if _, err := ParseStatus("finished"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !StatusApproved.Terminal() || !StatusCompleted.Terminal() {
		t.Fatalf("approved and completed are terminal")
	}
	for _, st := range []PhaseStatus{StatusDraft, StatusPendingApproval, StatusRejected, StatusInProgress} {
		if st.Terminal() {
			t.Errorf("%s must not be terminal", st)
		}
	}
}
