package domain

import (
	"fmt"
	"regexp"
	"time"
)

// PhaseStatus is the shared status vocabulary for features and phase specs.
type PhaseStatus string

const (
	StatusDraft           PhaseStatus = "draft"
	StatusPendingApproval PhaseStatus = "pending_approval"
	StatusApproved        PhaseStatus = "approved"
	StatusRejected        PhaseStatus = "rejected"
	StatusInProgress      PhaseStatus = "in_progress"
	StatusCompleted       PhaseStatus = "completed"
)

// WorkflowPhase is one of the six ordered workflow stages.
type WorkflowPhase string

const (
	PhaseRequirements   WorkflowPhase = "requirements"
	PhaseDesign         WorkflowPhase = "design"
	PhaseTasks          WorkflowPhase = "tasks"
	PhaseImplementation WorkflowPhase = "implementation"
	PhaseVerification   WorkflowPhase = "verification"
	PhaseReview         WorkflowPhase = "review"
)

var phaseOrder = []WorkflowPhase{
	PhaseRequirements,
	PhaseDesign,
	PhaseTasks,
	PhaseImplementation,
	PhaseVerification,
	PhaseReview,
}

// Phases returns all workflow phases in execution order.
func Phases() []WorkflowPhase {
	out := make([]WorkflowPhase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// PhaseIndex returns the zero-based position of p, or -1 for unknown phases.
func PhaseIndex(p WorkflowPhase) int {
	for i, ph := range phaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// NextPhase returns the phase after p. ok is false when p is the last phase
// or not a known phase.
func NextPhase(p WorkflowPhase) (WorkflowPhase, bool) {
	i := PhaseIndex(p)
	if i < 0 || i == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[i+1], true
}

// ParsePhase validates a phase name.
func ParsePhase(s string) (WorkflowPhase, error) {
	p := WorkflowPhase(s)
	if PhaseIndex(p) < 0 {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// ParseStatus validates a status name.
func ParseStatus(s string) (PhaseStatus, error) {
	switch st := PhaseStatus(s); st {
	case StatusDraft, StatusPendingApproval, StatusApproved, StatusRejected, StatusInProgress, StatusCompleted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Terminal reports whether st allows the next phase to start.
func (st PhaseStatus) Terminal() bool {
	return st == StatusApproved || st == StatusCompleted
}

type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
	ProjectError    ProjectStatus = "error"
)

type Project struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Path      string        `json:"path"`
	Status    ProjectStatus `json:"status"`
	CreatedAt string        `json:"created_at" format:"date-time"`
}

// Feature is one requested unit of work tracked through the pipeline.
type Feature struct {
	ID           int64         `json:"id"`
	FeatureID    string        `json:"feature_id"`
	ProjectID    int64         `json:"project_id"`
	Description  string        `json:"description,omitempty"`
	Status       PhaseStatus   `json:"status" enum:"draft,pending_approval,approved,rejected,in_progress,completed"`
	CurrentPhase WorkflowPhase `json:"current_phase" enum:"requirements,design,tasks,implementation,verification,review"`
	CreatedAt    string        `json:"created_at" format:"date-time"`
}

// Approval is an immutable entry in a phase spec's approval history.
type Approval struct {
	User      string `json:"user" yaml:"user"`
	Timestamp string `json:"timestamp" yaml:"timestamp" format:"date-time"`
	Comment   string `json:"comment" yaml:"comment"`
}

// SpecPhase is the persisted document produced by one workflow phase.
type SpecPhase struct {
	FeatureID    string        `json:"feature_id" yaml:"feature_id"`
	Phase        WorkflowPhase `json:"phase" yaml:"phase"`
	Status       PhaseStatus   `json:"status" yaml:"status"`
	Content      string        `json:"content" yaml:"content"`
	Approvals    []Approval    `json:"approvals" yaml:"approvals"`
	Dependencies []string      `json:"dependencies" yaml:"dependencies"`
	CreatedAt    string        `json:"created_at" yaml:"created_at" format:"date-time"`
	UpdatedAt    string        `json:"updated_at" yaml:"updated_at" format:"date-time"`
}

type LogEntry struct {
	ID        int64  `json:"id"`
	FeatureID string `json:"feature_id"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Message   string `json:"message"`
	Level     string `json:"level"`
}

var featureIDPattern = regexp.MustCompile(`^FEAT-\d{8}-\d{3}$`)

// ValidateFeatureID reports whether id matches FEAT-YYYYMMDD-NNN exactly.
func ValidateFeatureID(id string) bool {
	return featureIDPattern.MatchString(id)
}

// FormatFeatureID builds a feature id from a date and per-day sequence number.
func FormatFeatureID(t time.Time, n int) string {
	return fmt.Sprintf("FEAT-%s-%03d", t.UTC().Format("20060102"), n)
}

// DayKey returns the per-day counter key for t.
func DayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}
