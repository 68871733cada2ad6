package server

import (
	"specforge/internal/domain"
	"specforge/internal/manager"
)

// Request payloads

type RegisterProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

type StartWorkflowRequest struct {
	Project     string `json:"project"`
	Description string `json:"description"`
	FeatureID   string `json:"feature_id,omitempty"`
	AutoApprove *bool  `json:"auto_approve,omitempty"`
}

type ApproveSpecRequest struct {
	FeatureID string `json:"feature_id"`
	Phase     string `json:"phase" enum:"requirements,design,tasks,implementation,verification,review"`
	Approved  *bool  `json:"approved,omitempty"`
	Comment   string `json:"comment,omitempty"`
	User      string `json:"user,omitempty"`
}

// Response payloads

type StartWorkflowResponse struct {
	FeatureID string `json:"feature_id"`
	RunID     string `json:"run_id"`
	Project   string `json:"project"`
	Status    string `json:"status"`
}

type AdvanceResponse struct {
	FeatureID string `json:"feature_id"`
	RunID     string `json:"run_id"`
}

// FeatureListItem merges registry rows with spec directories found on disk;
// Registered is false for features that exist only as files.
type FeatureListItem struct {
	FeatureID    string `json:"feature_id"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status,omitempty"`
	CurrentPhase string `json:"current_phase,omitempty"`
	CreatedAt    string `json:"created_at,omitempty" format:"date-time"`
	Registered   bool   `json:"registered"`
}

type SpecsResponse struct {
	FeatureID string                      `json:"feature_id"`
	Phases    map[string]domain.SpecPhase `json:"phases"`
}

type RunResponse struct {
	RunID     string `json:"run_id"`
	FeatureID string `json:"feature_id"`
	Project   string `json:"project,omitempty"`
	StartedAt string `json:"started_at" format:"date-time"`
}

func featureListItem(f domain.Feature) FeatureListItem {
	return FeatureListItem{
		FeatureID:    f.FeatureID,
		Description:  f.Description,
		Status:       string(f.Status),
		CurrentPhase: string(f.CurrentPhase),
		CreatedAt:    f.CreatedAt,
		Registered:   true,
	}
}

func mapRuns(runs []manager.Run) []RunResponse {
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunResponse{
			RunID:     r.ID,
			FeatureID: r.FeatureID,
			Project:   r.Project,
			StartedAt: r.StartedAt,
		})
	}
	return out
}
