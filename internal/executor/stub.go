package executor

import (
	"context"
	"fmt"

	"specforge/internal/domain"
)

// Stub is an offline executor that echoes a canned document per phase. It
// backs the "stub" provider for local runs without API credentials.
type Stub struct{}

func (Stub) Execute(_ context.Context, phase domain.WorkflowPhase, taskDescription string, profile Profile) (string, error) {
	return fmt.Sprintf("# %s\n\nRole: %s\n\n%s\n", phase, profile.Role, taskDescription), nil
}
