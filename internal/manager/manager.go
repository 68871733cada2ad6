// Package manager tracks background workflow runs: at most one live run per
// feature, started fire-and-forget and cancellable by feature id.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"specforge/internal/domain"
	"specforge/internal/engine"
	"specforge/internal/repo"
)

var (
	ErrAlreadyRunning = errors.New("workflow already running")
	ErrNotRunning     = errors.New("workflow not running")
)

// Run is the live-run marker for one feature.
type Run struct {
	ID        string
	FeatureID string
	Project   string
	StartedAt string

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager owns the run table. All methods are safe for concurrent use.
type Manager struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Log    *zap.Logger
	Now    func() time.Time

	mu   sync.Mutex
	runs map[string]*Run
}

func New(eng *engine.Engine, r repo.Repo) *Manager {
	return &Manager{Engine: eng, Repo: r, runs: make(map[string]*Run)}
}

func (m *Manager) log() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Start launches a workflow run in the background and returns immediately
// with its run id. A second Start for the same feature while the first is
// live returns ErrAlreadyRunning.
func (m *Manager) Start(opts engine.RunOptions) (string, error) {
	return m.launch(opts.FeatureID, opts.Project, func(ctx context.Context) error {
		return m.Engine.Run(ctx, opts)
	})
}

// Advance runs the next phase of a manually gated workflow in the
// background, under the same one-live-run-per-feature rule as Start. The
// approval gate is checked before the run is registered: an unapproved
// phase, a finished workflow, or an unknown feature fails here, not inside
// the detached goroutine.
func (m *Manager) Advance(ctx context.Context, featureID string) (string, error) {
	project, err := m.Engine.CheckAdvance(ctx, featureID)
	if err != nil {
		return "", err
	}
	return m.launch(featureID, project, func(ctx context.Context) error {
		return m.Engine.Advance(ctx, featureID)
	})
}

func (m *Manager) launch(featureID, project string, fn func(context.Context) error) (string, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	run := &Run{
		ID:        uuid.NewString(),
		FeatureID: featureID,
		Project:   project,
		StartedAt: m.now().UTC().Format(time.RFC3339),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.runs[featureID]; exists {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("feature %s: %w", featureID, ErrAlreadyRunning)
	}
	m.runs[featureID] = run
	m.mu.Unlock()

	go func() {
		defer func() {
			// The marker must clear on every exit path or the feature
			// would be stuck unstartable.
			m.mu.Lock()
			delete(m.runs, featureID)
			m.mu.Unlock()
			cancel()
			close(run.done)
		}()
		if err := fn(runCtx); err != nil {
			run.err = err
			m.log().Warn("workflow run ended with error",
				zap.String("feature", featureID), zap.Error(err))
		}
	}()

	return run.ID, nil
}

// Status describes a feature's workflow regardless of whether a run is live.
type Status struct {
	Feature  domain.Feature    `json:"feature"`
	Running  bool              `json:"running"`
	RunID    string            `json:"run_id,omitempty"`
	Progress float64           `json:"progress"`
	Logs     []domain.LogEntry `json:"logs,omitempty"`
}

// Status reads the feature record, progress, and recent logs, and reports
// whether a background run is currently live.
func (m *Manager) Status(ctx context.Context, featureID string, logLimit int) (Status, error) {
	f, err := m.Repo.GetFeature(ctx, featureID)
	if err != nil {
		return Status{}, err
	}
	progress, err := m.Engine.Progress(ctx, featureID)
	if err != nil {
		return Status{}, err
	}
	logs, err := m.Repo.ListLogs(ctx, featureID, logLimit)
	if err != nil {
		return Status{}, err
	}
	st := Status{Feature: f, Progress: progress, Logs: logs}
	m.mu.Lock()
	if run, ok := m.runs[featureID]; ok {
		st.Running = true
		st.RunID = run.ID
	}
	m.mu.Unlock()
	return st, nil
}

// ListRunning returns the live runs sorted by feature id.
func (m *Manager) ListRunning() []Run {
	m.mu.Lock()
	out := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, *run)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}

// Cancel signals the feature's live run to stop at the next phase boundary.
func (m *Manager) Cancel(featureID string) error {
	m.mu.Lock()
	run, ok := m.runs[featureID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("feature %s: %w", featureID, ErrNotRunning)
	}
	run.cancel()
	return nil
}

// Wait blocks until the feature's live run finishes and returns its error.
// A feature with no live run returns immediately.
func (m *Manager) Wait(ctx context.Context, featureID string) error {
	m.mu.Lock()
	run, ok := m.runs[featureID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
