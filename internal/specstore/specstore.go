// Package specstore persists one YAML document per (project, feature, phase)
// under the project's .specforge/specs directory. Writes are flushed via a
// temp-file rename so a read immediately after a write always observes it.
package specstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"specforge/internal/domain"
)

var ErrNotFound = errors.New("spec not found")

// Store reads and writes phase specification documents.
type Store struct {
	// Root is the projects directory; each project is a subdirectory.
	Root string
	Now  func() time.Time
}

func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) specDir(project, featureID string) string {
	return filepath.Join(s.Root, project, ".specforge", "specs", featureID)
}

func (s *Store) phaseFile(project, featureID string, phase domain.WorkflowPhase) string {
	return filepath.Join(s.specDir(project, featureID), fmt.Sprintf("phase-%s.yaml", phase))
}

// Write creates or overwrites the document for one phase. The approval
// history is reset to a single synthetic record authored by "system".
func (s *Store) Write(project, featureID string, phase domain.WorkflowPhase, content string, status domain.PhaseStatus, dependencies []string) (domain.SpecPhase, error) {
	now := s.now().UTC().Format(time.RFC3339)
	note := "Generated"
	if status == domain.StatusCompleted {
		note = "Auto-approved"
	}
	if dependencies == nil {
		dependencies = []string{}
	}
	spec := domain.SpecPhase{
		FeatureID: featureID,
		Phase:     phase,
		Status:    status,
		Content:   content,
		Approvals: []domain.Approval{
			{User: "system", Timestamp: now, Comment: note},
		},
		Dependencies: dependencies,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.save(project, featureID, phase, spec); err != nil {
		return domain.SpecPhase{}, err
	}
	return spec, nil
}

// Read returns the document for one phase, or ErrNotFound.
func (s *Store) Read(project, featureID string, phase domain.WorkflowPhase) (domain.SpecPhase, error) {
	data, err := os.ReadFile(s.phaseFile(project, featureID, phase))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.SpecPhase{}, ErrNotFound
		}
		return domain.SpecPhase{}, err
	}
	var spec domain.SpecPhase
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return domain.SpecPhase{}, fmt.Errorf("parse spec %s/%s/%s: %w", project, featureID, phase, err)
	}
	return spec, nil
}

// UpdateStatus appends one approval record and sets the new status. It is
// the sole approval/rejection entry point and never creates a missing spec.
func (s *Store) UpdateStatus(project, featureID string, phase domain.WorkflowPhase, status domain.PhaseStatus, comment, user string) (domain.SpecPhase, error) {
	spec, err := s.Read(project, featureID, phase)
	if err != nil {
		return domain.SpecPhase{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	if user == "" {
		user = "system"
	}
	spec.Status = status
	spec.UpdatedAt = now
	spec.Approvals = append(spec.Approvals, domain.Approval{User: user, Timestamp: now, Comment: comment})
	if err := s.save(project, featureID, phase, spec); err != nil {
		return domain.SpecPhase{}, err
	}
	return spec, nil
}

// ListAll returns documents for every generated phase. Phases not yet
// reached are simply absent from the map.
func (s *Store) ListAll(project, featureID string) (map[domain.WorkflowPhase]domain.SpecPhase, error) {
	out := make(map[domain.WorkflowPhase]domain.SpecPhase)
	for _, phase := range domain.Phases() {
		spec, err := s.Read(project, featureID, phase)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[phase] = spec
	}
	return out, nil
}

// ListFeatures returns feature ids that have spec directories for a project,
// newest first.
func (s *Store) ListFeatures(project string) ([]string, error) {
	base := filepath.Join(s.Root, project, ".specforge", "specs")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "FEAT-") {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Backup copies the current document into a .backups subdirectory with a
// timestamped name. Returns the backup path, or ErrNotFound.
func (s *Store) Backup(project, featureID string, phase domain.WorkflowPhase) (string, error) {
	src := s.phaseFile(project, featureID, phase)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	backupDir := filepath.Join(s.specDir(project, featureID), ".backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}
	stamp := s.now().UTC().Format("20060102_150405")
	dst := filepath.Join(backupDir, fmt.Sprintf("phase-%s_%s.yaml", phase, stamp))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Store) save(project, featureID string, phase domain.WorkflowPhase, spec domain.SpecPhase) error {
	dir := s.specDir(project, featureID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".phase-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.phaseFile(project, featureID, phase))
}
