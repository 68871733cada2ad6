package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"specforge/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- projects ---

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// RegisterProject inserts a project by name, returning the existing record
// if one is already registered under that name.
func (r Repo) RegisterProject(ctx context.Context, name, path string) (domain.Project, error) {
	p, err := r.GetProject(ctx, name)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Project{}, err
	}
	createdAt := r.now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `INSERT INTO projects(name,path,status,created_at) VALUES (?,?,?,?)`,
		name, path, domain.ProjectActive, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent register; the row exists now.
			return r.GetProject(ctx, name)
		}
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	id, _ := res.LastInsertId()
	return domain.Project{ID: id, Name: name, Path: path, Status: domain.ProjectActive, CreatedAt: createdAt}, nil
}

func (r Repo) GetProject(ctx context.Context, name string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,path,status,created_at FROM projects WHERE name=?`, name))
}

func (r Repo) GetProjectByID(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,path,status,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,path,status,created_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- features ---

// CreateFeature inserts a new feature record in draft/requirements state.
// Returns ErrDuplicate when the feature id is already taken.
func (r Repo) CreateFeature(ctx context.Context, featureID string, projectID int64, description string) (domain.Feature, error) {
	f := domain.Feature{
		FeatureID:    featureID,
		ProjectID:    projectID,
		Description:  description,
		Status:       domain.StatusDraft,
		CurrentPhase: domain.PhaseRequirements,
		CreatedAt:    r.now().UTC().Format(time.RFC3339),
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO features(feature_id,project_id,description,status,current_phase,created_at) VALUES (?,?,?,?,?,?)`,
		f.FeatureID, f.ProjectID, nullable(f.Description), f.Status, f.CurrentPhase, f.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Feature{}, fmt.Errorf("feature %s: %w", featureID, ErrDuplicate)
		}
		return domain.Feature{}, fmt.Errorf("insert feature: %w", err)
	}
	f.ID, _ = res.LastInsertId()
	return f, nil
}

func scanFeature(row *sql.Row) (domain.Feature, error) {
	var f domain.Feature
	var desc sql.NullString
	err := row.Scan(&f.ID, &f.FeatureID, &f.ProjectID, &desc, &f.Status, &f.CurrentPhase, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if desc.Valid {
		f.Description = desc.String
	}
	return f, err
}

func (r Repo) GetFeature(ctx context.Context, featureID string) (domain.Feature, error) {
	return scanFeature(r.DB.QueryRowContext(ctx,
		`SELECT id,feature_id,project_id,description,status,current_phase,created_at FROM features WHERE feature_id=?`, featureID))
}

func (r Repo) ListFeaturesByProject(ctx context.Context, projectID int64) ([]domain.Feature, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,feature_id,project_id,description,status,current_phase,created_at FROM features WHERE project_id=? ORDER BY created_at DESC, feature_id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feature
	for rows.Next() {
		var f domain.Feature
		var desc sql.NullString
		if err := rows.Scan(&f.ID, &f.FeatureID, &f.ProjectID, &desc, &f.Status, &f.CurrentPhase, &f.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			f.Description = desc.String
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// FeatureFilter narrows a feature search. Zero-valued fields are ignored.
type FeatureFilter struct {
	Query   string
	Project string
	Status  domain.PhaseStatus
	Phase   domain.WorkflowPhase
	Limit   int
}

// SearchFeatures matches the query against feature ids and descriptions,
// optionally narrowed by project, status, and phase. Newest first.
func (r Repo) SearchFeatures(ctx context.Context, f FeatureFilter) ([]domain.Feature, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT f.id,f.feature_id,f.project_id,f.description,f.status,f.current_phase,f.created_at
FROM features f`
	var (
		conds []string
		args  []any
	)
	if f.Project != "" {
		query += ` JOIN projects p ON p.id=f.project_id`
		conds = append(conds, `p.name=?`)
		args = append(args, f.Project)
	}
	if f.Query != "" {
		pattern := "%" + f.Query + "%"
		conds = append(conds, `(f.feature_id LIKE ? OR f.description LIKE ?)`)
		args = append(args, pattern, pattern)
	}
	if f.Status != "" {
		conds = append(conds, `f.status=?`)
		args = append(args, f.Status)
	}
	if f.Phase != "" {
		conds = append(conds, `f.current_phase=?`)
		args = append(args, f.Phase)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY f.created_at DESC, f.feature_id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feature
	for rows.Next() {
		var f domain.Feature
		var desc sql.NullString
		if err := rows.Scan(&f.ID, &f.FeatureID, &f.ProjectID, &desc, &f.Status, &f.CurrentPhase, &f.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			f.Description = desc.String
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// UpdateFeatureStatus updates status and, when phase is non-nil, the current
// phase. Returns false for unknown feature ids.
func (r Repo) UpdateFeatureStatus(ctx context.Context, featureID string, status domain.PhaseStatus, phase *domain.WorkflowPhase) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if phase != nil {
		res, err = r.DB.ExecContext(ctx, `UPDATE features SET status=?, current_phase=? WHERE feature_id=?`,
			status, *phase, featureID)
	} else {
		res, err = r.DB.ExecContext(ctx, `UPDATE features SET status=? WHERE feature_id=?`, status, featureID)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- logs ---

func (r Repo) AddLog(ctx context.Context, featureID, message, level string) (domain.LogEntry, error) {
	if level == "" {
		level = "info"
	}
	entry := domain.LogEntry{
		FeatureID: featureID,
		Timestamp: r.now().UTC().Format(time.RFC3339),
		Message:   message,
		Level:     level,
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO logs(feature_id,ts,message,level) VALUES (?,?,?,?)`,
		entry.FeatureID, entry.Timestamp, entry.Message, entry.Level)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("insert log: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return entry, nil
}

// ListLogs returns the newest entries first, capped at limit.
func (r Repo) ListLogs(ctx context.Context, featureID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,feature_id,ts,message,level FROM logs WHERE feature_id=? ORDER BY id DESC LIMIT ?`, featureID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.FeatureID, &e.Timestamp, &e.Message, &e.Level); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- feature counter ---

// NextFeatureNumber increments and returns the per-day counter for date
// (YYYYMMDD). The upsert-and-return runs as a single statement, so two
// concurrent callers can never observe the same value.
func (r Repo) NextFeatureNumber(ctx context.Context, date string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO feature_counter(date,counter) VALUES (?,1)
ON CONFLICT(date) DO UPDATE SET counter=counter+1
RETURNING counter`, date).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next feature number: %w", err)
	}
	return n, nil
}

// GenerateFeatureID allocates the next FEAT-YYYYMMDD-NNN id for now.
func (r Repo) GenerateFeatureID(ctx context.Context) (string, error) {
	now := r.now()
	n, err := r.NextFeatureNumber(ctx, domain.DayKey(now))
	if err != nil {
		return "", err
	}
	return domain.FormatFeatureID(now, n), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
