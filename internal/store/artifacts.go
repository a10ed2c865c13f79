package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Artifact statuses.
const (
	ArtifactDraft    = "draft"
	ArtifactApproved = "approved"
	ArtifactRejected = "rejected"
)

// Artifact is a concrete produced asset tied to a requirement and the task
// that produced it.
type Artifact struct {
	ID            string
	WorkspaceID   string
	RequirementID string
	TaskID        string
	Title         string
	AssetType     string
	Content       map[string]any
	QualityScore  float64
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Deliverable is the aggregated, user-facing output assembled from approved
// artifacts and completed tasks.
type Deliverable struct {
	ID           string
	WorkspaceID  string
	GoalID       string
	Title        string
	Summary      string
	Content      map[string]any
	QualityScore float64
	CreatedAt    time.Time
}

// CreateArtifact inserts an artifact row.
func (s *Store) CreateArtifact(a *Artifact) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.Status == "" {
		a.Status = ArtifactDraft
	}
	if a.AssetType == "" {
		a.AssetType = "document"
	}
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, workspace_id, requirement_id, task_id, title, asset_type, content, quality_score, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkspaceID, a.RequirementID, a.TaskID, a.Title, a.AssetType, jsonText(a.Content), a.QualityScore, a.Status,
	)
	if err != nil {
		return dbErr("store: create artifact", err)
	}
	return nil
}

const artifactCols = `id, workspace_id, requirement_id, task_id, title, asset_type, content, quality_score, status, created_at, updated_at`

// GetArtifact returns the artifact row or ErrNotFound.
func (s *Store) GetArtifact(id string) (*Artifact, error) {
	row := s.db.QueryRow(`SELECT `+artifactCols+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: artifact %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get artifact: %w", err)
	}
	return a, nil
}

// ListArtifactsByRequirement returns artifacts for a requirement, newest first.
func (s *Store) ListArtifactsByRequirement(requirementID string) ([]Artifact, error) {
	return s.queryArtifacts(
		`SELECT `+artifactCols+` FROM artifacts WHERE requirement_id = ? ORDER BY created_at DESC`,
		requirementID,
	)
}

// ListApprovedArtifacts returns approved artifacts for a workspace, oldest first.
func (s *Store) ListApprovedArtifacts(workspaceID string) ([]Artifact, error) {
	return s.queryArtifacts(
		`SELECT `+artifactCols+` FROM artifacts WHERE workspace_id = ? AND status = ? ORDER BY created_at ASC`,
		workspaceID, ArtifactApproved,
	)
}

// SetArtifactStatus updates an artifact's review status and quality score.
func (s *Store) SetArtifactStatus(id, status string, qualityScore float64) error {
	switch status {
	case ArtifactDraft, ArtifactApproved, ArtifactRejected:
	default:
		return fmt.Errorf("store: artifact status %q: %w", status, ErrInvalid)
	}
	res, err := s.db.Exec(
		`UPDATE artifacts SET status = ?, quality_score = ?, updated_at = datetime('now') WHERE id = ?`,
		status, qualityScore, id,
	)
	if err != nil {
		return dbErr("store: set artifact status", err)
	}
	return requireRow(res, "artifact", id)
}

// HasApprovedArtifact reports whether a requirement has at least one
// approved artifact. Requirement fulfilment gates on this.
func (s *Store) HasApprovedArtifact(requirementID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM artifacts WHERE requirement_id = ? AND status = ?`,
		requirementID, ArtifactApproved,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has approved artifact: %w", err)
	}
	return n > 0, nil
}

func (s *Store) queryArtifacts(query string, args ...any) ([]Artifact, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanArtifact(r rowScanner) (*Artifact, error) {
	var a Artifact
	var contentJSON string
	var createdAt, updatedAt string
	if err := r.Scan(&a.ID, &a.WorkspaceID, &a.RequirementID, &a.TaskID, &a.Title,
		&a.AssetType, &contentJSON, &a.QualityScore, &a.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Content = jsonMap(contentJSON)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// --- deliverables ---

// CreateDeliverable inserts a deliverable row.
func (s *Store) CreateDeliverable(d *Deliverable) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	_, err := s.db.Exec(
		`INSERT INTO deliverables (id, workspace_id, goal_id, title, summary, content, quality_score) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WorkspaceID, d.GoalID, d.Title, d.Summary, jsonText(d.Content), d.QualityScore,
	)
	if err != nil {
		return dbErr("store: create deliverable", err)
	}
	return nil
}

const deliverableCols = `id, workspace_id, goal_id, title, summary, content, quality_score, created_at`

// LatestDeliverable returns the most recent deliverable for a workspace,
// or ErrNotFound when none has been assembled yet.
func (s *Store) LatestDeliverable(workspaceID string) (*Deliverable, error) {
	row := s.db.QueryRow(
		`SELECT `+deliverableCols+` FROM deliverables WHERE workspace_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		workspaceID,
	)
	d, err := scanDeliverable(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: deliverable for workspace %s: %w", workspaceID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: latest deliverable: %w", err)
	}
	return d, nil
}

// ListDeliverables returns all deliverables for a workspace, newest first.
func (s *Store) ListDeliverables(workspaceID string) ([]Deliverable, error) {
	rows, err := s.db.Query(
		`SELECT `+deliverableCols+` FROM deliverables WHERE workspace_id = ? ORDER BY created_at DESC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list deliverables: %w", err)
	}
	defer rows.Close()

	var out []Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan deliverable: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDeliverable(r rowScanner) (*Deliverable, error) {
	var d Deliverable
	var contentJSON, createdAt string
	if err := r.Scan(&d.ID, &d.WorkspaceID, &d.GoalID, &d.Title, &d.Summary,
		&contentJSON, &d.QualityScore, &createdAt); err != nil {
		return nil, err
	}
	d.Content = jsonMap(contentJSON)
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}
