package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Goal statuses.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalBlocked   = "blocked"
)

// Requirement statuses.
const (
	RequirementPending    = "pending"
	RequirementInProgress = "in_progress"
	RequirementFulfilled  = "fulfilled"
)

// Goal is a measurable objective: a metric type with a target value the
// workspace drives toward.
type Goal struct {
	ID                    string
	WorkspaceID           string
	Description           string
	MetricType            string
	TargetValue           float64
	CurrentValue          float64
	Unit                  string
	Priority              int  // 1 highest .. 3 lowest
	IsMinimum             bool // "at least N": the full target is required
	Status                string
	LastValidationAt      sql.NullTime
	RequirementsGenerated bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AssetRequirement names a concrete asset that must exist for its goal to be
// considered achieved.
type AssetRequirement struct {
	ID                 string
	GoalID             string
	WorkspaceID        string
	Name               string
	AssetType          string // document, design, code, data, other
	Format             string
	AcceptanceCriteria map[string]any
	Priority           string // critical, high, medium, low
	BusinessValue      float64
	Status             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateGoal inserts a goal row.
func (s *Store) CreateGoal(g *Goal) error {
	if g.ID == "" {
		g.ID = NewID()
	}
	if g.Status == "" {
		g.Status = GoalActive
	}
	if !validGoalStatus(g.Status) {
		return fmt.Errorf("store: goal status %q: %w", g.Status, ErrInvalid)
	}
	if g.Priority < 1 || g.Priority > 3 {
		g.Priority = 2
	}
	_, err := s.db.Exec(
		`INSERT INTO goals (id, workspace_id, description, metric_type, target_value, current_value, unit, priority, is_minimum, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.WorkspaceID, g.Description, g.MetricType, g.TargetValue, g.CurrentValue, g.Unit, g.Priority, boolInt(g.IsMinimum), g.Status,
	)
	if err != nil {
		return dbErr("store: create goal", err)
	}
	return nil
}

const goalCols = `id, workspace_id, description, metric_type, target_value, current_value, unit, priority, is_minimum, status, last_validation_at, requirements_generated, created_at, updated_at`

// GetGoal returns the goal row or ErrNotFound.
func (s *Store) GetGoal(id string) (*Goal, error) {
	row := s.db.QueryRow(`SELECT `+goalCols+` FROM goals WHERE id = ?`, id)
	g, err := scanGoal(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: goal %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get goal: %w", err)
	}
	return g, nil
}

// ListGoals returns all goals for a workspace, highest priority first.
func (s *Store) ListGoals(workspaceID string) ([]Goal, error) {
	return s.queryGoals(`SELECT `+goalCols+` FROM goals WHERE workspace_id = ? ORDER BY priority ASC, created_at ASC`, workspaceID)
}

// ListActiveGoals returns the active goals for a workspace, highest priority first.
func (s *Store) ListActiveGoals(workspaceID string) ([]Goal, error) {
	return s.queryGoals(
		`SELECT `+goalCols+` FROM goals WHERE workspace_id = ? AND status = ? ORDER BY priority ASC, created_at ASC`,
		workspaceID, GoalActive,
	)
}

// ListGoalsDueValidation returns active goals, in active or processing
// workspaces, whose last validation is absent or older than the cutoff.
func (s *Store) ListGoalsDueValidation(cutoff time.Time) ([]Goal, error) {
	return s.queryGoals(
		`SELECT g.id, g.workspace_id, g.description, g.metric_type, g.target_value, g.current_value, g.unit, g.priority, g.is_minimum, g.status, g.last_validation_at, g.requirements_generated, g.created_at, g.updated_at
		 FROM goals g
		 JOIN workspaces w ON w.id = g.workspace_id
		 WHERE g.status = ? AND w.status IN ('active', 'processing_tasks')
		   AND (g.last_validation_at IS NULL OR g.last_validation_at < ?)
		 ORDER BY g.priority ASC, g.created_at ASC`,
		GoalActive, utc(cutoff),
	)
}

// ListOrphanedGoals returns goals whose workspace row no longer exists.
// External systems may drop workspace rows out from under us; the health
// manager sweeps the leftovers.
func (s *Store) ListOrphanedGoals() ([]Goal, error) {
	return s.queryGoals(
		`SELECT g.id, g.workspace_id, g.description, g.metric_type, g.target_value, g.current_value, g.unit, g.priority, g.is_minimum, g.status, g.last_validation_at, g.requirements_generated, g.created_at, g.updated_at
		 FROM goals g
		 WHERE NOT EXISTS (SELECT 1 FROM workspaces w WHERE w.id = g.workspace_id)`,
	)
}

// DeleteGoals removes goal rows and their asset requirements. Only the
// orphaned-goal cleanup path deletes; everything else archives via status.
func (s *Store) DeleteGoals(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, dbErr("store: begin delete goals", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM asset_requirements WHERE goal_id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return 0, dbErr("store: delete goal requirements", err)
	}
	res, err := tx.Exec(`DELETE FROM goals WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, dbErr("store: delete goals", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, dbErr("store: commit delete goals", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpdateGoalStatus sets a goal's status.
func (s *Store) UpdateGoalStatus(id, status string) error {
	if !validGoalStatus(status) {
		return fmt.Errorf("store: goal status %q: %w", status, ErrInvalid)
	}
	res, err := s.db.Exec(
		`UPDATE goals SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return dbErr("store: update goal status", err)
	}
	return requireRow(res, "goal", id)
}

// CASGoalValue sets current_value only when it still holds the expected
// value. ErrConflict means a concurrent writer got there first.
func (s *Store) CASGoalValue(id string, expect, to float64) error {
	res, err := s.db.Exec(
		`UPDATE goals SET current_value = ?, updated_at = datetime('now') WHERE id = ? AND current_value = ?`,
		to, id, expect,
	)
	if err != nil {
		return dbErr("store: cas goal value", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.casMiss("goals", id, "current_value", fmt.Sprintf("%g", expect))
	}
	return nil
}

// AdvanceGoalValue raises current_value to newValue if that is an increase.
// Reports whether the row changed; a lower observation is a silent no-op so
// progress never regresses from a stale validation.
func (s *Store) AdvanceGoalValue(id string, newValue float64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE goals SET current_value = ?, updated_at = datetime('now') WHERE id = ? AND current_value < ?`,
		newValue, id, newValue,
	)
	if err != nil {
		return false, dbErr("store: advance goal value", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetGoalsValidatedAt bulk-stamps last_validation_at for one reconciliation
// cycle worth of goals.
func (s *Store) SetGoalsValidatedAt(ids []string, t time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, utc(t))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(
		`UPDATE goals SET last_validation_at = ?, updated_at = datetime('now') WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return dbErr("store: set goals validated", err)
	}
	return nil
}

// MarkRequirementsGenerated records that requirement generation ran for a goal.
func (s *Store) MarkRequirementsGenerated(goalID string) error {
	res, err := s.db.Exec(
		`UPDATE goals SET requirements_generated = 1, updated_at = datetime('now') WHERE id = ?`,
		goalID,
	)
	if err != nil {
		return dbErr("store: mark requirements generated", err)
	}
	return requireRow(res, "goal", goalID)
}

func (s *Store) queryGoals(query string, args ...any) ([]Goal, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query goals: %w", err)
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan goal: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGoal(r rowScanner) (*Goal, error) {
	var g Goal
	var lastValidation sql.NullString
	var isMinimum, reqsGenerated int
	var createdAt, updatedAt string
	if err := r.Scan(&g.ID, &g.WorkspaceID, &g.Description, &g.MetricType, &g.TargetValue,
		&g.CurrentValue, &g.Unit, &g.Priority, &isMinimum, &g.Status, &lastValidation, &reqsGenerated,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	g.IsMinimum = isMinimum != 0
	g.LastValidationAt = parseNullTime(lastValidation)
	g.RequirementsGenerated = reqsGenerated != 0
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

func validGoalStatus(s string) bool {
	switch s {
	case GoalActive, GoalCompleted, GoalBlocked:
		return true
	}
	return false
}

// --- asset requirements ---

// CreateRequirement inserts an asset requirement. A second insert with the
// same (goal, name) pair returns ErrConflict.
func (s *Store) CreateRequirement(r *AssetRequirement) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Status == "" {
		r.Status = RequirementPending
	}
	if r.AssetType == "" {
		r.AssetType = "document"
	}
	if r.Priority == "" {
		r.Priority = "medium"
	}
	_, err := s.db.Exec(
		`INSERT INTO asset_requirements (id, goal_id, workspace_id, name, asset_type, format, acceptance_criteria, priority, business_value, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.GoalID, r.WorkspaceID, r.Name, r.AssetType, r.Format, jsonText(r.AcceptanceCriteria), r.Priority, r.BusinessValue, r.Status,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("store: requirement %q for goal %s: %w", r.Name, r.GoalID, ErrConflict)
		}
		return dbErr("store: create requirement", err)
	}
	return nil
}

const requirementCols = `id, goal_id, workspace_id, name, asset_type, format, acceptance_criteria, priority, business_value, status, created_at, updated_at`

// GetRequirement returns the requirement row or ErrNotFound.
func (s *Store) GetRequirement(id string) (*AssetRequirement, error) {
	row := s.db.QueryRow(`SELECT `+requirementCols+` FROM asset_requirements WHERE id = ?`, id)
	req, err := scanRequirement(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: requirement %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get requirement: %w", err)
	}
	return req, nil
}

// ListRequirements returns all requirements for a goal, critical first.
func (s *Store) ListRequirements(goalID string) ([]AssetRequirement, error) {
	return s.queryRequirements(
		`SELECT `+requirementCols+` FROM asset_requirements WHERE goal_id = ?
		 ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, created_at ASC`,
		goalID,
	)
}

// ListUnfulfilledRequirements returns requirements still awaiting an approved
// artifact, critical first.
func (s *Store) ListUnfulfilledRequirements(goalID string) ([]AssetRequirement, error) {
	return s.queryRequirements(
		`SELECT `+requirementCols+` FROM asset_requirements WHERE goal_id = ? AND status != ?
		 ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, created_at ASC`,
		goalID, RequirementFulfilled,
	)
}

// UpdateRequirementStatus sets a requirement's fulfilment status.
func (s *Store) UpdateRequirementStatus(id, status string) error {
	switch status {
	case RequirementPending, RequirementInProgress, RequirementFulfilled:
	default:
		return fmt.Errorf("store: requirement status %q: %w", status, ErrInvalid)
	}
	res, err := s.db.Exec(
		`UPDATE asset_requirements SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return dbErr("store: update requirement status", err)
	}
	return requireRow(res, "requirement", id)
}

// CountRequirements returns total and fulfilled requirement counts for a goal.
func (s *Store) CountRequirements(goalID string) (total, fulfilled int, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) FROM asset_requirements WHERE goal_id = ?`,
		RequirementFulfilled, goalID,
	).Scan(&total, &fulfilled)
	if err != nil {
		return 0, 0, fmt.Errorf("store: count requirements: %w", err)
	}
	return total, fulfilled, nil
}

// CountCriticalUnfulfilled returns how many critical requirements are still
// open for a goal. Completion gates close on zero.
func (s *Store) CountCriticalUnfulfilled(goalID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM asset_requirements WHERE goal_id = ? AND priority = 'critical' AND status != ?`,
		goalID, RequirementFulfilled,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count critical unfulfilled: %w", err)
	}
	return n, nil
}

func (s *Store) queryRequirements(query string, args ...any) ([]AssetRequirement, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query requirements: %w", err)
	}
	defer rows.Close()

	var out []AssetRequirement
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan requirement: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func scanRequirement(r rowScanner) (*AssetRequirement, error) {
	var req AssetRequirement
	var criteriaJSON string
	var createdAt, updatedAt string
	if err := r.Scan(&req.ID, &req.GoalID, &req.WorkspaceID, &req.Name, &req.AssetType,
		&req.Format, &criteriaJSON, &req.Priority, &req.BusinessValue, &req.Status,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	req.AcceptanceCriteria = jsonMap(criteriaJSON)
	req.CreatedAt = parseTime(createdAt)
	req.UpdatedAt = parseTime(updatedAt)
	return &req, nil
}
