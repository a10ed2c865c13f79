package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskQueued     = "queued"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Task is one unit of agent work.
type Task struct {
	ID                   string
	WorkspaceID          string
	GoalID               string
	AssetRequirementID   string
	AgentID              string
	AgentRole            string
	Name                 string
	Description          string
	Status               string
	Priority             string
	IsCorrective         bool
	AIGenerated          bool
	NumericalTarget      sql.NullFloat64
	ContributionExpected sql.NullFloat64
	RecoveryCount        int
	Deadline             sql.NullTime
	DependsOn            []string
	ContextData          map[string]any
	Result               map[string]any
	IdempotencyKey       string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          sql.NullTime
}

// CreateTask inserts a task row plus its dependency edges in one
// transaction. A duplicate idempotency key returns ErrConflict and writes
// nothing, which is how repeat planning cycles stay single-shot.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if !validTaskStatus(t.Status) {
		return fmt.Errorf("store: task status %q: %w", t.Status, ErrInvalid)
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.ContextData == nil {
		t.ContextData = map[string]any{}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return dbErr("store: begin create task", err)
	}
	defer tx.Rollback()

	var deadline any
	if t.Deadline.Valid {
		deadline = utc(t.Deadline.Time)
	}
	var idemKey any
	if t.IdempotencyKey != "" {
		idemKey = t.IdempotencyKey
	}
	_, err = tx.Exec(
		`INSERT INTO tasks (id, workspace_id, goal_id, asset_requirement_id, agent_id, agent_role, name, description, status, priority, is_corrective, ai_generated, numerical_target, contribution_expected, deadline, context_data, idempotency_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceID, t.GoalID, t.AssetRequirementID, t.AgentID, t.AgentRole,
		t.Name, t.Description, t.Status, t.Priority, boolInt(t.IsCorrective), boolInt(t.AIGenerated),
		t.NumericalTarget, t.ContributionExpected, deadline, jsonText(t.ContextData), idemKey,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("store: task idempotency key %s: %w", t.IdempotencyKey, ErrConflict)
		}
		return dbErr("store: create task", err)
	}

	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("store: task %s depends on itself: %w", t.ID, ErrInvalid)
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO task_deps (task_id, depends_on) VALUES (?, ?)`, t.ID, dep); err != nil {
			return dbErr("store: create task dep", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dbErr("store: commit create task", err)
	}
	return nil
}

const taskCols = `id, workspace_id, goal_id, asset_requirement_id, agent_id, agent_role, name, description, status, priority, is_corrective, ai_generated, numerical_target, contribution_expected, recovery_count, deadline, context_data, result, idempotency_key, created_at, updated_at, completed_at`

// GetTask returns the task row with its dependency edges, or ErrNotFound.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	if t.DependsOn, err = s.taskDeps(id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns tasks for a workspace in any of the given statuses,
// newest first. No statuses means all tasks.
func (s *Store) ListTasks(workspaceID string, statuses ...string) ([]Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE workspace_id = ?`
	args := []any{workspaceID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC`
	return s.queryTasks(query, args...)
}

// ReadyTasks returns pending tasks whose dependencies are all completed,
// high priority first, oldest first within a priority. The executor drains
// these into its queue.
func (s *Store) ReadyTasks(workspaceID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTasks(
		`SELECT `+taskCols+` FROM tasks t
		 WHERE t.workspace_id = ? AND t.status = 'pending'
		   AND NOT EXISTS (
			SELECT 1 FROM task_deps d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE d.task_id = t.id AND dep.status != 'completed'
		   )
		 ORDER BY CASE t.priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, t.created_at ASC
		 LIMIT ?`,
		workspaceID, limit,
	)
}

// CASTaskStatus transitions a task between statuses, failing with
// ErrConflict if another writer moved it first.
func (s *Store) CASTaskStatus(id, from, to string) error {
	if !validTaskStatus(to) {
		return fmt.Errorf("store: task status %q: %w", to, ErrInvalid)
	}
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = datetime('now') WHERE id = ? AND status = ?`,
		to, id, from,
	)
	if err != nil {
		return dbErr("store: cas task status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.casMiss("tasks", id, "status", from)
	}
	return nil
}

// ClaimTask moves a queued task to in_progress under an agent. The CAS on
// status is the dedup guard between workers.
func (s *Store) ClaimTask(id, agentID string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'in_progress', agent_id = ?, updated_at = datetime('now') WHERE id = ? AND status = 'queued'`,
		agentID, id,
	)
	if err != nil {
		return dbErr("store: claim task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.casMiss("tasks", id, "status", TaskQueued)
	}
	return nil
}

// CompleteTask finishes an in_progress task with its result payload.
func (s *Store) CompleteTask(id string, result map[string]any) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'completed', result = ?, completed_at = datetime('now'), updated_at = datetime('now') WHERE id = ? AND status = 'in_progress'`,
		jsonText(result), id,
	)
	if err != nil {
		return dbErr("store: complete task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.casMiss("tasks", id, "status", TaskInProgress)
	}
	return nil
}

// FailTask marks an in_progress task failed with a diagnostic payload.
func (s *Store) FailTask(id string, diag map[string]any) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'failed', result = ?, completed_at = datetime('now'), updated_at = datetime('now') WHERE id = ? AND status = 'in_progress'`,
		jsonText(diag), id,
	)
	if err != nil {
		return dbErr("store: fail task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.casMiss("tasks", id, "status", TaskInProgress)
	}
	return nil
}

// RetryTask sends an in_progress task back to pending for another attempt,
// clearing the agent and counting the recovery.
func (s *Store) RetryTask(id string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'pending', agent_id = '', recovery_count = recovery_count + 1, updated_at = datetime('now') WHERE id = ? AND status = 'in_progress'`,
		id,
	)
	if err != nil {
		return dbErr("store: retry task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.casMiss("tasks", id, "status", TaskInProgress)
	}
	return nil
}

// ResetQueuedTasks flips every queued task back to pending. The executor
// queue is in-memory only, so queued rows left by a previous process would
// otherwise never run again.
func (s *Store) ResetQueuedTasks() (int64, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = 'pending', updated_at = datetime('now') WHERE status = 'queued'`)
	if err != nil {
		return 0, dbErr("store: reset queued tasks", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HasActiveCorrectiveTask reports whether a goal already has a corrective
// task that has not finished. Used to suppress duplicate course corrections.
func (s *Store) HasActiveCorrectiveTask(goalID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE goal_id = ? AND is_corrective = 1 AND status IN ('pending', 'queued', 'in_progress')`,
		goalID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has active corrective: %w", err)
	}
	return n > 0, nil
}

// CompletedTasksForGoal returns completed tasks linked to a goal, oldest
// first, for achievement extraction.
func (s *Store) CompletedTasksForGoal(goalID string) ([]Task, error) {
	return s.queryTasks(
		`SELECT `+taskCols+` FROM tasks WHERE goal_id = ? AND status = 'completed' ORDER BY completed_at ASC`,
		goalID,
	)
}

// CompletedTasksForWorkspace returns completed tasks for a workspace,
// oldest first, for deliverable assembly.
func (s *Store) CompletedTasksForWorkspace(workspaceID string) ([]Task, error) {
	return s.queryTasks(
		`SELECT `+taskCols+` FROM tasks WHERE workspace_id = ? AND status = 'completed' ORDER BY completed_at ASC`,
		workspaceID,
	)
}

// CountCompletedSince counts tasks completed for a workspace after t. The
// validation optimizer skips goals with nothing new to measure.
func (s *Store) CountCompletedSince(workspaceID string, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE workspace_id = ? AND status = 'completed' AND completed_at > ?`,
		workspaceID, utc(t),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count completed since: %w", err)
	}
	return n, nil
}

// CountTasksByStatus returns a status -> count map for a workspace.
func (s *Store) CountTasksByStatus(workspaceID string) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM tasks WHERE workspace_id = ? GROUP BY status`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LatestTaskUpdate returns the most recent task updated_at for a workspace,
// zero time when the workspace has no tasks. Monotonic per workspace, so it
// doubles as a cache freshness token.
func (s *Store) LatestTaskUpdate(workspaceID string) (time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRow(
		`SELECT MAX(updated_at) FROM tasks WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: latest task update: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, nil
	}
	return parseTime(raw.String), nil
}

// StaleInProgress returns tasks stuck in_progress since before the cutoff.
func (s *Store) StaleInProgress(cutoff time.Time) ([]Task, error) {
	return s.queryTasks(
		`SELECT `+taskCols+` FROM tasks WHERE status = 'in_progress' AND updated_at < ?`,
		utc(cutoff),
	)
}

// TasksByRequirement returns tasks attached to an asset requirement.
func (s *Store) TasksByRequirement(requirementID string) ([]Task, error) {
	return s.queryTasks(
		`SELECT `+taskCols+` FROM tasks WHERE asset_requirement_id = ? ORDER BY created_at ASC`,
		requirementID,
	)
}

func (s *Store) taskDeps(taskID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: task deps: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("store: scan task dep: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (s *Store) queryTasks(query string, args ...any) ([]Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	var isCorrective, aiGenerated int
	var deadline, result, idemKey, completedAt sql.NullString
	var contextJSON string
	var createdAt, updatedAt string
	if err := r.Scan(&t.ID, &t.WorkspaceID, &t.GoalID, &t.AssetRequirementID, &t.AgentID,
		&t.AgentRole, &t.Name, &t.Description, &t.Status, &t.Priority, &isCorrective,
		&aiGenerated, &t.NumericalTarget, &t.ContributionExpected, &t.RecoveryCount,
		&deadline, &contextJSON, &result, &idemKey, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.IsCorrective = isCorrective != 0
	t.AIGenerated = aiGenerated != 0
	t.Deadline = parseNullTime(deadline)
	t.ContextData = jsonMap(contextJSON)
	if result.Valid && result.String != "" {
		t.Result = jsonMap(result.String)
	}
	t.IdempotencyKey = idemKey.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.CompletedAt = parseNullTime(completedAt)
	return &t, nil
}

func validTaskStatus(s string) bool {
	switch s {
	case TaskPending, TaskQueued, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}
