package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Insight types.
const (
	InsightFailureLesson  = "failure_lesson"
	InsightSuccessPattern = "success_pattern"
	InsightConstraint     = "constraint"
)

// RecoveryAttempt is the audit record for one recovery decision on a task.
type RecoveryAttempt struct {
	ID             int64
	TaskID         string
	WorkspaceID    string
	AttemptNumber  int
	FailureType    string
	Strategy       string
	Confidence     float64
	DelaySeconds   float64
	Reasoning      string
	AIAnalysisUsed bool
	Success        sql.NullBool
	CreatedAt      time.Time
}

// Insight is a learned lesson scoped to a workspace.
type Insight struct {
	ID          string
	WorkspaceID string
	InsightType string
	Content     string
	Tags        []string
	Confidence  float64
	CreatedAt   time.Time
}

// RecordRecoveryAttempt persists a recovery decision and returns its row ID.
func (s *Store) RecordRecoveryAttempt(a *RecoveryAttempt) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO recovery_attempts (task_id, workspace_id, attempt_number, failure_type, strategy, confidence, delay_seconds, reasoning, ai_analysis_used) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.WorkspaceID, a.AttemptNumber, a.FailureType, a.Strategy, a.Confidence, a.DelaySeconds, a.Reasoning, boolInt(a.AIAnalysisUsed),
	)
	if err != nil {
		return 0, dbErr("store: record recovery attempt", err)
	}
	return res.LastInsertId()
}

// MarkRecoveryOutcome records whether a recovery attempt ultimately worked.
func (s *Store) MarkRecoveryOutcome(id int64, success bool) error {
	res, err := s.db.Exec(
		`UPDATE recovery_attempts SET success = ? WHERE id = ?`,
		boolInt(success), id,
	)
	if err != nil {
		return dbErr("store: mark recovery outcome", err)
	}
	return requireRow(res, "recovery attempt", fmt.Sprint(id))
}

const recoveryCols = `id, task_id, workspace_id, attempt_number, failure_type, strategy, confidence, delay_seconds, reasoning, ai_analysis_used, success, created_at`

// ListRecoveryAttempts returns a task's recovery history, oldest first.
func (s *Store) ListRecoveryAttempts(taskID string) ([]RecoveryAttempt, error) {
	rows, err := s.db.Query(
		`SELECT `+recoveryCols+` FROM recovery_attempts WHERE task_id = ? ORDER BY created_at ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list recovery attempts: %w", err)
	}
	defer rows.Close()

	var out []RecoveryAttempt
	for rows.Next() {
		var a RecoveryAttempt
		var aiUsed int
		var success sql.NullInt64
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.WorkspaceID, &a.AttemptNumber, &a.FailureType,
			&a.Strategy, &a.Confidence, &a.DelaySeconds, &a.Reasoning, &aiUsed, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan recovery attempt: %w", err)
		}
		a.AIAnalysisUsed = aiUsed != 0
		if success.Valid {
			a.Success = sql.NullBool{Bool: success.Int64 != 0, Valid: true}
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountRecoveryAttempts returns how many recovery decisions a task has consumed.
func (s *Store) CountRecoveryAttempts(taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM recovery_attempts WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count recovery attempts: %w", err)
	}
	return n, nil
}

// HasRecentRecoverySuccess reports whether any recovery for the same failure
// type succeeded in this workspace after the cutoff. Recent wins raise
// confidence in retrying the same way.
func (s *Store) HasRecentRecoverySuccess(workspaceID, failureType string, cutoff time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM recovery_attempts WHERE workspace_id = ? AND failure_type = ? AND success = 1 AND created_at > ?`,
		workspaceID, failureType, utc(cutoff),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: recent recovery success: %w", err)
	}
	return n > 0, nil
}

// SuccessRateForFailureType returns the fraction of resolved recovery
// attempts for a failure type that succeeded, over attempts created after
// the cutoff. Returns 0 with resolved=0 when there is no history yet.
func (s *Store) SuccessRateForFailureType(failureType string, cutoff time.Time) (rate float64, resolved int, err error) {
	var succeeded int
	err = s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(success), 0) FROM recovery_attempts
		 WHERE failure_type = ? AND success IS NOT NULL AND created_at > ?`,
		failureType, utc(cutoff),
	).Scan(&resolved, &succeeded)
	if err != nil {
		return 0, 0, fmt.Errorf("store: recovery success rate: %w", err)
	}
	if resolved == 0 {
		return 0, 0, nil
	}
	return float64(succeeded) / float64(resolved), resolved, nil
}

// --- insights ---

// CreateInsight persists a learned lesson.
func (s *Store) CreateInsight(i *Insight) error {
	if i.ID == "" {
		i.ID = NewID()
	}
	switch i.InsightType {
	case InsightFailureLesson, InsightSuccessPattern, InsightConstraint:
	default:
		return fmt.Errorf("store: insight type %q: %w", i.InsightType, ErrInvalid)
	}
	_, err := s.db.Exec(
		`INSERT INTO insights (id, workspace_id, insight_type, content, tags, confidence) VALUES (?, ?, ?, ?, ?, ?)`,
		i.ID, i.WorkspaceID, i.InsightType, i.Content, jsonText(i.Tags), i.Confidence,
	)
	if err != nil {
		return dbErr("store: create insight", err)
	}
	return nil
}

const insightCols = `id, workspace_id, insight_type, content, tags, confidence, created_at`

// RecentInsights returns the newest insights for a workspace.
func (s *Store) RecentInsights(workspaceID string, limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryInsights(
		`SELECT `+insightCols+` FROM insights WHERE workspace_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		workspaceID, limit,
	)
}

// InsightsByTag returns the newest insights carrying the given tag.
// Tag match is done in SQL over the serialized JSON array.
func (s *Store) InsightsByTag(workspaceID, tag string, limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryInsights(
		`SELECT `+insightCols+` FROM insights WHERE workspace_id = ? AND tags LIKE ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		workspaceID, `%"`+tag+`"%`, limit,
	)
}

func (s *Store) queryInsights(query string, args ...any) ([]Insight, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query insights: %w", err)
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		var i Insight
		var tagsJSON, createdAt string
		if err := rows.Scan(&i.ID, &i.WorkspaceID, &i.InsightType, &i.Content, &tagsJSON,
			&i.Confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan insight: %w", err)
		}
		if tagsJSON != "" && tagsJSON != "[]" {
			if err := json.Unmarshal([]byte(tagsJSON), &i.Tags); err != nil {
				i.Tags = nil // best-effort
			}
		}
		i.CreatedAt = parseTime(createdAt)
		out = append(out, i)
	}
	return out, rows.Err()
}
