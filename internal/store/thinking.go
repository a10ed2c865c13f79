package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrProcessSealed is returned when a step is appended to a thinking process
// that has already completed. Sealed processes never change.
var ErrProcessSealed = errors.New("thinking process already completed")

// Thinking process statuses.
const (
	ThinkingActive    = "active"
	ThinkingCompleted = "completed"
)

// ThinkingProcess is one recorded reasoning trace: an ordered chain of steps
// plus a final conclusion once sealed.
type ThinkingProcess struct {
	ID          string
	WorkspaceID string
	TaskID      string
	AgentID     string
	Context     string
	Conclusion  string
	Confidence  float64
	Status      string
	Title       string
	Summary     map[string]any
	StartedAt   time.Time
	CompletedAt sql.NullTime
	Steps       []ThinkingStep
}

// ThinkingStep is one entry in a thinking process chain.
type ThinkingStep struct {
	ID         int64
	ProcessID  string
	StepNumber int
	StepType   string
	Content    string
	Confidence float64
	Metadata   map[string]any
	CreatedAt  time.Time
}

// InsertThinkingProcess creates an active thinking process row.
func (s *Store) InsertThinkingProcess(p *ThinkingProcess) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.Status == "" {
		p.Status = ThinkingActive
	}
	_, err := s.db.Exec(
		`INSERT INTO thinking_processes (id, workspace_id, task_id, agent_id, context, status) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.TaskID, p.AgentID, p.Context, p.Status,
	)
	if err != nil {
		return dbErr("store: insert thinking process", err)
	}
	return nil
}

// AppendThinkingStep atomically appends a step to an active process and
// returns its 1-based step number. Appending to a completed process returns
// ErrProcessSealed and writes nothing.
func (s *Store) AppendThinkingStep(processID, stepType, content string, confidence float64, metadata map[string]any) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, dbErr("store: begin append step", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM thinking_processes WHERE id = ?`, processID).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("store: thinking process %s: %w", processID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("store: check thinking process: %w", err)
	}
	if status != ThinkingActive {
		return 0, fmt.Errorf("store: thinking process %s: %w", processID, ErrProcessSealed)
	}

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(step_number), 0) + 1 FROM thinking_steps WHERE process_id = ?`, processID).Scan(&next); err != nil {
		return 0, fmt.Errorf("store: next step number: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO thinking_steps (process_id, step_number, step_type, content, confidence, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		processID, next, stepType, content, confidence, jsonText(metadata),
	); err != nil {
		return 0, dbErr("store: insert thinking step", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, dbErr("store: commit append step", err)
	}
	return next, nil
}

// CompleteThinkingProcess seals a process with its conclusion and summary.
// Completing an already-completed process is a no-op, so worker retries stay
// harmless.
func (s *Store) CompleteThinkingProcess(id, conclusion string, confidence float64, title string, summary map[string]any) error {
	res, err := s.db.Exec(
		`UPDATE thinking_processes SET conclusion = ?, confidence = ?, title = ?, summary = ?, status = ?, completed_at = datetime('now') WHERE id = ? AND status = ?`,
		conclusion, confidence, title, jsonText(summary), ThinkingCompleted, id, ThinkingActive,
	)
	if err != nil {
		return dbErr("store: complete thinking process", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status string
		err := s.db.QueryRow(`SELECT status FROM thinking_processes WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("store: thinking process %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("store: check thinking process: %w", err)
		}
		// Already sealed: idempotent success.
	}
	return nil
}

const thinkingCols = `id, workspace_id, task_id, agent_id, context, conclusion, confidence, status, title, summary, started_at, completed_at`

// GetThinkingProcess returns a process with its full ordered step chain.
func (s *Store) GetThinkingProcess(id string) (*ThinkingProcess, error) {
	row := s.db.QueryRow(`SELECT `+thinkingCols+` FROM thinking_processes WHERE id = ?`, id)
	p, err := scanThinkingProcess(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: thinking process %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get thinking process: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT id, process_id, step_number, step_type, content, confidence, metadata, created_at
		 FROM thinking_steps WHERE process_id = ? ORDER BY step_number ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list thinking steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st ThinkingStep
		var metaJSON, createdAt string
		if err := rows.Scan(&st.ID, &st.ProcessID, &st.StepNumber, &st.StepType, &st.Content,
			&st.Confidence, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan thinking step: %w", err)
		}
		st.Metadata = jsonMap(metaJSON)
		st.CreatedAt = parseTime(createdAt)
		p.Steps = append(p.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// ListThinkingProcesses returns recent processes for a workspace without
// their step bodies, newest first.
func (s *Store) ListThinkingProcesses(workspaceID string, limit int) ([]ThinkingProcess, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT `+thinkingCols+` FROM thinking_processes WHERE workspace_id = ? ORDER BY started_at DESC LIMIT ?`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list thinking processes: %w", err)
	}
	defer rows.Close()

	var out []ThinkingProcess
	for rows.Next() {
		p, err := scanThinkingProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan thinking process: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountThinkingSteps returns the number of steps recorded for a process.
func (s *Store) CountThinkingSteps(processID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM thinking_steps WHERE process_id = ?`, processID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count thinking steps: %w", err)
	}
	return n, nil
}

func scanThinkingProcess(r rowScanner) (*ThinkingProcess, error) {
	var p ThinkingProcess
	var summaryJSON, startedAt string
	var completedAt sql.NullString
	if err := r.Scan(&p.ID, &p.WorkspaceID, &p.TaskID, &p.AgentID, &p.Context, &p.Conclusion,
		&p.Confidence, &p.Status, &p.Title, &summaryJSON, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	p.Summary = jsonMap(summaryJSON)
	p.StartedAt = parseTime(startedAt)
	p.CompletedAt = parseNullTime(completedAt)
	return &p, nil
}
