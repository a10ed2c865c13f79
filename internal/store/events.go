package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Event is one row in the append-only activity log.
type Event struct {
	ID          int64
	EventType   string
	WorkspaceID string
	TaskID      string
	Severity    string
	Details     map[string]any
	CreatedAt   time.Time
}

// LogEvent appends an event row. This is the durable half of telemetry;
// broadcast delivery is best-effort, the log is not.
func (s *Store) LogEvent(eventType, workspaceID, taskID, severity string, details map[string]any) error {
	if severity == "" {
		severity = "info"
	}
	_, err := s.db.Exec(
		`INSERT INTO events (event_type, workspace_id, task_id, severity, details) VALUES (?, ?, ?, ?, ?)`,
		eventType, workspaceID, taskID, severity, jsonText(details),
	)
	if err != nil {
		return dbErr("store: log event", err)
	}
	return nil
}

const eventCols = `id, event_type, workspace_id, task_id, severity, details, created_at`

// RecentEvents returns the newest events for a workspace. An empty
// workspaceID returns events across all workspaces.
func (s *Store) RecentEvents(workspaceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if workspaceID == "" {
		rows, err = s.db.Query(`SELECT `+eventCols+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+eventCols+` FROM events WHERE workspace_id = ? ORDER BY id DESC LIMIT ?`, workspaceID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEventsSince counts events of a type recorded after the cutoff.
func (s *Store) CountEventsSince(eventType string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE event_type = ? AND created_at > ?`,
		eventType, utc(cutoff),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count events since: %w", err)
	}
	return n, nil
}

// LastEventTime returns when a workspace last saw any of the given event
// types, zero time when it never has. Health scoring uses this to detect
// workspaces the executor has gone quiet on.
func (s *Store) LastEventTime(workspaceID string, eventTypes ...string) (time.Time, error) {
	if len(eventTypes) == 0 {
		return time.Time{}, nil
	}
	args := []any{workspaceID}
	for _, et := range eventTypes {
		args = append(args, et)
	}
	var raw sql.NullString
	err := s.db.QueryRow(
		`SELECT MAX(created_at) FROM events WHERE workspace_id = ? AND event_type IN (`+placeholders(len(eventTypes))+`)`,
		args...,
	).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last event time: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, nil
	}
	return parseTime(raw.String), nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var detailsJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.EventType, &e.WorkspaceID, &e.TaskID, &e.Severity,
			&detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Details = jsonMap(detailsJSON)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
