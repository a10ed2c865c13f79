package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Typed errors for the persistence contract. Callers branch on these with
// errors.Is; everything else is treated as transient.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
	ErrInvalid     = errors.New("invalid")
)

// Store provides SQLite-backed persistence for Foreman state.
type Store struct {
	db *sql.DB
}

// Workspace statuses.
const (
	WorkspaceCreated           = "created"
	WorkspaceActive            = "active"
	WorkspaceProcessingTasks   = "processing_tasks"
	WorkspaceNeedsIntervention = "needs_intervention"
	WorkspacePaused            = "paused"
	WorkspaceCompleted         = "completed"
)

// Agent statuses.
const (
	AgentAvailable = "available"
	AgentActive    = "active"
	AgentBusy      = "busy"
	AgentOffline   = "offline"
)

// Workspace is the unit of isolation: one business goal, one team, one
// deliverable stream.
type Workspace struct {
	ID              string
	Name            string
	Goal            string
	Status          string
	BudgetMax       float64
	BudgetCurrency  string
	TeamApproved    bool
	ProcessingSince sql.NullTime
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Agent is a persona an LLM call runs as, owned by exactly one workspace.
type Agent struct {
	ID               string
	WorkspaceID      string
	Name             string
	Role             string
	Seniority        string // junior, senior, expert
	Status           string
	Skills           []string
	Model            string
	QuarantinedUntil sql.NullTime
	TasksCompleted   int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	goal TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'created',
	budget_max REAL NOT NULL DEFAULT 0,
	budget_currency TEXT NOT NULL DEFAULT 'USD',
	team_approved INTEGER NOT NULL DEFAULT 0,
	processing_since DATETIME,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	seniority TEXT NOT NULL DEFAULT 'senior',
	status TEXT NOT NULL DEFAULT 'available',
	skills TEXT NOT NULL DEFAULT '[]',
	model TEXT NOT NULL DEFAULT '',
	quarantined_until DATETIME,
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	description TEXT NOT NULL DEFAULT '',
	metric_type TEXT NOT NULL,
	target_value REAL NOT NULL DEFAULT 0,
	current_value REAL NOT NULL DEFAULT 0,
	unit TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 2,
	is_minimum INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	last_validation_at DATETIME,
	requirements_generated INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS asset_requirements (
	id TEXT PRIMARY KEY,
	goal_id TEXT NOT NULL REFERENCES goals(id),
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	name TEXT NOT NULL,
	asset_type TEXT NOT NULL DEFAULT 'document',
	format TEXT NOT NULL DEFAULT '',
	acceptance_criteria TEXT NOT NULL DEFAULT '{}',
	priority TEXT NOT NULL DEFAULT 'medium',
	business_value REAL NOT NULL DEFAULT 0.5,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	goal_id TEXT NOT NULL DEFAULT '',
	asset_requirement_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	agent_role TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	priority TEXT NOT NULL DEFAULT 'medium',
	is_corrective INTEGER NOT NULL DEFAULT 0,
	ai_generated INTEGER NOT NULL DEFAULT 0,
	numerical_target REAL,
	contribution_expected REAL,
	recovery_count INTEGER NOT NULL DEFAULT 0,
	deadline DATETIME,
	context_data TEXT NOT NULL DEFAULT '{}',
	result TEXT,
	idempotency_key TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id TEXT NOT NULL REFERENCES tasks(id),
	depends_on TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	requirement_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	asset_type TEXT NOT NULL DEFAULT 'document',
	content TEXT NOT NULL DEFAULT '{}',
	quality_score REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'draft',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS deliverables (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	goal_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '{}',
	quality_score REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS thinking_processes (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	task_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	conclusion TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	title TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '{}',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS thinking_steps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id TEXT NOT NULL REFERENCES thinking_processes(id),
	step_number INTEGER NOT NULL,
	step_type TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS recovery_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL DEFAULT '',
	attempt_number INTEGER NOT NULL DEFAULT 1,
	failure_type TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	delay_seconds REAL NOT NULL DEFAULT 0,
	reasoning TEXT NOT NULL DEFAULT '',
	ai_analysis_used INTEGER NOT NULL DEFAULT 0,
	success INTEGER,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS insights (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	insight_type TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	workspace_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT 'info',
	details TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id, status);
CREATE INDEX IF NOT EXISTS idx_goals_workspace ON goals(workspace_id, status);
CREATE INDEX IF NOT EXISTS idx_goals_validation ON goals(status, last_validation_at);
CREATE INDEX IF NOT EXISTS idx_requirements_goal ON asset_requirements(goal_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_requirements_goal_name ON asset_requirements(goal_id, name);
CREATE INDEX IF NOT EXISTS idx_tasks_workspace_status ON tasks(workspace_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_goal ON tasks(goal_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_artifacts_requirement ON artifacts(requirement_id, status);
CREATE INDEX IF NOT EXISTS idx_thinking_workspace ON thinking_processes(workspace_id, started_at);
CREATE INDEX IF NOT EXISTS idx_thinking_steps_process ON thinking_steps(process_id, step_number);
CREATE INDEX IF NOT EXISTS idx_recovery_task ON recovery_attempts(task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_insights_workspace ON insights(workspace_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_workspace ON events(workspace_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, created_at);
`

// Open creates or opens a SQLite database at the given path and ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NewID returns a fresh entity identifier.
func NewID() string {
	return uuid.NewString()
}

// --- workspaces ---

// CreateWorkspace inserts a workspace row. A missing ID is generated; a
// missing status defaults to created.
func (s *Store) CreateWorkspace(w *Workspace) error {
	if w.ID == "" {
		w.ID = NewID()
	}
	if w.Status == "" {
		w.Status = WorkspaceCreated
	}
	if !validWorkspaceStatus(w.Status) {
		return fmt.Errorf("store: workspace status %q: %w", w.Status, ErrInvalid)
	}
	if w.BudgetCurrency == "" {
		w.BudgetCurrency = "USD"
	}
	_, err := s.db.Exec(
		`INSERT INTO workspaces (id, name, goal, status, budget_max, budget_currency, team_approved) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Goal, w.Status, w.BudgetMax, w.BudgetCurrency, boolInt(w.TeamApproved),
	)
	if err != nil {
		return dbErr("store: create workspace", err)
	}
	return nil
}

const workspaceCols = `id, name, goal, status, budget_max, budget_currency, team_approved, processing_since, created_at, updated_at`

// GetWorkspace returns the workspace row or ErrNotFound.
func (s *Store) GetWorkspace(id string) (*Workspace, error) {
	row := s.db.QueryRow(`SELECT `+workspaceCols+` FROM workspaces WHERE id = ?`, id)
	w, err := scanWorkspace(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: workspace %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get workspace: %w", err)
	}
	return w, nil
}

// ListWorkspacesByStatus returns workspaces in any of the given statuses,
// oldest first. No statuses means all workspaces.
func (s *Store) ListWorkspacesByStatus(statuses ...string) ([]Workspace, error) {
	query := `SELECT ` + workspaceCols + ` FROM workspaces`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan workspace: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// UpdateWorkspaceStatus sets a workspace status unconditionally. Used by
// health recovery paths that override whatever state the workspace is in.
func (s *Store) UpdateWorkspaceStatus(id, status string) error {
	if !validWorkspaceStatus(status) {
		return fmt.Errorf("store: workspace status %q: %w", status, ErrInvalid)
	}
	res, err := s.db.Exec(
		`UPDATE workspaces SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return dbErr("store: update workspace status", err)
	}
	return requireRow(res, "workspace", id)
}

// CASWorkspaceStatus transitions a workspace from one status to another.
// Returns ErrConflict when the current status does not match, ErrNotFound
// when the workspace does not exist.
func (s *Store) CASWorkspaceStatus(id, from, to string) error {
	if !validWorkspaceStatus(to) {
		return fmt.Errorf("store: workspace status %q: %w", to, ErrInvalid)
	}
	res, err := s.db.Exec(
		`UPDATE workspaces SET status = ?, updated_at = datetime('now') WHERE id = ? AND status = ?`,
		to, id, from,
	)
	if err != nil {
		return dbErr("store: cas workspace status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.casMiss("workspaces", id, "status", from)
	}
	return nil
}

// MarkProcessing moves an active workspace into processing_tasks and stamps
// processing_since so a stale lock can be reclaimed later.
func (s *Store) MarkProcessing(id string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE workspaces SET status = ?, processing_since = ?, updated_at = datetime('now') WHERE id = ? AND status = ?`,
		WorkspaceProcessingTasks, utc(now), id, WorkspaceActive,
	)
	if err != nil {
		return dbErr("store: mark processing", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.casMiss("workspaces", id, "status", WorkspaceActive)
	}
	return nil
}

// ReleaseProcessing moves a processing_tasks workspace back to active and
// clears the processing stamp.
func (s *Store) ReleaseProcessing(id string) error {
	res, err := s.db.Exec(
		`UPDATE workspaces SET status = ?, processing_since = NULL, updated_at = datetime('now') WHERE id = ? AND status = ?`,
		WorkspaceActive, id, WorkspaceProcessingTasks,
	)
	if err != nil {
		return dbErr("store: release processing", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.casMiss("workspaces", id, "status", WorkspaceProcessingTasks)
	}
	return nil
}

// ListStuckProcessing returns workspaces that have sat in processing_tasks
// since before the cutoff.
func (s *Store) ListStuckProcessing(cutoff time.Time) ([]Workspace, error) {
	rows, err := s.db.Query(
		`SELECT `+workspaceCols+` FROM workspaces WHERE status = ? AND processing_since IS NOT NULL AND processing_since < ?`,
		WorkspaceProcessingTasks, utc(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list stuck processing: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan workspace: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// SetTeamApproved records initial human approval of the workspace team.
func (s *Store) SetTeamApproved(id string, approved bool) error {
	res, err := s.db.Exec(
		`UPDATE workspaces SET team_approved = ?, updated_at = datetime('now') WHERE id = ?`,
		boolInt(approved), id,
	)
	if err != nil {
		return dbErr("store: set team approved", err)
	}
	return requireRow(res, "workspace", id)
}

// WorkspaceIDsWithPendingTasks returns distinct workspace IDs that have at
// least one pending task, for executor batch pickup.
func (s *Store) WorkspaceIDsWithPendingTasks() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT w.id FROM workspaces w
		 JOIN tasks t ON t.workspace_id = w.id
		 WHERE t.status = 'pending' AND w.status IN ('active', 'processing_tasks')
		 ORDER BY w.created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: workspaces with pending tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan workspace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- agents ---

// CreateAgent inserts an agent row owned by a workspace.
func (s *Store) CreateAgent(a *Agent) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.Status == "" {
		a.Status = AgentAvailable
	}
	if !validAgentStatus(a.Status) {
		return fmt.Errorf("store: agent status %q: %w", a.Status, ErrInvalid)
	}
	if a.Seniority == "" {
		a.Seniority = "senior"
	}
	_, err := s.db.Exec(
		`INSERT INTO agents (id, workspace_id, name, role, seniority, status, skills, model) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkspaceID, a.Name, a.Role, a.Seniority, a.Status, jsonText(a.Skills), a.Model,
	)
	if err != nil {
		return dbErr("store: create agent", err)
	}
	return nil
}

const agentCols = `id, workspace_id, name, role, seniority, status, skills, model, quarantined_until, tasks_completed, created_at, updated_at`

// GetAgent returns the agent row or ErrNotFound.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: agent %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents for a workspace.
func (s *Store) ListAgents(workspaceID string) ([]Agent, error) {
	return s.queryAgents(`SELECT `+agentCols+` FROM agents WHERE workspace_id = ? ORDER BY created_at ASC`, workspaceID)
}

// AvailableAgents returns agents that can accept work right now: status
// available or active, and any quarantine window already expired.
func (s *Store) AvailableAgents(workspaceID string, now time.Time) ([]Agent, error) {
	return s.queryAgents(
		`SELECT `+agentCols+` FROM agents
		 WHERE workspace_id = ? AND status IN ('available', 'active')
		   AND (quarantined_until IS NULL OR quarantined_until <= ?)
		 ORDER BY tasks_completed ASC, created_at ASC`,
		workspaceID, utc(now),
	)
}

// AgentsByRole returns available agents matching a role, least-loaded first.
func (s *Store) AgentsByRole(workspaceID, role string, now time.Time) ([]Agent, error) {
	return s.queryAgents(
		`SELECT `+agentCols+` FROM agents
		 WHERE workspace_id = ? AND role = ? AND status IN ('available', 'active')
		   AND (quarantined_until IS NULL OR quarantined_until <= ?)
		 ORDER BY tasks_completed ASC, created_at ASC`,
		workspaceID, role, utc(now),
	)
}

// UpdateAgentStatus sets an agent's status.
func (s *Store) UpdateAgentStatus(id, status string) error {
	if !validAgentStatus(status) {
		return fmt.Errorf("store: agent status %q: %w", status, ErrInvalid)
	}
	res, err := s.db.Exec(
		`UPDATE agents SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return dbErr("store: update agent status", err)
	}
	return requireRow(res, "agent", id)
}

// QuarantineAgent blocks an agent from receiving work until the given time.
func (s *Store) QuarantineAgent(id string, until time.Time) error {
	res, err := s.db.Exec(
		`UPDATE agents SET quarantined_until = ?, updated_at = datetime('now') WHERE id = ?`,
		utc(until), id,
	)
	if err != nil {
		return dbErr("store: quarantine agent", err)
	}
	return requireRow(res, "agent", id)
}

// IncrementAgentCompleted bumps the completed-task counter used for
// least-loaded assignment ordering.
func (s *Store) IncrementAgentCompleted(id string) error {
	_, err := s.db.Exec(
		`UPDATE agents SET tasks_completed = tasks_completed + 1, updated_at = datetime('now') WHERE id = ?`,
		id,
	)
	if err != nil {
		return dbErr("store: increment agent completed", err)
	}
	return nil
}

// CountAgents returns total and currently-available agent counts for a workspace.
func (s *Store) CountAgents(workspaceID string, now time.Time) (total, available int, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*) FROM agents WHERE workspace_id = ?`, workspaceID).Scan(&total)
	if err != nil {
		return 0, 0, fmt.Errorf("store: count agents: %w", err)
	}
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM agents WHERE workspace_id = ? AND status IN ('available', 'active')
		   AND (quarantined_until IS NULL OR quarantined_until <= ?)`,
		workspaceID, utc(now),
	).Scan(&available)
	if err != nil {
		return 0, 0, fmt.Errorf("store: count available agents: %w", err)
	}
	return total, available, nil
}

func (s *Store) queryAgents(query string, args ...any) ([]Agent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// --- scan + shared helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(r rowScanner) (*Workspace, error) {
	var w Workspace
	var teamApproved int
	var processingSince sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&w.ID, &w.Name, &w.Goal, &w.Status, &w.BudgetMax, &w.BudgetCurrency,
		&teamApproved, &processingSince, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.TeamApproved = teamApproved != 0
	w.ProcessingSince = parseNullTime(processingSince)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func scanAgent(r rowScanner) (*Agent, error) {
	var a Agent
	var skillsJSON string
	var quarantined sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Role, &a.Seniority, &a.Status,
		&skillsJSON, &a.Model, &quarantined, &a.TasksCompleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if skillsJSON != "" && skillsJSON != "[]" {
		if err := json.Unmarshal([]byte(skillsJSON), &a.Skills); err != nil {
			a.Skills = nil // best-effort
		}
	}
	a.QuarantinedUntil = parseNullTime(quarantined)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// casMiss distinguishes a conditional-update miss: ErrNotFound when the row
// is absent, ErrConflict with the current value otherwise.
func (s *Store) casMiss(table, id, column, want string) error {
	var cur string
	err := s.db.QueryRow(`SELECT `+column+` FROM `+table+` WHERE id = ?`, id).Scan(&cur)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: %s %s: %w", strings.TrimSuffix(table, "s"), id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: cas check %s: %w", table, err)
	}
	return fmt.Errorf("store: %s %s %s is %q, want %q: %w", strings.TrimSuffix(table, "s"), id, column, cur, want, ErrConflict)
}

func requireRow(res sql.Result, entity, id string) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: %s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

// dbErr wraps driver errors, mapping lock contention to ErrUnavailable so
// callers can treat it as transient.
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if msg := err.Error(); strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func validWorkspaceStatus(s string) bool {
	switch s {
	case WorkspaceCreated, WorkspaceActive, WorkspaceProcessingTasks,
		WorkspaceNeedsIntervention, WorkspacePaused, WorkspaceCompleted:
		return true
	}
	return false
}

func validAgentStatus(s string) bool {
	switch s {
	case AgentAvailable, AgentActive, AgentBusy, AgentOffline:
		return true
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func utc(t time.Time) string {
	return t.UTC().Format(time.DateTime)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseNullTime(s sql.NullString) sql.NullTime {
	if !s.Valid || s.String == "" {
		return sql.NullTime{}
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func jsonMap(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
