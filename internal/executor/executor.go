// Package executor runs the task worker pool: a bounded queue feeding a
// fixed number of workers, a control loop that keeps the queue fed from
// the store, and the in-process budget and activity books. All durable
// state transitions go through store CAS operations, so a task is executed
// by exactly one worker even when several paths try to queue it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/agentruntime"
	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/health"
	"github.com/antigravity-dev/foreman/internal/recovery"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
	"github.com/antigravity-dev/foreman/internal/thinking"
)

// ErrQueueFull is returned by Enqueue when the bounded queue has no room.
// The task is flipped back to pending so a later pass picks it up.
var ErrQueueFull = errors.New("executor: queue full")

const (
	sentinelSendTimeout = 2 * time.Second
	drainJoinTimeout    = 30 * time.Second
	bootstrapRole       = "project_manager"
)

// CompletionHook receives every successfully completed task, result
// attached. The deliverable engine implements it.
type CompletionHook interface {
	HandleTaskCompletion(ctx context.Context, task *store.Task)
}

// Reconciler is poked after completions that touched a goal so progress is
// measured without waiting for the next monitor cycle.
type Reconciler interface {
	ValidateNow(ctx context.Context, workspaceID string) error
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Running    bool    `json:"running"`
	Paused     bool    `json:"paused"`
	Workers    int     `json:"workers"`
	QueueDepth int     `json:"queue_depth"`
	QueueCap   int     `json:"queue_cap"`
	Active     int     `json:"active"`
	Completed  int64   `json:"completed"`
	Failed     int64   `json:"failed"`
	TotalCost  float64 `json:"total_cost"`
}

// TriggerResult is the envelope returned by TriggerInitial.
type TriggerResult struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor owns the worker pool and its queue.
type Executor struct {
	store       *store.Store
	telemetry   telemetry.Telemetry
	runtime     agentruntime.Runtime
	thinking    *thinking.Recorder
	recovery    *recovery.Analyzer
	health      *health.Manager
	hook        CompletionHook
	budget      *BudgetTracker
	activity    *ActivityRing
	cfg         config.Executor
	roles       map[string]config.RoleProfile
	maxAttempts int
	clock       clock.Clock
	logger      *slog.Logger

	queue   chan *store.Task
	workers int

	mu         sync.Mutex
	running    bool
	paused     bool
	resumeGate chan struct{}
	cancel     context.CancelFunc
	active     int
	completed  int64
	failed     int64
	retries    map[string]int64 // task id -> recovery attempt awaiting an outcome
	reconciler Reconciler

	wg sync.WaitGroup
}

// New wires an executor. Thinking, recovery, health, hook, telemetry,
// clock, and logger may be nil; store, runtime, and budget are required.
func New(s *store.Store, tel telemetry.Telemetry, rt agentruntime.Runtime, think *thinking.Recorder, rec *recovery.Analyzer, h *health.Manager, hook CompletionHook, budget *BudgetTracker, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Executor {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Executor.MaxConcurrentTasks
	if workers <= 0 {
		workers = 3
	}
	maxAttempts := cfg.Recovery.MaxAttemptsPerTask
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Executor{
		store:       s,
		telemetry:   tel,
		runtime:     rt,
		thinking:    think,
		recovery:    rec,
		health:      h,
		hook:        hook,
		budget:      budget,
		activity:    NewActivityRing(0),
		cfg:         cfg.Executor,
		roles:       cfg.Roles,
		maxAttempts: maxAttempts,
		clock:       clk,
		logger:      logger.With("component", "executor"),
		queue:       make(chan *store.Task, 10*workers),
		workers:     workers,
		resumeGate:  closedGate(),
		retries:     make(map[string]int64),
	}
}

// SetReconciler wires the goal monitor in after construction; the monitor
// is built later because it consumes the executor as its enqueuer.
func (e *Executor) SetReconciler(r Reconciler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconciler = r
}

// Start resets queued leftovers from a previous process, then launches the
// workers and the control loop. Idempotent while running.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.paused = false
	e.resumeGate = closedGate()
	ctrlCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	if n, err := e.store.ResetQueuedTasks(); err != nil {
		e.logger.Warn("queued task reset failed", "error", err)
	} else if n > 0 {
		e.logger.Info("reset queued tasks from previous run", "tasks", n)
	}
	e.sweepSentinels()

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.wg.Add(1)
	go e.controlLoop(ctrlCtx)
	e.logger.Info("executor started", "workers", e.workers, "queue_cap", cap(e.queue))
}

// Stop drains gracefully: the control loop halts, each worker gets a
// sentinel and finishes its current task first. The join is bounded.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.paused {
		e.paused = false
		close(e.resumeGate)
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	for i := 0; i < e.workers; i++ {
		select {
		case e.queue <- nil:
		case <-e.clock.After(sentinelSendTimeout):
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("executor stopped")
	case <-e.clock.After(drainJoinTimeout):
		e.logger.Warn("executor stop timed out with workers still draining")
	}
}

// Pause keeps workers from picking up new tasks; in-flight tasks finish.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused || !e.running {
		return
	}
	e.paused = true
	e.resumeGate = make(chan struct{})
	e.logger.Info("executor paused")
}

// Resume reopens the gate.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return
	}
	e.paused = false
	close(e.resumeGate)
	e.logger.Info("executor resumed")
}

// Enqueue claims a pending task for the queue. The queued transition
// happens first so two callers cannot race the same task; when the queue
// is full the claim is released and ErrQueueFull returned.
func (e *Executor) Enqueue(task *store.Task) error {
	if task == nil {
		return errors.New("executor: nil task")
	}
	if err := e.store.CASTaskStatus(task.ID, store.TaskPending, store.TaskQueued); err != nil {
		return err
	}
	select {
	case e.queue <- task:
		return nil
	default:
	}
	if err := e.store.CASTaskStatus(task.ID, store.TaskQueued, store.TaskPending); err != nil {
		e.logger.Warn("queued claim release failed", "task_id", task.ID, "error", err)
	}
	return ErrQueueFull
}

// Stats snapshots the pool counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Running:    e.running,
		Paused:     e.paused,
		Workers:    e.workers,
		QueueDepth: len(e.queue),
		QueueCap:   cap(e.queue),
		Active:     e.active,
		Completed:  e.completed,
		Failed:     e.failed,
	}
	if e.budget != nil {
		s.TotalCost = e.budget.TotalSpend()
	}
	return s
}

// RecentActivity returns ring entries newest first, optionally scoped to a
// workspace.
func (e *Executor) RecentActivity(workspaceID string, limit int) []ActivityEntry {
	return e.activity.Recent(workspaceID, limit)
}

// Budget exposes the spend books.
func (e *Executor) Budget() *BudgetTracker {
	return e.budget
}

// TriggerInitial force-creates the bootstrap task for a workspace without
// waiting for the control loop pass.
func (e *Executor) TriggerInitial(ctx context.Context, workspaceID string) TriggerResult {
	ws, err := e.store.GetWorkspace(workspaceID)
	if err != nil {
		return TriggerResult{Error: fmt.Sprintf("workspace lookup: %v", err)}
	}
	task, agent, err := e.createInitialTask(ws)
	if err != nil {
		return TriggerResult{Error: err.Error()}
	}
	if task == nil {
		return TriggerResult{Error: "workspace already has tasks"}
	}
	if err := e.Enqueue(task); err != nil && !errors.Is(err, store.ErrConflict) {
		e.logger.Warn("bootstrap enqueue failed", "task_id", task.ID, "error", err)
	}
	return TriggerResult{Success: true, TaskID: task.ID, AgentID: agent.ID}
}

func closedGate() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// sweepSentinels drops nil markers left in the queue by a previous stop,
// keeping real tasks in order.
func (e *Executor) sweepSentinels() {
	var keep []*store.Task
	for {
		select {
		case t := <-e.queue:
			if t != nil {
				keep = append(keep, t)
			}
		default:
			for _, t := range keep {
				select {
				case e.queue <- t:
				default:
				}
			}
			return
		}
	}
}

func (e *Executor) gate() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeGate
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	log := e.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.queue:
			if task == nil {
				log.Debug("worker draining on sentinel")
				return
			}
			// Honour pause before starting; the claim is held, not run.
			select {
			case <-ctx.Done():
				e.releaseClaim(task, log)
				return
			case <-e.gate():
			}
			e.runTask(ctx, task, log)
		}
	}
}

func (e *Executor) releaseClaim(task *store.Task, log *slog.Logger) {
	if err := e.store.CASTaskStatus(task.ID, store.TaskQueued, store.TaskPending); err != nil {
		log.Debug("claim release failed", "task_id", task.ID, "error", err)
	}
}

// controlLoop keeps the pool fed between monitor cycles: it bootstraps
// idle active workspaces and enqueues whatever became runnable.
func (e *Executor) controlLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.PollInterval.Duration
	if interval <= 0 {
		interval = 10 * time.Second
	}
	e.controlPass(ctx)
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.controlPass(ctx)
		}
	}
}

func (e *Executor) controlPass(ctx context.Context) {
	e.bootstrapIdleWorkspaces(ctx)
	e.fillQueue()
	e.telemetry.EmitMetric("executor_queue_depth", float64(len(e.queue)), nil)
}

func (e *Executor) bootstrapIdleWorkspaces(ctx context.Context) {
	workspaces, err := e.store.ListWorkspacesByStatus(store.WorkspaceActive)
	if err != nil {
		e.logger.Warn("active workspace scan failed", "error", err)
		return
	}
	for i := range workspaces {
		if ctx.Err() != nil {
			return
		}
		ws := &workspaces[i]
		if !ws.TeamApproved {
			continue
		}
		counts, err := e.store.CountTasksByStatus(ws.ID)
		if err != nil {
			e.logger.Warn("task count failed", "workspace_id", ws.ID, "error", err)
			continue
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		if total > 0 {
			continue
		}
		if _, _, err := e.createInitialTask(ws); err != nil {
			e.logger.Warn("bootstrap task failed", "workspace_id", ws.ID, "error", err)
		}
	}
}

// createInitialTask gives an empty workspace its first assignment: a
// planning-and-delegation task for a project-manager-role agent. The
// deterministic idempotency key makes re-creation a no-op across
// restarts. Returns (nil, nil, nil) when there is nothing to do.
func (e *Executor) createInitialTask(ws *store.Workspace) (*store.Task, *store.Agent, error) {
	tasks, err := e.store.ListTasks(ws.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: list tasks: %w", err)
	}
	if len(tasks) > 0 {
		return nil, nil, nil
	}

	agent, err := e.bootstrapAgent(ws.ID)
	if err != nil {
		return nil, nil, err
	}

	profile := e.roles[bootstrapRole]
	task := &store.Task{
		WorkspaceID: ws.ID,
		AgentID:     agent.ID,
		AgentRole:   bootstrapRole,
		Name:        "Plan initial workspace tasks",
		Description: fmt.Sprintf("Review the workspace goal %q, break it into concrete tasks, and delegate them across the team.", ws.Goal),
		Priority:    store.PriorityHigh,
		ContextData: map[string]any{
			"bootstrap":                true,
			"workspace_goal":           ws.Goal,
			"estimated_duration_hours": 0.5,
			"required_skills":          profile.Skills,
		},
		IdempotencyKey: "bootstrap-" + ws.ID,
	}
	if err := e.store.CreateTask(task); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("executor: create bootstrap task: %w", err)
	}

	if err := e.store.LogEvent(ActivityInitialTaskCreated, ws.ID, task.ID, telemetry.SeverityInfo, map[string]any{
		"agent_id": agent.ID,
	}); err != nil {
		e.logger.Warn("event log failed", "task_id", task.ID, "error", err)
	}
	e.activity.Record(ActivityEntry{
		Timestamp:   e.clock.Now().UTC(),
		Event:       ActivityInitialTaskCreated,
		TaskID:      task.ID,
		AgentID:     agent.ID,
		WorkspaceID: ws.ID,
		Summary:     task.Name,
	})
	e.logger.Info("bootstrap task created", "workspace_id", ws.ID, "task_id", task.ID, "agent_id", agent.ID)
	return task, agent, nil
}

func (e *Executor) bootstrapAgent(workspaceID string) (*store.Agent, error) {
	now := e.clock.Now()
	agents, err := e.store.AgentsByRole(workspaceID, bootstrapRole, now)
	if err != nil {
		return nil, fmt.Errorf("executor: agents by role: %w", err)
	}
	if len(agents) == 0 {
		agents, err = e.store.AvailableAgents(workspaceID, now)
		if err != nil {
			return nil, fmt.Errorf("executor: available agents: %w", err)
		}
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("executor: no available agent in workspace %s", workspaceID)
	}
	return &agents[0], nil
}

func (e *Executor) fillQueue() {
	ids, err := e.store.WorkspaceIDsWithPendingTasks()
	if err != nil {
		e.logger.Warn("pending workspace scan failed", "error", err)
		return
	}
	for _, workspaceID := range ids {
		room := cap(e.queue) - len(e.queue)
		if room <= 0 {
			return
		}
		ready, err := e.store.ReadyTasks(workspaceID, room)
		if err != nil {
			e.logger.Warn("ready task fetch failed", "workspace_id", workspaceID, "error", err)
			continue
		}
		for i := range ready {
			err := e.Enqueue(&ready[i])
			switch {
			case err == nil:
			case errors.Is(err, store.ErrConflict):
			default:
				return
			}
		}
	}
}
