// Package services assembles the orchestrator's component graph from
// explicit dependencies. Nothing in the module holds package-level state;
// cmd/foreman (and tests) construct exactly one Services value and pass it
// around.
package services

import (
	"errors"
	"log/slog"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/agentruntime"
	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/deliverable"
	"github.com/antigravity-dev/foreman/internal/executor"
	"github.com/antigravity-dev/foreman/internal/health"
	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/monitor"
	"github.com/antigravity-dev/foreman/internal/planner"
	"github.com/antigravity-dev/foreman/internal/recovery"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
	"github.com/antigravity-dev/foreman/internal/thinking"
	"github.com/antigravity-dev/foreman/internal/validator"
)

// Options carries the externally owned dependencies of the graph. Config,
// Store, and Runtime are required. Completer is optional: components that
// take one fall back to deterministic behaviour without it. Clock and
// Logger default to the wall clock and slog.Default.
type Options struct {
	Config    *config.Config
	Store     *store.Store
	Runtime   agentruntime.Runtime
	Completer llm.Completer
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Services is the wired component graph. The caller owns the Store's
// lifecycle; Close releases everything Build created.
type Services struct {
	Store       *store.Store
	Hub         *telemetry.Hub
	Budget      *executor.BudgetTracker
	Health      *health.Manager
	Thinking    *thinking.Recorder
	Recovery    *recovery.Analyzer
	Validator   *validator.Validator
	Deliverable *deliverable.Engine
	Planner     *planner.Planner
	Executor    *executor.Executor
	Monitor     *monitor.Monitor
}

// Build wires the graph in dependency order. The hub persists alert rows
// through the store; the deliverable engine doubles as the executor's
// completion hook and the planner's requirement source; the validator calls
// back into the planner for corrective tasks; completed goal-linked tasks
// poke the monitor for an early validation pass.
func Build(opts Options) (*Services, error) {
	if opts.Config == nil {
		return nil, errors.New("services: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("services: store is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("services: agent runtime is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	st := opts.Store
	model := cfg.AI.EnhancementModel

	hub := telemetry.NewHub(logger, clk, st)
	budget := executor.NewBudgetTracker(cfg, clk)
	hm := health.New(st, hub, budget, cfg, clk, logger)
	think := thinking.New(st, hub, opts.Completer, model, clk, logger)
	rec := recovery.New(st, hub, opts.Completer, cfg.Recovery, model, clk, logger)
	val := validator.New(st, hub, clk, logger)
	deliv := deliverable.New(st, hub, opts.Completer, cfg, clk, logger)
	plan := planner.New(st, hub, opts.Completer, deliv, cfg, clk, logger)
	val.SetCorrectivePlanner(plan)

	exec := executor.New(st, hub, opts.Runtime, think, rec, hm, deliv, budget, cfg, clk, logger)
	mon := monitor.New(st, hub, hm, val, plan, deliv, exec, cfg, clk, logger)
	exec.SetReconciler(mon)

	return &Services{
		Store:       st,
		Hub:         hub,
		Budget:      budget,
		Health:      hm,
		Thinking:    think,
		Recovery:    rec,
		Validator:   val,
		Deliverable: deliv,
		Planner:     plan,
		Executor:    exec,
		Monitor:     mon,
	}, nil
}

// Close shuts the telemetry hub down. The store stays open; its owner
// closes it.
func (s *Services) Close() {
	s.Hub.Close()
}
