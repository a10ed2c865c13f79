package agentruntime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antigravity-dev/foreman/internal/store"
)

// Simulated acknowledges tasks without calling a provider. It backs the
// daemon's dry-run mode: planning, execution bookkeeping, and validation
// all run end to end while costing nothing and touching nothing external.
type Simulated struct {
	logger *slog.Logger
}

func NewSimulated(logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{logger: logger.With("component", "agentruntime")}
}

// Execute implements Runtime.
func (r *Simulated) Execute(ctx context.Context, task *store.Task, agent *store.Agent) (*Result, error) {
	if task == nil || agent == nil {
		return nil, &Error{Kind: KindValidation, Message: "task and agent are required"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.logger.Info("dry run, provider call skipped", "task_id", task.ID, "agent_id", agent.ID)
	return &Result{
		Output: fmt.Sprintf("dry run: %s acknowledged without execution", strings.TrimSpace(task.Name)),
		Usage:  Usage{Estimated: true},
		Model:  "dry-run",
	}, nil
}
