package monitor

import (
	"time"

	"github.com/antigravity-dev/foreman/internal/store"
)

// Validating a goal costs an LLM measurement pass, so goals with nothing
// new to measure are filtered out first. Skip reasons surface as metric
// tags on goal_validation_skipped.
const (
	skipValidatedRecently = "validated_recently"
	skipNothingChanged    = "nothing_changed"
	skipNoCompletedTasks  = "no_completed_tasks"
)

// minValidationGap is the floor between two validations of the same goal.
// Rechecks arrive a few minutes after task creation; anything tighter is
// re-measuring the same state.
const minValidationGap = 2 * time.Minute

// shouldValidate decides whether a goal is worth a measurement pass,
// returning the skip reason when not. latestUpdate is the newest task
// update in the goal's workspace.
func (m *Monitor) shouldValidate(g *store.Goal, latestUpdate time.Time) (bool, string) {
	if !g.LastValidationAt.Valid {
		return true, ""
	}
	last := g.LastValidationAt.Time

	if m.clock.Now().Sub(last) < minValidationGap {
		return false, skipValidatedRecently
	}
	if seen, ok := m.cache.Get(g.ID); ok && !latestUpdate.After(seen) {
		return false, skipNothingChanged
	}
	done, err := m.store.CountCompletedSince(g.WorkspaceID, last)
	if err != nil {
		m.logger.Warn("completed-since lookup failed", "goal_id", g.ID, "error", err)
		return true, ""
	}
	if done == 0 {
		return false, skipNoCompletedTasks
	}
	return true, ""
}
