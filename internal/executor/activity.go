package executor

import (
	"sync"
	"time"
)

// Activity event names kept in the ring.
const (
	ActivityTaskStarted        = "task_started"
	ActivityTaskCompleted      = "task_completed"
	ActivityTaskFailed         = "task_failed"
	ActivityInitialTaskCreated = "initial_task_created"
	ActivityAutoTaskGenerated  = "auto_task_generated"
	ActivityHandoffRequested   = "handoff_requested"
)

// ActivityEntry is one executor observation.
type ActivityEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Event       string    `json:"event"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	WorkspaceID string    `json:"workspace_id"`
	Summary     string    `json:"summary,omitempty"`
}

// ActivityRing is a fixed-size overwrite-oldest buffer of executor
// activity, for operator queries that should not hit the event log.
type ActivityRing struct {
	mu   sync.Mutex
	buf  []ActivityEntry
	next int
	full bool
}

// NewActivityRing sizes the ring; non-positive sizes get a sane default.
func NewActivityRing(size int) *ActivityRing {
	if size <= 0 {
		size = 256
	}
	return &ActivityRing{buf: make([]ActivityEntry, size)}
}

// Record appends an entry, overwriting the oldest once full.
func (r *ActivityRing) Record(e ActivityEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Recent returns entries newest first, optionally filtered by workspace.
// A non-positive limit defaults to 50.
func (r *ActivityRing) Recent(workspaceID string, limit int) []ActivityEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	count := r.next
	if r.full {
		count = len(r.buf)
	}
	out := make([]ActivityEntry, 0, limit)
	for i := 1; i <= count && len(out) < limit; i++ {
		e := r.buf[(r.next-i+len(r.buf))%len(r.buf)]
		if workspaceID != "" && e.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, e)
	}
	return out
}
