package executor

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/agentruntime"
	"github.com/antigravity-dev/foreman/internal/config"
)

// CostEntry is the accounting for one model invocation.
type CostEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	TaskID       string    `json:"task_id"`
	WorkspaceID  string    `json:"workspace_id"`
	AgentID      string    `json:"agent_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	InputCost    float64   `json:"input_cost"`
	OutputCost   float64   `json:"output_cost"`
	TotalCost    float64   `json:"total_cost"`
}

// BudgetTracker keeps the in-process spend books: an append-only entry
// list per agent plus running per-agent and per-workspace totals. The
// health manager reads WorkspaceSpend to enforce budget caps.
type BudgetTracker struct {
	pricing func(model string) config.ModelPricing
	clock   clock.Clock

	mu       sync.Mutex
	byAgent  map[string][]CostEntry
	agentSum map[string]float64
	wsSum    map[string]float64
	total    float64
}

// NewBudgetTracker builds a tracker priced from the config tables. The
// clock may be nil.
func NewBudgetTracker(cfg *config.Config, clk clock.Clock) *BudgetTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &BudgetTracker{
		pricing:  cfg.PricingFor,
		clock:    clk,
		byAgent:  make(map[string][]CostEntry),
		agentSum: make(map[string]float64),
		wsSum:    make(map[string]float64),
	}
}

// Record books one usage report and returns the priced entry.
func (b *BudgetTracker) Record(agentID, workspaceID, taskID, model string, usage agentruntime.Usage) CostEntry {
	p := b.pricing(model)
	entry := CostEntry{
		Timestamp:    b.clock.Now().UTC(),
		TaskID:       taskID,
		WorkspaceID:  workspaceID,
		AgentID:      agentID,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		InputCost:    float64(usage.InputTokens) / 1000 * p.InputPer1K,
		OutputCost:   float64(usage.OutputTokens) / 1000 * p.OutputPer1K,
	}
	entry.TotalCost = entry.InputCost + entry.OutputCost

	b.mu.Lock()
	defer b.mu.Unlock()
	b.byAgent[agentID] = append(b.byAgent[agentID], entry)
	b.agentSum[agentID] += entry.TotalCost
	b.wsSum[workspaceID] += entry.TotalCost
	b.total += entry.TotalCost
	return entry
}

// AgentSpend is the total booked against one agent.
func (b *BudgetTracker) AgentSpend(agentID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agentSum[agentID]
}

// WorkspaceSpend is the total booked against one workspace.
func (b *BudgetTracker) WorkspaceSpend(workspaceID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wsSum[workspaceID]
}

// TotalSpend is the process-wide total.
func (b *BudgetTracker) TotalSpend() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// AgentEntries returns a copy of one agent's entry list, oldest first.
func (b *BudgetTracker) AgentEntries(agentID string) []CostEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.byAgent[agentID]
	out := make([]CostEntry, len(entries))
	copy(out, entries)
	return out
}
