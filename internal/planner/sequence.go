package planner

import (
	"sort"

	"github.com/antigravity-dev/foreman/internal/store"
)

// scoredDraft couples a generated draft with its priority score and the
// stamping persistDrafts needs.
type scoredDraft struct {
	taskDraft
	score         float64
	requirementID string
	agentID       string
	agentRole     string
	contextData   map[string]any
}

var typeWeights = map[string]float64{
	TaskTypeIntegration: 3.5,
	TaskTypeCreation:    3.0,
	TaskTypeAnalysis:    2.5,
	TaskTypeValidation:  2.0,
	TaskTypeResearch:    2.0,
}

func basePriority(priority string) float64 {
	switch priority {
	case store.PriorityHigh:
		return 3
	case store.PriorityMedium:
		return 2
	default:
		return 1
	}
}

// draftScore ranks drafts for ordering and for the per-cycle cut. Urgency
// rises as the goal falls behind: under 30% progress adds 2, under 70%
// adds 1. Independent tasks get a small boost so work can start at once.
func draftScore(d taskDraft, goalProgress, businessValue float64) float64 {
	score := basePriority(d.Priority)
	switch {
	case goalProgress < 30:
		score += 2
	case goalProgress < 70:
		score += 1
	}
	score += businessValue
	score += typeWeights[d.TaskType]
	if len(d.Dependencies) == 0 {
		score += 1.0
	}
	return score
}

// sequenceDrafts orders drafts so dependencies come before dependents,
// breaking ties by score (descending) then name. Duplicate names keep the
// first occurrence. Dependency cycles cannot be ordered; the remainder is
// appended in score order so no work is dropped.
func sequenceDrafts(drafts []scoredDraft) []scoredDraft {
	byName := make(map[string]int, len(drafts))
	var uniq []scoredDraft
	for _, d := range drafts {
		if _, dup := byName[d.Name]; dup {
			continue
		}
		byName[d.Name] = len(uniq)
		uniq = append(uniq, d)
	}

	indegree := make([]int, len(uniq))
	dependents := make([][]int, len(uniq))
	for i, d := range uniq {
		for _, dep := range d.Dependencies {
			j, ok := byName[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	less := func(a, b int) bool {
		if uniq[a].score != uniq[b].score {
			return uniq[a].score > uniq[b].score
		}
		return uniq[a].Name < uniq[b].Name
	}

	var ready []int
	for i := range uniq {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]scoredDraft, 0, len(uniq))
	placed := make([]bool, len(uniq))
	for len(ready) > 0 {
		sort.Slice(ready, func(x, y int) bool { return less(ready[x], ready[y]) })
		i := ready[0]
		ready = ready[1:]
		placed[i] = true
		ordered = append(ordered, uniq[i])
		for _, j := range dependents[i] {
			if indegree[j]--; indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}

	if len(ordered) < len(uniq) {
		var rest []int
		for i := range uniq {
			if !placed[i] {
				rest = append(rest, i)
			}
		}
		sort.Slice(rest, func(x, y int) bool { return less(rest[x], rest[y]) })
		for _, i := range rest {
			ordered = append(ordered, uniq[i])
		}
	}
	return ordered
}
