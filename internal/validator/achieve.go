package validator

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/antigravity-dev/foreman/internal/store"
)

// Achievement is one measured unit of progress pulled from a completed
// task's result payload.
type Achievement struct {
	Type           string
	Value          float64
	FromStructured bool
	KeyMatched     bool
	TaskID         string
}

// Structured result keys mapped to requirement types. Keys are checked on
// the task's structured payload first, then on the top-level result map.
var structuredCountKeys = map[string]string{
	"contacts":         TypeContacts,
	"leads":            TypeContacts,
	"prospects":        TypeContacts,
	"email_sequences":  TypeEmailSequences,
	"sequences":        TypeEmailSequences,
	"content_calendar": TypeContent,
	"posts":            TypeContent,
	"articles":         TypeContent,
	"templates":        TypeContent,
	"deliverables":     TypeDeliverables,
	"documents":        TypeDeliverables,
	"revenue":          TypeFinancial,
}

var (
	achievementTextPattern = regexp.MustCompile(`(?i)\b(?:generated|created|collected|produced|delivered|wrote|completed|built|published|gathered)\s+(\d[\d,]*)\s+((?:[a-z][\w'-]*)(?:\s+[a-z][\w'-]*){0,2})`)
	qualityTextPattern     = regexp.MustCompile(`(?i)\bquality(?:\s+score)?\s*(?:of|:|=|at)?\s*(\d+(?:\.\d+)?)\s*%?`)
	percentTextPattern     = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%`)
)

// ExtractAchievements scans completed tasks for evidence of progress.
// Structured payloads win over text: when a known key is present the
// textual summary of that task is still scanned, but structured values
// carry the KeyMatched flag that boosts validation confidence.
func ExtractAchievements(tasks []store.Task) []Achievement {
	var out []Achievement
	for i := range tasks {
		t := &tasks[i]
		if t.Result == nil {
			continue
		}
		if structured, ok := t.Result["structured"].(map[string]any); ok {
			out = append(out, structuredAchievements(structured, t.ID)...)
		} else {
			out = append(out, structuredAchievements(t.Result, t.ID)...)
		}
		out = append(out, textAchievements(resultText(t.Result), t.ID)...)
	}
	return out
}

func structuredAchievements(payload map[string]any, taskID string) []Achievement {
	var out []Achievement
	for key, raw := range payload {
		k := strings.ToLower(key)
		if typ, ok := structuredCountKeys[k]; ok {
			if v, ok := countValue(raw); ok {
				out = append(out, Achievement{
					Type: typ, Value: v,
					FromStructured: true, KeyMatched: true, TaskID: taskID,
				})
			}
			continue
		}
		if k == "quality_score" {
			if v, ok := numericValue(raw); ok {
				if v <= 1 {
					v *= 100
				}
				out = append(out, Achievement{
					Type: TypePercentage, Value: v,
					FromStructured: true, KeyMatched: true, TaskID: taskID,
				})
			}
			continue
		}
		if name, found := strings.CutSuffix(k, "_count"); found {
			if v, ok := numericValue(raw); ok {
				typ, _ := classify(name, "")
				out = append(out, Achievement{
					Type: typ, Value: v,
					FromStructured: true, TaskID: taskID,
				})
			}
		}
	}
	return out
}

// countValue turns a payload value into a count: collections count their
// elements, numbers pass through.
func countValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case []any:
		return float64(len(v)), true
	case map[string]any:
		return float64(len(v)), true
	default:
		return numericValue(raw)
	}
}

func numericValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		return parseNumber(strings.TrimSpace(v))
	}
	return 0, false
}

func textAchievements(text, taskID string) []Achievement {
	if text == "" {
		return nil
	}
	var out []Achievement
	for _, m := range achievementTextPattern.FindAllStringSubmatch(text, -1) {
		v, ok := parseNumber(m[1])
		if !ok {
			continue
		}
		unit := trimUnitPhrase(m[2])
		if unit == "" {
			continue
		}
		typ, _ := classify(unit, "")
		out = append(out, Achievement{Type: typ, Value: v, TaskID: taskID})
	}
	if m := qualityTextPattern.FindStringSubmatch(text); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			if v <= 1 {
				v *= 100
			}
			out = append(out, Achievement{Type: TypePercentage, Value: v, TaskID: taskID})
		}
	} else if m := percentTextPattern.FindStringSubmatch(text); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			out = append(out, Achievement{Type: TypePercentage, Value: v, TaskID: taskID})
		}
	}
	return out
}

func resultText(result map[string]any) string {
	var parts []string
	for _, key := range []string{"output", "summary"} {
		if s, ok := result[key].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// AggregateForType folds achievements into a single actual value for a
// metric type: counts sum across tasks, percentages take the best
// observation.
func AggregateForType(achievements []Achievement, metricType string) (actual float64, structured, keyMatched bool) {
	for _, a := range achievements {
		if a.Type != metricType {
			continue
		}
		if metricType == TypePercentage {
			if a.Value > actual {
				actual = a.Value
			}
		} else {
			actual += a.Value
		}
		structured = structured || a.FromStructured
		keyMatched = keyMatched || (a.FromStructured && a.KeyMatched)
	}
	return actual, structured, keyMatched
}
