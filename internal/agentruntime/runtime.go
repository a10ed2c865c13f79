// Package agentruntime executes orchestrated tasks against LLM-backed
// agents and maps provider failures onto the error taxonomy the recovery
// analyser understands.
package agentruntime

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/antigravity-dev/foreman/internal/store"
)

// Error kinds, matched by recovery patterns.
const (
	KindValidation = "validation"
	KindTimeout    = "timeout"
	KindRateLimit  = "rate_limit"
	KindConnection = "connection"
	KindUnknown    = "unknown"
)

// Error is a typed execution failure. Message carries the provider or
// validation detail; FieldPath names the offending field for validation
// failures.
type Error struct {
	Kind      string
	Message   string
	FieldPath string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agentruntime: %s: %s", e.Kind, e.Message)
}

// Usage is the token accounting for one execution. Estimated is set when
// the provider did not report usage and the counts are heuristic.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Estimated    bool
}

// Result is a successful execution outcome.
type Result struct {
	Output     string
	Structured map[string]any // payload parsed from a JSON answer, nil for free text
	Usage      Usage
	Model      string
	AgentMeta  map[string]any
}

// Runtime executes one task as one agent. Implementations must respect
// context cancellation and deadlines.
type Runtime interface {
	Execute(ctx context.Context, task *store.Task, agent *store.Agent) (*Result, error)
}

// validationError renders a missing required field the way agent response
// validators report it, so downstream pattern matching can recognise it.
func validationError(field string) *Error {
	return &Error{
		Kind:      KindValidation,
		FieldPath: field,
		Message: fmt.Sprintf("1 validation error for TaskOutput\n%s\n  field required (type=value_error.missing)",
			field),
	}
}

// Classify maps an arbitrary execution error to a typed *Error. Typed
// errors pass through untouched.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return &Error{Kind: KindRateLimit, Message: apiErr.Message}
		case apiErr.HTTPStatusCode >= 500:
			return &Error{Kind: KindConnection, Message: apiErr.Message}
		case apiErr.HTTPStatusCode == 400:
			return &Error{Kind: KindValidation, Message: apiErr.Message}
		default:
			return &Error{Kind: KindUnknown, Message: apiErr.Message}
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: KindConnection, Message: reqErr.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Message: netErr.Error()}
		}
		return &Error{Kind: KindConnection, Message: netErr.Error()}
	}
	return &Error{Kind: KindUnknown, Message: err.Error()}
}
