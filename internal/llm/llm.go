// Package llm provides the chat-completion port used by planning, recovery,
// thinking and deliverable components, backed by the OpenAI API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoCompleter signals that no LLM is configured; callers fall back to
// deterministic behaviour.
var ErrNoCompleter = errors.New("llm: no completer configured")

// Request is a single-turn completion request.
type Request struct {
	Model       string // empty means the adapter default
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
	ForceJSON   bool // ask the provider for a JSON object response
}

// Response carries the completion text plus token accounting.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Completer produces one chat completion per call. Implementations must be
// safe for concurrent use.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// OpenAI implements Completer via the OpenAI Chat Completions API.
type OpenAI struct {
	chat  ChatClient
	model string
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// New builds an OpenAI-backed completer from the provided options.
func New(opts Options) (*OpenAI, error) {
	if opts.Client == nil {
		return nil, errors.New("llm: openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("llm: default model is required")
	}
	return &OpenAI{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a completer using the default go-openai HTTP
// client. baseURL overrides the API endpoint when non-empty.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{Client: openai.NewClientWithConfig(cfg), DefaultModel: defaultModel})
}

// Complete implements Completer.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("llm: prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ForceJSON {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llm: empty completion response")
	}
	out := &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if out.Model == "" {
		out.Model = modelID
	}
	return out, nil
}

// ParseJSON decodes a model answer into v, tolerating markdown code fences
// and prose around the JSON document.
func ParseJSON(text string, v any) error {
	cleaned := StripFences(text)
	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}
	// Fall back to the outermost JSON object or array in the text.
	if extracted, ok := extractJSON(cleaned); ok {
		return json.Unmarshal([]byte(extracted), v)
	}
	return fmt.Errorf("llm: no JSON document in response")
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:] // drop the language tag line
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func extractJSON(text string) (string, bool) {
	for _, pair := range [][2]rune{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexRune(text, pair[0])
		end := strings.LastIndex(text, string(pair[1]))
		if start >= 0 && end > start {
			return text[start : end+1], true
		}
	}
	return "", false
}

// EstimateTokens approximates the token count of text. The heuristic of one
// token per four characters matches what providers report closely enough
// for budget accounting when exact usage is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
