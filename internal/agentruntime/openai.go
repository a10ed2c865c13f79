package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/store"
)

// OpenAI executes tasks through the OpenAI Chat Completions API. Tools from
// the registry are offered to the model when the task names them; a single
// tool round is followed up with a final completion.
type OpenAI struct {
	chat         llm.ChatClient
	defaultModel string
	tools        *Registry
	logger       *slog.Logger
}

// NewOpenAI builds a runtime over chat. tools may be nil.
func NewOpenAI(chat llm.ChatClient, defaultModel string, tools *Registry, logger *slog.Logger) (*OpenAI, error) {
	if chat == nil {
		return nil, fmt.Errorf("agentruntime: chat client is required")
	}
	if defaultModel == "" {
		return nil, fmt.Errorf("agentruntime: default model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		chat:         chat,
		defaultModel: defaultModel,
		tools:        tools,
		logger:       logger.With("component", "agentruntime"),
	}, nil
}

// Execute implements Runtime.
func (r *OpenAI) Execute(ctx context.Context, task *store.Task, agent *store.Agent) (*Result, error) {
	if task == nil || agent == nil {
		return nil, &Error{Kind: KindValidation, Message: "task and agent are required"}
	}
	model := agent.Model
	if model == "" {
		model = r.defaultModel
	}

	expected := expectedOutput(task)
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(agent)},
		{Role: openai.ChatMessageRoleUser, Content: taskPrompt(task, expected)},
	}

	request := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.4,
	}
	if expected.json {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	taskTools := r.taskTools(task)
	request.Tools = encodeTools(taskTools)

	resp, err := r.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, Classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindUnknown, Message: "empty completion response"}
	}

	usage := Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	choice := resp.Choices[0].Message

	// One tool round: invoke requested tools, then ask for the final answer.
	if len(choice.ToolCalls) > 0 {
		messages = append(messages, choice)
		for _, call := range choice.ToolCalls {
			messages = append(messages, r.invokeTool(ctx, call))
		}
		followup := openai.ChatCompletionRequest{Model: model, Messages: messages, Temperature: 0.4}
		if expected.json {
			followup.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
		resp, err = r.chat.CreateChatCompletion(ctx, followup)
		if err != nil {
			return nil, Classify(err)
		}
		if len(resp.Choices) == 0 {
			return nil, &Error{Kind: KindUnknown, Message: "empty completion response after tool round"}
		}
		usage.InputTokens += resp.Usage.PromptTokens
		usage.OutputTokens += resp.Usage.CompletionTokens
		choice = resp.Choices[0].Message
	}

	output := choice.Content
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = llm.EstimateTokens(taskPrompt(task, expected))
		usage.OutputTokens = llm.EstimateTokens(output)
		usage.Estimated = true
	}

	result := &Result{
		Output: output,
		Usage:  usage,
		Model:  resp.Model,
		AgentMeta: map[string]any{
			"agent_id":   agent.ID,
			"agent_name": agent.Name,
			"role":       agent.Role,
			"seniority":  agent.Seniority,
		},
	}
	if result.Model == "" {
		result.Model = model
	}

	if expected.json {
		var payload map[string]any
		if err := llm.ParseJSON(output, &payload); err != nil {
			return nil, &Error{Kind: KindValidation, Message: "agent response is not valid JSON"}
		}
		for _, field := range expected.required {
			if _, ok := payload[field]; !ok {
				return nil, validationError(field)
			}
		}
		result.Structured = payload
	}
	return result, nil
}

func (r *OpenAI) invokeTool(ctx context.Context, call openai.ToolCall) openai.ChatCompletionMessage {
	reply := func(content string) openai.ChatCompletionMessage {
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    content,
			ToolCallID: call.ID,
		}
	}
	if r.tools == nil {
		return reply(fmt.Sprintf("tool %s is not available", call.Function.Name))
	}
	var params map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
			return reply(fmt.Sprintf("invalid tool arguments: %v", err))
		}
	}
	out, err := r.tools.Invoke(ctx, call.Function.Name, params)
	if err != nil {
		r.logger.Warn("tool invocation failed", "tool", call.Function.Name, "error", err)
		return reply(fmt.Sprintf("tool failed: %v", err))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return reply(fmt.Sprintf("%v", out))
	}
	return reply(string(data))
}

// taskTools resolves the task's tools_needed list against the registry.
func (r *OpenAI) taskTools(task *store.Task) []Tool {
	if r.tools == nil {
		return nil
	}
	names, ok := task.ContextData["tools_needed"].([]any)
	if !ok {
		return nil
	}
	var out []Tool
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			continue
		}
		if t, found := r.tools.Get(name); found {
			out = append(out, t)
		}
	}
	return out
}

func encodeTools(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		params, err := json.Marshal(schema)
		if err != nil {
			continue
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out
}

type outputSpec struct {
	json     bool
	required []string
	format   string
}

// expectedOutput reads the task's expected_output contract from its context
// data. A JSON format, or any required field list, makes the answer
// structured.
func expectedOutput(task *store.Task) outputSpec {
	spec := outputSpec{}
	raw, ok := task.ContextData["expected_output"].(map[string]any)
	if !ok {
		return spec
	}
	if format, ok := raw["format"].(string); ok {
		spec.format = format
		spec.json = strings.EqualFold(format, "json")
	}
	if fields, ok := raw["required"].([]any); ok {
		for _, f := range fields {
			if s, ok := f.(string); ok && s != "" {
				spec.required = append(spec.required, s)
			}
		}
		if len(spec.required) > 0 {
			spec.json = true
		}
	}
	return spec
}

func systemPrompt(agent *store.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s %s on an autonomous delivery team.", agent.Name, agent.Seniority, agent.Role)
	if len(agent.Skills) > 0 {
		fmt.Fprintf(&b, " Your skills: %s.", strings.Join(agent.Skills, ", "))
	}
	b.WriteString(" Complete the assigned task and report concrete, verifiable results.")
	return b.String()
}

func taskPrompt(task *store.Task, expected outputSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.IsCorrective {
		b.WriteString("This is a corrective task addressing a goal shortfall; prioritise closing the gap.\n")
	}
	if memory, ok := task.ContextData["memory_context"].(string); ok && memory != "" {
		fmt.Fprintf(&b, "Relevant lessons from earlier attempts:\n%s\n", memory)
	}
	if criteria, ok := task.ContextData["success_criteria"].([]any); ok && len(criteria) > 0 {
		b.WriteString("Success criteria:\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %v\n", c)
		}
	}
	if expected.json {
		b.WriteString("Respond with a single JSON object")
		if len(expected.required) > 0 {
			fmt.Fprintf(&b, " containing at least the fields: %s", strings.Join(expected.required, ", "))
		}
		b.WriteString(". Include a \"summary\" field describing what was produced.\n")
	} else {
		b.WriteString("Respond with a concise summary of the work and its results.\n")
	}
	return b.String()
}
