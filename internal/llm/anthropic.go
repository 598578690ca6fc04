package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxTokensDefault bounds a Messages.New call when the caller (the Agent
// Loop) does not need a larger completion — the loop's answers are short
// summaries, not long-form generation.
const maxTokensDefault = 4096

// AnthropicAdapter implements Adapter over the Anthropic Messages API.
type AnthropicAdapter struct {
	client sdk.Client
	model  string
}

// NewAnthropic builds an adapter against apiKey/baseURL (baseURL empty
// means the public Anthropic API).
func NewAnthropic(apiKey, baseURL, model string) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicAdapter{client: sdk.NewClient(opts...), model: model}
}

func (a *AnthropicAdapter) Complete(ctx context.Context, messages []Message, tools []ToolDecl) (Action, error) {
	conversation, system, err := encodeAnthropicMessages(messages)
	if err != nil {
		return Action{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: maxTokensDefault,
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = encodeAnthropicTools(tools)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Action{}, classifyAnthropicError(err)
	}

	usage := Usage{InputTokens: int(msg.Usage.InputTokens), OutputTokens: int(msg.Usage.OutputTokens)}

	var answer string
	var calls []ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			answer += block.Text
		case "tool_use":
			payload, _ := json.Marshal(block.Input)
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Args: payload})
		}
	}

	if len(calls) > 0 {
		return Action{ToolCalls: calls, Usage: usage}, nil
	}
	return Action{Terminal: true, Answer: answer, Usage: usage}, nil
}

func encodeAnthropicMessages(messages []Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var conversation []sdk.MessageParam
	var system []sdk.TextBlockParam

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				_ = json.Unmarshal(tc.Args, &input)
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case RoleTool:
			block := sdk.NewToolResultBlock(m.ToolCallID, string(m.ToolResult), false)
			conversation = append(conversation, sdk.NewUserMessage(block))
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeAnthropicTools(tools []ToolDecl) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Schema, &schema)
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, t.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

// classifyAnthropicError mirrors classifyOpenAIError's three-way split for
// the Anthropic Messages API.
func classifyAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return &RateLimitedError{Err: err}
		case apiErr.StatusCode >= 500:
			return &RetryableError{Err: fmt.Errorf("anthropic messages.new: %w", err)}
		default:
			return fmt.Errorf("anthropic messages.new: %w", err)
		}
	}
	return &RetryableError{Err: fmt.Errorf("anthropic messages.new: %w", err)}
}
