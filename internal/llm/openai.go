package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIAdapter implements Adapter over an OpenAI-compatible chat
// completion API (the same shape Azure OpenAI and most self-hosted
// gateways expose).
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

// NewOpenAI builds an adapter against apiKey/baseURL (baseURL empty means
// the public OpenAI API).
func NewOpenAI(apiKey, baseURL, model string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{client: openai.NewClient(opts...), model: model}
}

func (a *OpenAIAdapter) Complete(ctx context.Context, messages []Message, tools []ToolDecl) (Action, error) {
	params := openai.ChatCompletionNewParams{
		Model:    a.model,
		Messages: encodeOpenAIMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = encodeOpenAITools(tools)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Action{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Action{}, errors.New("openai: response had no choices")
	}

	choice := resp.Choices[0]
	usage := Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}

	if len(choice.Message.ToolCalls) > 0 {
		calls := make([]ToolCall, len(choice.Message.ToolCalls))
		for i, tc := range choice.Message.ToolCalls {
			calls[i] = ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: json.RawMessage(tc.Function.Arguments),
			}
		}
		return Action{ToolCalls: calls, Usage: usage}, nil
	}

	return Action{Terminal: true, Answer: choice.Message.Content, Usage: usage}, nil
}

func encodeOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				}
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			out = append(out, openai.ToolMessage(string(m.ToolResult), m.ToolCallID))
		}
	}
	return out
}

func encodeOpenAITools(tools []ToolDecl) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Schema, &params)
		out[i] = openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  params,
		})
	}
	return out
}

// classifyOpenAIError sorts a failed call into the three shapes the
// Agent Loop's retry policy cares about: rate limited (429), transient
// (5xx or the request never reaching the provider), or permanent (any
// other 4xx, or a response the client itself rejected).
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return &RateLimitedError{Err: err}
		case apiErr.StatusCode >= 500:
			return &RetryableError{Err: fmt.Errorf("openai chat completion: %w", err)}
		default:
			return fmt.Errorf("openai chat completion: %w", err)
		}
	}
	// No structured API error reached us: a network-level failure talking
	// to the provider at all.
	return &RetryableError{Err: fmt.Errorf("openai chat completion: %w", err)}
}
