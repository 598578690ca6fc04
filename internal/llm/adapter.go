// Package llm implements the LLM Adapter (component F): a
// provider-agnostic interface to a chat model with tool-use capability.
// Concrete adapters for OpenAI-compatible chat completions and Anthropic
// Messages normalize both wire formats into this package's flat Action/
// Message/Usage types — a flat interface, not deep inheritance.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/raindrop/tabagent/internal/errs"
)

// Role is one of the four message roles the Agent Loop's message sequence
// carries.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one structured tool invocation the model requested.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Message is one entry of the Agent Loop's message sequence.
type Message struct {
	Role Role
	// Content is plain text for system/user/assistant turns.
	Content string
	// ToolCalls is set on an assistant turn that invoked one or more tools.
	ToolCalls []ToolCall
	// The following three are set on a role == tool turn.
	ToolCallID string
	ToolName   string
	ToolResult json.RawMessage
}

// ToolDecl is one entry of the Tool Registry's declarations, translated
// into whatever shape the provider's tool-use wire format requires.
type ToolDecl struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema for the tool's arguments
}

// Usage is the provider's reported token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Action is what the LLM Adapter returns for one turn: either a terminal
// textual answer, or one or more tool calls to dispatch. Exactly one of
// Answer/ToolCalls is meaningful, distinguished by Terminal.
type Action struct {
	Terminal  bool
	Answer    string
	ToolCalls []ToolCall
	Usage     Usage
}

// Adapter is the capability every provider variant must implement:
// complete(messages, tools) -> Action | Answer + Usage.
type Adapter interface {
	Complete(ctx context.Context, messages []Message, tools []ToolDecl) (Action, error)
}

// RateLimitedError marks a provider error as a 429/rate-limit response so
// the Agent Loop's retry policy can distinguish it from a hard failure.
type RateLimitedError struct{ Err error }

func (e *RateLimitedError) Error() string { return "llm rate limited: " + e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryableError marks a provider error as transient — a 5xx response or
// the request never reaching the provider at all — so the Agent Loop's
// retry policy treats it the same as a rate limit: bounded retries on the
// 250ms/1s schedule, not an immediate hard failure.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return "llm transient error: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// ProviderConfig names the provider, model, and credentials an Adapter is
// built from. NewAdapter requires a concrete Provider; a caller building a
// per-request override from a partially-populated request body (e.g.
// cmd/server's buildAdapter) is responsible for filling any blank field
// back in from its own default ProviderConfig before calling NewAdapter.
type ProviderConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// NewAdapter builds the Adapter cfg.Provider names. An unrecognized or
// blank provider is BAD_SPEC rather than a panic, since cfg can originate
// from a request body.
func NewAdapter(cfg ProviderConfig) (Adapter, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	default:
		return nil, errs.Field(errs.BadSpec, "llm_config.provider", fmt.Sprintf("unsupported provider %q", cfg.Provider))
	}
}
