// Package errs defines the stable error taxonomy shared by the compiler,
// the tool executor, and the agent loop.
package errs

import "fmt"

// Code is one of the stable identifiers surfaced to the client and, as a
// tool result, to the LLM itself.
type Code string

const (
	BadSpec           Code = "BAD_SPEC"
	BadPlot           Code = "BAD_PLOT"
	ColumnNotFound    Code = "COLUMN_NOT_FOUND"
	DatasetNotFound   Code = "DATASET_NOT_FOUND"
	UnknownTool       Code = "UNKNOWN_TOOL"
	BadToolArgs       Code = "BAD_TOOL_ARGS"
	QueryFailed       Code = "QUERY_FAILED"
	QueryTimeout      Code = "QUERY_TIMEOUT"
	LLMError          Code = "LLM_ERROR"
	LLMRateLimited    Code = "LLM_RATE_LIMITED"
	BudgetExhausted   Code = "BUDGET_EXHAUSTED"
	Cancelled         Code = "CANCELLED"
)

// Error is the structured failure every component in the tool-calling
// path returns instead of a bare error, so it can travel unchanged from a
// backend call into a ToolResult and, when terminal, into the top-level
// SSE `error` event.
type Error struct {
	Code      Code   `json:"code"`
	FieldPath string `json:"field_path,omitempty"`
	Reason    string `json:"reason"`
}

func (e *Error) Error() string {
	if e.FieldPath != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Reason, e.FieldPath)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// New builds a taxonomy error with no field path.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Field builds a taxonomy error anchored to a QuerySpec/PlotSpec field
// path, e.g. "filters[2].col".
func Field(code Code, fieldPath, reason string) *Error {
	return &Error{Code: code, FieldPath: fieldPath, Reason: reason}
}

// Retryable reports whether the agent loop may hand this error back to the
// LLM for self-correction rather than failing the request outright.
func (e *Error) Retryable() bool {
	switch e.Code {
	case BadSpec, BadPlot, QueryFailed:
		return true
	default:
		return false
	}
}
