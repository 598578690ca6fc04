// Package trace implements the Trace/Audit component (H): an append-only,
// per-request record of every tool call, suitable for replay and cost
// attribution.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Step is one record of a completed tool call.
type Step struct {
	StepIndex   int     `json:"step_index"`
	ToolName    string  `json:"tool_name"`
	ArgsDigest  string  `json:"args_digest"`
	LatencyMs   int64   `json:"latency_ms"`
	RowCount    *int    `json:"row_count,omitempty"`
	Tokens      *int    `json:"tokens,omitempty"`
	CostUSD     *float64 `json:"cost_usd,omitempty"`
	Success     bool    `json:"success"`
	ErrorCode   string  `json:"error_code,omitempty"`
	CostUnknown bool    `json:"cost_unknown,omitempty"`
}

// Trace accumulates Steps for one trace_id. Append-only and owned by a
// single request; the mutex only guards concurrent appends from tool
// calls the agent loop may one day dispatch in parallel.
type Trace struct {
	ID    string
	mu    sync.Mutex
	steps []Step
	start time.Time
}

// New creates a Trace with a fresh trace_id.
func New() *Trace {
	return &Trace{ID: uuid.NewString(), start: time.Now()}
}

// Append records one completed tool call as the next Step.
func (t *Trace) Append(s Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.StepIndex = len(t.steps)
	t.steps = append(t.steps, s)
}

// Steps returns a snapshot of the recorded steps.
func (t *Trace) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

// TotalSteps is the count of recorded steps: one per tool call plus one
// for a terminal LLM answer. Trace does not cap it, and the agent loop's
// step budget counts LLM turns, so a turn with several tool calls records
// several steps against one unit of that budget.
func (t *Trace) TotalSteps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// DurationMs is elapsed wall time since the trace started.
func (t *Trace) DurationMs() int64 {
	return time.Since(t.start).Milliseconds()
}

// TotalCostUSD sums every step's cost, ignoring steps with unknown cost.
func (t *Trace) TotalCostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, s := range t.steps {
		if s.CostUSD != nil {
			total += *s.CostUSD
		}
	}
	return total
}

// DigestArgs produces the stable args_digest TraceStep carries instead of
// the raw (possibly sensitive) arguments.
func DigestArgs(args any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
