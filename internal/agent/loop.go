// Package agent implements the Agent Loop (component G): the prompt↔tool
// cycle that drives one /analyze request from a user question to a final
// answer, enforcing the step/time/cost budgets and emitting the event
// stream the HTTP transport relays over SSE.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/errs"
	"github.com/raindrop/tabagent/internal/llm"
	"github.com/raindrop/tabagent/internal/plot"
	"github.com/raindrop/tabagent/internal/store"
	"github.com/raindrop/tabagent/internal/tools"
	"github.com/raindrop/tabagent/internal/trace"
)

// EventType names one entry of the loop's event stream.
type EventType string

const (
	EventStart       EventType = "start"
	EventStepStart   EventType = "step_start"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventAnswerChunk EventType = "answer_chunk"
	EventHeartbeat   EventType = "heartbeat"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// Event is one entry published to the Subscriber. Fields are a union
// over every EventType; the HTTP-SSE collaborator marshals whichever are
// set alongside Type.
type Event struct {
	Type EventType `json:"type"`

	Step      int    `json:"step,omitempty"`
	MaxSteps  int    `json:"max_steps,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ArgsDigest string `json:"args_digest,omitempty"`
	Success   bool   `json:"success,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Content   string `json:"content,omitempty"`

	Answer  string         `json:"answer,omitempty"`
	Tables  []store.Table  `json:"tables,omitempty"`
	Charts  []*plot.ChartOutput `json:"charts,omitempty"`
	Trace   *TraceSummary  `json:"trace,omitempty"`
	Message string         `json:"message,omitempty"`
}

// TraceSummary is the trace payload carried on a complete/error event —
// every TraceStep plus the totals the caller needs without re-deriving
// them from the steps.
type TraceSummary struct {
	TraceID      string       `json:"trace_id"`
	Steps        []trace.Step `json:"steps"`
	TotalSteps   int          `json:"total_steps"`
	DurationMs   int64        `json:"duration_ms"`
	TotalCostUSD float64      `json:"total_cost_usd"`
}

// Subscriber receives the loop's event stream in true serial order — the
// loop never interleaves events from concurrent tool calls.
type Subscriber func(Event)

// Budget is the hard per-request ceiling on steps, wall time, and cost.
type Budget struct {
	MaxSteps      int
	Deadline      time.Duration
	CostBudgetUSD float64 // 0 disables the cost ceiling
}

// Loop is the per-request driver. It is not reused across requests — a
// fresh Loop and Trace are built per /analyze call.
type Loop struct {
	adapter  llm.Adapter
	registry *tools.Registry
	executor *tools.Executor
	datasets *dataset.Registry
	pricing  llm.PricingTable
	model    string
	budget   Budget
}

func New(adapter llm.Adapter, registry *tools.Registry, executor *tools.Executor, datasets *dataset.Registry, pricing llm.PricingTable, model string, budget Budget) *Loop {
	return &Loop{adapter: adapter, registry: registry, executor: executor, datasets: datasets, pricing: pricing, model: model, budget: budget}
}

// consecutiveFailureCap caps repeated QUERY_FAILED failures of the same
// tool before the loop gives up on that line of questioning.
const consecutiveFailureCap = 2

// heartbeatInterval is the period between transport keepalives while the
// loop is blocked in a provider or tool call.
const heartbeatInterval = 15 * time.Second

// startHeartbeat publishes a heartbeat event on every tick until the
// returned stop func is called or ctx ends. sub is expected to already be
// safe for concurrent use alongside the caller's own publishes.
func startHeartbeat(ctx context.Context, sub Subscriber) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sub(Event{Type: EventHeartbeat})
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Run drives one request to completion, publishing every event to sub in
// serial order, and returns the terminal complete/error event's payload
// fields directly (the non-streamed /analyze response is just the last
// event Run publishes). datasetID is optional: when present its schema is
// folded into the seeded user turn as a dataset summary; an unknown
// datasetID fails the request immediately with DATASET_NOT_FOUND.
func (l *Loop) Run(ctx context.Context, question string, datasetID string, sub Subscriber) Event {
	tr := trace.New()
	deadline := time.Now().Add(l.budget.Deadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var mu sync.Mutex
	unsafeSub := sub
	sub = func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		unsafeSub(e)
	}

	stopHeartbeat := startHeartbeat(ctx, sub)
	defer stopHeartbeat()

	sub(Event{Type: EventStart})

	userContent := question
	if datasetID != "" {
		schema, err := l.datasets.GetSchema(datasetID)
		if err != nil {
			return l.terminalError(sub, tr, err.(*errs.Error))
		}
		summary, err := json.Marshal(schema)
		if err != nil {
			return l.terminalError(sub, tr, errs.New(errs.BadSpec, err.Error()))
		}
		userContent = fmt.Sprintf("%s\n\nDataset %q schema:\n%s", question, datasetID, summary)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userContent},
	}
	decls := l.registry.Declarations()

	var lastFailedTool string
	var consecutiveFailures int
	var lastTable *store.Table
	var lastChart *plot.ChartOutput
	var spentUSD float64

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return l.terminalError(sub, tr, errs.New(errs.Cancelled, "request cancelled by caller"))
			}
			return l.terminalBudgetExhausted(sub, tr, messages)
		}
		if step >= l.budget.MaxSteps {
			return l.terminalBudgetExhausted(sub, tr, messages)
		}
		if l.budget.CostBudgetUSD > 0 && spentUSD >= l.budget.CostBudgetUSD {
			return l.terminalBudgetExhausted(sub, tr, messages)
		}

		sub(Event{Type: EventStepStart, Step: step, MaxSteps: l.budget.MaxSteps})

		action, err := llm.CompleteWithRetry(ctx, l.adapter, messages, decls)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return l.terminalError(sub, tr, errs.New(errs.Cancelled, "request cancelled by caller"))
			}
			return l.terminalError(sub, tr, classifyLLMError(err))
		}

		cost, unknown := l.pricing.Cost(l.model, action.Usage)
		_ = unknown
		spentUSD += cost

		if action.Terminal {
			tokens := action.Usage.InputTokens + action.Usage.OutputTokens
			tr.Append(trace.Step{
				ToolName:  "llm_complete",
				Success:   true,
				Tokens:    &tokens,
				CostUSD:   &cost,
			})
			return l.terminalComplete(sub, tr, action.Answer, lastTable, lastChart)
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, ToolCalls: action.ToolCalls})

		for _, call := range action.ToolCalls {
			sub(Event{Type: EventToolCall, Tool: call.Name, ArgsDigest: trace.DigestArgs(call.Args)})

			result := l.executor.Invoke(ctx, tr, call.Name, call.Args)

			if result.Err != nil {
				sub(Event{Type: EventToolResult, Tool: call.Name, Success: false, ErrorCode: string(result.Err.Code)})

				if call.Name == lastFailedTool && result.Err.Code == errs.QueryFailed {
					consecutiveFailures++
				} else {
					consecutiveFailures = 1
					lastFailedTool = call.Name
				}

				if !result.Err.Retryable() {
					return l.terminalError(sub, tr, result.Err)
				}
				if result.Err.Code == errs.QueryFailed && consecutiveFailures >= consecutiveFailureCap {
					return l.terminalComplete(sub, tr, "I was unable to run that query after repeated attempts; here is what I found before that: "+summarizeTrace(tr), lastTable, lastChart)
				}

				payload, _ := json.Marshal(result.Err)
				messages = append(messages, llm.Message{
					Role:       llm.RoleTool,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					ToolResult: payload,
				})
				continue
			}

			consecutiveFailures = 0
			sub(Event{Type: EventToolResult, Tool: call.Name, Success: true})

			if call.Name == tools.RunQuery || call.Name == tools.SampleRows {
				var t store.Table
				if err := json.Unmarshal(result.Payload, &t); err == nil {
					lastTable = &t
				}
			}
			if call.Name == tools.Plot {
				var c plot.ChartOutput
				if err := json.Unmarshal(result.Payload, &c); err == nil {
					lastChart = &c
				}
			}

			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				ToolResult: result.Payload,
			})
		}
	}
}

func (l *Loop) terminalComplete(sub Subscriber, tr *trace.Trace, answer string, table *store.Table, chart *plot.ChartOutput) Event {
	var tables []store.Table
	if table != nil {
		tables = []store.Table{*table}
	}
	var charts []*plot.ChartOutput
	if chart != nil {
		charts = []*plot.ChartOutput{chart}
	}
	// Neither provider adapter streams: emit the whole answer as a single
	// synthetic chunk so a streamed caller can still reconstruct it by
	// concatenation.
	if answer != "" {
		sub(Event{Type: EventAnswerChunk, Content: answer})
	}
	ev := Event{
		Type:   EventComplete,
		Answer: answer,
		Tables: tables,
		Charts: charts,
		Trace:  summarize(tr),
	}
	sub(ev)
	return ev
}

func (l *Loop) terminalError(sub Subscriber, tr *trace.Trace, err *errs.Error) Event {
	ev := Event{
		Type:      EventError,
		ErrorCode: string(err.Code),
		Message:   err.Error(),
		Trace:     summarize(tr),
	}
	sub(ev)
	return ev
}

func (l *Loop) terminalBudgetExhausted(sub Subscriber, tr *trace.Trace, messages []llm.Message) Event {
	answer := "I ran out of budget before fully answering; here is what I found so far: " + summarizeTrace(tr)
	sub(Event{Type: EventAnswerChunk, Content: answer})
	ev := Event{
		Type:      EventComplete,
		Answer:    answer,
		ErrorCode: string(errs.BudgetExhausted),
		Trace:     summarize(tr),
	}
	sub(ev)
	return ev
}

func summarize(tr *trace.Trace) *TraceSummary {
	return &TraceSummary{
		TraceID:      tr.ID,
		Steps:        tr.Steps(),
		TotalSteps:   tr.TotalSteps(),
		DurationMs:   tr.DurationMs(),
		TotalCostUSD: tr.TotalCostUSD(),
	}
}

func summarizeTrace(tr *trace.Trace) string {
	steps := tr.Steps()
	ok := 0
	for _, s := range steps {
		if s.Success {
			ok++
		}
	}
	return fmt.Sprintf("%d of %d tool calls succeeded.", ok, len(steps))
}

func classifyLLMError(err error) *errs.Error {
	var rl *llm.RateLimitedError
	if errors.As(err, &rl) {
		return errs.New(errs.LLMRateLimited, rl.Error())
	}
	return errs.New(errs.LLMError, err.Error())
}

const systemPrompt = `You are a data analysis assistant. Answer the user's question by
calling the available tools to discover datasets, run whitelisted queries, and build
charts. Never guess column names or values — use get_schema, sample_rows, or
resolve_fields first. Every query must go through run_query's QuerySpec; you cannot
write raw SQL. Keep the final answer concise and grounded in the tool results you
actually observed.`
