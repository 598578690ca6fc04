package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/llm"
	"github.com/raindrop/tabagent/internal/store"
	"github.com/raindrop/tabagent/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*tools.Registry, *tools.Executor, *dataset.Registry, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.Exec(ctx, `CREATE TABLE widgets (account VARCHAR, qty BIGINT)`, nil, time.Second))
	require.NoError(t, st.Exec(ctx, `INSERT INTO widgets (account, qty) VALUES ('acme', 3)`, nil, time.Second))

	datasets := dataset.NewRegistry(st, 0)
	id, err := datasets.Register("widgets", dataset.Schema{Columns: []dataset.Column{
		{Name: "account", Type: dataset.TypeString},
		{Name: "qty", Type: dataset.TypeInt},
	}}, 1)
	require.NoError(t, err)

	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	executor := tools.NewExecutor(registry, datasets, st, 5*time.Second)
	return registry, executor, datasets, id
}

// scriptedAdapter returns one Action per call, in order, then repeats the
// last action forever (so a test that only cares about the first few
// turns doesn't have to pad the script to the step budget).
type scriptedAdapter struct {
	actions []llm.Action
	calls   int
}

func (s *scriptedAdapter) Complete(context.Context, []llm.Message, []llm.ToolDecl) (llm.Action, error) {
	idx := s.calls
	if idx >= len(s.actions) {
		idx = len(s.actions) - 1
	}
	s.calls++
	return s.actions[idx], nil
}

func toolCallAction(name string, args map[string]any) llm.Action {
	b, _ := json.Marshal(args)
	return llm.Action{ToolCalls: []llm.ToolCall{{ID: "1", Name: name, Args: b}}}
}

func TestLoop_TerminalAnswer(t *testing.T) {
	_, executor, datasets, id := newFixture(t)
	registry, err := tools.NewRegistry()
	require.NoError(t, err)

	adapter := &scriptedAdapter{actions: []llm.Action{
		toolCallAction(tools.GetSchema, map[string]any{"dataset_id": id}),
		{Terminal: true, Answer: "there is one account"},
	}}

	loop := New(adapter, registry, executor, datasets, llm.DefaultPricing, "gpt-5", Budget{MaxSteps: 8, Deadline: 10 * time.Second})

	var events []Event
	final := loop.Run(context.Background(), "how many accounts?", "", func(ev Event) { events = append(events, ev) })

	assert.Equal(t, EventComplete, final.Type)
	assert.Equal(t, "there is one account", final.Answer)
	require.NotNil(t, final.Trace)
	assert.Equal(t, 2, final.Trace.TotalSteps) // get_schema tool call + llm_complete
	assert.Equal(t, EventStart, events[0].Type)

	var sawChunk bool
	var chunked string
	for _, ev := range events {
		if ev.Type == EventAnswerChunk {
			sawChunk = true
			chunked += ev.Content
		}
	}
	assert.True(t, sawChunk)
	assert.Equal(t, final.Answer, chunked)
}

func TestLoop_DatasetIDSeedsSchemaSummary(t *testing.T) {
	_, executor, datasets, id := newFixture(t)
	registry, err := tools.NewRegistry()
	require.NoError(t, err)

	adapter := &scriptedAdapter{actions: []llm.Action{
		{Terminal: true, Answer: "acme has 3 units"},
	}}

	loop := New(adapter, registry, executor, datasets, llm.DefaultPricing, "gpt-5", Budget{MaxSteps: 8, Deadline: 10 * time.Second})
	final := loop.Run(context.Background(), "how many units does acme have?", id, func(Event) {})

	assert.Equal(t, EventComplete, final.Type)
	assert.Equal(t, "acme has 3 units", final.Answer)
}

func TestLoop_UnknownDatasetIDIsTerminal(t *testing.T) {
	_, executor, datasets, _ := newFixture(t)
	registry, err := tools.NewRegistry()
	require.NoError(t, err)

	adapter := &scriptedAdapter{actions: []llm.Action{{Terminal: true, Answer: "unreachable"}}}
	loop := New(adapter, registry, executor, datasets, llm.DefaultPricing, "gpt-5", Budget{MaxSteps: 8, Deadline: 10 * time.Second})
	final := loop.Run(context.Background(), "describe it", "missing-dataset", func(Event) {})

	assert.Equal(t, EventError, final.Type)
	assert.Equal(t, "DATASET_NOT_FOUND", final.ErrorCode)
}

func TestLoop_BudgetExhaustedAtMaxSteps(t *testing.T) {
	_, executor, datasets, id := newFixture(t)
	registry, err := tools.NewRegistry()
	require.NoError(t, err)

	adapter := &scriptedAdapter{actions: []llm.Action{
		toolCallAction(tools.GetSchema, map[string]any{"dataset_id": id}),
	}}

	loop := New(adapter, registry, executor, datasets, llm.DefaultPricing, "gpt-5", Budget{MaxSteps: 3, Deadline: 10 * time.Second})

	final := loop.Run(context.Background(), "loop forever", "", func(Event) {})
	require.NotNil(t, final.Trace)
	assert.Equal(t, 3, final.Trace.TotalSteps)
	assert.Equal(t, "BUDGET_EXHAUSTED", final.ErrorCode)
}

func TestLoop_CancelledContextIsTerminal(t *testing.T) {
	_, executor, datasets, id := newFixture(t)
	registry, err := tools.NewRegistry()
	require.NoError(t, err)

	adapter := &scriptedAdapter{actions: []llm.Action{
		toolCallAction(tools.GetSchema, map[string]any{"dataset_id": id}),
	}}

	loop := New(adapter, registry, executor, datasets, llm.DefaultPricing, "gpt-5", Budget{MaxSteps: 8, Deadline: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	final := loop.Run(ctx, "cancel me", "", func(Event) {})

	assert.Equal(t, EventError, final.Type)
	assert.Equal(t, "CANCELLED", final.ErrorCode)
}

func TestLoop_DatasetNotFoundIsTerminal(t *testing.T) {
	_, executor, datasets, _ := newFixture(t)
	registry, err := tools.NewRegistry()
	require.NoError(t, err)

	adapter := &scriptedAdapter{actions: []llm.Action{
		toolCallAction(tools.GetSchema, map[string]any{"dataset_id": "missing"}),
	}}

	loop := New(adapter, registry, executor, datasets, llm.DefaultPricing, "gpt-5", Budget{MaxSteps: 8, Deadline: 10 * time.Second})
	final := loop.Run(context.Background(), "describe missing", "", func(Event) {})

	assert.Equal(t, EventError, final.Type)
	assert.Equal(t, "DATASET_NOT_FOUND", final.ErrorCode)
}

// TestLoop_ConsecutiveQueryFailuresCapped exercises a QuerySpec that
// passes compiler validation (its column is declared in the published
// schema) but fails at the engine because the backing table doesn't
// actually carry that column — a genuine QUERY_FAILED, not a BAD_SPEC.
func TestLoop_ConsecutiveQueryFailuresCapped(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	require.NoError(t, st.Exec(ctx, `CREATE TABLE widgets (account VARCHAR)`, nil, time.Second))

	datasets := dataset.NewRegistry(st, 0)
	id, err := datasets.Register("widgets", dataset.Schema{Columns: []dataset.Column{
		{Name: "account", Type: dataset.TypeString},
		{Name: "qty", Type: dataset.TypeInt}, // declared in schema, absent from the table
	}}, 0)
	require.NoError(t, err)

	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	executor := tools.NewExecutor(registry, datasets, st, 5*time.Second)

	badQuery := toolCallAction(tools.RunQuery, map[string]any{
		"dataset_id":   id,
		"group_by":     []string{"account"},
		"aggregations": []map[string]any{{"as": "total", "agg": "sum", "col": "qty"}},
		"limit":        10,
	})
	adapter := &scriptedAdapter{actions: []llm.Action{badQuery, badQuery, badQuery}}

	loop := New(adapter, registry, executor, datasets, llm.DefaultPricing, "gpt-5", Budget{MaxSteps: 8, Deadline: 10 * time.Second})
	final := loop.Run(context.Background(), "bad query", "", func(Event) {})

	assert.Equal(t, EventComplete, final.Type)
	assert.Contains(t, final.Answer, "unable to run that query")
}
