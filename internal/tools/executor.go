package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/errs"
	"github.com/raindrop/tabagent/internal/ingest"
	"github.com/raindrop/tabagent/internal/plot"
	"github.com/raindrop/tabagent/internal/query"
	"github.com/raindrop/tabagent/internal/store"
	"github.com/raindrop/tabagent/internal/trace"
)

// Result is what the Executor hands back to the Agent Loop: either a JSON
// payload to append to the LLM conversation as a tool message, or a
// taxonomy error. Both travel together so the caller can decide whether
// the failure is retryable without re-parsing Payload.
type Result struct {
	Payload json.RawMessage
	Err     *errs.Error
}

// Executor is the per-request instance (component E) the Agent Loop
// dispatches every tool call through: lookup, argument validation,
// invoke-with-timeout, trace append, result.
//
// lastTable is scoped to one request: plot always normalizes the most
// recent run_query or sample_rows result.
type Executor struct {
	registry *Registry
	datasets *dataset.Registry
	store    *store.Store
	timeout  time.Duration

	mu        sync.Mutex
	lastTable *store.Table
}

func NewExecutor(reg *Registry, datasets *dataset.Registry, st *store.Store, timeout time.Duration) *Executor {
	return &Executor{registry: reg, datasets: datasets, store: st, timeout: timeout}
}

// Invoke looks up name, validates args against its declared schema,
// dispatches to the matching handler, and records a trace.Step. The
// returned Result.Err is already a taxonomy error suitable for feeding
// back to the LLM as a tool message.
func (e *Executor) Invoke(ctx context.Context, tr *trace.Trace, name string, args json.RawMessage) Result {
	start := time.Now()
	step := trace.Step{ToolName: name, ArgsDigest: trace.DigestArgs(args)}

	if !e.registry.Known(name) {
		step.Success = false
		step.ErrorCode = string(errs.UnknownTool)
		step.LatencyMs = time.Since(start).Milliseconds()
		tr.Append(step)
		return errResult(errs.New(errs.UnknownTool, fmt.Sprintf("unknown tool %q", name)))
	}

	if err := e.registry.Validate(name, args); err != nil {
		step.Success = false
		step.ErrorCode = string(errs.BadToolArgs)
		step.LatencyMs = time.Since(start).Milliseconds()
		tr.Append(step)
		return errResult(errs.New(errs.BadToolArgs, err.Error()))
	}

	payload, rowCount, err := e.dispatch(ctx, name, args)
	step.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		step.Success = false
		if te, ok := err.(*errs.Error); ok {
			step.ErrorCode = string(te.Code)
		} else {
			step.ErrorCode = string(errs.QueryFailed)
		}
		tr.Append(step)
		return errResult(err)
	}
	step.Success = true
	if rowCount >= 0 {
		step.RowCount = &rowCount
	}
	tr.Append(step)
	return Result{Payload: payload}
}

func errResult(err error) Result {
	if te, ok := err.(*errs.Error); ok {
		return Result{Err: te}
	}
	return Result{Err: errs.New(errs.QueryFailed, err.Error())}
}

func (e *Executor) dispatch(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, int, error) {
	switch name {
	case CreateDataset:
		return e.createDataset(ctx, args)
	case GetSchema:
		return e.getSchema(args)
	case SampleRows:
		return e.sampleRows(ctx, args)
	case RunQuery:
		return e.runQuery(ctx, args)
	case Plot:
		return e.plot(args)
	case ResolveFields:
		return e.resolveFields(args)
	default:
		return nil, -1, errs.New(errs.UnknownTool, fmt.Sprintf("unknown tool %q", name))
	}
}

type createDatasetArgs struct {
	FileID    string `json:"file_id"`
	Sheet     string `json:"sheet"`
	HeaderRow int    `json:"header_row"`
}

func (e *Executor) createDataset(ctx context.Context, raw json.RawMessage) (json.RawMessage, int, error) {
	var a createDatasetArgs
	_ = json.Unmarshal(raw, &a)

	if a.Sheet != "" {
		return nil, -1, errs.Field(errs.BadSpec, "sheet", "sheet selection is not supported for delimited-text sources")
	}

	f, err := os.Open(a.FileID)
	if err != nil {
		return nil, -1, errs.Field(errs.BadSpec, "file_id", fmt.Sprintf("open source file: %v", err))
	}
	defer f.Close()

	tableName := "ds_" + randSuffix()
	schema, rowCount, err := ingest.LoadCSV(ctx, e.store, f, tableName, a.HeaderRow)
	if err != nil {
		return nil, -1, err
	}

	id, err := e.datasets.Register(tableName, schema, rowCount)
	if err != nil {
		return nil, -1, err
	}

	out, _ := json.Marshal(map[string]any{
		"dataset_id": id,
		"schema":     schema,
		"row_count":  rowCount,
	})
	return out, rowCount, nil
}

type getSchemaArgs struct {
	DatasetID string `json:"dataset_id"`
}

func (e *Executor) getSchema(raw json.RawMessage) (json.RawMessage, int, error) {
	var a getSchemaArgs
	_ = json.Unmarshal(raw, &a)
	schema, err := e.datasets.GetSchema(a.DatasetID)
	if err != nil {
		return nil, -1, err
	}
	out, _ := json.Marshal(schema)
	return out, len(schema.Columns), nil
}

type sampleRowsArgs struct {
	DatasetID string   `json:"dataset_id"`
	N         int      `json:"n"`
	Columns   []string `json:"columns"`
}

func (e *Executor) sampleRows(ctx context.Context, raw json.RawMessage) (json.RawMessage, int, error) {
	var a sampleRowsArgs
	_ = json.Unmarshal(raw, &a)
	table, err := e.datasets.Sample(ctx, a.DatasetID, a.N, a.Columns, e.timeout)
	if err != nil {
		return nil, -1, err
	}
	e.setLastTable(table)
	out, _ := json.Marshal(table)
	return out, table.RowCount, nil
}

func (e *Executor) runQuery(ctx context.Context, raw json.RawMessage) (json.RawMessage, int, error) {
	var spec query.QuerySpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, -1, errs.New(errs.BadSpec, fmt.Sprintf("invalid QuerySpec JSON: %v", err))
	}
	ds, err := e.datasets.Get(spec.DatasetID)
	if err != nil {
		return nil, -1, err
	}
	compiled, err := query.Compile(ds, spec)
	if err != nil {
		return nil, -1, err
	}
	table, err := e.store.Query(ctx, compiled.SQL, compiled.Args, e.timeout)
	if err != nil {
		return nil, -1, err
	}
	// The compiler requests limit+1 rows so the executor can detect
	// truncation without a separate COUNT(*) query.
	if len(table.Rows) > compiled.Limit {
		table.Rows = table.Rows[:compiled.Limit]
		table.Truncated = true
	}
	table.RowCount = len(table.Rows)
	e.setLastTable(table)
	out, _ := json.Marshal(table)
	return out, table.RowCount, nil
}

type plotArgs = plot.Spec

func (e *Executor) plot(raw json.RawMessage) (json.RawMessage, int, error) {
	var spec plotArgs
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, -1, errs.New(errs.BadPlot, fmt.Sprintf("invalid PlotSpec JSON: %v", err))
	}
	table := e.getLastTable()
	if table == nil {
		return nil, -1, errs.New(errs.BadPlot, "plot requires a prior run_query or sample_rows result in this request")
	}
	chart, err := plot.Normalize(*table, spec)
	if err != nil {
		return nil, -1, err
	}
	out, _ := json.Marshal(chart)
	return out, len(chart.Option.Series), nil
}

func (e *Executor) setLastTable(t store.Table) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := t
	e.lastTable = &cp
}

func (e *Executor) getLastTable() *store.Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTable
}

func randSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
