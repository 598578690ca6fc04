package tools

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/errs"
	"github.com/raindrop/tabagent/internal/store"
	"github.com/raindrop/tabagent/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.Exec(ctx, `CREATE TABLE widgets (account VARCHAR, qty BIGINT)`, nil, time.Second))
	require.NoError(t, st.Exec(ctx, `INSERT INTO widgets (account, qty) VALUES ('acme', 3), ('globex', 7)`, nil, time.Second))

	datasets := dataset.NewRegistry(st, 0)
	id, err := datasets.Register("widgets", dataset.Schema{Columns: []dataset.Column{
		{Name: "account", Type: dataset.TypeString},
		{Name: "qty", Type: dataset.TypeInt},
	}}, 2)
	require.NoError(t, err)

	reg, err := NewRegistry()
	require.NoError(t, err)

	exec := NewExecutor(reg, datasets, st, 5*time.Second)
	return exec, id
}

func TestExecutor_Invoke_UnknownTool(t *testing.T) {
	exec, _ := newTestExecutor(t)
	result := exec.Invoke(context.Background(), trace.New(), "delete_everything", json.RawMessage(`{}`))
	require.NotNil(t, result.Err)
	assert.Equal(t, errs.UnknownTool, result.Err.Code)
}

func TestExecutor_Invoke_BadToolArgs(t *testing.T) {
	exec, _ := newTestExecutor(t)
	result := exec.Invoke(context.Background(), trace.New(), GetSchema, json.RawMessage(`{}`))
	require.NotNil(t, result.Err)
	assert.Equal(t, errs.BadToolArgs, result.Err.Code)
}

func TestExecutor_Invoke_GetSchema(t *testing.T) {
	exec, id := newTestExecutor(t)
	args, _ := json.Marshal(map[string]string{"dataset_id": id})
	result := exec.Invoke(context.Background(), trace.New(), GetSchema, args)
	require.Nil(t, result.Err)

	var schema dataset.Schema
	require.NoError(t, json.Unmarshal(result.Payload, &schema))
	assert.Len(t, schema.Columns, 2)
}

func TestExecutor_Invoke_RunQueryThenPlot(t *testing.T) {
	exec, id := newTestExecutor(t)
	tr := trace.New()

	queryArgs, _ := json.Marshal(map[string]any{
		"dataset_id": id,
		"group_by":   []string{"account"},
		"aggregations": []map[string]string{
			{"as": "total", "agg": "sum", "col": "qty"},
		},
		"limit": 100,
	})
	result := exec.Invoke(context.Background(), tr, RunQuery, queryArgs)
	require.Nilf(t, result.Err, "run_query failed: %+v", result.Err)

	plotArgs, _ := json.Marshal(map[string]string{"chart_type": "bar", "x": "account", "y": "total"})
	plotResult := exec.Invoke(context.Background(), tr, Plot, plotArgs)
	require.Nilf(t, plotResult.Err, "plot failed: %+v", plotResult.Err)

	assert.Len(t, tr.Steps(), 2)
}

func TestExecutor_Invoke_PlotWithoutPriorTable(t *testing.T) {
	exec, _ := newTestExecutor(t)
	plotArgs, _ := json.Marshal(map[string]string{"chart_type": "bar", "x": "account", "y": "total"})
	result := exec.Invoke(context.Background(), trace.New(), Plot, plotArgs)
	require.NotNil(t, result.Err)
	assert.Equal(t, errs.BadPlot, result.Err.Code)
}

func TestExecutor_Invoke_DatasetNotFound(t *testing.T) {
	exec, _ := newTestExecutor(t)
	args, _ := json.Marshal(map[string]string{"dataset_id": "does-not-exist"})
	result := exec.Invoke(context.Background(), trace.New(), GetSchema, args)
	require.NotNil(t, result.Err)
	assert.Equal(t, errs.DatasetNotFound, result.Err.Code)
}

func TestExecutor_Invoke_CreateDatasetFromFileID(t *testing.T) {
	exec, _ := newTestExecutor(t)
	dir := t.TempDir()
	path := dir + "/parts.csv"
	require.NoError(t, os.WriteFile(path, []byte("name,qty\nbolt,3\nnut,5\n"), 0o644))

	args, _ := json.Marshal(map[string]string{"file_id": path})
	result := exec.Invoke(context.Background(), trace.New(), CreateDataset, args)
	require.Nilf(t, result.Err, "create_dataset failed: %+v", result.Err)

	var resp struct {
		DatasetID string `json:"dataset_id"`
		RowCount  int    `json:"row_count"`
	}
	require.NoError(t, json.Unmarshal(result.Payload, &resp))
	assert.NotEmpty(t, resp.DatasetID)
	assert.Equal(t, 2, resp.RowCount)
}

func TestExecutor_Invoke_CreateDatasetRejectsSheet(t *testing.T) {
	exec, _ := newTestExecutor(t)
	args, _ := json.Marshal(map[string]string{"file_id": "irrelevant.csv", "sheet": "Sheet2"})
	result := exec.Invoke(context.Background(), trace.New(), CreateDataset, args)
	require.NotNil(t, result.Err)
	assert.Equal(t, errs.BadSpec, result.Err.Code)
}

func TestExecutor_Invoke_ResolveFieldsReturnsMappedColumns(t *testing.T) {
	exec, id := newTestExecutor(t)
	args, _ := json.Marshal(map[string]any{"dataset_id": id, "terms": []string{"acct"}})
	result := exec.Invoke(context.Background(), trace.New(), ResolveFields, args)
	require.Nilf(t, result.Err, "resolve_fields failed: %+v", result.Err)

	var resp resolveFieldsResult
	require.NoError(t, json.Unmarshal(result.Payload, &resp))
	require.Contains(t, resp.MappedColumns, "acct")
	require.NotEmpty(t, resp.MappedColumns["acct"])
	assert.Equal(t, "account", resp.MappedColumns["acct"][0].Column)
}
