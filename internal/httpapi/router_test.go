package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raindrop/tabagent/internal/agent"
	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/errs"
	"github.com/raindrop/tabagent/internal/llm"
	"github.com/raindrop/tabagent/internal/store"
	"github.com/raindrop/tabagent/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusForCode(t *testing.T) {
	cases := map[errs.Code]int{
		errs.BadSpec:         http.StatusBadRequest,
		errs.BadPlot:         http.StatusBadRequest,
		errs.ColumnNotFound:  http.StatusBadRequest,
		errs.BadToolArgs:     http.StatusBadRequest,
		errs.DatasetNotFound: http.StatusNotFound,
		errs.LLMRateLimited:  http.StatusTooManyRequests,
		errs.BudgetExhausted: http.StatusGatewayTimeout,
		errs.QueryFailed:     http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equalf(t, want, statusForCode(string(code)), "code %s", code)
	}
}

// stubAdapter always returns a terminal answer on the first turn, enough
// to exercise /analyze end to end without a live LLM provider.
type stubAdapter struct{}

func (stubAdapter) Complete(context.Context, []llm.Message, []llm.ToolDecl) (llm.Action, error) {
	return llm.Action{Terminal: true, Answer: "42"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	datasets := dataset.NewRegistry(st, 0)
	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	executor := tools.NewExecutor(registry, datasets, st, 5*time.Second)

	newLoop := func(override *llm.ProviderConfig) (*agent.Loop, error) {
		adapter := llm.Adapter(stubAdapter{})
		if override != nil {
			var err error
			adapter, err = llm.NewAdapter(*override)
			if err != nil {
				return nil, err
			}
		}
		return agent.New(adapter, registry, executor, datasets, llm.DefaultPricing, "gpt-5", agent.Budget{MaxSteps: 8, Deadline: 10 * time.Second}), nil
	}
	return NewServer(datasets, st, newLoop, t.TempDir(), 1<<20)
}

func TestHandleAnalyze_RequiresQuestion(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAnalyze_ReturnsTerminalAnswer(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBufferString(`{"question":"how many widgets?"}`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var ev agent.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ev))
	assert.Equal(t, agent.EventComplete, ev.Type)
	assert.Equal(t, "42", ev.Answer)
}

func TestHandleAnalyze_UnknownDatasetIDReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBufferString(`{"question":"how many widgets?","dataset_id":"missing"}`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAnalyze_UnsupportedLLMConfigProviderIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBufferString(`{"question":"hi","llm_config":{"provider":"not-a-provider"}}`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDatasetSchema_NotFound(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/dataset/missing/schema", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleUpload_StoresFile(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewBufferString("a,b\n1,2\n"))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["source_path"])
}
