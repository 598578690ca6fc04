// Package httpapi is the thin HTTP Transport (component J): chi-routed
// handlers over the Agent Loop, Dataset Registry, and Ingest Collaborator.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/raindrop/tabagent/internal/agent"
	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/errs"
	"github.com/raindrop/tabagent/internal/ingest"
	"github.com/raindrop/tabagent/internal/llm"
	"github.com/raindrop/tabagent/internal/store"
)

// LoopFactory builds a fresh agent.Loop per request — the Agent Loop is
// not reused across requests, but the registries and store behind it
// are. override is the
// request's llm_config, nil when the caller wants the server's default
// provider/model.
type LoopFactory func(override *llm.ProviderConfig) (*agent.Loop, error)

// Server wires the chi router to the core's long-lived collaborators.
type Server struct {
	datasets  *dataset.Registry
	store     *store.Store
	newLoop   LoopFactory
	uploadDir string
	maxUpload int64
}

func NewServer(datasets *dataset.Registry, st *store.Store, newLoop LoopFactory, uploadDir string, maxUpload int64) *Server {
	return &Server{datasets: datasets, store: st, newLoop: newLoop, uploadDir: uploadDir, maxUpload: maxUpload}
}

// Router builds the chi.Router exposing the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/analyze", s.handleAnalyze)
	r.Post("/analyze/stream", s.handleAnalyzeStream)
	r.Post("/dataset/create", s.handleDatasetCreate)
	r.Get("/dataset/{id}/schema", s.handleDatasetSchema)
	r.Post("/upload", s.handleUpload)
	return r
}

type analyzeRequest struct {
	Question  string             `json:"question"`
	DatasetID string             `json:"dataset_id,omitempty"`
	LLMConfig *llm.ProviderConfig `json:"llm_config,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		renderError(w, r, errs.New(errs.BadSpec, "question is required"))
		return
	}

	loop, err := s.newLoop(req.LLMConfig)
	if err != nil {
		renderError(w, r, err)
		return
	}
	final := loop.Run(r.Context(), req.Question, req.DatasetID, func(agent.Event) {})
	renderEvent(w, r, final)
}

func (s *Server) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		renderError(w, r, errs.New(errs.BadSpec, "question is required"))
		return
	}

	loop, err := s.newLoop(req.LLMConfig)
	if err != nil {
		renderError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, r, errs.New(errs.QueryFailed, "streaming unsupported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	loop.Run(r.Context(), req.Question, req.DatasetID, func(ev agent.Event) {
		writeSSE(w, ev)
		flusher.Flush()
	})
}

func writeSSE(w io.Writer, ev agent.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
}

type datasetCreateRequest struct {
	SourcePath string `json:"source_path"`
}

func (s *Server) handleDatasetCreate(w http.ResponseWriter, r *http.Request) {
	var req datasetCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourcePath == "" {
		renderError(w, r, errs.New(errs.BadSpec, "source_path is required"))
		return
	}

	f, err := os.Open(req.SourcePath)
	if err != nil {
		renderError(w, r, errs.Field(errs.BadSpec, "source_path", err.Error()))
		return
	}
	defer f.Close()

	tableName := "ds_" + uuid.NewString()[:8]
	schema, rowCount, err := ingest.LoadCSV(r.Context(), s.store, f, tableName, 0)
	if err != nil {
		renderError(w, r, err)
		return
	}

	id, err := s.datasets.Register(tableName, schema, rowCount)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"dataset_id": id,
		"schema":     schema,
		"row_count":  rowCount,
	})
}

func (s *Server) handleDatasetSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schema, err := s.datasets.GetSchema(id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, schema)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		renderError(w, r, errs.New(errs.QueryFailed, err.Error()))
		return
	}

	dest := filepath.Join(s.uploadDir, fmt.Sprintf("%s-%d.csv", uuid.NewString(), time.Now().UnixNano()))
	f, err := os.Create(dest)
	if err != nil {
		renderError(w, r, errs.New(errs.QueryFailed, err.Error()))
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, r.Body); err != nil {
		renderError(w, r, errs.Field(errs.BadSpec, "body", "upload exceeds the maximum allowed size"))
		return
	}

	render.JSON(w, r, map[string]string{"source_path": dest})
}

func renderEvent(w http.ResponseWriter, r *http.Request, ev agent.Event) {
	if ev.Type == agent.EventError {
		status := statusForCode(ev.ErrorCode)
		w.WriteHeader(status)
	}
	render.JSON(w, r, ev)
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	te, ok := err.(*errs.Error)
	if !ok {
		te = errs.New(errs.QueryFailed, err.Error())
	}
	status := statusForCode(string(te.Code))
	w.WriteHeader(status)
	render.JSON(w, r, te)
}

// statusForCode maps the error taxonomy to HTTP status.
func statusForCode(code string) int {
	switch errs.Code(code) {
	case errs.BadSpec, errs.BadPlot, errs.BadToolArgs, errs.ColumnNotFound:
		return http.StatusBadRequest
	case errs.DatasetNotFound:
		return http.StatusNotFound
	case errs.LLMRateLimited:
		return http.StatusTooManyRequests
	case errs.BudgetExhausted:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

