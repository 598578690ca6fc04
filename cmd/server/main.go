// Command server wires the Dataset Registry, Analytical Store, LLM
// Adapter, Tool Registry/Executor, and Agent Loop into a single
// provider-agnostic HTTP service.
package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/raindrop/tabagent/internal/agent"
	"github.com/raindrop/tabagent/internal/config"
	"github.com/raindrop/tabagent/internal/dataset"
	"github.com/raindrop/tabagent/internal/httpapi"
	"github.com/raindrop/tabagent/internal/llm"
	"github.com/raindrop/tabagent/internal/store"
	"github.com/raindrop/tabagent/internal/tools"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: true,
	}))
	slog.SetDefault(logger)

	slog.Info("starting server", "name", "tabagent")

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("FATAL: invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "provider", cfg.Provider, "model", cfg.Model, "port", cfg.Port)

	st, err := store.Open(cfg.DuckDBPath)
	if err != nil {
		slog.Error("FATAL: failed to open analytical store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	datasets := dataset.NewRegistry(st, 0)

	registry, err := tools.NewRegistry()
	if err != nil {
		slog.Error("FATAL: failed to compile tool schemas", "error", err)
		os.Exit(1)
	}
	pricing, err := llm.LoadPricingFile(cfg.PricingFile)
	if err != nil {
		slog.Error("FATAL: failed to load pricing overrides", "error", err)
		os.Exit(1)
	}

	budget := agent.Budget{MaxSteps: cfg.MaxSteps, Deadline: cfg.Deadline, CostBudgetUSD: cfg.CostBudgetUSD}
	newLoop := func(override *llm.ProviderConfig) (*agent.Loop, error) {
		adapter, err := buildAdapter(cfg, override)
		if err != nil {
			return nil, err
		}
		executor := tools.NewExecutor(registry, datasets, st, cfg.QueryTimeout)
		return agent.New(adapter, registry, executor, datasets, pricing, cfg.Model, budget), nil
	}

	srv := httpapi.NewServer(datasets, st, newLoop, uploadDir(), cfg.UploadMaxBytes)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Deadline + 15*time.Second,
	}

	slog.Info("server listening", "port", cfg.Port, "url", "http://localhost:"+cfg.Port)
	if err := httpSrv.ListenAndServe(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// buildAdapter builds the server's default adapter from cfg when override is
// nil. A non-nil override scopes a single request to a different
// provider/model/credentials; any field override leaves blank falls back to
// cfg's configured value rather than an empty string.
func buildAdapter(cfg *config.Config, override *llm.ProviderConfig) (llm.Adapter, error) {
	if override == nil {
		return llm.NewAdapter(llm.ProviderConfig{
			Provider: cfg.Provider,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		})
	}
	merged := *override
	if merged.Provider == "" {
		merged.Provider = cfg.Provider
	}
	if merged.Model == "" {
		merged.Model = cfg.Model
	}
	if merged.APIKey == "" {
		merged.APIKey = cfg.APIKey
	}
	if merged.BaseURL == "" {
		merged.BaseURL = cfg.BaseURL
	}
	return llm.NewAdapter(merged)
}

func uploadDir() string {
	if d := os.Getenv("UPLOAD_DIR"); d != "" {
		return d
	}
	return os.TempDir()
}
