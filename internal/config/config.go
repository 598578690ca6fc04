// Package config loads and validates process configuration: collect every
// missing required variable and fail hard with all of them at once,
// rather than one at a time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven setting the core needs: LLM
// provider credentials, the DuckDB file backing the Analytical Store, and
// the agent loop's hard budgets.
type Config struct {
	Provider   string // "openai" or "anthropic"
	APIKey     string
	BaseURL    string
	Model      string

	DuckDBPath string // "" or ":memory:" both mean in-memory

	Port string

	MaxSteps       int
	MaxRows        int
	QueryTimeout   time.Duration
	Deadline       time.Duration
	UploadMaxBytes int64
	CostBudgetUSD  float64 // 0 means no cost ceiling

	PricingFile string // optional YAML path, see internal/llm/cost.go
}

const (
	defaultMaxSteps       = 8
	defaultMaxRows        = 10000
	defaultQueryTimeout   = 30 * time.Second
	defaultDeadline       = 60 * time.Second
	defaultUploadMaxBytes = 50 * 1024 * 1024
	defaultPort           = "8080"
)

// Load reads and validates configuration from the environment. It fails
// hard, returning a single aggregated error naming every missing
// required variable at once.
func Load() (*Config, error) {
	var missing []string

	provider := os.Getenv("LLM_PROVIDER")
	if provider == "" {
		missing = append(missing, "LLM_PROVIDER")
	}

	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	cfg := &Config{
		Provider:       provider,
		APIKey:         apiKey,
		BaseURL:        os.Getenv("LLM_BASE_URL"),
		Model:          envOr("LLM_MODEL", defaultModelFor(provider)),
		DuckDBPath:     envOr("DUCKDB_PATH", ""),
		Port:           envOr("PORT", defaultPort),
		MaxSteps:       envInt("MAX_STEPS", defaultMaxSteps),
		MaxRows:        envInt("MAX_ROWS", defaultMaxRows),
		QueryTimeout:   envDuration("QUERY_TIMEOUT", defaultQueryTimeout),
		Deadline:       envDuration("DEADLINE", defaultDeadline),
		UploadMaxBytes: int64(envInt("UPLOAD_MAX_BYTES", defaultUploadMaxBytes)),
		CostBudgetUSD:  envFloat("COST_BUDGET_USD", 0),
		PricingFile:    os.Getenv("PRICING_FILE"),
	}

	if provider != "openai" && provider != "anthropic" {
		return nil, fmt.Errorf("unsupported LLM_PROVIDER %q: want openai or anthropic", provider)
	}

	return cfg, nil
}

func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	default:
		return "gpt-5"
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
