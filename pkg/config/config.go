// Package config loads process configuration from the environment, in the
// same getEnv/struct style as cmd/tarsy/main.go and pkg/database/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-sourced setting used by cmd/cro-core.
type Config struct {
	DatabaseURL      string
	ColumnarBasePath string

	AnthropicAPIKey string
	LLMModelID      string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	FrontendURL string

	// Sync window settings (Design Notes §9, Open Question), read from
	// LOOKBACK_DAYS and DEFAULT_BACKFILL_DAYS. They are not passed to the
	// Sync Coordinator, whose window uses a fixed 2-day lookback and 90-day
	// backfill.
	LookbackDays       int
	DefaultBackfillDays int

	// Embedding Worker tuning (§4.4).
	EmbeddingPollInterval time.Duration
	EmbeddingBatchSize    int
	EmbeddingBatchTimeout time.Duration

	// Agent Loop tuning (§4.9, §5).
	AgentMaxTurns       int
	AgentTurnTimeout    time.Duration
	AgentTotalTimeout   time.Duration
	GA4ReportTimeout    time.Duration
	LLMTurnTimeout      time.Duration

	HTTPPort string
}

// Load reads configuration from the environment, applying the defaults
// documented in spec.md §6 and §9.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		ColumnarBasePath: getEnv("COLUMNAR_BASE_PATH", "/tmp/ga4_data"),

		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		LLMModelID:      getEnv("LLM_MODEL_ID", "claude-sonnet-4-5"),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),

		HTTPPort: getEnv("HTTP_PORT", "8080"),
	}

	var err error
	if cfg.LookbackDays, err = getEnvInt("LOOKBACK_DAYS", 2); err != nil {
		return nil, err
	}
	if cfg.DefaultBackfillDays, err = getEnvInt("DEFAULT_BACKFILL_DAYS", 90); err != nil {
		return nil, err
	}
	if cfg.EmbeddingPollInterval, err = getEnvDuration("EMBEDDING_POLL_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.EmbeddingBatchSize, err = getEnvInt("EMBEDDING_BATCH_SIZE", 32); err != nil {
		return nil, err
	}
	if cfg.EmbeddingBatchTimeout, err = getEnvDuration("EMBEDDING_BATCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AgentMaxTurns, err = getEnvInt("AGENT_MAX_TURNS", 15); err != nil {
		return nil, err
	}
	if cfg.AgentTurnTimeout, err = getEnvDuration("AGENT_TURN_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.AgentTotalTimeout, err = getEnvDuration("AGENT_TOTAL_TIMEOUT", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.GA4ReportTimeout, err = getEnvDuration("GA4_REPORT_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.LLMTurnTimeout, err = getEnvDuration("LLM_TURN_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
