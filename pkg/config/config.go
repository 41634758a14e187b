// Package config resolves the runtime configuration from environment
// variables. Every knob has a default except the API key, which is
// allowed to be empty so the service can run in rule-based-only mode.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the resolved runtime configuration.
type Config struct {
	// Model endpoint.
	APIKey     string
	APIBaseURL string

	// Per-call models.
	VisionModel string
	TextModel   string

	// Spend and throughput limits.
	DailyBudgetUSD float64
	RateLimitRPS   float64

	// Result cache capacity (completed submissions).
	CacheSize int

	// HTTP listener.
	HTTPPort int

	// Optional directory with reference-table overrides.
	ReferenceDir string
}

// LoadFromEnv resolves the configuration from PALIMPSEST_* environment
// variables, applying defaults for anything unset.
func LoadFromEnv() (*Config, error) {
	budget, err := parseFloat("PALIMPSEST_DAILY_BUDGET_USD", "25.0")
	if err != nil {
		return nil, err
	}
	rps, err := parseFloat("PALIMPSEST_RATE_LIMIT_RPS", "4")
	if err != nil {
		return nil, err
	}
	cacheSize, err := parseInt("PALIMPSEST_CACHE_SIZE", "256")
	if err != nil {
		return nil, err
	}
	port, err := parseInt("PALIMPSEST_HTTP_PORT", "8080")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIKey:         os.Getenv("PALIMPSEST_API_KEY"),
		APIBaseURL:     getEnvOrDefault("PALIMPSEST_API_BASE_URL", "https://api.anthropic.com"),
		VisionModel:    getEnvOrDefault("PALIMPSEST_MODEL_VISION", "claude-3-5-sonnet-20241022"),
		TextModel:      getEnvOrDefault("PALIMPSEST_MODEL_TEXT", "claude-3-haiku-20240307"),
		DailyBudgetUSD: budget,
		RateLimitRPS:   rps,
		CacheSize:      cacheSize,
		HTTPPort:       port,
		ReferenceDir:   os.Getenv("PALIMPSEST_REFERENCE_DIR"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.DailyBudgetUSD <= 0 {
		return fmt.Errorf("daily budget must be positive, got %.2f", c.DailyBudgetUSD)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate limit must be positive, got %.2f", c.RateLimitRPS)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive, got %d", c.CacheSize)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port out of range: %d", c.HTTPPort)
	}
	if c.VisionModel == "" || c.TextModel == "" {
		return fmt.Errorf("model ids must not be empty")
	}
	return nil
}

// ListenAddr returns the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseFloat(key, defaultVal string) (float64, error) {
	v, err := strconv.ParseFloat(getEnvOrDefault(key, defaultVal), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseInt(key, defaultVal string) (int, error) {
	v, err := strconv.Atoi(getEnvOrDefault(key, defaultVal))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
