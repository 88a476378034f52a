// Package config loads client configuration from the environment:
// credential, base URL, STT plan, queue capacity, and the
// model-catalog cache interval.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/emirhan-k/groq-go/internal/groqerr"
)

// Plan selects the STT upload size cap.
type Plan string

const (
	PlanFree      Plan = "free"
	PlanDeveloper Plan = "developer"

	freeMaxFileSize      = 25 * 1024 * 1024
	developerMaxFileSize = 100 * 1024 * 1024

	// DefaultBaseURL is used when GROQ_BASE_URL is unset.
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	defaultQueueCapacity     = 1000
	defaultModelCacheInterval = time.Hour
)

// Config holds all client configuration values.
type Config struct {
	// APIKey is the bearer credential sent on every request. Required.
	APIKey string
	// BaseURL is the API origin, trailing slash stripped. Required.
	BaseURL string
	// Plan selects the STT file-size cap.
	Plan Plan
	// QueueCapacity is the hard cap on total live queued requests.
	QueueCapacity int
	// ModelCacheInterval is how long a populated model catalog is
	// considered fresh before a Populate call re-fetches it.
	ModelCacheInterval time.Duration

	// LogLevel is the minimum level zerolog emits (e.g. "info", "debug").
	LogLevel string
	// Env selects development vs production logging/formatting.
	Env string
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIKey:             os.Getenv("GROQ_API_KEY"),
		BaseURL:            strings.TrimSuffix(getEnv("GROQ_BASE_URL", DefaultBaseURL), "/"),
		Plan:               Plan(strings.ToLower(getEnv("GROQ_PLAN", string(PlanFree)))),
		QueueCapacity:      getEnvInt("GROQ_QUEUE_CAPACITY", defaultQueueCapacity),
		ModelCacheInterval: time.Duration(getEnvInt("GROQ_MODEL_CACHE_INTERVAL_SEC", int(defaultModelCacheInterval.Seconds()))) * time.Second,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Env:                getEnv("ENV", "production"),
	}
	return cfg, cfg.Validate()
}

// Validate enforces a non-empty credential, a non-empty base URL, a
// positive queue capacity, and a recognized plan.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return groqerr.Validation("api key is required")
	}
	if c.BaseURL == "" {
		return groqerr.Validation("base url is required")
	}
	if c.QueueCapacity <= 0 {
		return groqerr.Validation("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	switch c.Plan {
	case PlanFree, PlanDeveloper:
	default:
		return groqerr.Validation("unknown plan %q", c.Plan)
	}
	return nil
}

// MaxAudioFileSize returns the STT upload cap in bytes for the plan.
func (c *Config) MaxAudioFileSize() int64 {
	if c.Plan == PlanDeveloper {
		return developerMaxFileSize
	}
	return freeMaxFileSize
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
