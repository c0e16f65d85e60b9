package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"trip_planner/internal/batch"
)

// ----------------------------------------------------
// ================ Config ================

// Config is the full runtime configuration, read from the environment.
type Config struct {
	Log      LogConfig      `envconfig:"LOG"`
	Session  SessionConfig  `envconfig:"SESSION"`
	RedisURL string         `envconfig:"REDIS_URL"`
	Pipeline PipelineConfig `envconfig:"PIPELINE"`
	Retry    RetryConfig    `envconfig:"RETRY"`
	LLM      LLMConfig      `envconfig:"LLM"`
	Routing  RoutingConfig  `envconfig:"ROUTING"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string `envconfig:"LEVEL" default:"info"`
	Format     string `envconfig:"FORMAT" default:"console"`
	Output     string `envconfig:"OUTPUT" default:"stderr"`
	FilePath   string `envconfig:"FILE_PATH" default:"logs/planner.log"`
	TimeFormat string `envconfig:"TIME_FORMAT" default:"rfc3339"`
}

type SessionConfig struct {
	Timeout         time.Duration `envconfig:"TIMEOUT" default:"1h"`
	MaxTurns        int           `envconfig:"MAX_TURNS" default:"10"`
	ContextTurns    int           `envconfig:"CONTEXT_TURNS" default:"10"`
	Backend         string        `envconfig:"BACKEND" default:"memory"`
	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" default:"5m"`
}

type PipelineConfig struct {
	StageTimeout time.Duration `envconfig:"STAGE_TIMEOUT" default:"120s"`
	// File is an optional YAML overlay with per-stage settings.
	File      string `envconfig:"FILE"`
	RouteLegs bool   `envconfig:"ROUTE_LEGS" default:"true"`
	Buffer    int    `envconfig:"STREAM_BUFFER" default:"64"`
}

type RetryConfig struct {
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	BaseDelay   time.Duration `envconfig:"BASE_DELAY" default:"500ms"`
	ItemDelay   time.Duration `envconfig:"ITEM_DELAY" default:"500ms"`
	Concurrency int           `envconfig:"CONCURRENCY" default:"1"`
}

type LLMConfig struct {
	APIKey      string  `envconfig:"API_KEY"`
	BaseURL     string  `envconfig:"BASE_URL" default:"https://openrouter.ai/api/v1"`
	Model       string  `envconfig:"MODEL" default:"openai/gpt-4o-mini"`
	MaxTokens   int     `envconfig:"MAX_TOKENS" default:"2000"`
	Temperature float64 `envconfig:"TEMPERATURE" default:"0.3"`
	PromptsPath string  `envconfig:"PROMPTS_PATH"`
}

type RoutingConfig struct {
	Mode      string `envconfig:"MODE" default:"rule"`
	RulesPath string `envconfig:"RULES_PATH"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Session.Backend) {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("SESSION_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}

	switch strings.ToLower(c.Routing.Mode) {
	case "rule":
	case "llm":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("ROUTING_MODE=llm requires LLM_API_KEY")
		}
	default:
		return fmt.Errorf("unknown routing mode %q", c.Routing.Mode)
	}

	if c.Session.MaxTurns <= 0 {
		return fmt.Errorf("SESSION_MAX_TURNS must be positive, got %d", c.Session.MaxTurns)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// BatchOptions converts the retry settings for the batch package.
func (r RetryConfig) BatchOptions() batch.Options {
	return batch.Options{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		ItemDelay:   r.ItemDelay,
		Concurrency: r.Concurrency,
	}
}
