package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the Xpert control plane.
type Config struct {
	Port     int    `env:"XPERT_PORT" envDefault:"8080"`
	Version  string `env:"XPERT_VERSION" envDefault:"0.1.0"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// DataDir enables snapshot persistence of the memory store.
	DataDir string `env:"XPERT_DATA_DIR"`

	Telemetry  TelemetryConfig
	Checkpoint CheckpointConfig
	Tokens     TokenConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Chat       ChatConfig
	Toolsets   ToolsetConfig
}

type TelemetryConfig struct {
	Enabled      bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"xpert-control-plane"`
}

// CheckpointConfig selects where thread checkpoints are kept.
type CheckpointConfig struct {
	Driver string `env:"CHECKPOINT_DRIVER" envDefault:"memory"` // memory | sqlite | postgres
	DSN    string `env:"CHECKPOINT_DSN"`
}

// TokenConfig selects the token ledger. A zero limit disables limits.
type TokenConfig struct {
	Ledger string `env:"TOKEN_LEDGER" envDefault:"memory"` // memory | redis
	Limit  int64  `env:"TOKEN_LIMIT" envDefault:"0"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// LLMConfig configures the default chat model driver.
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"echo"` // echo | openai | anthropic
	APIKey   string `env:"LLM_API_KEY"`
	BaseURL  string `env:"LLM_BASE_URL"`
	Model    string `env:"LLM_MODEL"`
}

type ChatConfig struct {
	MaxTurns       int `env:"CHAT_MAX_TURNS" envDefault:"10"`
	RecursionLimit int `env:"GRAPH_RECURSION_LIMIT" envDefault:"25"`
}

// ToolsetConfig points at an on-disk provider schema tree. Empty uses the
// builtin providers.
type ToolsetConfig struct {
	SchemaDir string `env:"TOOLSET_SCHEMA_DIR"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	switch c.Checkpoint.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("CHECKPOINT_DSN is required for the %s checkpoint driver", c.Checkpoint.Driver)
		}
	default:
		return fmt.Errorf("unsupported checkpoint driver: %s", c.Checkpoint.Driver)
	}

	switch c.Tokens.Ledger {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis token ledger")
		}
	default:
		return fmt.Errorf("unsupported token ledger: %s", c.Tokens.Ledger)
	}
	if c.Tokens.Limit < 0 {
		return fmt.Errorf("token limit must not be negative")
	}

	switch c.LLM.Provider {
	case "echo":
	case "openai", "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required for provider %s", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}

	if c.Chat.MaxTurns < 1 {
		return fmt.Errorf("chat max turns must be at least 1")
	}
	if c.Chat.RecursionLimit < 1 {
		return fmt.Errorf("graph recursion limit must be at least 1")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
