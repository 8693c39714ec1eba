package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LogConfig        `yaml:"logging"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Generation GenerationConfig `yaml:"generation"`
	Auth       AuthConfig       `yaml:"auth"`
	Quota      QuotaConfig      `yaml:"quota"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `yaml:"port" envconfig:"PORT"`
	Host            string        `yaml:"host" envconfig:"HOST"`
	AllowOrigins    []string      `yaml:"allow_origins" envconfig:"CORS_ORIGINS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Development bool   `yaml:"development" envconfig:"LOG_DEV"`
}

// RateLimitConfig holds inbound rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `yaml:"rps" envconfig:"RATE_LIMIT_RPS"`
	Burst             int  `yaml:"burst" envconfig:"RATE_LIMIT_BURST"`
	Enabled           bool `yaml:"enabled" envconfig:"RATE_LIMIT_ENABLED"`
}

// GenerationConfig holds remote generation endpoint configuration.
type GenerationConfig struct {
	Endpoint          string        `yaml:"endpoint" envconfig:"GENERATION_ENDPOINT"`
	Timeout           time.Duration `yaml:"timeout" envconfig:"GENERATION_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"rps" envconfig:"GENERATION_RPS"`
}

// AuthConfig holds credential store configuration.
type AuthConfig struct {
	URL              string        `yaml:"url" envconfig:"AUTH_URL"`
	APIKey           string        `yaml:"api_key" envconfig:"AUTH_API_KEY"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold" envconfig:"AUTH_REFRESH_THRESHOLD"`
	MonitorInterval  time.Duration `yaml:"monitor_interval" envconfig:"AUTH_MONITOR_INTERVAL"`
}

// QuotaConfig holds usage quota configuration.
type QuotaConfig struct {
	Limit  int64  `yaml:"limit" envconfig:"QUOTA_LIMIT"`
	DBPath string `yaml:"db_path" envconfig:"QUOTA_DB_PATH"`
}

// SandboxConfig holds isolated execution configuration.
type SandboxConfig struct {
	ScriptBudget      time.Duration `yaml:"script_budget" envconfig:"SANDBOX_SCRIPT_BUDGET"`
	FrameInterval     time.Duration `yaml:"frame_interval" envconfig:"SANDBOX_FRAME_INTERVAL"`
	MaxConsoleEntries int           `yaml:"max_console_entries" envconfig:"SANDBOX_MAX_CONSOLE"`
}

// WorkspaceConfig holds presentation workspace lifecycle configuration.
type WorkspaceConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl" envconfig:"WORKSPACE_IDLE_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"WORKSPACE_SWEEP_INTERVAL"`
}

// Load builds configuration from defaults, then the optional YAML file at
// path, then environment variables. Only variables that are set override.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load("")
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if c.Quota.Limit <= 0 {
		return fmt.Errorf("quota limit must be positive, got %d", c.Quota.Limit)
	}
	if c.Auth.RefreshThreshold < 0 {
		return fmt.Errorf("auth refresh threshold must not be negative")
	}
	if c.Sandbox.ScriptBudget <= 0 {
		return fmt.Errorf("sandbox script budget must be positive")
	}
	if c.Sandbox.FrameInterval <= 0 {
		return fmt.Errorf("sandbox frame interval must be positive")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			AllowOrigins:    []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Generation: GenerationConfig{
			Endpoint:          "http://localhost:54321/functions/v1/simulate",
			Timeout:           90 * time.Second,
			RequestsPerSecond: 5,
		},
		Auth: AuthConfig{
			URL:              "http://localhost:54321",
			RefreshThreshold: 5 * time.Minute,
			MonitorInterval:  2 * time.Minute,
		},
		Quota: QuotaConfig{
			Limit: 2000,
		},
		Sandbox: SandboxConfig{
			ScriptBudget:      2 * time.Second,
			FrameInterval:     16 * time.Millisecond,
			MaxConsoleEntries: 200,
		},
		Workspace: WorkspaceConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
	}
}
