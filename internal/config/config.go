package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Tollgate server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Assistant AssistantConfig
	Executor  ExecutorConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	// TokenSecret signs and verifies HS256 bearer tokens. API keys work
	// without it, but token auth and the admin token-minting endpoint
	// require a non-empty secret.
	TokenSecret string
	TokenTTL    time.Duration
}

type AssistantConfig struct {
	BaseURL    string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
}

type ExecutorConfig struct {
	Workers        int
	QueueSize      int
	PollInterval   time.Duration
	PollBudget     time.Duration
	WebhookTimeout time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value is
// missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("TOLLGATE_PORT", 8080),
			Env:  envString("TOLLGATE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			TokenSecret: os.Getenv("TOLLGATE_TOKEN_SECRET"),
			TokenTTL:    envDuration("TOLLGATE_TOKEN_TTL", 24*time.Hour),
		},
		Assistant: AssistantConfig{
			BaseURL:    os.Getenv("ASSISTANT_BASE_URL"),
			APIKey:     os.Getenv("ASSISTANT_API_KEY"),
			APIVersion: envString("ASSISTANT_API_VERSION", "2024-05-01-preview"),
			Timeout:    envDuration("ASSISTANT_TIMEOUT", 30*time.Second),
		},
		Executor: ExecutorConfig{
			Workers:        envInt("EXECUTOR_WORKERS", 10),
			QueueSize:      envInt("EXECUTOR_QUEUE_SIZE", 256),
			PollInterval:   envDuration("EXECUTOR_POLL_INTERVAL", 2*time.Second),
			PollBudget:     envDuration("EXECUTOR_POLL_BUDGET", 55*time.Second),
			WebhookTimeout: envDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("ASSISTANT_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Assistant.BaseURL, "http://") && !strings.HasPrefix(c.Assistant.BaseURL, "https://") {
		return fmt.Errorf("ASSISTANT_BASE_URL must start with http:// or https://, got %q", c.Assistant.BaseURL)
	}
	if c.Assistant.APIKey == "" {
		return fmt.Errorf("ASSISTANT_API_KEY is required")
	}

	if c.Executor.Workers <= 0 {
		return fmt.Errorf("EXECUTOR_WORKERS must be positive, got %d", c.Executor.Workers)
	}
	if c.Executor.PollInterval <= 0 {
		return fmt.Errorf("EXECUTOR_POLL_INTERVAL must be positive, got %s", c.Executor.PollInterval)
	}
	if c.Executor.PollBudget < c.Executor.PollInterval {
		return fmt.Errorf("EXECUTOR_POLL_BUDGET (%s) must be at least EXECUTOR_POLL_INTERVAL (%s)",
			c.Executor.PollBudget, c.Executor.PollInterval)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
