// Package config loads the dispatch client configuration from YAML.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Bounds shared with the dispatcher.
const (
	MaxConcurrency = 20
	MaxBatchSize   = 20
)

// Config is the root configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Retry      RetryConfig      `yaml:"retry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Auth       AuthConfig       `yaml:"auth"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServiceConfig describes the target API.
type ServiceConfig struct {
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DispatcherConfig contains batching settings.
type DispatcherConfig struct {
	Concurrency int           `yaml:"concurrency"`
	BatchSize   int           `yaml:"batch_size"`
	IdleFlush   time.Duration `yaml:"idle_flush"`
}

// RetryConfig contains the retry budgets of the sender.
type RetryConfig struct {
	MaxThrottleRetries  int           `yaml:"max_throttle_retries"`
	MaxTransientRetries int           `yaml:"max_transient_retries"`
	TransientBackoff    time.Duration `yaml:"transient_backoff"`
	DefaultRetryAfter   time.Duration `yaml:"default_retry_after"`
}

// RateLimitConfig contains local request pacing.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 disables pacing
	Burst             int     `yaml:"burst"`
}

// AuthConfig selects client credentials or a static token. Both empty
// sends requests unauthenticated.
type AuthConfig struct {
	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	TokenURL     string   `yaml:"token_url"`
	StaticToken  string   `yaml:"static_token"`
}

// Enabled reports whether any credential is configured.
func (a AuthConfig) Enabled() bool {
	return a.StaticToken != "" || a.ClientID != "" || a.ClientSecret != ""
}

// RedisConfig enables the shared token cache and throttle window. An
// empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// MetricsConfig contains the metrics listener. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, expanding environment variables first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var (
	bracedVar = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	bareVar   = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)
)

// expandEnvVars replaces ${VAR} and $VAR with environment values. Unset
// variables are left as written.
func expandEnvVars(s string) string {
	s = bracedVar.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
	return bareVar.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[1:]); ok {
			return val
		}
		return match
	})
}

// applyDefaults sets default values for unset configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Service.BaseURL == "" {
		cfg.Service.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if cfg.Service.UserAgent == "" {
		cfg.Service.UserAgent = "graph-batch-client/dev"
	}
	if cfg.Service.Timeout == 0 {
		cfg.Service.Timeout = 100 * time.Second
	}
	if cfg.Dispatcher.Concurrency == 0 {
		cfg.Dispatcher.Concurrency = 16
	}
	if cfg.Dispatcher.BatchSize == 0 {
		cfg.Dispatcher.BatchSize = MaxBatchSize
	}
	if cfg.Dispatcher.IdleFlush == 0 {
		cfg.Dispatcher.IdleFlush = 2 * time.Second
	}
	if cfg.Retry.MaxThrottleRetries == 0 {
		cfg.Retry.MaxThrottleRetries = 3
	}
	if cfg.Retry.MaxTransientRetries == 0 {
		cfg.Retry.MaxTransientRetries = 3
	}
	if cfg.Retry.TransientBackoff == 0 {
		cfg.Retry.TransientBackoff = 5 * time.Second
	}
	if cfg.Retry.DefaultRetryAfter == 0 {
		cfg.Retry.DefaultRetryAfter = 5 * time.Second
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 1
	}
	if len(cfg.Auth.Scopes) == 0 {
		cfg.Auth.Scopes = []string{"https://graph.microsoft.com/.default"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Service.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("service.base_url must be an absolute URL: %q", c.Service.BaseURL)
	}
	if c.Service.Timeout < 0 {
		return fmt.Errorf("service.timeout must not be negative")
	}

	if c.Dispatcher.Concurrency < 1 || c.Dispatcher.Concurrency > MaxConcurrency {
		return fmt.Errorf("dispatcher.concurrency must be between 1 and %d, got %d", MaxConcurrency, c.Dispatcher.Concurrency)
	}
	if c.Dispatcher.BatchSize < 1 || c.Dispatcher.BatchSize > MaxBatchSize {
		return fmt.Errorf("dispatcher.batch_size must be between 1 and %d, got %d", MaxBatchSize, c.Dispatcher.BatchSize)
	}
	if c.Dispatcher.IdleFlush < 0 {
		return fmt.Errorf("dispatcher.idle_flush must not be negative")
	}

	if c.Retry.MaxThrottleRetries < 0 || c.Retry.MaxTransientRetries < 0 {
		return fmt.Errorf("retry budgets must not be negative")
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}

	if c.Auth.StaticToken != "" && (c.Auth.ClientID != "" || c.Auth.ClientSecret != "") {
		return fmt.Errorf("auth.static_token and auth.client_id are mutually exclusive")
	}
	if c.Auth.ClientID != "" || c.Auth.ClientSecret != "" {
		if c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
			return fmt.Errorf("auth.client_id and auth.client_secret are both required")
		}
		if c.Auth.TenantID == "" && c.Auth.TokenURL == "" {
			return fmt.Errorf("auth.tenant_id or auth.token_url is required with client credentials")
		}
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported logging.level: %s", c.Logging.Level)
	}

	return nil
}
