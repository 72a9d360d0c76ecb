package config

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-chat/internal/llm/bridge"
)

// Package config provides configuration management for the chat server.
//
// Configuration sources (priority order, high to low):
//   1. Environment variables (KUBILITICS_CHAT_* prefix, "." replaced by "_")
//   2. Provider key variables (OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY)
//   3. YAML config file (default: /etc/kubilitics/chat.yaml)
//   4. Built-in defaults
//
// Sections:
//   server      - listen address, CORS origins, timeouts, TLS
//   database    - SQLite file path
//   auth        - JWT secret and issuer
//   providers   - per-provider enablement, credentials and model catalog
//   generation  - context window, idle timeout, prompt limits, default provider
//   gateway     - websocket buffers and keepalive timing
//   ratelimit   - HTTP and prompt rate limits
//   logging     - level and format
//   audit       - audit trail file and rotation

// Config contains all configuration fields.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Auth       AuthConfig
	Providers  map[string]ProviderConfig
	Generation GenerationConfig
	Gateway    GatewayConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
	Audit      AuditConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TLSEnabled     bool
	TLSCertPath    string
	TLSKeyPath     string
}

type DatabaseConfig struct {
	Path string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// ProviderConfig holds the operator settings for one model provider.
type ProviderConfig struct {
	Enabled      bool
	APIKey       string
	BaseURL      string
	DefaultModel string
	Models       []string
	Timeout      time.Duration
}

type GenerationConfig struct {
	// ContextWindow is the number of most recent messages sent to the provider.
	ContextWindow   int
	IdleTimeout     time.Duration
	MaxPromptChars  int
	DefaultProvider string
	DefaultModel    string
}

type GatewayConfig struct {
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	PromptsPerMinute  int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ProviderSettings converts the providers section into bridge settings.
func (c *Config) ProviderSettings() map[string]bridge.Settings {
	out := make(map[string]bridge.Settings, len(c.Providers))
	for id, p := range c.Providers {
		out[id] = bridge.Settings{
			Enabled:      p.Enabled,
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			DefaultModel: p.DefaultModel,
			Models:       append([]string(nil), p.Models...),
			Timeout:      p.Timeout,
		}
	}
	return out
}

// ConfigManager loads and watches configuration.
type ConfigManager interface {
	// Load reads configuration from defaults, file and environment.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate returns an aggregated error if the configuration is invalid.
	Validate(ctx context.Context) error

	// Watch delivers a new configuration each time the file changes.
	Watch(ctx context.Context) <-chan *Config

	// Reload re-reads configuration from all sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a manager reading from configPath.
func NewConfigManager(configPath string) (ConfigManager, error) {
	return &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan *Config, 1),
	}, nil
}

// NewConfigManagerWithDefaults creates a manager for the default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/chat.yaml")
}
