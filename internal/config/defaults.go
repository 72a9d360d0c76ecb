package config

import (
	"time"

	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/anthropic"
	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/custom"
	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/gemini"
	"github.com/kubilitics/kubilitics-chat/internal/llm/provider/openai"
)

// ProviderIDs is the fixed provider catalog.
var ProviderIDs = []string{openai.ProviderID, anthropic.ProviderID, gemini.ProviderID, custom.ProviderID}

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 5000
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second

	cfg.Database.Path = "data/chat.db"

	cfg.Auth.Issuer = "kubilitics-chat"
	cfg.Auth.TokenTTL = 24 * time.Hour

	cfg.Providers = map[string]ProviderConfig{
		openai.ProviderID: {
			Enabled:      true,
			DefaultModel: openai.DefaultModel,
			Models:       []string{"gpt-3.5-turbo", "gpt-4", "gpt-4o", "gpt-4o-mini"},
			Timeout:      openai.DefaultTimeout,
		},
		anthropic.ProviderID: {
			Enabled:      true,
			DefaultModel: anthropic.DefaultModel,
			Models:       []string{"claude-3-5-sonnet-20241022", "claude-3-haiku-20240307", "claude-3-opus-20240229"},
			Timeout:      anthropic.DefaultTimeout,
		},
		gemini.ProviderID: {
			Enabled:      true,
			DefaultModel: gemini.DefaultModel,
			Models:       []string{"gemini-pro", "gemini-1.5-pro", "gemini-1.5-flash"},
			Timeout:      gemini.DefaultTimeout,
		},
		custom.ProviderID: {
			Enabled: false,
			Timeout: custom.DefaultTimeout,
		},
	}

	cfg.Generation.ContextWindow = 20
	cfg.Generation.IdleTimeout = 60 * time.Second
	cfg.Generation.MaxPromptChars = 32000
	cfg.Generation.DefaultProvider = openai.ProviderID
	cfg.Generation.DefaultModel = openai.DefaultModel

	cfg.Gateway.SendBuffer = 256
	cfg.Gateway.WriteWait = 10 * time.Second
	cfg.Gateway.PongWait = 60 * time.Second
	cfg.Gateway.MaxMessageBytes = 512 * 1024

	cfg.RateLimit.RequestsPerMinute = 600
	cfg.RateLimit.Burst = 50
	cfg.RateLimit.PromptsPerMinute = 30

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Audit.Enabled = true
	cfg.Audit.Path = "logs/audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	return cfg
}
