package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.False(t, cfg.Server.TLSEnabled)
	assert.NotEmpty(t, cfg.Server.AllowedOrigins)

	assert.Equal(t, "data/chat.db", cfg.Database.Path)

	// Provider catalog
	require.Len(t, cfg.Providers, 4)
	for _, id := range ProviderIDs {
		_, ok := cfg.Providers[id]
		assert.True(t, ok, "provider %s missing from defaults", id)
	}
	assert.False(t, cfg.Providers["custom"].Enabled)
	assert.Equal(t, "gemini-pro", cfg.Providers["gemini"].DefaultModel)

	assert.Equal(t, 20, cfg.Generation.ContextWindow)
	assert.Equal(t, 60*time.Second, cfg.Generation.IdleTimeout)
	assert.Equal(t, "openai", cfg.Generation.DefaultProvider)

	assert.Equal(t, 256, cfg.Gateway.SendBuffer)
	assert.Equal(t, 10*time.Second, cfg.Gateway.WriteWait)
	assert.Equal(t, int64(512*1024), cfg.Gateway.MaxMessageBytes)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:     "valid default config with secret",
			modifyFn: func(cfg *Config) {},
		},
		{
			name:      "invalid port - too low",
			modifyFn:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name:      "invalid port - too high",
			modifyFn:  func(cfg *Config) { cfg.Server.Port = 70000 },
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name:      "short jwt secret",
			modifyFn:  func(cfg *Config) { cfg.Auth.JWTSecret = "short" },
			wantError: true,
			errorMsg:  "jwt_secret must be at least 16 characters",
		},
		{
			name:      "missing database path",
			modifyFn:  func(cfg *Config) { cfg.Database.Path = "" },
			wantError: true,
			errorMsg:  "database path is required",
		},
		{
			name: "unknown provider",
			modifyFn: func(cfg *Config) {
				cfg.Providers["mystery"] = ProviderConfig{Enabled: true}
			},
			wantError: true,
			errorMsg:  "unknown provider",
		},
		{
			name: "default model outside catalog",
			modifyFn: func(cfg *Config) {
				p := cfg.Providers["openai"]
				p.DefaultModel = "gpt-9"
				cfg.Providers["openai"] = p
			},
			wantError: true,
			errorMsg:  "is not in the model list",
		},
		{
			name:      "zero context window",
			modifyFn:  func(cfg *Config) { cfg.Generation.ContextWindow = 0 },
			wantError: true,
			errorMsg:  "context_window must be at least 1",
		},
		{
			name:      "unconfigured default provider",
			modifyFn:  func(cfg *Config) { cfg.Generation.DefaultProvider = "nope" },
			wantError: true,
			errorMsg:  "is not configured",
		},
		{
			name:      "zero send buffer",
			modifyFn:  func(cfg *Config) { cfg.Gateway.SendBuffer = 0 },
			wantError: true,
			errorMsg:  "send_buffer must be at least 1",
		},
		{
			name:      "negative prompt rate",
			modifyFn:  func(cfg *Config) { cfg.RateLimit.PromptsPerMinute = -1 },
			wantError: true,
			errorMsg:  "rates must not be negative",
		},
		{
			name:      "invalid log level",
			modifyFn:  func(cfg *Config) { cfg.Logging.Level = "invalid" },
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name:      "invalid log format",
			modifyFn:  func(cfg *Config) { cfg.Logging.Format = "text" },
			wantError: true,
			errorMsg:  "invalid log format",
		},
		{
			name: "tls without cert",
			modifyFn: func(cfg *Config) {
				cfg.Server.TLSEnabled = true
			},
			wantError: true,
			errorMsg:  "tls_cert_path is required",
		},
		{
			name: "audit without path",
			modifyFn: func(cfg *Config) {
				cfg.Audit.Path = ""
			},
			wantError: true,
			errorMsg:  "audit path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Auth.JWTSecret = testSecret
			tt.modifyFn(cfg)

			errs := cfg.Validate()

			if !tt.wantError {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
				return
			}
			require.NotEmpty(t, errs, "expected validation errors but got none")
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected error message containing '%s', got: %v", tt.errorMsg, errs)
		})
	}
}

func TestProviderSettings(t *testing.T) {
	cfg := DefaultConfig()
	p := cfg.Providers["anthropic"]
	p.APIKey = "sk-ant"
	cfg.Providers["anthropic"] = p

	settings := cfg.ProviderSettings()
	require.Len(t, settings, len(cfg.Providers))
	assert.Equal(t, "sk-ant", settings["anthropic"].APIKey)
	assert.True(t, settings["anthropic"].Enabled)
	assert.Equal(t, cfg.Providers["anthropic"].Models, settings["anthropic"].Models)

	// Mutating the copy must not alias the config.
	settings["anthropic"].Models[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Providers["anthropic"].Models[0])
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestConfigManagerLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "chat.yaml")
	writeConfig(t, configPath, `
server:
  port: 9090
  allowed_origins: ["https://chat.example.com"]
  read_timeout: 5s

auth:
  jwt_secret: "0123456789abcdef0123"

providers:
  anthropic:
    api_key: "test-anthropic-key"
    default_model: "claude-3-haiku-20240307"
  custom:
    enabled: true
    api_key: "ck"
    base_url: "https://llm.internal/v1"
    default_model: "local-model"
    models: ["local-model"]
    timeout: 90s

generation:
  context_window: 10
  idle_timeout: 30s

logging:
  level: "debug"
  format: "console"
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 10, cfg.Generation.ContextWindow)
	assert.Equal(t, 30*time.Second, cfg.Generation.IdleTimeout)

	anth := cfg.Providers["anthropic"]
	assert.Equal(t, "test-anthropic-key", anth.APIKey)
	assert.Equal(t, "claude-3-haiku-20240307", anth.DefaultModel)
	assert.True(t, anth.Enabled, "unset fields keep their defaults")

	cust := cfg.Providers["custom"]
	assert.True(t, cust.Enabled)
	assert.Equal(t, "https://llm.internal/v1", cust.BaseURL)
	assert.Equal(t, 90*time.Second, cust.Timeout)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("KUBILITICS_CHAT_SERVER_PORT", "7070")
	t.Setenv("KUBILITICS_CHAT_AUTH_JWT_SECRET", testSecret)
	t.Setenv("KUBILITICS_CHAT_PROVIDERS_OPENAI_API_KEY", "env-openai-key")
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic-key")

	configPath := filepath.Join(t.TempDir(), "chat.yaml")
	writeConfig(t, configPath, `
server:
  port: 8081
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 7070, cfg.Server.Port, "port should be overridden by environment variable")
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, "env-openai-key", cfg.Providers["openai"].APIKey)
	assert.Equal(t, "env-anthropic-key", cfg.Providers["anthropic"].APIKey, "API key should come from provider variable")
}

func TestConfigManagerMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)
	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestConfigManagerValidation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "chat.yaml")
	writeConfig(t, configPath, `
server:
  port: 99999
generation:
  default_provider: "invalid-provider"
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "generation.default_provider")
}

func TestConfigManagerReload(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "chat.yaml")
	writeConfig(t, configPath, `
providers:
  openai:
    enabled: true
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	before := mgr.Get(ctx)
	assert.True(t, before.Providers["openai"].Enabled)

	writeConfig(t, configPath, `
providers:
  openai:
    enabled: false
`)
	require.NoError(t, mgr.Reload(ctx))

	after := mgr.Get(ctx)
	assert.False(t, after.Providers["openai"].Enabled)
	assert.True(t, before.Providers["openai"].Enabled, "earlier snapshots are not mutated")
}

func TestConfigManagerWatch(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "chat.yaml")
	writeConfig(t, configPath, `
auth:
  jwt_secret: "0123456789abcdef0123"
providers:
  gemini:
    enabled: true
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	updates := mgr.Watch(ctx)

	writeConfig(t, configPath, `
auth:
  jwt_secret: "0123456789abcdef0123"
providers:
  gemini:
    enabled: false
`)

	select {
	case cfg := <-updates:
		assert.False(t, cfg.Providers["gemini"].Enabled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config change")
	}
}
