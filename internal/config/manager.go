package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// providerKeyEnv maps provider ids to the conventional API key variables.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"custom":    "CUSTOM_AI_API_KEY",
}

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan *Config

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("KUBILITICS_CHAT")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// A missing file is fine: defaults and env vars still apply.
	if err := m.readFile(); err != nil {
		return err
	}

	return m.unmarshalConfig()
}

func (m *viperConfigManager) readFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and delivers each valid reload.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan *Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		cfg := m.Get(ctx)
		if len(cfg.Validate()) > 0 {
			return
		}
		select {
		case m.watchChan <- cfg:
		default:
			// Receiver still holds the previous update; it will re-read Get.
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readFile(); err != nil {
		return err
	}
	return m.unmarshalConfig()
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.host", d.Server.Host)
	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	m.viper.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	m.viper.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	m.viper.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", d.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", d.Server.TLSKeyPath)

	m.viper.SetDefault("database.path", d.Database.Path)

	m.viper.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	m.viper.SetDefault("auth.issuer", d.Auth.Issuer)
	m.viper.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	for _, id := range ProviderIDs {
		p := d.Providers[id]
		prefix := "providers." + id + "."
		m.viper.SetDefault(prefix+"enabled", p.Enabled)
		m.viper.SetDefault(prefix+"api_key", p.APIKey)
		m.viper.SetDefault(prefix+"base_url", p.BaseURL)
		m.viper.SetDefault(prefix+"default_model", p.DefaultModel)
		m.viper.SetDefault(prefix+"models", p.Models)
		m.viper.SetDefault(prefix+"timeout", p.Timeout)
	}

	m.viper.SetDefault("generation.context_window", d.Generation.ContextWindow)
	m.viper.SetDefault("generation.idle_timeout", d.Generation.IdleTimeout)
	m.viper.SetDefault("generation.max_prompt_chars", d.Generation.MaxPromptChars)
	m.viper.SetDefault("generation.default_provider", d.Generation.DefaultProvider)
	m.viper.SetDefault("generation.default_model", d.Generation.DefaultModel)

	m.viper.SetDefault("gateway.send_buffer", d.Gateway.SendBuffer)
	m.viper.SetDefault("gateway.write_wait", d.Gateway.WriteWait)
	m.viper.SetDefault("gateway.pong_wait", d.Gateway.PongWait)
	m.viper.SetDefault("gateway.max_message_bytes", d.Gateway.MaxMessageBytes)

	m.viper.SetDefault("ratelimit.requests_per_minute", d.RateLimit.RequestsPerMinute)
	m.viper.SetDefault("ratelimit.burst", d.RateLimit.Burst)
	m.viper.SetDefault("ratelimit.prompts_per_minute", d.RateLimit.PromptsPerMinute)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)

	m.viper.SetDefault("audit.enabled", d.Audit.Enabled)
	m.viper.SetDefault("audit.path", d.Audit.Path)
	m.viper.SetDefault("audit.max_size_mb", d.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", d.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", d.Audit.MaxAgeDays)
	m.viper.SetDefault("audit.compress", d.Audit.Compress)
}

// unmarshalConfig builds a fresh Config from viper and swaps it in.
func (m *viperConfigManager) unmarshalConfig() error {
	v := m.viper
	cfg := &Config{}

	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	cfg.Server.TLSEnabled = v.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = v.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = v.GetString("server.tls_key_path")

	cfg.Database.Path = v.GetString("database.path")

	cfg.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	cfg.Auth.Issuer = v.GetString("auth.issuer")
	cfg.Auth.TokenTTL = v.GetDuration("auth.token_ttl")

	cfg.Providers = make(map[string]ProviderConfig, len(ProviderIDs))
	for _, id := range ProviderIDs {
		prefix := "providers." + id + "."
		p := ProviderConfig{
			Enabled:      v.GetBool(prefix + "enabled"),
			APIKey:       v.GetString(prefix + "api_key"),
			BaseURL:      v.GetString(prefix + "base_url"),
			DefaultModel: v.GetString(prefix + "default_model"),
			Models:       v.GetStringSlice(prefix + "models"),
			Timeout:      v.GetDuration(prefix + "timeout"),
		}
		if p.APIKey == "" {
			p.APIKey = os.Getenv(providerKeyEnv[id])
		}
		cfg.Providers[id] = p
	}

	cfg.Generation.ContextWindow = v.GetInt("generation.context_window")
	cfg.Generation.IdleTimeout = v.GetDuration("generation.idle_timeout")
	cfg.Generation.MaxPromptChars = v.GetInt("generation.max_prompt_chars")
	cfg.Generation.DefaultProvider = v.GetString("generation.default_provider")
	cfg.Generation.DefaultModel = v.GetString("generation.default_model")

	cfg.Gateway.SendBuffer = v.GetInt("gateway.send_buffer")
	cfg.Gateway.WriteWait = v.GetDuration("gateway.write_wait")
	cfg.Gateway.PongWait = v.GetDuration("gateway.pong_wait")
	cfg.Gateway.MaxMessageBytes = v.GetInt64("gateway.max_message_bytes")

	cfg.RateLimit.RequestsPerMinute = v.GetInt("ratelimit.requests_per_minute")
	cfg.RateLimit.Burst = v.GetInt("ratelimit.burst")
	cfg.RateLimit.PromptsPerMinute = v.GetInt("ratelimit.prompts_per_minute")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")

	cfg.Audit.Enabled = v.GetBool("audit.enabled")
	cfg.Audit.Path = v.GetString("audit.path")
	cfg.Audit.MaxSizeMB = v.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = v.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = v.GetInt("audit.max_age_days")
	cfg.Audit.Compress = v.GetBool("audit.compress")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
