package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		add("server.timeouts", "read and write timeouts must not be negative")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			add("server.tls_cert_path", "tls_cert_path is required when tls_enabled is true")
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			add("server.tls_cert_path", "certificate file does not exist: %s", c.Server.TLSCertPath)
		}
		if c.Server.TLSKeyPath == "" {
			add("server.tls_key_path", "tls_key_path is required when tls_enabled is true")
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			add("server.tls_key_path", "key file does not exist: %s", c.Server.TLSKeyPath)
		}
	}

	if c.Database.Path == "" {
		add("database.path", "database path is required")
	}

	// Auth
	if len(c.Auth.JWTSecret) < 16 {
		add("auth.jwt_secret", "jwt_secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		add("auth.token_ttl", "token_ttl must be positive")
	}

	// Providers
	for id, p := range c.Providers {
		if !isKnownProvider(id) {
			add("providers."+id, "unknown provider %q (valid: %s)", id, strings.Join(ProviderIDs, ", "))
			continue
		}
		if p.Timeout < 0 {
			add("providers."+id+".timeout", "timeout must not be negative")
		}
		if p.DefaultModel != "" && len(p.Models) > 0 && !contains(p.Models, p.DefaultModel) {
			add("providers."+id+".default_model", "default model %q is not in the model list", p.DefaultModel)
		}
	}

	// Generation
	if c.Generation.ContextWindow < 1 {
		add("generation.context_window", "context_window must be at least 1, got %d", c.Generation.ContextWindow)
	}
	if c.Generation.IdleTimeout <= 0 {
		add("generation.idle_timeout", "idle_timeout must be positive")
	}
	if c.Generation.MaxPromptChars < 1 {
		add("generation.max_prompt_chars", "max_prompt_chars must be at least 1")
	}
	if c.Generation.DefaultProvider == "" {
		add("generation.default_provider", "default provider is required")
	} else if _, ok := c.Providers[c.Generation.DefaultProvider]; !ok {
		add("generation.default_provider", "default provider %q is not configured", c.Generation.DefaultProvider)
	}

	// Gateway
	if c.Gateway.SendBuffer < 1 {
		add("gateway.send_buffer", "send_buffer must be at least 1")
	}
	if c.Gateway.WriteWait <= 0 {
		add("gateway.write_wait", "write_wait must be positive")
	}
	if c.Gateway.PongWait <= 0 {
		add("gateway.pong_wait", "pong_wait must be positive")
	}
	if c.Gateway.MaxMessageBytes < 1024 {
		add("gateway.max_message_bytes", "max_message_bytes must be at least 1024")
	}

	// Rate limits; zero disables a limiter.
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.PromptsPerMinute < 0 {
		add("ratelimit", "rates must not be negative")
	}
	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.Burst < 1 {
		add("ratelimit.burst", "burst must be at least 1 when request limiting is enabled")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid log level %q (valid: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		add("logging.format", "invalid log format %q (valid: json, console)", c.Logging.Format)
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		add("audit.path", "audit path is required when audit is enabled")
	}

	return errs
}

func isKnownProvider(id string) bool {
	return contains(ProviderIDs, id)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
