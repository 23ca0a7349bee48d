package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"corsgate/internal/core/errors"
)

// ValidationRule defines a configuration validation rule
type ValidationRule interface {
	Validate(cfg *Config) error
}

// ConfigValidator validates configuration using a set of rules
type ConfigValidator struct {
	rules []ValidationRule
}

// NewConfigValidator creates a new validator with default rules
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		rules: []ValidationRule{
			&ServerConfigRule{},
			&TargetConfigRule{},
			&CORSConfigRule{},
			&UpstreamConfigRule{},
			&AdminConfigRule{},
			&LoggingConfigRule{},
		},
	}
}

// Validate validates the configuration using all rules
func (v *ConfigValidator) Validate(cfg *Config) error {
	for _, rule := range v.rules {
		if err := rule.Validate(cfg); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// ServerConfigRule validates server configuration
type ServerConfigRule struct{}

func (r *ServerConfigRule) Validate(cfg *Config) error {
	if !validPort(cfg.Server.Port) {
		return errors.NewValidationError("server.port", "port must be between 1 and 65535")
	}

	durations := map[string]string{
		"server.readHeaderTimeout": cfg.Server.ReadHeaderTimeout,
		"server.idleTimeout":       cfg.Server.IdleTimeout,
		"server.shutdownTimeout":   cfg.Server.ShutdownTimeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.NewValidationError(field, "invalid duration format")
		}
		if d < 0 {
			return errors.NewValidationError(field, "duration must not be negative")
		}
	}

	return nil
}

// TargetConfigRule validates how targets are resolved
type TargetConfigRule struct{}

func (r *TargetConfigRule) Validate(cfg *Config) error {
	t := cfg.Target

	if t.DefaultURL != "" {
		u, err := url.Parse(t.DefaultURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.NewValidationError("target.defaultURL", "must be an absolute http or https URL")
		}
	}

	if t.AllowHeader && strings.TrimSpace(t.Header) == "" {
		return errors.NewValidationError("target.header", "header name is required when header override is enabled")
	}

	if t.AllowQuery && strings.TrimSpace(t.QueryParam) == "" {
		return errors.NewValidationError("target.queryParam", "query parameter is required when query override is enabled")
	}

	if t.StripPrefix != "" && !strings.HasPrefix(t.StripPrefix, "/") {
		return errors.NewValidationError("target.stripPrefix", "prefix must start with /")
	}

	return nil
}

// CORSConfigRule validates the CORS policy
type CORSConfigRule struct{}

func (r *CORSConfigRule) Validate(cfg *Config) error {
	if cfg.CORS.MaxAge < 0 {
		return errors.NewValidationError("cors.maxAge", "max age must not be negative")
	}

	for i, origin := range cfg.CORS.AllowedOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.NewValidationError(fmt.Sprintf("cors.allowedOrigins[%d]", i), "invalid origin URL")
		}
	}

	return nil
}

type UpstreamConfigRule struct{}

func (r *UpstreamConfigRule) Validate(cfg *Config) error {
	if cfg.Upstream.TimeoutMs < 0 {
		return errors.NewValidationError("upstream.timeoutMs", "timeout must not be negative")
	}
	return nil
}

type AdminConfigRule struct{}

func (r *AdminConfigRule) Validate(cfg *Config) error {
	if cfg.Admin.Port == 0 {
		return nil
	}
	if !validPort(cfg.Admin.Port) {
		return errors.NewValidationError("admin.port", "port must be between 0 and 65535")
	}
	if cfg.Admin.Port == cfg.Server.Port {
		return errors.NewValidationError("admin.port", "admin port must differ from server port")
	}
	return nil
}

type LoggingConfigRule struct{}

func (r *LoggingConfigRule) Validate(cfg *Config) error {
	if cfg.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
			return errors.NewValidationError("logging.level", fmt.Sprintf("unknown log level: %s", cfg.Logging.Level))
		}
	}

	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		return errors.NewValidationError("logging.format", "format must be json or console")
	}

	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 || cfg.Logging.MaxAgeDays < 0 {
		return errors.NewValidationError("logging", "rotation limits must not be negative")
	}

	return nil
}
