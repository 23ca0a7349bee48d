package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	coreerrors "corsgate/internal/core/errors"
)

// Config represents the main configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Target   TargetConfig   `yaml:"target" json:"target"`
	CORS     CORSConfig     `yaml:"cors" json:"cors"`
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`
	Admin    AdminConfig    `yaml:"admin" json:"admin"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig represents the public listener
type ServerConfig struct {
	Port              int    `yaml:"port" json:"port"`
	ReadHeaderTimeout string `yaml:"readHeaderTimeout" json:"readHeaderTimeout"`
	IdleTimeout       string `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout   string `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// TargetConfig controls how the upstream of a request is chosen.
type TargetConfig struct {
	DefaultURL  string `yaml:"defaultURL" json:"defaultURL"`
	AllowHeader bool   `yaml:"allowHeader" json:"allowHeader"`
	Header      string `yaml:"header" json:"header"`
	AllowQuery  bool   `yaml:"allowQuery" json:"allowQuery"`
	QueryParam  string `yaml:"queryParam" json:"queryParam"`
	PathMode    bool   `yaml:"pathMode" json:"pathMode"`
	StripPrefix string `yaml:"stripPrefix" json:"stripPrefix"`
	ForwardPath bool   `yaml:"forwardPath" json:"forwardPath"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins" json:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials" json:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge" json:"maxAge"` // seconds
}

type UpstreamConfig struct {
	VerifyTLS bool `yaml:"verifyTLS" json:"verifyTLS"`
	TimeoutMs int  `yaml:"timeoutMs" json:"timeoutMs"` // 0 disables the timeout
}

// AdminConfig represents the health/metrics listener. Port 0 disables it.
type AdminConfig struct {
	Port int `yaml:"port" json:"port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" json:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" json:"maxAgeDays"`
}

const (
	DefaultTargetHeader = "X-Target-URL"
	DefaultQueryParam   = "url"
)

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: "10s",
			IdleTimeout:       "120s",
			ShutdownTimeout:   "15s",
		},
		Target: TargetConfig{
			AllowHeader: true,
			Header:      DefaultTargetHeader,
			AllowQuery:  true,
			QueryParam:  DefaultQueryParam,
			PathMode:    true,
			ForwardPath: true,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			MaxAge:         600,
		},
		Upstream: UpstreamConfig{
			VerifyTLS: true,
			TimeoutMs: 30000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads a YAML document from src on top of the defaults, then normalizes
// and validates the result.
func Load(ctx context.Context, src Source) (*Config, error) {
	cfg := Default()
	if src == nil {
		cfg.Normalize()
		return cfg, cfg.Validate()
	}

	data, err := src.Fetch(ctx)
	if err != nil {
		return nil, coreerrors.NewConfigError(fmt.Sprintf("failed to read config from %s", src), err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, coreerrors.NewConfigError(fmt.Sprintf("failed to parse config from %s", src), err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize trims the origin list and the strip prefix. It must be called
// again after flags or environment variables have been applied.
func (c *Config) Normalize() {
	origins := make([]string, 0, len(c.CORS.AllowedOrigins))
	for _, o := range c.CORS.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORS.AllowedOrigins = origins

	c.Target.DefaultURL = strings.TrimSpace(c.Target.DefaultURL)
	c.Target.StripPrefix = strings.TrimSuffix(strings.TrimSpace(c.Target.StripPrefix), "/")
}

// ParseOrigins splits a comma-separated origin list.
func ParseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate validates the configuration
func (c *Config) Validate() error {
	return NewConfigValidator().Validate(c)
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

func (s ServerConfig) ReadHeaderTimeoutDuration() time.Duration {
	return parseDuration(s.ReadHeaderTimeout)
}

func (s ServerConfig) IdleTimeoutDuration() time.Duration {
	return parseDuration(s.IdleTimeout)
}

func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(s.ShutdownTimeout)
}

// Timeout is the upstream timeout; zero means none.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

func (a AdminConfig) Enabled() bool {
	return a.Port > 0
}

func (a AdminConfig) Addr() string {
	return fmt.Sprintf(":%d", a.Port)
}

// parseDuration returns 0 for empty or invalid values; the validator rejects
// invalid ones before they get here.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Redacted returns a copy that is safe to print. Passwords embedded in the
// default target are masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.CORS.AllowedOrigins = append([]string(nil), c.CORS.AllowedOrigins...)
	if u, err := url.Parse(c.Target.DefaultURL); err == nil && u.User != nil {
		cp.Target.DefaultURL = u.Redacted()
	}
	return &cp
}
