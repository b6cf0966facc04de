// Package config loads the ironsign YAML configuration.
//
// Environment references of the form ${VAR} are expanded before parsing so
// secrets can stay out of the file. A bare $ is literal. The resolved Config is treated as
// immutable once Load returns.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironsign/provider"
)

// Journal backends.
const (
	JournalMemory   = "memory"
	JournalBBolt    = "bbolt"
	JournalPostgres = "postgres"
)

const (
	defaultAddress       = "127.0.0.1:8443"
	defaultSweepSeconds  = 60
	defaultJournalPath   = "./data/journal.db"
	defaultMaxFailures   = 5
	defaultBaseLockout   = 60
	defaultMaxLockout    = 15 * 60
	defaultWebhookSecond = 5
)

// ServerConfig configures the HTTP listener. Without a certificate pair the
// server generates a self-signed certificate at startup unless Insecure is
// set, in which case it serves plain HTTP.
type ServerConfig struct {
	Address  string `yaml:"address"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
	Insecure bool   `yaml:"insecure"`
}

// JournalConfig selects where lifecycle events are recorded.
type JournalConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	// Secret, when set, seals every record under a key derived from it.
	Secret string `yaml:"secret"`
}

// WebhookConfig forwards lifecycle events to an external endpoint.
type WebhookConfig struct {
	URL            string `yaml:"url"`
	AuthHeader     string `yaml:"auth_header"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RateLimitConfig governs the lockout applied after repeated failed
// authentications for one provider and user.
type RateLimitConfig struct {
	MaxFailures        int `yaml:"max_failures"`
	BaseLockoutSeconds int `yaml:"base_lockout_seconds"`
	MaxLockoutSeconds  int `yaml:"max_lockout_seconds"`
}

// Config is the whole configuration file.
type Config struct {
	DefaultProvider       string                     `yaml:"default_provider"`
	SessionTimeoutMinutes int                        `yaml:"session_timeout_minutes"`
	SweepIntervalSeconds  int                        `yaml:"sweep_interval_seconds"`
	Server                ServerConfig               `yaml:"server"`
	Journal               JournalConfig              `yaml:"journal"`
	AuditWebhook          WebhookConfig              `yaml:"audit_webhook"`
	RateLimit             RateLimitConfig            `yaml:"rate_limit"`
	Providers             map[string]provider.Config `yaml:"providers"`
}

// Default returns the configuration used for every field the file omits.
func Default() Config {
	return Config{
		SessionTimeoutMinutes: provider.DefaultSessionMinutes,
		SweepIntervalSeconds:  defaultSweepSeconds,
		Server:                ServerConfig{Address: defaultAddress},
		Journal:               JournalConfig{Backend: JournalBBolt, Path: defaultJournalPath},
		AuditWebhook:          WebhookConfig{TimeoutSeconds: defaultWebhookSecond},
		RateLimit: RateLimitConfig{
			MaxFailures:        defaultMaxFailures,
			BaseLockoutSeconds: defaultBaseLockout,
			MaxLockoutSeconds:  defaultMaxLockout,
		},
		Providers: map[string]provider.Config{},
	}
}

// Load reads, expands, parses and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// envRef matches ${VAR}; unset variables expand to the empty string.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// Parse expands environment references in data and decodes it over
// Default(). Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnv(string(data))

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize upper-cases provider ids and copies each map key into the
// provider's ID field.
func (c *Config) normalize() error {
	c.DefaultProvider = provider.NormalizeID(c.DefaultProvider)
	providers := make(map[string]provider.Config, len(c.Providers))
	for key, p := range c.Providers {
		id := provider.NormalizeID(key)
		if _, dup := providers[id]; dup {
			return fmt.Errorf("provider %q is configured more than once", id)
		}
		p.ID = id
		providers[id] = p
	}
	c.Providers = providers
	return nil
}

// SessionTimeout is the default session duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// SweepInterval is the period of the expired-session sweep.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
