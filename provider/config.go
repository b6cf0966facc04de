package provider

import (
	"strings"
	"time"
)

// Protocols understood by the registry's adapter factory.
const (
	ProtocolCSC               = "csc"
	ProtocolPasswordGrant     = "password-grant"
	ProtocolSessionID         = "session-id"
	ProtocolClientCredentials = "client-credentials"
	ProtocolHybrid            = "hybrid"
)

const (
	defaultTimeout = 30 * time.Second
	// DefaultSessionMinutes applies when neither the caller nor the
	// configuration asks for a specific duration.
	DefaultSessionMinutes = 45
)

// Config holds the connection parameters of one provider. It is resolved
// once at startup and never mutated afterwards.
type Config struct {
	ID       string `yaml:"-" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Protocol string `yaml:"protocol" json:"protocol"`
	// Enabled is tri-state: nil means enabled.
	Enabled *bool `yaml:"enabled" json:"enabled,omitempty"`

	BaseURL  string `yaml:"base_url" json:"base_url"`
	TokenURL string `yaml:"token_url" json:"token_url,omitempty"`

	APIKey       string   `yaml:"api_key" json:"-"`
	AccessToken  string   `yaml:"access_token" json:"-"`
	ClientID     string   `yaml:"client_id" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret" json:"-"`
	Scopes       []string `yaml:"scopes" json:"scopes,omitempty"`

	TimeoutSeconds    int `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	MaxSessionMinutes int `yaml:"max_session_minutes" json:"max_session_minutes,omitempty"`
	// NumSignatures is the quota requested when authorising a CSC credential.
	NumSignatures int `yaml:"num_signatures" json:"num_signatures,omitempty"`
}

// IsEnabled reports whether the configuration does not explicitly disable
// the provider.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Timeout returns the per-call network timeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DisplayName returns Name, or the id when no name is configured.
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Endpoint joins the base URL and a path.
func (c Config) Endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
