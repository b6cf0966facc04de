package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/provider"
)

const sample = `
default_provider: a
session_timeout_minutes: 30
server:
  address: ":9443"
journal:
  backend: memory
  secret: ${IRONSIGN_TEST_JOURNAL_SECRET}
audit_webhook:
  url: https://hooks.example/ironsign
providers:
  a:
    name: Trust Services A
    protocol: csc
    base_url: https://a.example
    api_key: ${IRONSIGN_TEST_API_KEY}
    num_signatures: 50
  d:
    protocol: client-credentials
    base_url: https://d.example
    client_id: ironsign
    client_secret: s3cret
    max_session_minutes: 3
  e:
    protocol: hybrid
    base_url: https://e.example
    enabled: false
`

func TestParse_ExpandsEnvironmentAndNormalises(t *testing.T) {
	t.Setenv("IRONSIGN_TEST_JOURNAL_SECRET", "journal-secret")
	t.Setenv("IRONSIGN_TEST_API_KEY", "key-123")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "A", cfg.DefaultProvider)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout())
	assert.Equal(t, time.Minute, cfg.SweepInterval(), "omitted fields keep their defaults")
	assert.Equal(t, ":9443", cfg.Server.Address)
	assert.Equal(t, "journal-secret", cfg.Journal.Secret)
	assert.Equal(t, JournalMemory, cfg.Journal.Backend)

	require.Len(t, cfg.Providers, 3)
	a := cfg.Providers["A"]
	assert.Equal(t, "A", a.ID)
	assert.Equal(t, "key-123", a.APIKey)
	assert.Equal(t, 50, a.NumSignatures)
	assert.True(t, a.IsEnabled())
	assert.False(t, cfg.Providers["E"].IsEnabled())
	assert.Equal(t, 3, cfg.Providers["D"].MaxSessionMinutes)
}

func TestParse_BareDollarIsLiteral(t *testing.T) {
	t.Setenv("IRONSIGN_TEST_API_KEY", "key-123")
	t.Setenv("cd", "expanded")

	cfg, err := Parse([]byte(`
providers:
  a:
    protocol: csc
    base_url: https://a.example
    api_key: ab$cd
    client_secret: $IRONSIGN_TEST_API_KEY
    access_token: pre-${IRONSIGN_TEST_API_KEY}-${IRONSIGN_TEST_UNSET_VAR}
`))
	require.NoError(t, err)
	a := cfg.Providers["A"]
	assert.Equal(t, "ab$cd", a.APIKey)
	assert.Equal(t, "$IRONSIGN_TEST_API_KEY", a.ClientSecret)
	assert.Equal(t, "pre-key-123-", a.AccessToken)
}

func TestParse_EmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.SessionTimeoutMinutes)
	assert.Equal(t, 60, cfg.SweepIntervalSeconds)
	assert.Equal(t, JournalBBolt, cfg.Journal.Backend)
	assert.Equal(t, "127.0.0.1:8443", cfg.Server.Address)
	assert.Equal(t, 5, cfg.RateLimit.MaxFailures)
	assert.Empty(t, cfg.Providers)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("session_timout_minutes: 10\n"))
	assert.ErrorContains(t, err, "parsing config")
}

func TestParse_DuplicateProviderIDs(t *testing.T) {
	_, err := Parse([]byte(`
providers:
  a: {protocol: csc, base_url: https://a}
  A: {protocol: csc, base_url: https://a}
`))
	assert.ErrorContains(t, err, "configured more than once")
}

func providerConfig(protocol string) provider.Config {
	return provider.Config{Protocol: protocol, BaseURL: "https://x.example"}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"non-positive timeout", func(c *Config) { c.SessionTimeoutMinutes = 0 }, "session_timeout_minutes"},
		{"non-positive sweep", func(c *Config) { c.SweepIntervalSeconds = -1 }, "sweep_interval_seconds"},
		{"half a TLS pair", func(c *Config) { c.Server.TLSCert = "cert.pem" }, "tls_key must be set together"},
		{"bbolt without path", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
		{"postgres without dsn", func(c *Config) { c.Journal.Backend = JournalPostgres }, "journal.dsn"},
		{"unknown backend", func(c *Config) { c.Journal.Backend = "s3" }, `journal.backend "s3"`},
		{"relative webhook", func(c *Config) { c.AuditWebhook.URL = "/hook" }, "audit_webhook.url"},
		{"lockout inverted", func(c *Config) { c.RateLimit.MaxLockoutSeconds = 1 }, "rate_limit"},
		{"unknown protocol", func(c *Config) {
			c.Providers["X"] = providerConfig("soap")
		}, `providers.X: unknown protocol "soap"`},
		{"negative timeout", func(c *Config) {
			p := providerConfig("csc")
			p.TimeoutSeconds = -5
			c.Providers["A"] = p
		}, "providers.A: timeout_seconds"},
		{"missing default", func(c *Config) { c.DefaultProvider = "Z" }, `default_provider "Z" is not configured`},
		{"disabled default", func(c *Config) {
			p := providerConfig("csc")
			off := false
			p.Enabled = &off
			c.Providers["A"] = p
			c.DefaultProvider = "A"
		}, `default_provider "A" is disabled`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		cfg := Default()
		cfg.SessionTimeoutMinutes = 0
		cfg.Server.Address = ""
		err := cfg.Validate()
		assert.ErrorContains(t, err, "session_timeout_minutes")
		assert.ErrorContains(t, err, "server.address")
	})

	t.Run("defaults are valid", func(t *testing.T) {
		cfg := Default()
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ironsign.yaml")
	require.NoError(t, os.WriteFile(path, []byte("journal: {backend: memory}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, JournalMemory, cfg.Journal.Backend)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}
