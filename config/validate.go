package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"

	"github.com/jmcleod/ironsign/registry"
)

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.SessionTimeoutMinutes <= 0 {
		add("session_timeout_minutes must be positive, got %d", c.SessionTimeoutMinutes)
	}
	if c.SweepIntervalSeconds <= 0 {
		add("sweep_interval_seconds must be positive, got %d", c.SweepIntervalSeconds)
	}

	if c.Server.Address == "" {
		add("server.address is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		add("server.tls_cert and server.tls_key must be set together")
	}

	switch c.Journal.Backend {
	case JournalMemory:
	case JournalBBolt:
		if c.Journal.Path == "" {
			add("journal.path is required for the bbolt backend")
		}
	case JournalPostgres:
		if c.Journal.DSN == "" {
			add("journal.dsn is required for the postgres backend")
		}
	default:
		add("journal.backend %q is not one of %s, %s, %s", c.Journal.Backend, JournalMemory, JournalBBolt, JournalPostgres)
	}

	if c.AuditWebhook.URL != "" {
		u, err := url.Parse(c.AuditWebhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("audit_webhook.url must be an absolute http(s) URL, got %q", c.AuditWebhook.URL)
		}
	}
	if c.AuditWebhook.TimeoutSeconds <= 0 {
		add("audit_webhook.timeout_seconds must be positive, got %d", c.AuditWebhook.TimeoutSeconds)
	}

	rl := c.RateLimit
	if rl.MaxFailures <= 0 || rl.BaseLockoutSeconds <= 0 || rl.MaxLockoutSeconds < rl.BaseLockoutSeconds {
		add("rate_limit needs positive max_failures and base_lockout_seconds, and max_lockout_seconds >= base_lockout_seconds")
	}

	for _, id := range slices.Sorted(maps.Keys(c.Providers)) {
		p := c.Providers[id]
		if !registry.KnownProtocol(p.Protocol) {
			add("providers.%s: unknown protocol %q (known: %v)", id, p.Protocol, registry.Protocols())
		}
		if p.TimeoutSeconds < 0 {
			add("providers.%s: timeout_seconds must not be negative", id)
		}
		if p.MaxSessionMinutes < 0 {
			add("providers.%s: max_session_minutes must not be negative", id)
		}
		if p.NumSignatures < 0 {
			add("providers.%s: num_signatures must not be negative", id)
		}
	}

	if c.DefaultProvider != "" {
		p, ok := c.Providers[c.DefaultProvider]
		switch {
		case !ok:
			add("default_provider %q is not configured", c.DefaultProvider)
		case !p.IsEnabled():
			add("default_provider %q is disabled", c.DefaultProvider)
		}
	}

	return errors.Join(errs...)
}
