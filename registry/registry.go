// Package registry holds the configured provider adapters, resolves them by
// id and probes their connectivity.
//
// A Registry is constructed once by the application's startup sequence and
// handed to every consumer; there is no package-level instance.
package registry

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/ironsign/provider"
)

// DefaultAlias resolves to the configured default provider in Resolve.
const DefaultAlias = "default"

// Registry maps upper-cased provider ids to adapters. It is safe for
// concurrent use; after startup it is read-mostly.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	configs   map[string]provider.Config
	defaultID string

	logger      *slog.Logger
	adapterOpts []provider.Option
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithDefault sets the default provider id.
func WithDefault(id string) Option {
	return func(r *Registry) {
		r.defaultID = provider.NormalizeID(id)
	}
}

// WithAdapterOptions passes options to every adapter built by FromConfig.
func WithAdapterOptions(opts ...provider.Option) Option {
	return func(r *Registry) {
		r.adapterOpts = append(r.adapterOpts, opts...)
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[string]provider.Provider),
		configs:   make(map[string]provider.Config),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With(slog.String("component", "registry"))
	return r
}

// FromConfig builds a registry holding one adapter per configuration entry
// that declares a base URL and is not explicitly disabled. Entries with an
// unknown protocol fail the whole call.
func FromConfig(configs map[string]provider.Config, opts ...Option) (*Registry, error) {
	r := New(opts...)
	ids := slices.Sorted(maps.Keys(configs))
	for _, id := range ids {
		cfg := configs[id]
		if cfg.ID == "" {
			cfg.ID = id
		}
		cfg.ID = provider.NormalizeID(cfg.ID)
		if !cfg.IsEnabled() {
			r.logger.Info("provider disabled by configuration", slog.String("provider", cfg.ID))
			continue
		}
		if strings.TrimSpace(cfg.BaseURL) == "" {
			r.logger.Warn("provider skipped: no base URL", slog.String("provider", cfg.ID))
			continue
		}
		p, err := NewAdapter(cfg, r.adapterOpts...)
		if err != nil {
			return nil, err
		}
		r.Register(cfg, p)
	}
	return r, nil
}

// Register adds or replaces the adapter for p.ID(). cfg supplies the
// enabled flag and protocol reported by the listings; it is copied.
func (r *Registry) Register(cfg provider.Config, p provider.Provider) {
	id := provider.NormalizeID(p.ID())
	cfg.ID = id
	cfg.Scopes = slices.Clone(cfg.Scopes)
	if cfg.Enabled != nil {
		enabled := *cfg.Enabled
		cfg.Enabled = &enabled
	}

	r.mu.Lock()
	r.providers[id] = p
	r.configs[id] = cfg
	r.mu.Unlock()

	r.logger.Debug("provider registered", slog.String("provider", id), slog.String("protocol", cfg.Protocol))
}

// Unregister removes a provider. It reports whether one was present.
func (r *Registry) Unregister(id string) bool {
	id = provider.NormalizeID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return false
	}
	delete(r.providers, id)
	delete(r.configs, id)
	return true
}

// Get returns the adapter for id. It fails with ProviderNotFound for an
// unknown id and ProviderNotConfigured when the adapter's structural check
// fails.
func (r *Registry) Get(id string) (provider.Provider, error) {
	id = provider.NormalizeID(id)
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, provider.NewError(provider.KindProviderNotFound, id, "provider is not registered")
	}
	if !p.IsConfigured() {
		return nil, provider.NewError(provider.KindProviderNotConfigured, id, "provider configuration is incomplete")
	}
	return p, nil
}

// DefaultID returns the configured default provider id, possibly empty.
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// Default returns the default provider.
func (r *Registry) Default() (provider.Provider, error) {
	id := r.DefaultID()
	if id == "" {
		return nil, provider.NewError(provider.KindNoDefaultProvider, "", "no default provider is configured")
	}
	return r.Get(id)
}

// Resolve is Get, except that an empty id or DefaultAlias resolves to the
// default provider.
func (r *Registry) Resolve(id string) (provider.Provider, error) {
	if id == "" || strings.EqualFold(id, DefaultAlias) {
		return r.Default()
	}
	return r.Get(id)
}

// ListAvailable describes every registered provider, sorted by id.
func (r *Registry) ListAvailable() []provider.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Info, 0, len(r.providers))
	for _, id := range slices.Sorted(maps.Keys(r.providers)) {
		p := r.providers[id]
		cfg := r.configs[id]
		out = append(out, provider.Info{
			ID:           id,
			Name:         p.Name(),
			Protocol:     cfg.Protocol,
			Enabled:      cfg.IsEnabled(),
			Configured:   p.IsConfigured(),
			Capabilities: p.Capabilities(),
		})
	}
	return out
}

// ListEnabled is ListAvailable restricted to providers that are both
// enabled by configuration and structurally configured.
func (r *Registry) ListEnabled() []provider.Info {
	all := r.ListAvailable()
	out := all[:0]
	for _, info := range all {
		if info.Enabled && info.Configured {
			out = append(out, info)
		}
	}
	return out
}

// TestAllConnections probes every registered provider in parallel. One
// provider's failure never affects the others.
func (r *Registry) TestAllConnections(ctx context.Context) map[string]bool {
	r.mu.RLock()
	targets := maps.Clone(r.providers)
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	for id, p := range targets {
		g.Go(func() error {
			ok := probe(gctx, p)
			if !ok {
				r.logger.Warn("connectivity probe failed", slog.String("provider", id))
			}
			mu.Lock()
			results[id] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func probe(ctx context.Context, p provider.Provider) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return p.TestConnection(ctx)
}

// Reset removes every provider and the default. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.providers)
	clear(r.configs)
	r.defaultID = ""
}
