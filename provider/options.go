package provider

import (
	"log/slog"
	"net/http"
	"time"
)

// Options carries the collaborators every adapter accepts.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Now        func() time.Time
}

// Option configures an adapter.
type Option func(*Options)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithHTTPClient replaces the HTTP client used for remote calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = hc
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// ApplyOptions resolves opts over the defaults and tags the logger with the
// provider id.
func ApplyOptions(providerID string, opts []Option) Options {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With(slog.String("component", "provider"), slog.String("provider", providerID))
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
