// Package api is the REST boundary of ironsign. It exposes provider
// listing, session lifecycle, single and bulk signing, and the lifecycle
// journal over JSON, with an embedded OpenAPI document.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironsign/journal"
	"github.com/jmcleod/ironsign/registry"
	"github.com/jmcleod/ironsign/session"
)

// limiterSweepInterval is how often stale rate-limit records are pruned.
const limiterSweepInterval = 10 * time.Minute

// API holds the dependencies needed by the REST handlers.
type API struct {
	registry *registry.Registry
	manager  *session.Manager
	journal  *journal.Journal
	limiter  *authRateLimiter
	audit    *auditLogger
	logger   *slog.Logger
	alertFn  AlertFunc
	now      func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithJournal exposes the lifecycle journal under /journal.
func WithJournal(j *journal.Journal) Option {
	return func(a *API) {
		a.journal = j
	}
}

// WithRateLimit overrides the authentication lockout policy. Non-positive
// values keep the defaults.
func WithRateLimit(maxFailures int, baseLockout, maxLockout time.Duration) Option {
	return func(a *API) {
		if maxFailures > 0 {
			a.limiter.maxFailures = maxFailures
		}
		if baseLockout > 0 {
			a.limiter.baseLockout = baseLockout
		}
		if maxLockout > 0 {
			a.limiter.maxLockout = maxLockout
		}
	}
}

// WithAlertFunc installs a callback fired when authentication or signing
// failures spike.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// New creates a new API instance and starts the rate-limiter sweep. Call
// Close to stop it.
func New(reg *registry.Registry, mgr *session.Manager, opts ...Option) *API {
	a := &API{
		registry: reg,
		manager:  mgr,
		limiter:  newAuthRateLimiter(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	go a.sweepLoop()
	return a
}

// Close stops background work. It is safe to call more than once.
func (a *API) Close() {
	a.closeOnce.Do(func() {
		close(a.stopCh)
	})
}

func (a *API) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.limiter.sweep()
		case <-a.stopCh:
			return
		}
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.Get("/providers", a.ListProviders)
		r.Get("/providers/connectivity", a.TestConnections)

		r.Route("/providers/{providerID}/sessions", func(r chi.Router) {
			r.Post("/", a.CreateSession)
			r.Get("/{userID}", a.GetSession)
			r.Delete("/{userID}", a.CloseSession)
			r.Post("/{userID}/refresh", a.RefreshSession)
			r.Post("/{userID}/sign", a.SignDocument)
			r.Post("/{userID}/bulk-sign", a.BulkSign)
		})

		r.Get("/sessions", a.ListSessions)
		r.Get("/journal", a.ListJournal)
		r.Get("/journal/verify", a.VerifyJournal)
	})

	return r
}
