package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsign/api"
	"github.com/jmcleod/ironsign/config"
	"github.com/jmcleod/ironsign/internal/util"
	"github.com/jmcleod/ironsign/session"
)

const shutdownTimeout = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the signing broker server",
	Long: `Builds the provider registry, session manager and journal from the
configuration file and serves the REST API under /api/v1. SIGINT or SIGTERM
stops accepting requests and closes every active session.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	defer memguard.Purge()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	if len(reg.ListAvailable()) == 0 {
		logger.Warn("no providers registered; every session request will fail")
	}

	j, repo, err := openJournal(context.Background(), cfg.Journal, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	mgr := session.NewManager(reg,
		session.WithLogger(logger),
		session.WithDefaultMinutes(cfg.SessionTimeoutMinutes),
		session.WithSweepInterval(cfg.SweepInterval()),
	)
	mgr.Subscribe(j.Listener())

	var webhook *api.AuditWebhook
	if cfg.AuditWebhook.URL != "" {
		webhook = api.NewAuditWebhook(cfg.AuditWebhook.URL, cfg.AuditWebhook.AuthHeader,
			time.Duration(cfg.AuditWebhook.TimeoutSeconds)*time.Second, logger)
		mgr.Subscribe(webhook.Listener())
	}

	rl := cfg.RateLimit
	a := api.New(reg, mgr,
		api.WithLogger(logger),
		api.WithJournal(j),
		api.WithRateLimit(rl.MaxFailures,
			time.Duration(rl.BaseLockoutSeconds)*time.Second,
			time.Duration(rl.MaxLockoutSeconds)*time.Second),
		api.WithAlertFunc(func(ev api.AlertEvent) {
			logger.Warn("security alert",
				slog.String("type", string(ev.Type)),
				slog.String("message", ev.Message),
				slog.Int("count", ev.Count),
				slog.Int("threshold", ev.Threshold))
		}),
	)

	tlsConfig, err := serverTLSConfig(cfg.Server)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           newRootRouter(a),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Bulk signing streams progress for as long as the batch runs.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	scheme := "https"
	if tlsConfig == nil {
		scheme = "http"
	}
	fmt.Printf("Starting server on %s://%s (providers: %d, journal: %s)...\n",
		scheme, cfg.Server.Address, len(reg.ListAvailable()), cfg.Journal.Backend)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case sig := <-quit:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case serveErr = <-done:
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown failed: %w", err)
	}
	// Sessions close before the journal and webhook stop so their closed
	// events are still recorded.
	mgr.Shutdown(ctx)
	if webhook != nil {
		webhook.Close()
	}
	a.Close()
	return serveErr
}

// newRootRouter mounts the API under /api/v1 next to an unauthenticated
// health probe.
func newRootRouter(a *api.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/api/v1", a.Router())
	return r
}

// serverTLSConfig loads the configured key pair or generates a self-signed
// certificate. It returns nil when the server is configured insecure.
func serverTLSConfig(cfg config.ServerConfig) (*tls.Config, error) {
	if cfg.Insecure {
		return nil, nil
	}
	var cert tls.Certificate
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		var err error
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		var err error
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
