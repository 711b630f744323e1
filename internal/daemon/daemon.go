// Package daemon orchestrates all the components of the access gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/al-bashkir/accessgate/internal/config"
	"github.com/al-bashkir/accessgate/internal/gate"
	"github.com/al-bashkir/accessgate/internal/httpserver"
	"github.com/al-bashkir/accessgate/internal/identity"
	"github.com/al-bashkir/accessgate/internal/metrics"
	"github.com/al-bashkir/accessgate/internal/oidc"
	"github.com/al-bashkir/accessgate/internal/session"
)

// countingStore is a session store that can report its size.
type countingStore interface {
	session.Store
	Count() int
}

// Daemon represents the main process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	store      countingStore
	gate       *gate.Gate
	metrics    *metrics.Metrics
	httpServer *httpserver.Server

	// signals is overridden in tests.
	signals chan os.Signal
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config) (*Daemon, error) {
	opts := gate.Options{
		PersistSessions:    cfg.Gateway.PersistSessions,
		AllowCrawlerBypass: cfg.Gateway.AllowCrawlerBypass,
		ElevationWindow:    cfg.Gateway.ElevationWindow,
	}

	store, err := openStore(opts, cfg.Session)
	if err != nil {
		return nil, err
	}

	g := gate.New(store, opts)

	slog.Info("access gate initialized",
		"persist_sessions", cfg.Gateway.PersistSessions,
		"crawler_bypass", cfg.Gateway.AllowCrawlerBypass,
		"elevation_window", cfg.Gateway.ElevationWindow,
	)

	oauth := identity.NewOAuthSource(cfg.OAuth, nil)
	if !oauth.Configured() {
		slog.Warn("OAuth connector not configured; /auth/oauth-provider will report oauth_not_configured")
	}

	var oidcProvider *oidc.Provider
	if cfg.OIDC.Enabled() {
		oidcProvider, err = oidc.NewProvider(context.Background(), &cfg.OIDC)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
		}

		slog.Info("OIDC provider initialized",
			"issuer", cfg.OIDC.Issuer,
			"client_id", cfg.OIDC.ClientID,
		)
	}

	m := metrics.New()
	m.RegisterSessionGauge(store.Count)

	httpServer, err := httpserver.NewServer(cfg, httpserver.Deps{
		Store:   store,
		Gate:    g,
		OAuth:   oauth,
		OIDC:    oidcProvider,
		Metrics: m,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)

	return &Daemon{
		cfg:        cfg,
		store:      store,
		gate:       g,
		metrics:    m,
		httpServer: httpServer,
	}, nil
}

// openStore picks the session backend for a gate with opts.
func openStore(opts gate.Options, sc config.SessionConfig) (countingStore, error) {
	anon := session.WithAnonymousTTL(sc.AnonymousTTL)
	if !opts.PersistSessions {
		slog.Info("session store initialized",
			"backend", "memory",
			"ttl", sc.TTL,
			"anonymous_ttl", sc.AnonymousTTL,
		)
		return session.NewMemoryStore(sc.TTL, anon), nil
	}

	store, err := session.OpenBoltStore(sc.StorePath, sc.TTL, anon)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	slog.Info("session store initialized",
		"backend", "bbolt",
		"path", sc.StorePath,
		"ttl", sc.TTL,
		"anonymous_ttl", sc.AnonymousTTL,
	)
	return store, nil
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (d *Daemon) Run() error {
	slog.Info("starting access gateway")

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	sigCh := d.signals
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			d.httpServer.Close()
			if closeErr := d.store.Close(); closeErr != nil {
				slog.Error("error closing session store after HTTP server failure", "error", closeErr)
			}
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	// Close the store last so in-flight requests can finish their writes.
	if err := d.store.Close(); err != nil {
		slog.Error("error closing session store", "error", err)
	}

	slog.Info("daemon shutdown complete")
	return nil
}
