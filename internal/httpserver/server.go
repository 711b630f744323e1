// Package httpserver exposes the gateway over HTTP: pages, the JSON API and
// the login flows, behind an explicit interceptor pipeline.
package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/al-bashkir/accessgate/internal/config"
	"github.com/al-bashkir/accessgate/internal/csrf"
	"github.com/al-bashkir/accessgate/internal/gate"
	"github.com/al-bashkir/accessgate/internal/identity"
	"github.com/al-bashkir/accessgate/internal/metrics"
	"github.com/al-bashkir/accessgate/internal/oidc"
	"github.com/al-bashkir/accessgate/internal/ratelimit"
	"github.com/al-bashkir/accessgate/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Version is reported by /health. Set from build-time ldflags.
var Version = "dev"

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Store   session.Store
	Gate    *gate.Gate
	OAuth   identity.Source // connector login; may report identity.ErrNotConfigured
	OIDC    *oidc.Provider  // nil disables the OIDC routes
	Metrics *metrics.Metrics
}

// Server is the HTTP server for the gateway
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	router     chi.Router
	handler    http.Handler
	templates  *template.Template

	gate    *gate.Gate
	store   session.Store
	csrf    *csrf.Guard
	oauth   identity.Source
	oidc    *oidc.Provider
	flows   *oidc.PendingFlows
	metrics *metrics.Metrics

	loginLimiter   *ratelimit.Limiter
	generalLimiter *ratelimit.Limiter
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}

	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		templates: templates,
		gate:      deps.Gate,
		store:     deps.Store,
		csrf:      csrf.NewGuard(deps.Store, m.CSRFRejected),
		oauth:     deps.OAuth,
		oidc:      deps.OIDC,
		metrics:   m,
		loginLimiter: ratelimit.New(ratelimit.BucketLogin,
			cfg.RateLimit.Login.Max, cfg.RateLimit.Login.Window, cfg.RateLimit.Login.Message),
		generalLimiter: ratelimit.New(ratelimit.BucketGeneral,
			cfg.RateLimit.General.Max, cfg.RateLimit.General.Window, cfg.RateLimit.General.Message),
	}
	if s.oidc != nil {
		s.flows = oidc.NewPendingFlows(oidc.DefaultFlowTTL)
	}

	clientIP := ratelimit.ClientIP(trusted)
	login := Interceptor(s.loginLimiter.Middleware(clientIP, m.RateLimited))
	guard := Interceptor(s.csrf.Middleware(sessionIDFromRequest))
	logoutGuard := Interceptor(s.csrf.Middleware(sessionIDFromRequest, csrf.AllowMissingSession()))
	private := Pipeline{noStore}

	r := s.router
	r.Method(http.MethodGet, "/", s.withSession(s.handleIndex))
	r.Method(http.MethodGet, "/login", s.withSession(s.handleLogin))
	r.Method(http.MethodGet, "/csrf-token", private.Then(s.withSession(s.handleCSRFToken)))
	r.Method(http.MethodGet, "/api/csrf-token", private.Then(s.withSession(s.handleCSRFToken)))

	r.Method(http.MethodGet, "/auth/oauth-provider", Pipeline{login}.Then(s.withSession(s.handleOAuthProvider)))
	r.Method(http.MethodPost, "/auth/username", Pipeline{login, guard}.Then(s.withSession(s.handleUsernameLogin)))
	if s.oidc != nil {
		r.Method(http.MethodGet, "/auth/oidc", Pipeline{login}.ThenFunc(s.handleOIDCStart))
		r.Method(http.MethodGet, "/auth/oidc/callback", Pipeline{login}.Then(s.withSession(s.handleOIDCCallback)))
	}

	r.Method(http.MethodGet, "/api/user", private.Then(s.withSession(s.handleUser)))
	r.Method(http.MethodGet, "/api/access-status", private.Then(s.withSession(s.handleAccessStatus)))
	r.Method(http.MethodPost, "/api/grant-access", Pipeline{noStore, guard}.Then(s.withSession(s.handleGrantAccess)))
	r.Method(http.MethodPost, "/logout", Pipeline{logoutGuard}.Then(s.withSession(s.handleLogout)))

	if dir := cfg.Static.Dir; dir != "" {
		r.Method(http.MethodGet, "/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
	}
	r.Get("/health", s.handleHealth)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	s.handler = Pipeline{
		securityHeadersMiddleware,
		recoveryMiddleware,
		loggingMiddleware,
		m.Instrument,
		Interceptor(s.generalLimiter.Middleware(clientIP, m.RateLimited)),
	}.Then(r)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and stops background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)
	s.Close()
	return err
}

// Close stops the rate-limit and OIDC cleanup loops.
func (s *Server) Close() {
	s.loginLimiter.Stop()
	s.generalLimiter.Stop()
	if s.flows != nil {
		s.flows.Stop()
	}
}

// staticIndex returns the path of the front end's index.html, if present.
func (s *Server) staticIndex() (string, bool) {
	if s.cfg.Static.Dir == "" {
		return "", false
	}
	p := filepath.Join(s.cfg.Static.Dir, "index.html")
	if fi, err := os.Stat(p); err != nil || fi.IsDir() {
		return "", false
	}
	return p, true
}
