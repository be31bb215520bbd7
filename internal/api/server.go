// Package api serves the template preview HTTP API.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/mailmerge/internal/config"
	"github.com/foxzi/mailmerge/internal/ipfilter"
	"github.com/foxzi/mailmerge/internal/message"
	"github.com/foxzi/mailmerge/internal/metrics"
)

// Options configures the API server
type Options struct {
	Config *config.APIConfig

	// Builder enables POST /api/v1/preview when set
	Builder    *message.Builder
	EmailField string

	// Metrics records request metrics; MetricsHandler is mounted at MetricsPath
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	MetricsPath    string

	Version string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	opts       Options
	config     *config.APIConfig
	logger     *slog.Logger
	filter     *ipfilter.Filter
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Config == nil {
		opts.Config = &config.APIConfig{}
	}
	if opts.EmailField == "" {
		opts.EmailField = "email"
	}

	s := &Server{
		router:    chi.NewRouter(),
		opts:      opts,
		config:    opts.Config,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}
	s.filter = ipfilter.New(opts.Config.AllowedIPs, s.logger).TrustProxies(opts.Config.TrustedProxies)
	if s.filter.Enabled() {
		s.logger.Info("API IP filtering enabled", "allowed_networks", s.filter.Count())
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.filter.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.opts.Metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	if s.opts.MetricsHandler != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, s.opts.MetricsHandler)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/render", s.handleRender)
		r.Post("/validate", s.handleValidate)
		if s.opts.Builder != nil {
			r.Post("/preview", s.handlePreview)
		}
	})
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. A non-nil tlsConfig serves HTTPS.
func (s *Server) ListenAndServe(tlsConfig *tls.Config) error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		TLSConfig:      tlsConfig,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	var err error
	if tlsConfig != nil {
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		// Certificates come from tlsConfig
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
