// Package app wires configuration into a ready-to-run mailer and preview server.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/foxzi/mailmerge/internal/api"
	"github.com/foxzi/mailmerge/internal/config"
	"github.com/foxzi/mailmerge/internal/dkim"
	"github.com/foxzi/mailmerge/internal/mailer"
	"github.com/foxzi/mailmerge/internal/message"
	"github.com/foxzi/mailmerge/internal/metrics"
	"github.com/foxzi/mailmerge/internal/ratelimit"
	"github.com/foxzi/mailmerge/internal/record"
	"github.com/foxzi/mailmerge/internal/resend"
	"github.com/foxzi/mailmerge/internal/sandbox"
	"github.com/foxzi/mailmerge/internal/session"
	"github.com/foxzi/mailmerge/internal/smtp"
	"github.com/foxzi/mailmerge/internal/template"
	mmtls "github.com/foxzi/mailmerge/internal/tls"
)

// Options adjusts how the application is assembled
type Options struct {
	// DryRun captures messages with the sandbox sender instead of the configured provider
	DryRun bool
	// SandboxDir overrides provider.output_dir for the sandbox sender
	SandboxDir string
	// SimulateErrors is the probability of a simulated failure in the sandbox sender
	SimulateErrors float64
	// Session overrides session.name
	Session string
	// NoSession disables the sent-log
	NoSession bool

	Version string
	Logger  *slog.Logger
}

// App is the main application
type App struct {
	config  *config.Config
	opts    Options
	logger  *slog.Logger
	engine  *template.Engine
	builder *message.Builder
	metrics *metrics.Metrics

	sender        mailer.Sender
	store         *session.Store
	metricsServer *metrics.Server
}

// New creates a new application
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = SetupLogger(cfg.Logging, os.Stderr)
	}
	if opts.Session != "" {
		cfg.Session.Name = opts.Session
	}

	engine := template.NewEngine(cfg.Template())
	if err := engine.Validate(); err != nil {
		return nil, err
	}

	builder, err := message.NewBuilder(message.Options{
		FromEmail:        cfg.Sender.Email,
		FromName:         cfg.Sender.Name,
		ReplyTo:          cfg.Sender.ReplyTo,
		Headers:          cfg.Message.Headers,
		TextFromHTML:     cfg.Message.TextFromHTML,
		HTMLFromMarkdown: cfg.Message.HTMLFromMarkdown,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create message builder: %w", err)
	}

	a := &App{
		config:  cfg,
		opts:    opts,
		logger:  logger,
		engine:  engine,
		builder: builder,
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics")).TrustProxies(cfg.Metrics.TrustedProxies)
	}

	return a, nil
}

// Engine returns the compiled templates
func (a *App) Engine() *template.Engine {
	return a.engine
}

// Builder returns the message builder
func (a *App) Builder() *message.Builder {
	return a.builder
}

// Sender returns the delivery backend, creating it on first use
func (a *App) Sender() (mailer.Sender, error) {
	if a.sender != nil {
		return a.sender, nil
	}
	sender, err := newSender(a.config, a.opts, a.logger)
	if err != nil {
		return nil, err
	}
	a.sender = sender
	return sender, nil
}

// Store opens the session sent-log on first use
func (a *App) Store() (*session.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := session.Open(a.config.ResolvePath(a.config.Session.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	a.store = store
	return store, nil
}

// Limiter creates the submission quota over the session database
func (a *App) Limiter() (*ratelimit.Limiter, error) {
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.NewLimiter(store.DB(), RateLimitConfig(a.config.Send.RateLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	return limiter, nil
}

// RateLimitConfig converts the configured quotas
func RateLimitConfig(cfg config.RateLimitConfig) *ratelimit.Config {
	convert := func(l *config.LimitConfig) *ratelimit.LimitConfig {
		if l == nil {
			return nil
		}
		return &ratelimit.LimitConfig{
			MessagesPerHour: l.MessagesPerHour,
			MessagesPerDay:  l.MessagesPerDay,
		}
	}

	rl := &ratelimit.Config{
		Account:         convert(cfg.Account),
		RecipientDomain: convert(cfg.RecipientDomain),
	}
	if len(cfg.Domains) > 0 {
		rl.Domains = make(map[string]*ratelimit.LimitConfig, len(cfg.Domains))
		for domain, l := range cfg.Domains {
			rl.Domains[strings.ToLower(domain)] = convert(l)
		}
	}
	return rl
}

// Missing returns the template variables the schema does not declare
func (a *App) Missing(schema *record.Schema) []string {
	return a.engine.Missing(schema)
}

// Send runs the merge for every record
func (a *App) Send(ctx context.Context, records []*record.Record) (*mailer.Report, error) {
	sender, err := a.Sender()
	if err != nil {
		return nil, err
	}

	m := mailer.New(a.engine, a.builder, sender, mailer.OptionsFromConfig(a.config), a.logger)
	m.SetMetrics(a.metrics)

	if !a.opts.NoSession {
		store, err := a.Store()
		if err != nil {
			return nil, err
		}
		m.SetStore(store)
	}

	if a.config.Send.RateLimit.Enabled && !a.opts.DryRun {
		limiter, err := a.Limiter()
		if err != nil {
			return nil, err
		}
		m.SetLimiter(limiter)
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				a.logger.Warn("metrics server error", "error", err)
			}
		}()
	}

	return m.Send(ctx, records)
}

// Serve runs the preview API until ctx is canceled or a server fails
func (a *App) Serve(ctx context.Context) error {
	opts := api.Options{
		Config:     &a.config.API,
		Builder:    a.builder,
		EmailField: a.config.Send.EmailField,
		Metrics:    a.metrics,
		Version:    a.opts.Version,
	}
	if a.metricsServer != nil {
		opts.MetricsHandler = a.metricsServer.Handler()
		opts.MetricsPath = a.metricsServer.Path()
	}
	apiServer := api.NewServer(opts, a.logger)

	tlsConfig, acmeManager, err := a.apiTLS(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.ListenAndServe(tlsConfig); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// ACME HTTP-01 challenges arrive on plain HTTP
	var acmeServer *http.Server
	if acmeManager != nil {
		acmeServer = &http.Server{
			Addr:              a.config.API.TLS.ACME.ChallengeAddr,
			Handler:           acmeManager.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", acmeServer.Addr)
			if err := acmeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("acme challenge server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		a.logger.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if acmeServer != nil {
		if err := acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}
	return serveErr
}

// apiTLS returns the API server TLS configuration, or nil for plain HTTP
func (a *App) apiTLS(ctx context.Context) (*tls.Config, *mmtls.ACMEManager, error) {
	cfg := a.config.API.TLS
	now := time.Now()

	switch {
	case cfg.ACME.Enabled:
		m := mmtls.NewACMEManager(cfg.ACME.Email, cfg.ACME.Domains, a.config.ResolvePath(cfg.ACME.CacheDir))
		a.logger.Info("ACME (Let's Encrypt) enabled", "domains", cfg.ACME.Domains)

		certs, err := m.CachedCertificates(ctx)
		if err != nil {
			a.logger.Warn("failed to read ACME cache", "error", err)
		}
		for _, c := range certs {
			a.logger.Info("cached certificate", "domain", c.Domain, "days_left", c.DaysLeft(now))
		}
		return m.TLSConfig(), m, nil

	case cfg.CertFile != "":
		certFile := a.config.ResolvePath(cfg.CertFile)
		tlsConfig, err := mmtls.LoadCertificate(certFile, a.config.ResolvePath(cfg.KeyFile))
		if err != nil {
			return nil, nil, err
		}
		if info, err := mmtls.ReadCertificateInfo(certFile); err == nil {
			if info.ExpiresSoon(now) {
				a.logger.Warn("API certificate expires soon", "domain", info.Domain, "days_left", info.DaysLeft(now))
			} else {
				a.logger.Info("TLS enabled with manual certificate", "domain", info.Domain, "days_left", info.DaysLeft(now))
			}
		}
		return tlsConfig, nil, nil
	}

	return nil, nil, nil
}

// Close releases the session store and stops the metrics server
func (a *App) Close() error {
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("failed to close session store: %w", err)
		}
		a.store = nil
	}
	return nil
}

// newSender selects the delivery backend for the configured provider
func newSender(cfg *config.Config, opts Options, logger *slog.Logger) (mailer.Sender, error) {
	if opts.DryRun || cfg.Provider.Name == config.ProviderSandbox {
		dir := opts.SandboxDir
		if dir == "" {
			dir = cfg.ResolvePath(cfg.Provider.OutputDir)
		}
		s, err := sandbox.NewSender(dir, logger.With("component", "sandbox"))
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox sender: %w", err)
		}
		if opts.SimulateErrors > 0 {
			s.SetErrorSimulation(true, opts.SimulateErrors)
		}
		logger.Info("messages will be captured, not sent", "dir", s.Dir())
		return s, nil
	}

	if cfg.Provider.Name == config.ProviderResend {
		s, err := resend.New(resend.Config{APIKey: cfg.Provider.APIKey}, logger.With("component", "resend"))
		if err != nil {
			return nil, fmt.Errorf("failed to create resend sender: %w", err)
		}
		return s, nil
	}

	client := smtp.NewClient(smtp.OptionsFromConfig(cfg.Provider, cfg.SenderDomain()), logger.With("component", "smtp_client"))
	if cfg.DKIM.Enabled {
		signer, err := dkim.NewSignerFromFile(cfg.ResolvePath(cfg.DKIM.KeyFile), cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		client.SetDKIMSigner(signer)
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}
	return client, nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
