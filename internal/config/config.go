package config

import (
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/mailmerge/internal/email"
	"github.com/foxzi/mailmerge/internal/ipfilter"
	"github.com/foxzi/mailmerge/internal/template"
)

// Config is the main configuration structure
type Config struct {
	Sender    SenderConfig    `yaml:"sender"`
	Provider  ProviderConfig  `yaml:"provider"`
	Templates TemplatesConfig `yaml:"templates"`
	Send      SendConfig      `yaml:"send"`
	Message   MessageConfig   `yaml:"message"`
	Session   SessionConfig   `yaml:"session"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Internal: directory of the config file, used to resolve relative paths
	baseDir string `yaml:"-"`
}

// SenderConfig describes the From identity
type SenderConfig struct {
	Email   string `yaml:"email"`
	Name    string `yaml:"name"`
	ReplyTo string `yaml:"reply_to"`
}

// ProviderConfig contains the outgoing mail provider settings
type ProviderConfig struct {
	Name      string        `yaml:"name"` // gmail, outlook, yahoo, smtp, resend, sandbox
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Username  string        `yaml:"username"` // Default: sender email
	Password  string        `yaml:"password"` // Or MAILMERGE_PASSWORD
	TLS       string        `yaml:"tls"`      // starttls, implicit, none
	APIKey    string        `yaml:"api_key"`  // resend; or MAILMERGE_API_KEY
	Timeout   time.Duration `yaml:"timeout"`
	Helo      string        `yaml:"helo"`       // EHLO name, default: sender domain
	OutputDir string        `yaml:"output_dir"` // sandbox
}

// TemplatesConfig contains the subject and body templates
type TemplatesConfig struct {
	Subject  string `yaml:"subject"`
	Text     string `yaml:"text"`
	TextFile string `yaml:"text_file"`
	HTML     string `yaml:"html"`
	HTMLFile string `yaml:"html_file"`
}

// SendConfig contains per-run sending behaviour
type SendConfig struct {
	EmailField    string          `yaml:"email_field"`    // Default: email
	Delay         time.Duration   `yaml:"delay"`          // Pause between messages
	MaxRetries    int             `yaml:"max_retries"`    // Retries for temporary errors
	RetryInterval time.Duration   `yaml:"retry_interval"` // First retry delay, doubled each attempt
	StopOnError   bool            `yaml:"stop_on_error"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains submission quotas, persisted in the session file
type RateLimitConfig struct {
	Enabled         bool                    `yaml:"enabled"`
	Account         *LimitConfig            `yaml:"account"`          // Default: provider quota for known providers
	RecipientDomain *LimitConfig            `yaml:"recipient_domain"` // Per recipient domain
	Domains         map[string]*LimitConfig `yaml:"domains"`          // Per recipient domain overrides
	MaxWait         time.Duration           `yaml:"max_wait"`         // Wait up to this long for quota, else stop the run
}

// LimitConfig contains rate limit values
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// MessageConfig contains message building options
type MessageConfig struct {
	TextFromHTML     bool              `yaml:"text_from_html"`     // Derive text part from HTML when missing
	HTMLFromMarkdown bool              `yaml:"html_from_markdown"` // Derive HTML part from markdown text when missing
	Headers          map[string]string `yaml:"headers"`
}

// SessionConfig contains the sent-log settings used to resume runs
type SessionConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"` // Default: sender domain
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// APIConfig contains preview API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default: 30s
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Default: 60s
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IPs or CIDRs; empty allows all
	TrustedProxies []string      `yaml:"trusted_proxies"`  // peers whose forwarding headers are believed
	TLS            APITLSConfig  `yaml:"tls"`
}

// APITLSConfig serves the API over HTTPS with a certificate file or ACME
type APITLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// Enabled reports whether the API is served over HTTPS
func (t APITLSConfig) Enabled() bool {
	return t.ACME.Enabled || t.CertFile != ""
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Email         string   `yaml:"email"`
	Domains       []string `yaml:"domains"`
	CacheDir      string   `yaml:"cache_dir"`      // Default: acme-cache next to the config
	ChallengeAddr string   `yaml:"challenge_addr"` // Default: :80
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddr     string   `yaml:"listen_addr"`     // Default: :9090
	Path           string   `yaml:"path"`            // Default: /metrics
	AllowedIPs     []string `yaml:"allowed_ips"`     // IPs or CIDRs; empty allows all
	TrustedProxies []string `yaml:"trusted_proxies"` // peers whose forwarding headers are believed
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// providerPreset holds the connection settings of a well-known provider
type providerPreset struct {
	host       string
	port       int
	tls        string
	dailyLimit int
}

var providerPresets = map[string]providerPreset{
	"gmail":   {host: "smtp.gmail.com", port: 587, tls: TLSStartTLS, dailyLimit: 500},
	"outlook": {host: "smtp.office365.com", port: 587, tls: TLSStartTLS, dailyLimit: 300},
	"yahoo":   {host: "smtp.mail.yahoo.com", port: 465, tls: TLSImplicit, dailyLimit: 500},
}

// TLS modes
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
	TLSNone     = "none"
)

// Provider names that are not SMTP presets
const (
	ProviderSMTP    = "smtp"
	ProviderResend  = "resend"
	ProviderSandbox = "sandbox"
)

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.baseDir = filepath.Dir(path)

	if err := cfg.loadTemplateFiles(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse parses configuration from YAML bytes, applying defaults and validation
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv fills secrets from the environment when not set in the file
func (c *Config) applyEnv() {
	if c.Provider.Password == "" {
		c.Provider.Password = os.Getenv("MAILMERGE_PASSWORD")
	}
	if c.Provider.APIKey == "" {
		c.Provider.APIKey = os.Getenv("MAILMERGE_API_KEY")
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Provider.Name == "" {
		c.Provider.Name = ProviderSMTP
	}
	c.Provider.Name = strings.ToLower(c.Provider.Name)

	if preset, ok := providerPresets[c.Provider.Name]; ok {
		if c.Provider.Host == "" {
			c.Provider.Host = preset.host
		}
		if c.Provider.Port == 0 {
			c.Provider.Port = preset.port
		}
		if c.Provider.TLS == "" {
			c.Provider.TLS = preset.tls
		}
	}
	if c.Provider.TLS == "" {
		c.Provider.TLS = TLSStartTLS
	}
	if c.Provider.Port == 0 {
		switch c.Provider.TLS {
		case TLSImplicit:
			c.Provider.Port = 465
		case TLSNone:
			c.Provider.Port = 25
		default:
			c.Provider.Port = 587
		}
	}
	if c.Provider.Username == "" {
		c.Provider.Username = c.Sender.Email
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.OutputDir == "" {
		c.Provider.OutputDir = "sandbox"
	}

	if c.Send.EmailField == "" {
		c.Send.EmailField = "email"
	}
	if c.Send.MaxRetries == 0 {
		c.Send.MaxRetries = 3
	}
	if c.Send.RetryInterval == 0 {
		c.Send.RetryInterval = 5 * time.Second
	}
	if c.Send.RateLimit.Enabled && c.Send.RateLimit.Account == nil {
		if preset, ok := providerPresets[c.Provider.Name]; ok {
			c.Send.RateLimit.Account = &LimitConfig{MessagesPerDay: preset.dailyLimit}
		}
	}

	if c.Session.Name == "" {
		c.Session.Name = "default"
	}
	if c.Session.Path == "" {
		c.Session.Path = "mailmerge.db"
	}

	if c.DKIM.Enabled && c.DKIM.Domain == "" {
		c.DKIM.Domain = email.ExtractDomain(c.Sender.Email)
	}
	if c.DKIM.Selector == "" {
		c.DKIM.Selector = "mailmerge"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.API.TLS.ACME.Enabled {
		if c.API.TLS.ACME.CacheDir == "" {
			c.API.TLS.ACME.CacheDir = "acme-cache"
		}
		if c.API.TLS.ACME.ChallengeAddr == "" {
			c.API.TLS.ACME.ChallengeAddr = ":80"
		}
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Sender.Email == "" {
		return fmt.Errorf("sender.email is required")
	}
	if _, err := mail.ParseAddress(c.Sender.Email); err != nil {
		return fmt.Errorf("sender.email is invalid: %w", err)
	}
	if c.Sender.ReplyTo != "" {
		if _, err := mail.ParseAddress(c.Sender.ReplyTo); err != nil {
			return fmt.Errorf("sender.reply_to is invalid: %w", err)
		}
	}

	switch c.Provider.Name {
	case ProviderResend:
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider.api_key is required for resend")
		}
	case ProviderSandbox:
	default:
		if _, ok := providerPresets[c.Provider.Name]; !ok && c.Provider.Name != ProviderSMTP {
			return fmt.Errorf("unknown provider: %s", c.Provider.Name)
		}
		if c.Provider.Host == "" {
			return fmt.Errorf("provider.host is required for %s", c.Provider.Name)
		}
		switch c.Provider.TLS {
		case TLSStartTLS, TLSImplicit, TLSNone:
		default:
			return fmt.Errorf("provider.tls must be one of starttls, implicit, none")
		}
	}
	if c.Provider.Port < 1 || c.Provider.Port > 65535 {
		return fmt.Errorf("provider.port is out of range: %d", c.Provider.Port)
	}

	if c.Templates.Text != "" && c.Templates.TextFile != "" {
		return fmt.Errorf("templates.text and templates.text_file are mutually exclusive")
	}
	if c.Templates.HTML != "" && c.Templates.HTMLFile != "" {
		return fmt.Errorf("templates.html and templates.html_file are mutually exclusive")
	}

	if c.Send.MaxRetries < 0 {
		return fmt.Errorf("send.max_retries must not be negative")
	}
	if c.Send.Delay < 0 {
		return fmt.Errorf("send.delay must not be negative")
	}
	if c.Send.RateLimit.MaxWait < 0 {
		return fmt.Errorf("send.rate_limit.max_wait must not be negative")
	}

	if c.DKIM.Enabled {
		if c.DKIM.KeyFile == "" {
			return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
		}
		if c.DKIM.Domain == "" {
			return fmt.Errorf("dkim.domain is required when DKIM is enabled")
		}
	}

	if err := ipfilter.Validate(c.API.AllowedIPs); err != nil {
		return fmt.Errorf("api.allowed_ips: %w", err)
	}
	if err := ipfilter.Validate(c.API.TrustedProxies); err != nil {
		return fmt.Errorf("api.trusted_proxies: %w", err)
	}
	if err := ipfilter.Validate(c.Metrics.AllowedIPs); err != nil {
		return fmt.Errorf("metrics.allowed_ips: %w", err)
	}
	if err := ipfilter.Validate(c.Metrics.TrustedProxies); err != nil {
		return fmt.Errorf("metrics.trusted_proxies: %w", err)
	}

	apiTLS := c.API.TLS
	if (apiTLS.CertFile == "") != (apiTLS.KeyFile == "") {
		return fmt.Errorf("api.tls.cert_file and api.tls.key_file must be set together")
	}
	if apiTLS.ACME.Enabled {
		if apiTLS.CertFile != "" {
			return fmt.Errorf("api.tls.acme and api.tls.cert_file are mutually exclusive")
		}
		if len(apiTLS.ACME.Domains) == 0 {
			return fmt.Errorf("api.tls.acme.domains is required when ACME is enabled")
		}
		if apiTLS.ACME.Email == "" {
			return fmt.Errorf("api.tls.acme.email is required when ACME is enabled")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// loadTemplateFiles reads body templates referenced by path
func (c *Config) loadTemplateFiles() error {
	if c.Templates.TextFile != "" {
		data, err := os.ReadFile(c.ResolvePath(c.Templates.TextFile))
		if err != nil {
			return fmt.Errorf("failed to read text template: %w", err)
		}
		c.Templates.Text = string(data)
	}
	if c.Templates.HTMLFile != "" {
		data, err := os.ReadFile(c.ResolvePath(c.Templates.HTMLFile))
		if err != nil {
			return fmt.Errorf("failed to read html template: %w", err)
		}
		c.Templates.HTML = string(data)
	}
	return nil
}

// ResolvePath resolves a path relative to the config file directory
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// Template returns the configured templates
func (c *Config) Template() template.Template {
	return template.Template{
		Subject: c.Templates.Subject,
		Text:    c.Templates.Text,
		HTML:    c.Templates.HTML,
	}
}

// IsSMTP reports whether the provider is delivered over SMTP
func (c *Config) IsSMTP() bool {
	return c.Provider.Name != ProviderResend && c.Provider.Name != ProviderSandbox
}

// Addr returns the provider host:port
func (p ProviderConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// SenderDomain returns the domain of the sender address
func (c *Config) SenderDomain() string {
	return email.ExtractDomain(c.Sender.Email)
}
