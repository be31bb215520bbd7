package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
sender:
  email: "team@example.com"
  name: "Events Team"
  reply_to: "replies@example.com"

provider:
  name: "smtp"
  host: "mail.example.com"
  port: 2525
  username: "relay"
  password: "secret"
  tls: "none"
  timeout: 10s

templates:
  subject: "Test Mail for {{ .name }}"
  text: "Dear {{ .name }}"

send:
  email_field: "address"
  delay: 2s
  max_retries: 5
  retry_interval: 1m
  stop_on_error: true

session:
  name: "conference-2026"
  path: "/tmp/mailmerge.db"

logging:
  level: "debug"
  format: "json"
`
	cfg, err := Load(writeConfig(t, t.TempDir(), content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sender.Name != "Events Team" {
		t.Errorf("Sender.Name = %v, want Events Team", cfg.Sender.Name)
	}
	if cfg.Provider.Addr() != "mail.example.com:2525" {
		t.Errorf("Provider.Addr() = %v, want mail.example.com:2525", cfg.Provider.Addr())
	}
	if cfg.Provider.Username != "relay" {
		t.Errorf("Provider.Username = %v, want relay", cfg.Provider.Username)
	}
	if cfg.Provider.TLS != TLSNone {
		t.Errorf("Provider.TLS = %v, want none", cfg.Provider.TLS)
	}
	if cfg.Provider.Timeout != 10*time.Second {
		t.Errorf("Provider.Timeout = %v, want 10s", cfg.Provider.Timeout)
	}
	if cfg.Send.EmailField != "address" {
		t.Errorf("Send.EmailField = %v, want address", cfg.Send.EmailField)
	}
	if cfg.Send.RetryInterval != time.Minute {
		t.Errorf("Send.RetryInterval = %v, want 1m", cfg.Send.RetryInterval)
	}
	if !cfg.Send.StopOnError {
		t.Error("Send.StopOnError = false, want true")
	}
	if cfg.Session.Name != "conference-2026" {
		t.Errorf("Session.Name = %v, want conference-2026", cfg.Session.Name)
	}
	if got := cfg.Template(); got.Subject != "Test Mail for {{ .name }}" || got.Text != "Dear {{ .name }}" {
		t.Errorf("Template() = %+v", got)
	}
	if !cfg.IsSMTP() {
		t.Error("IsSMTP() = false, want true")
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `
sender:
  email: "hk@gmail.com"
provider:
  name: "gmail"
  password: "app-password"
`
	cfg, err := Load(writeConfig(t, t.TempDir(), content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Check defaults
	if cfg.Provider.Host != "smtp.gmail.com" {
		t.Errorf("Provider.Host = %v, want smtp.gmail.com", cfg.Provider.Host)
	}
	if cfg.Provider.Port != 587 {
		t.Errorf("Provider.Port = %v, want 587", cfg.Provider.Port)
	}
	if cfg.Provider.TLS != TLSStartTLS {
		t.Errorf("Provider.TLS = %v, want starttls", cfg.Provider.TLS)
	}
	if cfg.Provider.Username != "hk@gmail.com" {
		t.Errorf("Provider.Username = %v, want sender email", cfg.Provider.Username)
	}
	if cfg.Send.EmailField != "email" {
		t.Errorf("Send.EmailField = %v, want email", cfg.Send.EmailField)
	}
	if cfg.Send.MaxRetries != 3 {
		t.Errorf("Send.MaxRetries = %v, want 3", cfg.Send.MaxRetries)
	}
	if cfg.Session.Name != "default" {
		t.Errorf("Session.Name = %v, want default", cfg.Session.Name)
	}
	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %v, want /metrics", cfg.Metrics.Path)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %v, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %v, want text", cfg.Logging.Format)
	}
}

func TestProviderPresets(t *testing.T) {
	tests := []struct {
		provider string
		wantHost string
		wantPort int
		wantTLS  string
	}{
		{provider: "gmail", wantHost: "smtp.gmail.com", wantPort: 587, wantTLS: TLSStartTLS},
		{provider: "Outlook", wantHost: "smtp.office365.com", wantPort: 587, wantTLS: TLSStartTLS},
		{provider: "yahoo", wantHost: "smtp.mail.yahoo.com", wantPort: 465, wantTLS: TLSImplicit},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg, err := Parse([]byte("sender:\n  email: a@example.com\nprovider:\n  name: " + tt.provider + "\n"))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if cfg.Provider.Host != tt.wantHost || cfg.Provider.Port != tt.wantPort || cfg.Provider.TLS != tt.wantTLS {
				t.Errorf("Provider = %s:%d %s, want %s:%d %s",
					cfg.Provider.Host, cfg.Provider.Port, cfg.Provider.TLS,
					tt.wantHost, tt.wantPort, tt.wantTLS)
			}
		})
	}
}

func TestLoadTemplateFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "body.txt"), []byte("Dear {{ .name }}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "body.html"), []byte("<p>{{ .name }}</p>"), 0644); err != nil {
		t.Fatal(err)
	}

	content := `
sender:
  email: "a@example.com"
provider:
  name: sandbox
templates:
  subject: "Hi"
  text_file: body.txt
  html_file: body.html
`
	cfg, err := Load(writeConfig(t, dir, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Templates.Text != "Dear {{ .name }}" {
		t.Errorf("Templates.Text = %q", cfg.Templates.Text)
	}
	if cfg.Templates.HTML != "<p>{{ .name }}</p>" {
		t.Errorf("Templates.HTML = %q", cfg.Templates.HTML)
	}

	missing := strings.Replace(content, "body.txt", "missing.txt", 1)
	if _, err := Load(writeConfig(t, dir, missing)); err == nil {
		t.Error("Load() expected error for missing template file")
	}
}

func TestEnvSecrets(t *testing.T) {
	t.Setenv("MAILMERGE_PASSWORD", "from-env")
	t.Setenv("MAILMERGE_API_KEY", "re_key")

	cfg, err := Parse([]byte("sender:\n  email: a@example.com\nprovider:\n  name: resend\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Provider.Password != "from-env" {
		t.Errorf("Provider.Password = %v, want from-env", cfg.Provider.Password)
	}
	if cfg.Provider.APIKey != "re_key" {
		t.Errorf("Provider.APIKey = %v, want re_key", cfg.Provider.APIKey)
	}
	if cfg.IsSMTP() {
		t.Error("IsSMTP() = true, want false for resend")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Sender:   SenderConfig{Email: "a@example.com"},
			Provider: ProviderConfig{Name: "smtp", Host: "mail.example.com", Port: 587, TLS: TLSStartTLS},
			Logging:  LoggingConfig{Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", modify: func(c *Config) {}},
		{name: "missing sender", modify: func(c *Config) { c.Sender.Email = "" }, wantErr: true},
		{name: "invalid sender", modify: func(c *Config) { c.Sender.Email = "not an address" }, wantErr: true},
		{name: "invalid reply-to", modify: func(c *Config) { c.Sender.ReplyTo = "@@" }, wantErr: true},
		{name: "unknown provider", modify: func(c *Config) { c.Provider.Name = "carrier-pigeon" }, wantErr: true},
		{name: "missing host", modify: func(c *Config) { c.Provider.Host = "" }, wantErr: true},
		{name: "invalid tls", modify: func(c *Config) { c.Provider.TLS = "maybe" }, wantErr: true},
		{name: "invalid port", modify: func(c *Config) { c.Provider.Port = 70000 }, wantErr: true},
		{name: "resend without key", modify: func(c *Config) { c.Provider.Name = "resend" }, wantErr: true},
		{name: "sandbox without host", modify: func(c *Config) { c.Provider = ProviderConfig{Name: "sandbox", Port: 587} }},
		{
			name: "text and text_file",
			modify: func(c *Config) {
				c.Templates.Text = "x"
				c.Templates.TextFile = "x.txt"
			},
			wantErr: true,
		},
		{name: "negative retries", modify: func(c *Config) { c.Send.MaxRetries = -1 }, wantErr: true},
		{name: "dkim without key", modify: func(c *Config) { c.DKIM = DKIMConfig{Enabled: true, Domain: "example.com"} }, wantErr: true},
		{name: "invalid api allowed ip", modify: func(c *Config) { c.API.AllowedIPs = []string{"10.0.0.0/8", "office"} }, wantErr: true},
		{name: "invalid metrics allowed ip", modify: func(c *Config) { c.Metrics.AllowedIPs = []string{"300.1.1.1"} }, wantErr: true},
		{name: "invalid api trusted proxy", modify: func(c *Config) { c.API.TrustedProxies = []string{"proxy.local"} }, wantErr: true},
		{name: "invalid metrics trusted proxy", modify: func(c *Config) { c.Metrics.TrustedProxies = []string{"10.0.0.0/33"} }, wantErr: true},
		{name: "api trusted proxies", modify: func(c *Config) { c.API.TrustedProxies = []string{"127.0.0.1", "10.0.0.0/8"} }},
		{name: "api cert without key", modify: func(c *Config) { c.API.TLS.CertFile = "api.crt" }, wantErr: true},
		{
			name: "api manual tls",
			modify: func(c *Config) {
				c.API.TLS.CertFile = "api.crt"
				c.API.TLS.KeyFile = "api.key"
			},
		},
		{
			name: "acme without domains",
			modify: func(c *Config) {
				c.API.TLS.ACME = ACMEConfig{Enabled: true, Email: "ops@example.com"}
			},
			wantErr: true,
		},
		{
			name: "acme and cert file",
			modify: func(c *Config) {
				c.API.TLS = APITLSConfig{
					CertFile: "api.crt",
					KeyFile:  "api.key",
					ACME:     ACMEConfig{Enabled: true, Email: "ops@example.com", Domains: []string{"api.example.com"}},
				}
			},
			wantErr: true,
		},
		{name: "invalid log level", modify: func(c *Config) { c.Logging.Level = "invalid" }, wantErr: true},
		{name: "invalid log format", modify: func(c *Config) { c.Logging.Format = "invalid" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, t.TempDir(), `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestRateLimitDefaults(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantAccount *LimitConfig
		wantErr     bool
	}{
		{
			name: "gmail preset quota",
			content: `
sender: {email: "a@gmail.com"}
provider: {name: gmail}
send: {rate_limit: {enabled: true}}
`,
			wantAccount: &LimitConfig{MessagesPerDay: 500},
		},
		{
			name: "explicit quota kept",
			content: `
sender: {email: "a@gmail.com"}
provider: {name: gmail}
send: {rate_limit: {enabled: true, account: {messages_per_hour: 20}}}
`,
			wantAccount: &LimitConfig{MessagesPerHour: 20},
		},
		{
			name: "disabled",
			content: `
sender: {email: "a@gmail.com"}
provider: {name: gmail}
`,
			wantAccount: nil,
		},
		{
			name: "negative wait",
			content: `
sender: {email: "a@example.com"}
provider: {name: sandbox}
send: {rate_limit: {enabled: true, max_wait: -1s}}
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.content))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			got := cfg.Send.RateLimit.Account
			if (got == nil) != (tt.wantAccount == nil) || (got != nil && *got != *tt.wantAccount) {
				t.Errorf("RateLimit.Account = %+v, want %+v", got, tt.wantAccount)
			}
		})
	}
}

func TestACMEDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sender:
  email: team@example.com
provider:
  name: sandbox
api:
  allowed_ips: ["10.0.0.0/8"]
  tls:
    acme:
      enabled: true
      email: ops@example.com
      domains: [merge.example.com]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	acme := cfg.API.TLS.ACME
	if acme.CacheDir != "acme-cache" {
		t.Errorf("CacheDir = %q, want acme-cache", acme.CacheDir)
	}
	if acme.ChallengeAddr != ":80" {
		t.Errorf("ChallengeAddr = %q, want :80", acme.ChallengeAddr)
	}
	if !cfg.API.TLS.Enabled() {
		t.Error("TLS.Enabled() = false, want true")
	}
	if len(cfg.API.AllowedIPs) != 1 {
		t.Errorf("AllowedIPs = %v", cfg.API.AllowedIPs)
	}
}
