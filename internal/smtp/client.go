// Package smtp submits merge messages to an authenticated SMTP relay.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailmerge/internal/config"
	"github.com/foxzi/mailmerge/internal/dkim"
	"github.com/foxzi/mailmerge/internal/message"
)

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Code      int
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Options contains the relay connection settings
type Options struct {
	Host     string
	Port     int
	TLS      string // starttls, implicit, none
	Username string
	Password string
	Hostname string // EHLO name
	Timeout  time.Duration

	// TLSConfig overrides the default TLS configuration
	TLSConfig *tls.Config
}

// OptionsFromConfig builds relay options from the provider configuration
func OptionsFromConfig(p config.ProviderConfig, hostname string) Options {
	if p.Helo != "" {
		hostname = p.Helo
	}
	return Options{
		Host:     p.Host,
		Port:     p.Port,
		TLS:      p.TLS,
		Username: p.Username,
		Password: p.Password,
		Hostname: hostname,
		Timeout:  p.Timeout,
	}
}

// Client sends messages through a single submission relay
type Client struct {
	opts   Options
	logger *slog.Logger
	signer *dkim.Signer
}

// NewClient creates a new SMTP client
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.TLS == "" {
		opts.TLS = config.TLSStartTLS
	}
	return &Client{
		opts:   opts,
		logger: logger,
	}
}

// SetDKIMSigner sets the DKIM signer for outgoing messages
func (c *Client) SetDKIMSigner(signer *dkim.Signer) {
	c.signer = signer
}

// Name returns the provider name used in logs and metrics
func (c *Client) Name() string {
	return "smtp"
}

// Addr returns the relay address
func (c *Client) Addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

// Send delivers a message to all of its recipients
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	if len(msg.To) == 0 {
		return &DeliveryError{
			Temporary: false,
			Message:   "no valid recipients",
		}
	}

	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if c.opts.Hostname != "" {
		if err := client.Hello(c.opts.Hostname); err != nil {
			return categorizeError(err, "EHLO")
		}
	}

	if c.opts.Username != "" && c.opts.Password != "" {
		if err := c.auth(client); err != nil {
			return err
		}
	}

	// Sign message with DKIM if a signer is configured
	data := msg.Data
	if c.signer != nil {
		signed, err := c.signer.Sign(data)
		if err != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", c.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
			c.logger.Debug("DKIM signed",
				"domain", c.signer.Domain(),
				"selector", c.signer.Selector(),
			)
		}
	}

	if err := client.Mail(msg.From, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return categorizeError(err, fmt.Sprintf("RCPT TO %s", rcpt))
		}
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()

	c.logger.Info("message submitted",
		"relay", c.Addr(),
		"id", msg.ID,
		"to", msg.To,
	)

	return nil
}

// dial connects to the relay using the configured TLS mode
func (c *Client) dial(ctx context.Context) (*smtp.Client, error) {
	addr := c.Addr()
	dialer := &net.Dialer{Timeout: c.opts.Timeout}

	tlsConfig := c.opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			ServerName: c.opts.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	var conn net.Conn
	var err error
	if c.opts.TLS == config.TLSImplicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.opts.Timeout))
	}

	if c.opts.TLS != config.TLSStartTLS {
		return smtp.NewClient(conn), nil
	}

	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		conn.Close()
		return nil, categorizeError(err, "STARTTLS")
	}
	return client, nil
}

// auth authenticates with PLAIN, falling back to LOGIN
func (c *Client) auth(client *smtp.Client) error {
	var mech sasl.Client
	switch {
	case client.SupportsAuth(sasl.Plain):
		mech = sasl.NewPlainClient("", c.opts.Username, c.opts.Password)
	case client.SupportsAuth(sasl.Login):
		mech = sasl.NewLoginClient(c.opts.Username, c.opts.Password)
	default:
		return &DeliveryError{
			Temporary: false,
			Message:   "AUTH failed: server supports neither PLAIN nor LOGIN",
		}
	}

	if err := client.Auth(mech); err != nil {
		return categorizeError(err, "AUTH")
	}
	return nil
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	code := 0
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		code = se.Code
	} else if matches := smtpCodePattern.FindStringSubmatch(err.Error()); len(matches) > 1 {
		code, _ = strconv.Atoi(matches[1])
	}

	switch {
	case code >= 500 && code < 600:
		return &DeliveryError{Temporary: false, Code: code, Message: msg}
	case code >= 400 && code < 500:
		return &DeliveryError{Temporary: true, Code: code, Message: msg}
	}

	// Assume temporary by default
	return &DeliveryError{Temporary: true, Message: msg}
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

// ErrorType returns a short label for metrics
func ErrorType(err error) string {
	var de *DeliveryError
	if !errors.As(err, &de) {
		return "unknown"
	}
	if de.Temporary {
		return "temporary"
	}
	return "permanent"
}

// IsAuthError reports whether the relay rejected the credentials
func IsAuthError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && (de.Code == 535 || de.Code == 534 || strings.HasPrefix(de.Message, "AUTH failed"))
}
