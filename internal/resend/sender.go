// Package resend delivers merge messages through the Resend HTTP API.
package resend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/resend/resend-go/v3"

	"github.com/foxzi/mailmerge/internal/message"
	"github.com/foxzi/mailmerge/internal/smtp"
)

// Config holds Resend provider configuration
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint
	BaseURL string
	// HTTPClient overrides the default HTTP client
	HTTPClient *http.Client
}

// Sender delivers messages using the Resend API
type Sender struct {
	client *resend.Client
	logger *slog.Logger
}

// New creates a new Resend sender
func New(cfg Config, logger *slog.Logger) (*Sender, error) {
	base := http.DefaultClient
	if cfg.HTTPClient != nil {
		base = cfg.HTTPClient
	}

	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient := *base
	httpClient.Transport = &statusTransport{next: transport}

	client := resend.NewCustomClient(&httpClient, cfg.APIKey)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid resend base url: %w", err)
		}
		client.BaseURL = u
	}

	return &Sender{
		client: client,
		logger: logger,
	}, nil
}

// Name returns the provider name used in logs and metrics
func (s *Sender) Name() string {
	return "resend"
}

// Send delivers a built message. Resend composes MIME itself, so only the
// rendered parts are submitted.
func (s *Sender) Send(ctx context.Context, msg *message.Message) error {
	req := &resend.SendEmailRequest{
		From:    msg.FromHeader,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
	}
	if req.From == "" {
		req.From = msg.From
	}

	status := new(int)
	resp, err := s.client.Emails.SendWithContext(withStatus(ctx, status), req)
	if err != nil {
		return classify(err, *status)
	}

	s.logger.Info("message submitted",
		"provider", "resend",
		"id", msg.ID,
		"resend_id", resp.Id,
		"to", msg.To,
	)
	return nil
}

// classify maps an API failure onto the shared delivery error type.
// Rate limiting, server errors and transport failures are retried.
func classify(err error, status int) error {
	msg := fmt.Sprintf("resend: failed to send email: %v", err)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &smtp.DeliveryError{Temporary: true, Message: msg}
	case status == 0:
		return &smtp.DeliveryError{Temporary: true, Message: msg}
	case status == http.StatusTooManyRequests, status >= 500:
		return &smtp.DeliveryError{Temporary: true, Code: status, Message: msg}
	default:
		return &smtp.DeliveryError{Temporary: false, Code: status, Message: msg}
	}
}

type statusKey struct{}

func withStatus(ctx context.Context, status *int) context.Context {
	return context.WithValue(ctx, statusKey{}, status)
}

// statusTransport records the HTTP status of a request in its context
type statusTransport struct {
	next http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err == nil {
		if status, ok := req.Context().Value(statusKey{}).(*int); ok {
			*status = resp.StatusCode
		}
	}
	return resp, err
}
