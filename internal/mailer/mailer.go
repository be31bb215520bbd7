// Package mailer drives a merge run: one rendered, built and submitted
// message per recipient record.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailmerge/internal/config"
	"github.com/foxzi/mailmerge/internal/email"
	"github.com/foxzi/mailmerge/internal/message"
	"github.com/foxzi/mailmerge/internal/metrics"
	"github.com/foxzi/mailmerge/internal/ratelimit"
	"github.com/foxzi/mailmerge/internal/record"
	"github.com/foxzi/mailmerge/internal/session"
	"github.com/foxzi/mailmerge/internal/smtp"
	"github.com/foxzi/mailmerge/internal/template"
)

// ErrStopped is returned when a run aborts on the first failure
var ErrStopped = errors.New("run stopped on error")

// ErrRateLimited is returned when the submission quota is used up for longer
// than the configured wait
var ErrRateLimited = errors.New("rate limit reached")

// Sender delivers one built message
type Sender interface {
	Send(ctx context.Context, msg *message.Message) error
	Name() string
}

// Store is the sent-log used to skip recipients already mailed
type Store interface {
	IsSent(ctx context.Context, name, digest string) (bool, error)
	MarkSent(ctx context.Context, name string, entry *session.Entry) error
}

// Limiter reserves submission quota before each send
type Limiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// Stages at which a recipient can fail
const (
	StageAddress   = "address"
	StageSession   = "session"
	StageRender    = "render"
	StageBuild     = "build"
	StageRateLimit = "rate_limit"
	StageSend      = "send"
)

// Options controls a run
type Options struct {
	EmailField    string
	Session       string
	Delay         time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	StopOnError   bool

	// Account is the sender address counted against the account quota
	Account string
	// MaxWait is the longest pause for quota before the run stops
	MaxWait time.Duration
}

// OptionsFromConfig builds run options from the configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		EmailField:    cfg.Send.EmailField,
		Session:       cfg.Session.Name,
		Delay:         cfg.Send.Delay,
		MaxRetries:    cfg.Send.MaxRetries,
		RetryInterval: cfg.Send.RetryInterval,
		StopOnError:   cfg.Send.StopOnError,
		Account:       cfg.Sender.Email,
		MaxWait:       cfg.Send.RateLimit.MaxWait,
	}
}

// Failure describes a recipient that could not be mailed
type Failure struct {
	Index int    `json:"index"`
	Email string `json:"email,omitempty"`
	Stage string `json:"stage"`
	Err   error  `json:"-"`
}

func (f Failure) Error() string {
	if f.Email != "" {
		return fmt.Sprintf("recipient %d (%s): %s: %v", f.Index, f.Email, f.Stage, f.Err)
	}
	return fmt.Sprintf("recipient %d: %s: %v", f.Index, f.Stage, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Report summarizes a run
type Report struct {
	RunID      string    `json:"run_id"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Failures   []Failure `json:"failures,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Mailer sends one message per record
type Mailer struct {
	engine  *template.Engine
	builder *message.Builder
	sender  Sender
	store   Store
	limiter Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a mailer
func New(engine *template.Engine, builder *message.Builder, sender Sender, opts Options, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.EmailField == "" {
		opts.EmailField = "email"
	}
	return &Mailer{
		engine:  engine,
		builder: builder,
		sender:  sender,
		logger:  logger.With("component", "mailer"),
		opts:    opts,
		sleep:   sleepContext,
	}
}

// SetStore sets the sent-log. Without a store every record is sent.
func (m *Mailer) SetStore(store Store) {
	m.store = store
}

// SetLimiter sets the submission quota. Without a limiter sends are not limited.
func (m *Mailer) SetLimiter(l Limiter) {
	m.limiter = l
}

// SetMetrics sets the metrics sink
func (m *Mailer) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// Send mails every record. Per-recipient failures are collected in the
// report; the returned error is set only when the run itself stops early.
func (m *Mailer) Send(ctx context.Context, records []*record.Record) (*Report, error) {
	report := &Report{
		RunID:     uuid.New().String(),
		Total:     len(records),
		StartedAt: time.Now(),
	}
	logger := m.logger.With("run_id", report.RunID)
	defer func() { report.FinishedAt = time.Now() }()

	logger.Info("run started",
		"recipients", len(records),
		"provider", m.sender.Name(),
		"session", m.opts.Session,
	)
	m.metrics.SetRun(len(records), len(records))

	sentBefore := false
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			logger.Warn("run canceled", "processed", i)
			return report, err
		}
		m.metrics.SetRun(len(records), len(records)-i)

		// Pause between submissions, not before the first one
		if sentBefore && m.opts.Delay > 0 {
			if err := m.sleep(ctx, m.opts.Delay); err != nil {
				return report, err
			}
		}

		sent, failure := m.sendOne(ctx, logger, report.RunID, i, rec)
		switch {
		case failure != nil:
			report.Failed++
			report.Failures = append(report.Failures, *failure)
			logger.Error("recipient failed",
				"index", i,
				"email", failure.Email,
				"stage", failure.Stage,
				"error", failure.Err,
			)
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if errors.Is(failure.Err, ErrRateLimited) {
				logger.Warn("run paused by rate limit, rerun to resume", "processed", i+1)
				return report, failure.Err
			}
			if m.opts.StopOnError {
				return report, fmt.Errorf("%w: %v", ErrStopped, *failure)
			}
			sentBefore = failure.Stage == StageSend
		case sent:
			report.Sent++
			sentBefore = true
		default:
			report.Skipped++
			m.metrics.IncSkipped()
		}
	}
	m.metrics.SetRun(len(records), 0)

	logger.Info("run finished",
		"sent", report.Sent,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

// sendOne processes a single record. It reports false with no failure when
// the record was skipped.
func (m *Mailer) sendOne(ctx context.Context, logger *slog.Logger, runID string, index int, rec *record.Record) (bool, *Failure) {
	to, ok := rec.Get(m.opts.EmailField)
	if !ok || to == "" {
		return false, &Failure{
			Index: index,
			Stage: StageAddress,
			Err:   fmt.Errorf("record has no %q field", m.opts.EmailField),
		}
	}
	fail := func(stage string, err error) (bool, *Failure) {
		return false, &Failure{Index: index, Email: to, Stage: stage, Err: err}
	}

	rcpt, err := email.ParseRecipient(to)
	if err != nil {
		return fail(StageAddress, err)
	}

	digest := rec.Digest()
	if m.store != nil {
		done, err := m.store.IsSent(ctx, m.opts.Session, digest)
		if err != nil {
			return fail(StageSession, err)
		}
		if done {
			logger.Debug("recipient already sent, skipping", "index", index, "email", to)
			return false, nil
		}
	}

	res, err := m.engine.Render(rec)
	if err != nil {
		var re *template.TemplateRenderError
		if errors.As(err, &re) {
			m.metrics.IncRenderErrors(string(re.Part), string(re.Kind))
		}
		return fail(StageRender, err)
	}
	for part := range res {
		m.metrics.IncRenders(string(part))
	}

	msg, err := m.builder.Build(to, res)
	if err != nil {
		return fail(StageBuild, err)
	}
	msg.Fingerprint = rec.Fingerprint()
	msg.Digest = digest

	if err := m.reserve(ctx, logger, email.ExtractDomain(rcpt.Address)); err != nil {
		return fail(StageRateLimit, err)
	}

	if err := m.deliver(ctx, logger, msg); err != nil {
		m.metrics.IncFailed(m.sender.Name(), smtp.ErrorType(err))
		return fail(StageSend, err)
	}

	if m.store != nil {
		entry := &session.Entry{
			Digest:      digest,
			Fingerprint: msg.Fingerprint,
			Email:       rcpt.Address,
			MessageID:   msg.ID,
			RunID:       runID,
			SentAt:      time.Now(),
		}
		if err := m.store.MarkSent(ctx, m.opts.Session, entry); err != nil {
			// The message is out; a resumed run may send it again
			logger.Error("failed to record sent recipient", "email", rcpt.Address, "error", err)
		}
	}

	return true, nil
}

// reserve takes one message of quota, waiting up to MaxWait when the limit is reached
func (m *Mailer) reserve(ctx context.Context, logger *slog.Logger, rcptDomain string) error {
	if m.limiter == nil {
		return nil
	}

	req := &ratelimit.Request{Account: m.opts.Account, RecipientDomain: rcptDomain}
	for {
		res, err := m.limiter.Allow(ctx, req)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}
		if res.RetryAfter > m.opts.MaxWait {
			return fmt.Errorf("%w: %s %s, retry after %s", ErrRateLimited, res.DeniedBy, res.DeniedKey, res.RetryAfter.Round(time.Second))
		}

		logger.Info("rate limit reached, waiting", "limit", res.DeniedKey, "wait", res.RetryAfter)
		if err := m.sleep(ctx, res.RetryAfter); err != nil {
			return err
		}
	}
}

// deliver submits msg, retrying temporary errors with doubling backoff
func (m *Mailer) deliver(ctx context.Context, logger *slog.Logger, msg *message.Message) error {
	provider := m.sender.Name()
	interval := m.opts.RetryInterval

	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := m.sender.Send(ctx, msg)
		if err == nil {
			m.metrics.ObserveSent(provider, time.Since(start))
			return nil
		}

		if ctx.Err() != nil || !smtp.IsTemporaryError(err) || attempt >= m.opts.MaxRetries {
			return err
		}

		logger.Warn("temporary send failure, retrying",
			"id", msg.ID,
			"to", msg.To,
			"attempt", attempt+1,
			"retry_in", interval,
			"error", err,
		)
		m.metrics.IncRetried(provider)

		if err := m.sleep(ctx, interval); err != nil {
			return err
		}
		interval *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
