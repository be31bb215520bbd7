// Package metrics exposes Prometheus metrics for merge runs and the preview API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics for mailmerge. All recording methods
// are safe to call on a nil receiver.
type Metrics struct {
	// Template counters
	RendersTotal      *prometheus.CounterVec
	RenderErrorsTotal *prometheus.CounterVec

	// Message counters
	MessagesSentTotal    *prometheus.CounterVec
	MessagesFailedTotal  *prometheus.CounterVec
	MessagesRetriedTotal *prometheus.CounterVec
	MessagesSkippedTotal prometheus.Counter
	SendDurationSeconds  *prometheus.HistogramVec

	// Run gauges
	RunRecipients prometheus.Gauge
	RunRemaining  prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RendersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmerge_renders_total",
				Help: "Total number of rendered template parts",
			},
			[]string{"part"},
		),
		RenderErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmerge_render_errors_total",
				Help: "Total number of template rendering failures",
			},
			[]string{"part", "kind"},
		),

		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmerge_messages_sent_total",
				Help: "Total number of successfully submitted messages",
			},
			[]string{"provider"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmerge_messages_failed_total",
				Help: "Total number of recipients that could not be mailed",
			},
			[]string{"provider", "error_type"},
		),
		MessagesRetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmerge_messages_retried_total",
				Help: "Total number of send retries after temporary errors",
			},
			[]string{"provider"},
		),
		MessagesSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailmerge_messages_skipped_total",
				Help: "Total number of recipients skipped because the session already holds them",
			},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailmerge_send_duration_seconds",
				Help:    "Message submission duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),

		RunRecipients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailmerge_run_recipients",
				Help: "Number of recipients in the current run",
			},
		),
		RunRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailmerge_run_remaining",
				Help: "Number of recipients not yet processed in the current run",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmerge_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailmerge_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailmerge_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.RendersTotal,
		m.RenderErrorsTotal,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesRetriedTotal,
		m.MessagesSkippedTotal,
		m.SendDurationSeconds,
		m.RunRecipients,
		m.RunRemaining,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRenders increments the rendered part counter
func (m *Metrics) IncRenders(part string) {
	if m != nil {
		m.RendersTotal.WithLabelValues(part).Inc()
	}
}

// IncRenderErrors increments the render failure counter
func (m *Metrics) IncRenderErrors(part, kind string) {
	if m != nil {
		m.RenderErrorsTotal.WithLabelValues(part, kind).Inc()
	}
}

// ObserveSent records a successful submission
func (m *Metrics) ObserveSent(provider string, d time.Duration) {
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(provider).Inc()
		m.SendDurationSeconds.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// IncFailed increments the failed recipient counter
func (m *Metrics) IncFailed(provider, errorType string) {
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(provider, errorType).Inc()
	}
}

// IncRetried increments the retry counter
func (m *Metrics) IncRetried(provider string) {
	if m != nil {
		m.MessagesRetriedTotal.WithLabelValues(provider).Inc()
	}
}

// IncSkipped increments the skipped recipient counter
func (m *Metrics) IncSkipped() {
	if m != nil {
		m.MessagesSkippedTotal.Inc()
	}
}

// SetRun sets the run size gauges
func (m *Metrics) SetRun(total, remaining int) {
	if m != nil {
		m.RunRecipients.Set(float64(total))
		m.RunRemaining.Set(float64(remaining))
	}
}

// IncAPIErrors increments API error counter
func (m *Metrics) IncAPIErrors(errorType string) {
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
