// Package metrics provides Prometheus metrics for relaybot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reply outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeExhausted   = "exhausted"
	OutcomeMalformed   = "malformed"
	OutcomeDeclined    = "declined"
	OutcomeSendFailure = "send_failed"
)

// Metrics holds all Prometheus metrics for relaybot. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ProviderAttemptsTotal *prometheus.CounterVec
	ProviderDuration      *prometheus.HistogramVec
	RepliesTotal          *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	UpdatesTotal          *prometheus.CounterVec
	PollingRestartsTotal  prometheus.Counter
}

// New creates all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ProviderAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaybot_provider_attempts_total",
				Help: "Completion attempts by candidate and outcome",
			},
			[]string{"candidate", "outcome"},
		),
		ProviderDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaybot_provider_duration_seconds",
				Help:    "Duration of completion calls in seconds",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 60},
			},
			[]string{"candidate"},
		),
		RepliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaybot_replies_total",
				Help: "Handled inbound messages by outcome",
			},
			[]string{"outcome"},
		),
		ChunksSentTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relaybot_chunks_sent_total",
				Help: "Outbound message chunks sent",
			},
		),
		UpdatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaybot_updates_total",
				Help: "Inbound updates by kind",
			},
			[]string{"kind"},
		),
		PollingRestartsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relaybot_polling_restarts_total",
				Help: "Times the polling loop was restarted after a fault",
			},
		),
	}
}

// RecordAttempt records one completion call against a candidate.
func (m *Metrics) RecordAttempt(candidate, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderAttemptsTotal.WithLabelValues(candidate, outcome).Inc()
	m.ProviderDuration.WithLabelValues(candidate).Observe(duration.Seconds())
}

func (m *Metrics) RecordReply(outcome string) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordChunks(n int) {
	if m == nil {
		return
	}
	m.ChunksSentTotal.Add(float64(n))
}

func (m *Metrics) RecordUpdate(kind string) {
	if m == nil {
		return
	}
	m.UpdatesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPollingRestart() {
	if m == nil {
		return
	}
	m.PollingRestartsTotal.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
