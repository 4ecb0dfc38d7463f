package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/mailpipe/internal/domain"
	"github.com/notifyhub/mailpipe/internal/service"
	"github.com/notifyhub/mailpipe/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	Published         prometheus.Counter
	PublishFailures   prometheus.Counter
	Delivered         prometheus.Counter
	Retried           prometheus.Counter
	DeadLettered      *prometheus.CounterVec
	Duplicates        prometheus.Counter
	RelayLatency      *prometheus.HistogramVec
	ConsumerListening prometheus.Gauge
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailpipe_published_total",
			Help: "Messages accepted by the message channel.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailpipe_publish_failures_total",
			Help: "Publish attempts rejected because the channel was unavailable.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailpipe_delivered_total",
			Help: "Messages accepted by the mail relay.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailpipe_retried_total",
			Help: "Messages requeued after a transient relay failure.",
		}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpipe_dead_lettered_total",
			Help: "Messages removed from the channel without delivery.",
		}, []string{"reason"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailpipe_duplicates_skipped_total",
			Help: "Redeliveries acknowledged without sending because the ledger already had them.",
		}),
		RelayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailpipe_relay_send_seconds",
			Help:    "Latency of one relay submission.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ConsumerListening: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailpipe_consumer_listening",
			Help: "1 while the consumer holds an active subscription.",
		}),
	}

	reg.MustRegister(
		m.Published,
		m.PublishFailures,
		m.Delivered,
		m.Retried,
		m.DeadLettered,
		m.Duplicates,
		m.RelayLatency,
		m.ConsumerListening,
	)

	return m
}

// ConsumerHooks returns the metric callbacks expected by worker.MetricHooks.
// Centralises the prometheus observation calls so the worker stays import-free.
func (m *Metrics) ConsumerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnSent: func(latency time.Duration) {
			m.Delivered.Inc()
			m.RelayLatency.WithLabelValues(domain.OutcomeSuccess.String()).Observe(latency.Seconds())
		},
		OnFailed: func(outcome domain.DeliveryOutcome, latency time.Duration) {
			m.RelayLatency.WithLabelValues(outcome.String()).Observe(latency.Seconds())
		},
		OnRetry: func(int) { m.Retried.Inc() },
		OnDeadLetter: func(reason domain.DeadLetterReason) {
			m.DeadLettered.WithLabelValues(string(reason)).Inc()
		},
		OnDuplicate: func() { m.Duplicates.Inc() },
		OnListening: func(listening bool) {
			if listening {
				m.ConsumerListening.Set(1)
				return
			}
			m.ConsumerListening.Set(0)
		},
	}
}

// PublisherHooks returns the callbacks expected by service.PublisherHooks.
func (m *Metrics) PublisherHooks() service.PublisherHooks {
	return service.PublisherHooks{
		OnPublished: func() { m.Published.Inc() },
		OnFailed:    func() { m.PublishFailures.Inc() },
	}
}
