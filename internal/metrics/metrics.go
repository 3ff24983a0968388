// Package metrics exposes the kiosk's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/rvm.kiosk/internal/kiosk"
	"github.com/banshee-data/rvm.kiosk/internal/material"
)

const namespace = "rvm"

// Metrics implements kiosk.Metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	sessionActive   prometheus.Gauge
	items           *prometheus.CounterVec
	confidence      prometheus.Histogram
	detectSeconds   prometheus.Histogram
	confirmFailures prometheus.Counter
	receiptFailures prometheus.Counter
	linkUp          prometheus.Gauge
}

var _ kiosk.Metrics = (*Metrics)(nil)

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by reason",
		}, []string{"reason"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a session is open",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Detection attempts, by counted material",
		}, []string{"material"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verdict_confidence",
			Help:      "Aggregate confidence of each verdict",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 0.85, 0.9, 0.95, 1},
		}),
		detectSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Wall time of a detection attempt including the actuator wait",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 7),
		}),
		confirmFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuator_failures_total",
			Help:      "Accepted items the actuator did not confirm",
		}),
		receiptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_failures_total",
			Help:      "Sessions that ended without a receipt",
		}),
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "serial_link_up",
			Help:      "1 while the controller link is connected",
		}),
	}

	m.registry.MustRegister(
		m.sessionsStarted, m.sessionsEnded, m.sessionActive, m.items,
		m.confidence, m.detectSeconds, m.confirmFailures, m.receiptFailures, m.linkUp,
	)
	for _, k := range []material.Kind{material.Plastic, material.Can, material.Rejected, material.NoDetection} {
		m.items.WithLabelValues(string(k))
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	m.sessionsStarted.Inc()
	m.sessionActive.Set(1)
}

func (m *Metrics) SessionEnded(rec kiosk.SessionRecord) {
	m.sessionsEnded.WithLabelValues(rec.Reason).Inc()
	m.sessionActive.Set(0)
}

func (m *Metrics) DetectionCompleted(outcome material.Kind, confidence float64, elapsed time.Duration) {
	m.items.WithLabelValues(string(outcome)).Inc()
	m.confidence.Observe(confidence)
	m.detectSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) ConfirmationFailed() { m.confirmFailures.Inc() }
func (m *Metrics) ReceiptFailed()      { m.receiptFailures.Inc() }

func (m *Metrics) LinkConnected(ok bool) {
	if ok {
		m.linkUp.Set(1)
		return
	}
	m.linkUp.Set(0)
}
