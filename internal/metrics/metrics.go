// Package metrics exposes Prometheus collectors for the ingestion path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signal_relay"

// Message outcomes
const (
	OutcomeAdmin    = "admin"
	OutcomeFiltered = "filtered"
	OutcomeParsed   = "parsed"
	OutcomeUnparsed = "unparsed"
	OutcomeError    = "error"
)

// Metrics owns a dedicated registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	messages    *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
	confidence  prometheus.Histogram
	processing  prometheus.Histogram
	groupHealth *prometheus.GaugeVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "messages_total", Help: "Inbound messages by group and outcome"},
			[]string{"group", "outcome"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "filter_rejections_total", Help: "Spam filter rejections by reason"},
			[]string{"reason"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "parse_fallbacks_total", Help: "Parser fallbacks by kind"},
			[]string{"kind"},
		),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_confidence",
			Help:      "Confidence of accepted signals",
			Buckets:   []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
		}),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "Time spent filtering and parsing one message",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		groupHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "group_health", Help: "Health score per source group"},
			[]string{"group"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages,
		m.rejections,
		m.fallbacks,
		m.confidence,
		m.processing,
		m.groupHealth,
	)
	return m
}

// RecordMessage counts one inbound message.
func (m *Metrics) RecordMessage(group, outcome string) {
	m.messages.WithLabelValues(group, outcome).Inc()
}

// RecordRejection counts one spam filter rejection.
func (m *Metrics) RecordRejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// RecordFallback counts one parser fallback.
func (m *Metrics) RecordFallback(kind string) {
	m.fallbacks.WithLabelValues(kind).Inc()
}

// ObserveSignal records the confidence of an accepted signal.
func (m *Metrics) ObserveSignal(confidence float64) {
	m.confidence.Observe(confidence)
}

// ObserveProcessing records per-message processing time.
func (m *Metrics) ObserveProcessing(d time.Duration) {
	m.processing.Observe(d.Seconds())
}

// SetGroupHealth publishes a group health score.
func (m *Metrics) SetGroupHealth(group string, score float64) {
	m.groupHealth.WithLabelValues(group).Set(score)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
