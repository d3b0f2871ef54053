// Package metrics exposes the router's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the router counters behind one registry so tests can
// construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	MessagesIngested prometheus.Counter
	MessagesRejected prometheus.Counter
	Deliveries       prometheus.Counter
	AcksReceived     *prometheus.CounterVec
	Retries          prometheus.Counter
	Failures         *prometheus.CounterVec
	InboxPops        prometheus.Counter
}

// New builds a metrics bundle with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		MessagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamrouter_messages_ingested_total",
			Help: "Messages accepted at ingress.",
		}),
		MessagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamrouter_messages_rejected_total",
			Help: "Messages rejected by validation.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamrouter_deliveries_total",
			Help: "Inbox deliveries, including retries.",
		}),
		AcksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamrouter_acks_received_total",
			Help: "Acknowledgments received by stage.",
		}, []string{"stage"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamrouter_retries_total",
			Help: "Redelivery attempts scheduled by the retry loop.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamrouter_delivery_failures_total",
			Help: "Deliveries marked failed by reason.",
		}, []string{"reason"}),
		InboxPops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamrouter_inbox_pops_total",
			Help: "Messages handed out via inbox pops.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesIngested,
		m.MessagesRejected,
		m.Deliveries,
		m.AcksReceived,
		m.Retries,
		m.Failures,
		m.InboxPops,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
