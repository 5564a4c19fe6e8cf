package api

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	commandsAccepted prometheus.Counter
	batchesRejected  *prometheus.CounterVec
	linkConnected    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airhive",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airhive",
			Name:      "machine_transitions_total",
			Help:      "Successful machine state transitions by target state.",
		}, []string{"to"}),
		commandsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airhive",
			Name:      "commands_accepted_total",
			Help:      "Commands handed to the machine link.",
		}),
		batchesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airhive",
			Name:      "command_batches_rejected_total",
			Help:      "Command batches rejected as a whole, by reason.",
		}, []string{"reason"}),
		linkConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "airhive",
			Name:      "link_connected",
			Help:      "1 while the machine link is connected.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.transitions,
		m.commandsAccepted,
		m.batchesRejected,
		m.linkConnected,
	)
	return m
}

func (m *Metrics) observeRequest(route string, code int) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// SetLinkConnected updates the link gauge.
func (m *Metrics) SetLinkConnected(connected bool) {
	if connected {
		m.linkConnected.Set(1)
		return
	}
	m.linkConnected.Set(0)
}

// RegisterMetrics registers the Prometheus handler in provided mux.
func RegisterMetrics(mux *http.ServeMux, m *Metrics) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
}
