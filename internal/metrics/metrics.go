// Package metrics holds the Prometheus instruments for the chat endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "professor_agent"

// Transport labels which entrypoint served a request.
type Transport string

const (
	TransportHTTP   Transport = "http"
	TransportLambda Transport = "lambda"
)

// ChatMetrics counts chat requests and relayed fragments.
type ChatMetrics struct {
	RequestsTotal       *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	FragmentsTotal      *prometheus.CounterVec
	ActiveStreams       *prometheus.GaugeVec
	TimeToFirstFragment *prometheus.HistogramVec
}

// New creates the chat metrics and registers them with reg.
func New(reg prometheus.Registerer) *ChatMetrics {
	m := &ChatMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by transport and outcome (complete, failed, rejected).",
		}, []string{"transport", "outcome"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_errors_total",
			Help:      "Chat errors by transport and error code.",
		}, []string{"transport", "code"}),
		FragmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_fragments_total",
			Help:      "Completion fragments relayed to clients.",
		}, []string{"transport"}),
		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_active_streams",
			Help:      "Answer streams currently being relayed.",
		}, []string{"transport"}),
		TimeToFirstFragment: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_time_to_first_fragment_seconds",
			Help:      "Time from request receipt to the first relayed fragment.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"transport"}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.ErrorsTotal, m.FragmentsTotal, m.ActiveStreams, m.TimeToFirstFragment)
	}
	return m
}

func (m *ChatMetrics) RecordOutcome(t Transport, outcome string) {
	m.RequestsTotal.WithLabelValues(string(t), outcome).Inc()
}

func (m *ChatMetrics) RecordError(t Transport, code string) {
	m.ErrorsTotal.WithLabelValues(string(t), code).Inc()
}

func (m *ChatMetrics) RecordFragment(t Transport) {
	m.FragmentsTotal.WithLabelValues(string(t)).Inc()
}

func (m *ChatMetrics) RecordFirstFragment(t Transport, seconds float64) {
	m.TimeToFirstFragment.WithLabelValues(string(t)).Observe(seconds)
}

func (m *ChatMetrics) StreamStarted(t Transport) {
	m.ActiveStreams.WithLabelValues(string(t)).Inc()
}

func (m *ChatMetrics) StreamEnded(t Transport) {
	m.ActiveStreams.WithLabelValues(string(t)).Dec()
}
