package pawchat

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// SendsTotal counts outbound sends by the path that produced the result.
	SendsTotal *prometheus.CounterVec

	// RequestsTotal counts REST calls by method and status.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks REST call latency.
	RequestDuration *prometheus.HistogramVec

	// HubEventsTotal counts inbound hub invocations by target.
	HubEventsTotal *prometheus.CounterVec

	// ReconnectAttempts counts automatic reconnect attempts.
	ReconnectAttempts prometheus.Counter

	// ConnectionState is 1 for the current state and 0 for the others.
	ConnectionState *prometheus.GaugeVec
}

// NewMetrics registers the client metrics on reg. Pass nil for a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		SendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pawchat_sends_total",
				Help: "Outbound chat messages by delivery path",
			},
			[]string{"path"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pawchat_api_requests_total",
				Help: "REST API requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pawchat_api_request_duration_seconds",
				Help:    "REST API request duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		HubEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pawchat_hub_events_total",
				Help: "Inbound hub events by target",
			},
			[]string{"target"},
		),
		ReconnectAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pawchat_reconnect_attempts_total",
				Help: "Automatic hub reconnect attempts",
			},
		),
		ConnectionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pawchat_connection_state",
				Help: "Current hub connection state",
			},
			[]string{"state"},
		),
	}
}

func (m *Metrics) recordSend(path string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(path).Inc()
}

func (m *Metrics) recordRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.RequestsTotal.WithLabelValues(method, label).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) recordHubEvent(target string) {
	if m == nil {
		return
	}
	m.HubEventsTotal.WithLabelValues(target).Inc()
}

func (m *Metrics) recordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) setState(state ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}
