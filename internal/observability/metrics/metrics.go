package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics exposes counters/histograms for webhook ingestion and
// session lifecycle flows.
type WebhookMetrics struct {
	receivedTotal      *prometheus.CounterVec
	webhookLatency     *prometheus.HistogramVec
	sessionResolutions *prometheus.CounterVec
	toolCallsTotal     *prometheus.CounterVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "demopilot",
			Subsystem: "webhooks",
			Name:      "received_total",
			Help:      "Total inbound Tavus webhooks by outcome",
		}, []string{"event_type", "outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "demopilot",
			Subsystem: "webhooks",
			Name:      "latency_seconds",
			Help:      "Latency of Tavus webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		sessionResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "demopilot",
			Subsystem: "sessions",
			Name:      "resolutions_total",
			Help:      "Session start resolutions by decision",
		}, []string{"decision"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "demopilot",
			Subsystem: "webhooks",
			Name:      "tool_calls_total",
			Help:      "Normalized tool invocations by tool name",
		}, []string{"tool"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.receivedTotal, m.webhookLatency, m.sessionResolutions, m.toolCallsTotal)
	return m
}

func (m *WebhookMetrics) ObserveReceived(eventType, outcome string) {
	if m == nil {
		return
	}
	m.receivedTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *WebhookMetrics) ObserveLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}

func (m *WebhookMetrics) ObserveResolution(decision string) {
	if m == nil {
		return
	}
	m.sessionResolutions.WithLabelValues(decision).Inc()
}

func (m *WebhookMetrics) ObserveToolCall(tool string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool).Inc()
}
