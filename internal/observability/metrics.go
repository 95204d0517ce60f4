package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadesk_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Outbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadesk_outbound_total", Help: "Outbound dispatch attempts"},
		[]string{"origin", "status", "type"},
	)
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wadesk_dispatch_latency_seconds", Help: "Broker dispatch latency"},
	)
	Delivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadesk_delivered_total", Help: "Messages acknowledged delivered or read"},
		[]string{"type"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadesk_breaker_transitions_total", Help: "Circuit breaker transitions"},
		[]string{"state"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadesk_webhook_events_total", Help: "Broker webhook events"},
		[]string{"status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadesk_enqueue_total", Help: "SQS enqueue results"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Outbound, DispatchLatency, Delivered, BreakerTransitions, WebhookEvents, Enqueues)
}
