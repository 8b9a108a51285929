package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for outbound delivery.
type Metrics struct {
	Deliveries       prometheus.Counter
	DeliveryFailures prometheus.Counter
	Retries          prometheus.Counter
	BreakerOpens     prometheus.Counter
	DeliveryDuration prometheus.Histogram
}

// New creates a Metrics instance with all delivery metrics registered.
func New() *Metrics {
	return &Metrics{
		Deliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_delivery_attempts_total",
			Help: "Outbound activity deliveries that reached a 2xx response",
		}),
		DeliveryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_delivery_failures_total",
			Help: "Per-recipient deliveries that exhausted retries or failed permanently",
		}),
		Retries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_delivery_retries_total",
			Help: "Delivery attempts retried after a transient failure",
		}),
		BreakerOpens: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_delivery_breaker_opens_total",
			Help: "Times a per-domain circuit breaker transitioned to open",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedgate_delivery_duration_seconds",
			Help:    "Duration of one per-recipient delivery including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// ObserveDelivery records the duration of one per-recipient delivery.
func (m *Metrics) ObserveDelivery(start time.Time) {
	m.DeliveryDuration.Observe(time.Since(start).Seconds())
}
