package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the resolver module.
type Metrics struct {
	CacheHits       prometheus.Counter
	Fetches         prometheus.Counter
	FetchFailures   prometheus.Counter
	SharedFlights   prometheus.Counter
	ResolveDuration prometheus.Histogram
}

// New creates a Metrics instance with all resolver metrics registered.
func New() *Metrics {
	return &Metrics{
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_resolver_cache_hits_total",
			Help: "Resolutions answered from the local store without a fetch",
		}),
		Fetches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_resolver_fetches_total",
			Help: "Remote fetches performed by the resolver",
		}),
		FetchFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_resolver_fetch_failures_total",
			Help: "Remote fetches that ended in a cached failure",
		}),
		SharedFlights: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_resolver_shared_flights_total",
			Help: "Resolutions that piggybacked on an in-flight fetch of the same identifier",
		}),
		ResolveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedgate_resolver_resolve_duration_seconds",
			Help:    "Duration of actor resolutions including network fetch",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// ObserveResolve records the duration of a resolution.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveResolve(start time.Time) {
	m.ResolveDuration.Observe(time.Since(start).Seconds())
}
