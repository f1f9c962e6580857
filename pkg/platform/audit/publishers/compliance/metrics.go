package compliance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EventsEmitted   *prometheus.CounterVec
	PersistFailures prometheus.Counter
	PersistDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efiling_audit_events_emitted_total",
			Help: "Audit events persisted through the fail-closed publisher",
		}, []string{"category"}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "efiling_audit_persist_failures_total",
			Help: "Audit writes that failed and aborted the calling operation",
		}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "efiling_audit_persist_duration_seconds",
			Help:    "Latency of synchronous audit writes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
