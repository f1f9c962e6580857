package authority

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Requests     *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	BreakerState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efiling_authority_requests_total",
			Help: "Filing authority requests by operation and outcome category",
		}, []string{"operation", "outcome"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efiling_authority_request_duration_seconds",
			Help:    "Filing authority request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "efiling_authority_breaker_open",
			Help: "1 while the authority circuit breaker is open",
		}),
	}
}

func (m *Metrics) observe(operation string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(CategoryOf(err))
	}
	m.Requests.WithLabelValues(operation, outcome).Inc()
	m.Latency.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) breaker(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
		return
	}
	m.BreakerState.Set(0)
}
