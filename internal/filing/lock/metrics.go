package lock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Wait     prometheus.Histogram
	Timeouts prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Wait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "efiling_filing_lock_wait_seconds",
			Help:    "Time spent waiting for the per-filing lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "efiling_filing_lock_timeouts_total",
			Help: "Lock acquisitions abandoned because the wait bound elapsed",
		}),
	}
}

func (m *Metrics) observeWait(d time.Duration, acquired bool) {
	if m == nil {
		return
	}
	m.Wait.Observe(d.Seconds())
	if !acquired {
		m.Timeouts.Inc()
	}
}
