package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Polls     *prometheus.CounterVec
	Anomalies *prometheus.CounterVec
	Sweeps    prometheus.Counter
	SweepSize prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efiling_status_polls_total",
			Help: "Status polls by trigger and result",
		}, []string{"trigger", "result"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efiling_status_anomalies_total",
			Help: "Authority answers that were not persisted",
		}, []string{"kind"}),
		Sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "efiling_status_sweeps_total",
			Help: "Background sweeps started",
		}),
		SweepSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "efiling_status_sweep_size",
			Help:    "Submissions polled per sweep",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
}

func (m *Metrics) poll(trigger, result string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) anomaly(kind string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) sweep(n int) {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
	m.SweepSize.Observe(float64(n))
}
