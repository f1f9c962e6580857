package submission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Outcomes *prometheus.CounterVec
	Attempts prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efiling_submissions_total",
			Help: "Submission hand-offs, by outcome",
		}, []string{"outcome"}),
		Attempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "efiling_submission_attempts",
			Help:    "Hand-off attempts needed before an acknowledgment",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
	}
}

func (m *Metrics) outcome(outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) acknowledged(attempts int) {
	if m != nil {
		m.Outcomes.WithLabelValues("acknowledged").Inc()
		m.Attempts.Observe(float64(attempts))
	}
}
