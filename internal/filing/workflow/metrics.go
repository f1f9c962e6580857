package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	dErrors "efiling/pkg/domain-errors"
)

type Metrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Opened     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efiling_workflow_operations_total",
			Help: "Workflow operations, by operation and result kind",
		}, []string{"operation", "result"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efiling_workflow_operation_duration_seconds",
			Help:    "Workflow operation latency including lock wait",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		Opened: f.NewCounter(prometheus.CounterOpts{
			Name: "efiling_filings_opened_total",
			Help: "Filings opened, revisions included",
		}),
	}
}

func (m *Metrics) record(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(dErrors.KindOf(err))
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) opened() {
	if m != nil {
		m.Opened.Inc()
	}
}
