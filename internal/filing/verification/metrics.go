package verification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SessionsStarted   *prometheus.CounterVec
	ChallengeOutcomes *prometheus.CounterVec
	Resends           *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efiling_verification_sessions_started_total",
			Help: "Verification sessions created, by method",
		}, []string{"method"}),
		ChallengeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efiling_verification_challenge_outcomes_total",
			Help: "Challenge results, by method and outcome",
		}, []string{"method", "outcome"}),
		Resends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efiling_verification_resends_total",
			Help: "Challenges re-sent, by method",
		}, []string{"method"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efiling_verification_provider_duration_seconds",
			Help:    "Latency of adapter calls, by method and operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "op"}),
	}
}

func (m *Metrics) started(method string) {
	if m != nil {
		m.SessionsStarted.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) outcome(method string, status ChallengeStatus) {
	if m != nil {
		m.ChallengeOutcomes.WithLabelValues(method, string(status)).Inc()
	}
}

func (m *Metrics) resent(method string) {
	if m != nil {
		m.Resends.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) observe(method, op string, seconds float64) {
	if m != nil {
		m.ProviderLatency.WithLabelValues(method, op).Observe(seconds)
	}
}
