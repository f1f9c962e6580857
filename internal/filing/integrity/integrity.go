// Package integrity quarantines filings whose stored data contradicts the
// workflow invariants, and releases them after manual review. A quarantined
// filing refuses every mutation.
package integrity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"efiling/internal/filing/events"
	"efiling/internal/filing/models"
	"efiling/internal/filing/ports"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/audit"
	"efiling/pkg/platform/sentinel"
	"efiling/pkg/requestcontext"
)

type Metrics struct {
	Quarantined prometheus.Counter
	Released    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Quarantined: f.NewCounter(prometheus.CounterOpts{
			Name: "efiling_filings_quarantined_total",
			Help: "Filings quarantined after an integrity violation",
		}),
		Released: f.NewCounter(prometheus.CounterOpts{
			Name: "efiling_filings_released_total",
			Help: "Filings released from quarantine",
		}),
	}
}

type Quarantiner struct {
	filings ports.FilingStore
	events  events.Emitter
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Quarantiner)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Quarantiner) { q.logger = logger }
}

func WithEvents(e events.Emitter) Option {
	return func(q *Quarantiner) { q.events = e }
}

func WithMetrics(m *Metrics) Option {
	return func(q *Quarantiner) { q.metrics = m }
}

func New(filings ports.FilingStore, opts ...Option) *Quarantiner {
	q := &Quarantiner{filings: filings, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Violation quarantines the filing and returns the FATAL error the caller
// should surface. If quarantining itself fails the returned error still
// carries CodeQuarantined so the operation is refused either way.
func (q *Quarantiner) Violation(ctx context.Context, filingID id.FilingID, reason string) error {
	if _, err := q.Quarantine(ctx, filingID, reason); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist quarantine",
			"filing_id", filingID,
			"reason", reason,
			"error", err,
		)
	}
	return dErrors.New(dErrors.CodeQuarantined, "filing quarantined: "+reason)
}

// Quarantine freezes the filing. Quarantining twice keeps the first reason.
func (q *Quarantiner) Quarantine(ctx context.Context, filingID id.FilingID, reason string) (*models.Filing, error) {
	now := requestcontext.Now(ctx)
	already := false
	f, err := q.filings.Execute(ctx, filingID,
		func(f *models.Filing) error {
			already = f.Quarantined
			return nil
		},
		func(f *models.Filing) { f.ApplyQuarantine(reason, now) },
	)
	if err != nil {
		return nil, storeError(err)
	}
	if already {
		return f, nil
	}
	if q.metrics != nil {
		q.metrics.Quarantined.Inc()
	}
	q.logger.ErrorContext(ctx, "filing quarantined",
		"filing_id", filingID,
		"reason", reason,
	)
	q.emit(ctx, audit.EventFilingQuarantined, f, reason)
	return f, nil
}

// Release lifts a quarantine after manual review.
func (q *Quarantiner) Release(ctx context.Context, filingID id.FilingID, note string) (*models.Filing, error) {
	now := requestcontext.Now(ctx)
	f, err := q.filings.Execute(ctx, filingID,
		func(f *models.Filing) error { return f.CanRelease() },
		func(f *models.Filing) { f.ApplyRelease(now) },
	)
	if err != nil {
		return nil, storeError(err)
	}
	if q.metrics != nil {
		q.metrics.Released.Inc()
	}
	q.logger.InfoContext(ctx, "filing released from quarantine",
		"filing_id", filingID,
		"note", note,
	)
	q.emit(ctx, audit.EventFilingReleased, f, note)
	return f, nil
}

func (q *Quarantiner) emit(ctx context.Context, action audit.AuditEvent, f *models.Filing, reason string) {
	if q.events == nil {
		return
	}
	ev := events.For(ctx, action, f)
	ev.Reason = reason
	q.events.Emit(ctx, ev)
}

func storeError(err error) error {
	if _, ok := dErrors.From(err); ok {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "filing not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update filing")
}
