// Package status reconciles submitted filings with the authority. On-demand
// refreshes and the background sweep share one code path, so the persisted
// stage only ever moves forward no matter who polled.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"efiling/internal/authority"
	"efiling/internal/filing/events"
	"efiling/internal/filing/integrity"
	"efiling/internal/filing/models"
	"efiling/internal/filing/ports"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/audit"
	"efiling/pkg/platform/sentinel"
	"efiling/pkg/requestcontext"
)

// Trigger labels who asked for a poll.
type Trigger string

const (
	TriggerOnDemand Trigger = "on_demand"
	TriggerSweep    Trigger = "sweep"
)

// Settings control the background sweep.
type Settings struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
	// RequestTimeout bounds each authority call.
	RequestTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Interval:       time.Minute,
		StaleAfter:     5 * time.Minute,
		BatchSize:      50,
		Concurrency:    4,
		RequestTimeout: 15 * time.Second,
	}
}

var (
	errOutcomeOnUnsubmitted = errors.New("acknowledged submission on a filing that is not submitted")
	errAlreadyFinal         = errors.New("filing already final")
)

type Poller struct {
	filings     ports.FilingStore
	submissions ports.SubmissionStore
	authority   authority.Client
	tx          ports.Transactor
	integrity   *integrity.Quarantiner
	settings    Settings
	logger      *slog.Logger
	metrics     *Metrics
	compliance  events.Compliance
	events      events.Emitter
	group       singleflight.Group
}

type Option func(*Poller)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

func WithSettings(s Settings) Option {
	return func(p *Poller) { p.settings = s }
}

func WithComplianceAudit(c events.Compliance) Option {
	return func(p *Poller) { p.compliance = c }
}

func WithEvents(e events.Emitter) Option {
	return func(p *Poller) { p.events = e }
}

func New(
	filings ports.FilingStore,
	submissions ports.SubmissionStore,
	client authority.Client,
	tx ports.Transactor,
	quarantiner *integrity.Quarantiner,
	opts ...Option,
) *Poller {
	p := &Poller{
		filings:     filings,
		submissions: submissions,
		authority:   client,
		tx:          tx,
		integrity:   quarantiner,
		settings:    DefaultSettings(),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll refreshes one filing's status. A filing without a submission is a
// no-op that reports Found=false. The snapshot always carries what the
// authority said, even when it was not persisted.
func (p *Poller) Poll(ctx context.Context, filingID id.FilingID) (*models.StatusSnapshot, error) {
	return p.poll(ctx, filingID, TriggerOnDemand)
}

func (p *Poller) poll(ctx context.Context, filingID id.FilingID, trigger Trigger) (*models.StatusSnapshot, error) {
	ch := p.group.DoChan(filingID.String(), func() (any, error) {
		// shared by every waiter, so it must not die with the caller that started it
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*p.settings.RequestTimeout)
		defer cancel()
		return p.refresh(shared, filingID, trigger)
	})
	select {
	case <-ctx.Done():
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "status poll abandoned")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snap := *res.Val.(*models.StatusSnapshot)
		return &snap, nil
	}
}

// Check asks the authority about a filing and persists nothing. It is how an
// indeterminate submit is reconciled before any second attempt.
func (p *Poller) Check(ctx context.Context, filingID id.FilingID) (*models.StatusSnapshot, error) {
	st, err := p.fetch(ctx, filingID)
	if err != nil {
		return nil, err
	}
	return p.snapshot(filingID, st, requestcontext.Now(ctx)), nil
}

func (p *Poller) refresh(ctx context.Context, filingID id.FilingID, trigger Trigger) (*models.StatusSnapshot, error) {
	now := requestcontext.Now(ctx)
	sub, err := p.submissions.FindByFiling(ctx, filingID)
	if errors.Is(err, sentinel.ErrNotFound) {
		p.metrics.poll(string(trigger), "no_submission")
		return &models.StatusSnapshot{FilingID: filingID, ReportedAt: now}, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load submission")
	}
	if !sub.IsAcknowledged() {
		// the submit outcome is still unknown; report without persisting
		p.metrics.poll(string(trigger), "pending")
		return p.Check(ctx, filingID)
	}

	st, err := p.fetch(ctx, filingID)
	if err != nil {
		p.metrics.poll(string(trigger), "error")
		p.logger.WarnContext(ctx, "status poll failed",
			"filing_id", filingID,
			"trigger", trigger,
			"error", err,
		)
		return nil, err
	}
	snap := p.snapshot(filingID, st, now)
	snap.Persisted = sub.Stage

	switch {
	case !st.Found:
		snap.NotReceived = true
		return p.anomaly(ctx, sub, snap, "not_found", "authority has no record of an acknowledged return")
	case st.AckNumber != "" && st.AckNumber != sub.AckNumber:
		p.metrics.anomaly("ack_mismatch")
		return nil, p.integrity.Violation(ctx, filingID,
			fmt.Sprintf("authority reports acknowledgment %s, stored %s", st.AckNumber, sub.AckNumber))
	case snap.Stage == "":
		return p.anomaly(ctx, sub, snap, "unknown_stage", "authority reported an unknown stage")
	case sub.Stage.Regresses(snap.Stage):
		snap.Regression = true
		return p.anomaly(ctx, sub, snap, "regression", "authority reported an earlier stage than recorded")
	}

	var updated *models.Filing
	err = p.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := p.submissions.AdvanceStage(ctx, filingID, snap.Stage, now); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record stage")
		}
		if !snap.Stage.IsTerminal() {
			return nil
		}
		var err error
		updated, err = p.recordOutcome(ctx, filingID, snap, st, now)
		return err
	})
	if errors.Is(err, errOutcomeOnUnsubmitted) {
		return nil, p.integrity.Violation(ctx, filingID, err.Error())
	}
	if err != nil {
		p.metrics.poll(string(trigger), "error")
		return nil, err
	}
	snap.Persisted = snap.Stage
	p.metrics.poll(string(trigger), string(snap.Stage))
	if updated != nil {
		p.logger.InfoContext(ctx, "filing reached final outcome",
			"filing_id", filingID,
			"state", updated.State,
			"raw_stage", snap.RawStage,
		)
	}
	return snap, nil
}

// recordOutcome moves a SUBMITTED filing to its final state. Filings already
// in that state are left alone.
func (p *Poller) recordOutcome(ctx context.Context, filingID id.FilingID, snap *models.StatusSnapshot, st *authority.Status, now time.Time) (*models.Filing, error) {
	f, err := p.filings.FindByID(ctx, filingID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load filing")
	}
	if f.State.IsTerminal() {
		return nil, nil
	}
	if f.State != models.StateSubmitted {
		return nil, errOutcomeOnUnsubmitted
	}
	updated, err := p.filings.Execute(ctx, filingID,
		func(f *models.Filing) error {
			// a concurrent poll may have recorded it first
			if f.State.IsTerminal() {
				return errAlreadyFinal
			}
			return f.CanRecordOutcome(snap.Stage)
		},
		func(f *models.Filing) { f.ApplyOutcome(snap.Stage, now) },
	)
	if errors.Is(err, errAlreadyFinal) {
		return nil, nil
	}
	if err != nil {
		if _, ok := dErrors.From(err); ok {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record outcome")
	}
	action := audit.EventFilingAccepted
	if snap.Stage == models.StageRejected {
		action = audit.EventFilingRejected
	}
	if p.compliance != nil {
		ev := events.For(ctx, action, updated)
		ev.Decision = snap.RawStage
		ev.Reason = strings.Join(st.Errors, "; ")
		if err := p.compliance.Emit(ctx, ev); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record filing outcome")
		}
	}
	return updated, nil
}

// anomaly logs an answer that must not change the persisted stage. The poll
// time is still recorded so the sweep does not spin on the filing.
func (p *Poller) anomaly(ctx context.Context, sub *models.Submission, snap *models.StatusSnapshot, kind, msg string) (*models.StatusSnapshot, error) {
	p.metrics.anomaly(kind)
	p.logger.WarnContext(ctx, msg,
		"filing_id", sub.FilingID,
		"persisted_stage", sub.Stage,
		"raw_stage", snap.RawStage,
		"mapped_stage", snap.Stage,
	)
	if _, err := p.submissions.AdvanceStage(ctx, sub.FilingID, sub.Stage, snap.ReportedAt); err != nil {
		p.logger.WarnContext(ctx, "failed to record poll time", "filing_id", sub.FilingID, "error", err)
	}
	if p.events != nil {
		if f, err := p.filings.FindByID(ctx, sub.FilingID); err == nil {
			ev := events.For(ctx, audit.EventStatusRegression, f)
			ev.Decision = snap.RawStage
			ev.Reason = fmt.Sprintf("%s: stored %s", kind, sub.Stage)
			p.events.Emit(ctx, ev)
		}
	}
	return snap, nil
}

func (p *Poller) fetch(ctx context.Context, filingID id.FilingID) (*authority.Status, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.settings.RequestTimeout)
	defer cancel()
	st, err := p.authority.Status(callCtx, filingID)
	if err != nil {
		return nil, authority.ToDomain(err)
	}
	return st, nil
}

func (p *Poller) snapshot(filingID id.FilingID, st *authority.Status, now time.Time) *models.StatusSnapshot {
	snap := &models.StatusSnapshot{
		FilingID:    filingID,
		Found:       st.Found,
		NotReceived: !st.Found,
		AckNumber:   st.AckNumber,
		RawStage:    st.Stage,
		Errors:      st.Errors,
		Warnings:    st.Warnings,
		ReportedAt:  now,
	}
	if !st.ReportedAt.IsZero() {
		snap.ReportedAt = st.ReportedAt
	}
	if stage, ok := MapStage(st.Stage); ok {
		snap.Stage = stage
	}
	return snap
}

// Sweep polls acknowledged submissions not polled within StaleAfter. One
// failing filing does not stop the others.
func (p *Poller) Sweep(ctx context.Context) (int, error) {
	cutoff := requestcontext.Now(ctx).Add(-p.settings.StaleAfter)
	due, err := p.submissions.ListDue(ctx, cutoff, p.settings.BatchSize)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list due submissions")
	}
	p.metrics.sweep(len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.settings.Concurrency, 1))
	for _, sub := range due {
		g.Go(func() error {
			if _, err := p.poll(gctx, sub.FilingID, TriggerSweep); err != nil {
				p.logger.WarnContext(gctx, "sweep poll failed",
					"filing_id", sub.FilingID,
					"error", err,
				)
			}
			return nil
		})
	}
	return len(due), g.Wait()
}

// Run sweeps every Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.settings.Interval)
	defer ticker.Stop()
	p.logger.InfoContext(ctx, "status poller started", "interval", p.settings.Interval)
	for {
		if n, err := p.Sweep(ctx); err != nil {
			p.logger.ErrorContext(ctx, "status sweep failed", "error", err)
		} else if n > 0 {
			p.logger.DebugContext(ctx, "status sweep finished", "polled", n)
		}
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "status poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}
