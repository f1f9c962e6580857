// Package submission hands verified filings to the filing authority at most
// once. A submission row is reserved before the authority is called; the
// storage-level uniqueness of that row is what stops a second hand-off.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

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

// Reconciler asks the authority whether it holds a return, without
// persisting anything. The status poller implements it.
type Reconciler interface {
	Check(ctx context.Context, filingID id.FilingID) (*models.StatusSnapshot, error)
}

// Result is what a successful submit left behind.
type Result struct {
	Filing     *models.Filing
	Submission *models.Submission
	// Reconciled is set when the ack came from a status check after an
	// earlier indeterminate attempt rather than from the submit call.
	Reconciled bool
}

type Client struct {
	filings     ports.FilingStore
	sessions    ports.SessionStore
	submissions ports.SubmissionStore
	tx          ports.Transactor
	authority   authority.Client
	reconciler  Reconciler
	integrity   *integrity.Quarantiner
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *Metrics
	compliance  events.Compliance
	events      events.Emitter
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRequestTimeout bounds each authority submit call.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithComplianceAudit(p events.Compliance) Option {
	return func(c *Client) { c.compliance = p }
}

func WithEvents(e events.Emitter) Option {
	return func(c *Client) { c.events = e }
}

func New(
	filings ports.FilingStore,
	sessions ports.SessionStore,
	submissions ports.SubmissionStore,
	tx ports.Transactor,
	client authority.Client,
	reconciler Reconciler,
	quarantiner *integrity.Quarantiner,
	opts ...Option,
) *Client {
	c := &Client{
		filings:     filings,
		sessions:    sessions,
		submissions: submissions,
		tx:          tx,
		authority:   client,
		reconciler:  reconciler,
		integrity:   quarantiner,
		timeout:     30 * time.Second,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit hands the filing to the authority. method, when set, must name the
// method that verified the filing.
//
// Preconditions are checked in order: the filing must be verified
// (NOT_VERIFIED), then it must not already have a submission
// (ALREADY_SUBMITTED). A pending row left by an indeterminate attempt is
// reconciled with the authority before anything is sent again.
func (c *Client) Submit(ctx context.Context, filingID id.FilingID, method models.Method) (*Result, error) {
	f, err := c.filings.FindByID(ctx, filingID)
	if err != nil {
		return nil, storeError(err, "filing")
	}
	if err := f.CanSubmit(); err != nil {
		return nil, err
	}
	if method != "" && method != f.Method {
		return nil, dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("filing was verified with %s, not %s", f.Method, method))
	}
	session, err := c.authorizingSession(ctx, f)
	if err != nil {
		return nil, err
	}

	existing, err := c.submissions.FindByFiling(ctx, f.ID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
	case err != nil:
		return nil, storeError(err, "submission")
	case existing.SessionID != session.ID:
		return nil, c.integrity.Violation(ctx, f.ID, "submission record is not backed by the filing's verification session")
	case existing.IsAcknowledged():
		// the row was acknowledged but the filing never moved; finish the job
		return c.finalize(ctx, f, session, existing, existing.AckNumber, *existing.SubmittedAt, true)
	default:
		return c.reconcile(ctx, f, session, existing)
	}

	sub := models.NewReservation(id.NewSubmissionID(), f.ID, session.ID, requestcontext.Now(ctx))
	if err := c.submissions.Reserve(ctx, sub); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeAlreadySubmitted, "filing has already been submitted")
		}
		return nil, storeError(err, "submission")
	}
	return c.handOff(ctx, f, session, sub)
}

// authorizingSession loads the completed session behind a VERIFIED filing.
// Anything else means the stored state is inconsistent.
func (c *Client) authorizingSession(ctx context.Context, f *models.Filing) (*models.Session, error) {
	if f.SessionID == nil {
		return nil, c.integrity.Violation(ctx, f.ID, "verified filing has no verification session")
	}
	s, err := c.sessions.FindByID(ctx, *f.SessionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, c.integrity.Violation(ctx, f.ID, "verification session of a verified filing is missing")
	}
	if err != nil {
		return nil, storeError(err, "verification session")
	}
	if s.FilingID != f.ID || s.State != models.SessionCompleted {
		return nil, c.integrity.Violation(ctx, f.ID, "verified filing is not backed by a completed session of its own")
	}
	return s, nil
}

func (c *Client) handOff(ctx context.Context, f *models.Filing, session *models.Session, sub *models.Submission) (*Result, error) {
	req := authority.SubmitRequest{
		IdempotencyKey:     f.ID.String(),
		FilingID:           f.ID,
		Subject:            f.Subject,
		FormType:           string(f.FormType),
		AssessmentYear:     f.AssessmentYear,
		ComputationRef:     f.ComputationRef,
		DeclarationVersion: f.DeclarationVersion,
		VerificationMethod: string(session.Method),
		VerificationID:     session.ID,
	}
	if session.CompletedAt != nil {
		req.VerifiedAt = *session.CompletedAt
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	ack, err := c.authority.Submit(callCtx, req)
	cancel()
	if err != nil {
		return nil, c.handOffFailed(ctx, f, sub, err)
	}
	if ack.AckNumber == "" {
		return nil, c.handOffFailed(ctx, f, sub,
			authority.NewError(authority.ErrorContractMismatch, "submit", "acknowledgment without a number", nil))
	}
	receivedAt := ack.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = requestcontext.Now(ctx)
	}
	return c.finalize(ctx, f, session, sub, ack.AckNumber, receivedAt, false)
}

// handOffFailed decides what a failed submit call means for the reservation.
// Only a failure that proves the return was not received releases it.
func (c *Client) handOffFailed(ctx context.Context, f *models.Filing, sub *models.Submission, err error) error {
	if notReceived(err) {
		if rerr := c.submissions.Release(ctx, f.ID); rerr != nil {
			c.logger.ErrorContext(ctx, "failed to release submission reservation",
				"filing_id", f.ID,
				"error", rerr,
			)
		}
		outcome := "not_sent"
		if authority.CategoryOf(err) == authority.ErrorRejected {
			outcome = "rejected"
		}
		c.metrics.outcome(outcome)
		c.logger.WarnContext(ctx, "submission not received by authority",
			"filing_id", f.ID,
			"category", authority.CategoryOf(err),
			"error", err,
		)
		return authority.ToDomain(err)
	}

	c.metrics.outcome("indeterminate")
	c.logger.WarnContext(ctx, "submission outcome unknown, keeping reservation",
		"filing_id", f.ID,
		"submission_id", sub.ID,
		"attempts", sub.Attempts,
		"error", err,
	)
	if c.events != nil {
		ev := events.For(ctx, audit.EventSubmissionIndeterminate, f)
		ev.Reason = err.Error()
		c.events.Emit(ctx, ev)
	}
	if authority.IsIndeterminate(err) {
		return dErrors.Wrap(err, dErrors.CodeTimeout,
			"authority did not confirm receipt; the submission will be reconciled before any retry")
	}
	return authority.ToDomain(err)
}

// reconcile settles a pending row: if the authority has the return, the ack
// is recorded without sending again; if it confirms it has nothing, the same
// request is sent once more under the same idempotency key.
func (c *Client) reconcile(ctx context.Context, f *models.Filing, session *models.Session, sub *models.Submission) (*Result, error) {
	snap, err := c.reconciler.Check(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	if snap.Found {
		if snap.AckNumber == "" {
			return nil, dErrors.New(dErrors.CodeAuthorityUnavailable, "authority holds the return but reported no acknowledgment yet")
		}
		c.logger.InfoContext(ctx, "pending submission reconciled from authority status",
			"filing_id", f.ID,
			"ack_number", snap.AckNumber,
		)
		return c.finalize(ctx, f, session, sub, snap.AckNumber, snap.ReportedAt, true)
	}

	sub.ApplyRetry(requestcontext.Now(ctx))
	if err := c.submissions.Update(ctx, sub); err != nil {
		return nil, storeError(err, "submission")
	}
	c.logger.InfoContext(ctx, "authority has no record of pending submission, resending",
		"filing_id", f.ID,
		"attempts", sub.Attempts,
	)
	return c.handOff(ctx, f, session, sub)
}

// finalize records the ack and moves the filing to SUBMITTED in one
// transaction, together with the compliance record of the hand-off.
func (c *Client) finalize(ctx context.Context, f *models.Filing, session *models.Session, sub *models.Submission, ackNumber string, receivedAt time.Time, reconciled bool) (*Result, error) {
	now := requestcontext.Now(ctx)
	sub.ApplyAcknowledgement(ackNumber, receivedAt)

	var updated *models.Filing
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.submissions.Update(ctx, sub); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return errAckChanged
			}
			return storeError(err, "submission")
		}
		var err error
		updated, err = c.filings.Execute(ctx, f.ID,
			func(f *models.Filing) error { return f.CanSubmit() },
			func(f *models.Filing) { f.ApplySubmitted(sub, session, now) },
		)
		if err != nil {
			return storeError(err, "filing")
		}
		if c.compliance == nil {
			return nil
		}
		ev := events.ForSession(ctx, audit.EventFilingSubmitted, updated, session)
		ev.Decision = ackNumber
		if err := c.compliance.Emit(ctx, ev); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record submission")
		}
		return nil
	})
	if errors.Is(err, errAckChanged) {
		return nil, c.integrity.Violation(ctx, f.ID, "authority acknowledgment differs from the stored one")
	}
	if err != nil {
		return nil, err
	}

	c.metrics.acknowledged(sub.Attempts)
	c.logger.InfoContext(ctx, "filing submitted",
		"filing_id", f.ID,
		"submission_id", sub.ID,
		"ack_number", ackNumber,
		"reconciled", reconciled,
	)
	return &Result{Filing: updated, Submission: sub, Reconciled: reconciled}, nil
}

var errAckChanged = errors.New("acknowledgment changed")

// notReceived reports whether err proves the authority did not take the return.
func notReceived(err error) bool {
	switch authority.CategoryOf(err) {
	case authority.ErrorRejected, authority.ErrorUnreachable, authority.ErrorRateLimited, authority.ErrorAuthentication:
		return true
	}
	return false
}

func storeError(err error, what string) error {
	if _, ok := dErrors.From(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, what+" was modified concurrently")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store "+what)
}
