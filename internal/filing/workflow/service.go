// Package workflow is the filing state machine's public face. Every
// mutating operation runs under the filing's lock, checks that the calling
// account owns the filing, and delegates the step itself to the declaration
// gate, the verification coordinator, the submission client or the poller.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"efiling/internal/filing/declaration"
	"efiling/internal/filing/events"
	"efiling/internal/filing/integrity"
	"efiling/internal/filing/lock"
	"efiling/internal/filing/models"
	"efiling/internal/filing/ports"
	"efiling/internal/filing/status"
	"efiling/internal/filing/submission"
	"efiling/internal/filing/verification"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/audit"
	"efiling/pkg/platform/sentinel"
	"efiling/pkg/requestcontext"
)

// Deps are the collaborators a Service orchestrates.
type Deps struct {
	Filings     ports.FilingStore
	Locker      ports.Locker
	Tx          ports.Transactor
	Gate        *declaration.Gate
	Coordinator *verification.Coordinator
	Submitter   *submission.Client
	Poller      *status.Poller
	Integrity   *integrity.Quarantiner
}

type Service struct {
	Deps
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	compliance events.Compliance
	events     events.Emitter
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func WithComplianceAudit(p events.Compliance) Option {
	return func(s *Service) { s.compliance = p }
}

func WithEvents(e events.Emitter) Option {
	return func(s *Service) { s.events = e }
}

func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		Deps:   deps,
		logger: slog.New(slog.DiscardHandler),
		tracer: otel.Tracer("efiling/workflow"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRequest describes a return whose computation finished upstream.
type OpenRequest struct {
	Subject        id.TaxpayerID
	FormType       models.FormType
	AssessmentYear id.AssessmentYear
	ComputationRef string
}

// Open creates a DRAFT_READY filing owned by the calling account.
func (s *Service) Open(ctx context.Context, req OpenRequest) (f *models.Filing, err error) {
	ctx, done := s.begin(ctx, "open", id.FilingID{})
	defer func() { done(err) }()

	accountID, err := account(ctx)
	if err != nil {
		return nil, err
	}
	f, err = models.NewFiling(id.NewFilingID(), accountID, req.Subject, req.FormType, req.AssessmentYear, req.ComputationRef, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	if err := s.Filings.Create(ctx, f); err != nil {
		return nil, storeError(err)
	}
	s.metrics.opened()
	s.emit(ctx, events.For(ctx, audit.EventFilingOpened, f))
	s.logger.InfoContext(ctx, "filing opened",
		"filing_id", f.ID,
		"form_type", f.FormType,
		"assessment_year", f.AssessmentYear,
		"subject", f.MaskedSubject(),
	)
	return f, nil
}

// Get returns a filing owned by the calling account.
func (s *Service) Get(ctx context.Context, filingID id.FilingID) (*models.Filing, error) {
	return s.owned(ctx, filingID)
}

// List returns the calling account's filings, newest first. One account may
// file for several subjects.
func (s *Service) List(ctx context.Context) ([]*models.Filing, error) {
	accountID, err := account(ctx)
	if err != nil {
		return nil, err
	}
	filings, err := s.Filings.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, storeError(err)
	}
	return filings, nil
}

// Declaration returns the declaration set the filing must accept.
func (s *Service) Declaration(ctx context.Context, filingID id.FilingID) (models.DeclarationSet, error) {
	f, err := s.owned(ctx, filingID)
	if err != nil {
		return models.DeclarationSet{}, err
	}
	return s.Gate.Required(f.FormType)
}

// AcceptDeclarations records acceptance evidence and moves the filing to
// DECLARED. Every required declaration of the current version must be
// accepted in one call.
func (s *Service) AcceptDeclarations(ctx context.Context, filingID id.FilingID, version string, acceptedIDs []string) (f *models.Filing, err error) {
	ctx, done := s.begin(ctx, "accept_declarations", filingID)
	defer func() { done(err) }()

	err = s.locked(ctx, filingID, func(ctx context.Context) error {
		current, err := s.owned(ctx, filingID)
		if err != nil {
			return err
		}
		if err := current.CanAcceptDeclarations(); err != nil {
			return err
		}
		set, err := s.Gate.Required(current.FormType)
		if err != nil {
			return err
		}
		res, err := s.Gate.CheckAccepted(current.FormType, version, acceptedIDs)
		if err != nil {
			return err
		}
		if !res.OK {
			msg := "required declarations not accepted: " + strings.Join(res.Missing, ", ")
			if version != res.Version {
				msg = "declarations were accepted against version " + version + ", current version is " + res.Version
			}
			return dErrors.New(dErrors.CodeDeclarationsIncomplete, msg)
		}

		now := requestcontext.Now(ctx)
		evidence := declaration.EvidenceFromContext(ctx)
		accepted := declaration.Known(set, acceptedIDs)
		return s.Tx.RunInTx(ctx, func(ctx context.Context) error {
			f, err = s.Filings.Execute(ctx, filingID,
				func(f *models.Filing) error { return f.CanAcceptDeclarations() },
				func(f *models.Filing) { f.ApplyDeclarations(set.Version, accepted, evidence, now) },
			)
			if err != nil {
				return storeError(err)
			}
			return s.emitCompliance(ctx, declarationEvent(ctx, f))
		})
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func declarationEvent(ctx context.Context, f *models.Filing) audit.Event {
	ev := events.For(ctx, audit.EventDeclarationsSigned, f)
	ev.Decision = f.DeclarationVersion
	ev.Reason = strings.Join(f.AcceptedDeclarations, ",")
	return ev
}

// SelectMethod starts (or resumes) verification with method.
func (s *Service) SelectMethod(ctx context.Context, filingID id.FilingID, method models.Method, proof *verification.Proof) (res *verification.SelectResult, err error) {
	ctx, done := s.begin(ctx, "select_method", filingID)
	defer func() { done(err) }()

	err = s.locked(ctx, filingID, func(ctx context.Context) error {
		if _, err := s.owned(ctx, filingID); err != nil {
			return err
		}
		res, err = s.Coordinator.Select(ctx, filingID, method, proof)
		return err
	})
	return res, err
}

// SubmitChallenge answers the challenge of a session.
func (s *Service) SubmitChallenge(ctx context.Context, sessionID id.SessionID, input verification.ChallengeInput) (out *verification.ChallengeOutcome, err error) {
	filingID, err := s.sessionFiling(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, done := s.begin(ctx, "submit_challenge", filingID)
	defer func() { done(err) }()

	err = s.locked(ctx, filingID, func(ctx context.Context) error {
		out, err = s.Coordinator.SubmitChallenge(ctx, sessionID, input)
		return err
	})
	return out, err
}

// Resend re-issues a session's challenge.
func (s *Service) Resend(ctx context.Context, sessionID id.SessionID) (res *verification.SelectResult, err error) {
	filingID, err := s.sessionFiling(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, done := s.begin(ctx, "resend", filingID)
	defer func() { done(err) }()

	err = s.locked(ctx, filingID, func(ctx context.Context) error {
		res, err = s.Coordinator.Resend(ctx, sessionID)
		return err
	})
	return res, err
}

// Session returns a session of one of the caller's filings.
func (s *Service) Session(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	if _, err := s.sessionFiling(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.Coordinator.Get(ctx, sessionID)
}

// Abandon cancels the verification in progress and returns to DECLARED.
func (s *Service) Abandon(ctx context.Context, filingID id.FilingID) (out *verification.ChallengeOutcome, err error) {
	ctx, done := s.begin(ctx, "abandon", filingID)
	defer func() { done(err) }()

	err = s.locked(ctx, filingID, func(ctx context.Context) error {
		if _, err := s.owned(ctx, filingID); err != nil {
			return err
		}
		out, err = s.Coordinator.Abandon(ctx, filingID)
		return err
	})
	return out, err
}

// Submit hands a VERIFIED filing to the authority.
func (s *Service) Submit(ctx context.Context, filingID id.FilingID, method models.Method) (res *submission.Result, err error) {
	ctx, done := s.begin(ctx, "submit", filingID)
	defer func() { done(err) }()

	err = s.locked(ctx, filingID, func(ctx context.Context) error {
		if _, err := s.owned(ctx, filingID); err != nil {
			return err
		}
		res, err = s.Submitter.Submit(ctx, filingID, method)
		return err
	})
	return res, err
}

// Status polls the authority for a submitted filing. It does not take the
// filing lock; the poller only moves the stage forward.
func (s *Service) Status(ctx context.Context, filingID id.FilingID) (snap *models.StatusSnapshot, err error) {
	ctx, done := s.begin(ctx, "status", filingID)
	defer func() { done(err) }()

	if _, err := s.owned(ctx, filingID); err != nil {
		return nil, err
	}
	return s.Poller.Poll(ctx, filingID)
}

// Revise opens a new filing superseding an ACCEPTED or REJECTED one.
func (s *Service) Revise(ctx context.Context, filingID id.FilingID, computationRef string) (next *models.Filing, err error) {
	ctx, done := s.begin(ctx, "revise", filingID)
	defer func() { done(err) }()

	err = s.locked(ctx, filingID, func(ctx context.Context) error {
		prev, err := s.owned(ctx, filingID)
		if err != nil {
			return err
		}
		if err := prev.EnsureMutable(); err != nil {
			return err
		}
		if computationRef == "" {
			computationRef = prev.ComputationRef
		}
		next, err = models.NewRevision(prev, id.NewFilingID(), computationRef, requestcontext.Now(ctx))
		if err != nil {
			return err
		}
		if err := s.Filings.Create(ctx, next); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "filing has already been revised")
			}
			return storeError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.opened()
	ev := events.For(ctx, audit.EventFilingRevised, next)
	ev.Reason = "supersedes " + filingID.String()
	s.emit(ctx, ev)
	return next, nil
}

// History returns the filing's transitions, oldest first.
func (s *Service) History(ctx context.Context, filingID id.FilingID) ([]models.Transition, error) {
	if _, err := s.owned(ctx, filingID); err != nil {
		return nil, err
	}
	history, err := s.Filings.History(ctx, filingID)
	if err != nil {
		return nil, storeError(err)
	}
	return history, nil
}

// Quarantine freezes a filing on operator request.
func (s *Service) Quarantine(ctx context.Context, filingID id.FilingID, reason string) (*models.Filing, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a reason is required")
	}
	var f *models.Filing
	err := s.locked(ctx, filingID, func(ctx context.Context) error {
		var err error
		f, err = s.Integrity.Quarantine(ctx, filingID, reason)
		return err
	})
	return f, err
}

// Release lifts a quarantine after manual review. It is an operator action
// and does not check account ownership.
func (s *Service) Release(ctx context.Context, filingID id.FilingID, note string) (*models.Filing, error) {
	var f *models.Filing
	err := s.locked(ctx, filingID, func(ctx context.Context) error {
		var err error
		f, err = s.Integrity.Release(ctx, filingID, note)
		return err
	})
	return f, err
}

// locked runs fn while holding the filing's lock.
func (s *Service) locked(ctx context.Context, filingID id.FilingID, fn func(ctx context.Context) error) error {
	unlock, err := s.Locker.Lock(ctx, lock.FilingKey(filingID.String()))
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// owned loads the filing and hides it from any account but its owner.
func (s *Service) owned(ctx context.Context, filingID id.FilingID) (*models.Filing, error) {
	accountID, err := account(ctx)
	if err != nil {
		return nil, err
	}
	f, err := s.Filings.FindByID(ctx, filingID)
	if err != nil {
		return nil, storeError(err)
	}
	if f.AccountID != accountID {
		return nil, dErrors.New(dErrors.CodeNotFound, "filing not found")
	}
	return f, nil
}

func (s *Service) sessionFiling(ctx context.Context, sessionID id.SessionID) (id.FilingID, error) {
	sess, err := s.Coordinator.Session(ctx, sessionID)
	if err != nil {
		return id.FilingID{}, err
	}
	if _, err := s.owned(ctx, sess.FilingID); err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return id.FilingID{}, dErrors.New(dErrors.CodeNotFound, "verification session not found")
		}
		return id.FilingID{}, err
	}
	return sess.FilingID, nil
}

func account(ctx context.Context) (id.AccountID, error) {
	accountID := requestcontext.AccountID(ctx)
	if accountID.IsNil() {
		return id.AccountID{}, dErrors.New(dErrors.CodeUnauthorized, "account is required")
	}
	return accountID, nil
}

// begin opens a span for op and returns the function that closes it.
func (s *Service) begin(ctx context.Context, op string, filingID id.FilingID) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "workflow."+op)
	if !filingID.IsNil() {
		span.SetAttributes(attribute.String("filing.id", filingID.String()))
	}
	return ctx, func(err error) {
		s.metrics.record(op, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("error.code", string(dErrors.CodeOf(err))))
			if dErrors.KindOf(err) == dErrors.KindInternal || dErrors.KindOf(err) == dErrors.KindFatal {
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.End()
	}
}

func (s *Service) emitCompliance(ctx context.Context, ev audit.Event) error {
	if s.compliance == nil {
		return nil
	}
	if err := s.compliance.Emit(ctx, ev); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record declaration evidence")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, ev audit.Event) {
	if s.events != nil {
		s.events.Emit(ctx, ev)
	}
}

func storeError(err error) error {
	if _, ok := dErrors.From(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "filing not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "filing was modified concurrently")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store filing")
}
