package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"efiling/internal/filing/declaration"
	"efiling/internal/filing/events"
	"efiling/internal/filing/models"
	"efiling/internal/filing/ports"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/audit"
	"efiling/pkg/platform/sentinel"
	"efiling/pkg/requestcontext"
)

// Policy holds the limits applied to every method alike.
type Policy struct {
	MaxAttempts     int
	MaxResends      int
	ResendInterval  time.Duration
	ProviderTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		MaxResends:      3,
		ResendInterval:  30 * time.Second,
		ProviderTimeout: 10 * time.Second,
	}
}

// SelectResult describes the session a method selection (or resend) left
// the filing with.
type SelectResult struct {
	Session *models.Session
	Filing  *models.Filing
	Prompt  Prompt
	// Reused is set when an active session for the same method already existed.
	Reused bool
}

func (r *SelectResult) RequiresChallenge() bool {
	return r.Session.State == models.SessionChallengeIssued || r.Session.State == models.SessionInitiated
}

// ChallengeOutcome is the result of one challenge submission.
type ChallengeOutcome struct {
	Session           *models.Session
	Filing            *models.Filing
	Status            ChallengeStatus
	Reason            string
	AttemptsRemaining int
}

// Coordinator owns the verification session lifecycle.
type Coordinator struct {
	filings    ports.FilingStore
	sessions   ports.SessionStore
	tx         ports.Transactor
	gate       *declaration.Gate
	registry   *Registry
	sealer     *Sealer
	policy     Policy
	logger     *slog.Logger
	metrics    *Metrics
	compliance events.Compliance
	events     events.Emitter
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithComplianceAudit sets the fail-closed publisher for completed verifications.
func WithComplianceAudit(p events.Compliance) Option {
	return func(c *Coordinator) { c.compliance = p }
}

// WithEvents sets the best-effort publisher for operational events.
func WithEvents(e events.Emitter) Option {
	return func(c *Coordinator) { c.events = e }
}

func NewCoordinator(
	filings ports.FilingStore,
	sessions ports.SessionStore,
	tx ports.Transactor,
	gate *declaration.Gate,
	registry *Registry,
	sealer *Sealer,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		filings:  filings,
		sessions: sessions,
		tx:       tx,
		gate:     gate,
		registry: registry,
		sealer:   sealer,
		policy:   DefaultPolicy(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Policy() Policy { return c.policy }

// Methods lists the verification methods this deployment offers.
func (c *Coordinator) Methods() []models.Method { return c.registry.Methods() }

// Select starts verification with method. An active session for the same
// method is returned as is; one for another method is ALREADY_ACTIVE.
func (c *Coordinator) Select(ctx context.Context, filingID id.FilingID, method models.Method, proof *Proof) (*SelectResult, error) {
	now := requestcontext.Now(ctx)
	adapter, err := c.registry.Get(method)
	if err != nil {
		return nil, err
	}
	f, err := c.loadFiling(ctx, filingID)
	if err != nil {
		return nil, err
	}
	if err := f.EnsureMutable(); err != nil {
		return nil, err
	}
	gateResult, err := c.gate.CheckFiling(f)
	if err != nil {
		return nil, err
	}
	if !gateResult.OK {
		return nil, dErrors.New(dErrors.CodeDeclarationsIncomplete,
			"required declarations not accepted: "+strings.Join(gateResult.Missing, ", "))
	}
	if err := f.CanSelectMethod(); err != nil {
		return nil, err
	}

	active, err := c.activeSession(ctx, f, now)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if active.Method == method && proof == nil {
			return &SelectResult{Session: active, Filing: f, Reused: true}, nil
		}
		return nil, dErrors.New(dErrors.CodeAlreadyActive,
			fmt.Sprintf("a %s verification is already in progress", active.Method))
	}

	sessionID := id.NewSessionID()
	callCtx, cancel := context.WithTimeout(ctx, c.policy.ProviderTimeout)
	start := time.Now()
	handle, err := adapter.Initiate(callCtx, InitiateRequest{FilingID: f.ID, Subject: f.Subject, Proof: proof})
	cancel()
	c.metrics.observe(string(method), "initiate", time.Since(start).Seconds())
	if err != nil {
		c.logger.WarnContext(ctx, "verification initiate failed",
			"filing_id", f.ID,
			"method", method,
			"error", err,
		)
		return nil, err
	}

	sealed, err := c.sealer.Seal(sessionID, handle.Payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal verification payload")
	}
	session := models.NewSession(sessionID, f.ID, method, handle.RequiresChallenge, sealed, now, handle.ExpiresAt)
	if handle.Completed {
		session.ApplyComplete(now)
	}

	var updated *models.Filing
	err = c.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.sessions.Create(ctx, session); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeAlreadyActive, "a verification is already in progress")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create verification session")
		}
		updated, err = c.filings.Execute(ctx, f.ID,
			func(f *models.Filing) error {
				if err := f.EnsureMutable(); err != nil {
					return err
				}
				return f.CanSelectMethod()
			},
			func(f *models.Filing) {
				f.ApplyMethodSelected(session, now)
				if session.State == models.SessionCompleted {
					f.ApplyVerified(session, now)
				}
			},
		)
		if err != nil {
			return filingError(err)
		}
		if session.State == models.SessionCompleted {
			return c.emitCompliance(ctx, events.ForSession(ctx, audit.EventVerificationCompleted, updated, session))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.metrics.started(string(method))
	c.emit(ctx, events.ForSession(ctx, audit.EventVerificationStarted, updated, session))
	if session.State == models.SessionCompleted {
		c.metrics.outcome(string(method), ChallengeComplete)
		forget(adapter, f.ID)
	}
	c.logger.InfoContext(ctx, "verification session started",
		"filing_id", f.ID,
		"session_id", session.ID,
		"method", method,
		"state", session.State,
	)
	return &SelectResult{Session: session, Filing: updated, Prompt: handle.Prompt}, nil
}

// SubmitChallenge passes input to the session's adapter and applies the
// result. Closed sessions answer with their final state.
func (c *Coordinator) SubmitChallenge(ctx context.Context, sessionID id.SessionID, input ChallengeInput) (*ChallengeOutcome, error) {
	now := requestcontext.Now(ctx)
	s, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	f, err := c.loadFiling(ctx, s.FilingID)
	if err != nil {
		return nil, err
	}
	if err := f.EnsureMutable(); err != nil {
		return nil, err
	}
	if s.ApplyExpiry(now) {
		if err := c.persistExpiry(ctx, f, s); err != nil {
			return nil, err
		}
	}
	if s.State.IsTerminal() {
		return c.closedOutcome(f, s), nil
	}

	adapter, err := c.registry.Get(s.Method)
	if err != nil {
		return nil, err
	}
	payload, err := c.sealer.Open(s.ID, s.Payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "verification payload unreadable")
	}

	timeout, windowBound := c.callTimeout(s, now)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result, err := adapter.Challenge(callCtx, s, payload, input)
	cancel()
	c.metrics.observe(string(s.Method), "challenge", time.Since(start).Seconds())
	if err != nil {
		// the provider ran out the session window: expire rather than fail
		if windowBound && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			s.ApplyExpiry(s.ExpiresAt)
			if perr := c.persistExpiry(ctx, f, s); perr != nil {
				return nil, perr
			}
			return c.closedOutcome(f, s), nil
		}
		return nil, err
	}

	switch result.Status {
	case ChallengePending:
		return &ChallengeOutcome{
			Session:           s,
			Filing:            f,
			Status:            ChallengePending,
			AttemptsRemaining: s.AttemptsRemaining(c.policy.MaxAttempts),
		}, nil
	case ChallengeComplete:
		return c.complete(ctx, adapter, s, now)
	case ChallengeFailed:
		return c.failAttempt(ctx, adapter, f, s, result.Reason, now)
	default:
		return nil, dErrors.New(dErrors.CodeInternal, "adapter returned an unknown challenge status")
	}
}

func (c *Coordinator) complete(ctx context.Context, adapter Adapter, s *models.Session, now time.Time) (*ChallengeOutcome, error) {
	s.ApplyComplete(now)
	var updated *models.Filing
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.sessions.Update(ctx, s); err != nil {
			return sessionError(err)
		}
		var err error
		updated, err = c.filings.Execute(ctx, s.FilingID,
			func(f *models.Filing) error { return f.CanCompleteVerification(s) },
			func(f *models.Filing) { f.ApplyVerified(s, now) },
		)
		if err != nil {
			return filingError(err)
		}
		return c.emitCompliance(ctx, events.ForSession(ctx, audit.EventVerificationCompleted, updated, s))
	})
	if err != nil {
		return nil, err
	}
	c.metrics.outcome(string(s.Method), ChallengeComplete)
	forget(adapter, s.FilingID)
	c.logger.InfoContext(ctx, "verification completed",
		"filing_id", s.FilingID,
		"session_id", s.ID,
		"method", s.Method,
	)
	return &ChallengeOutcome{Session: s, Filing: updated, Status: ChallengeComplete}, nil
}

func (c *Coordinator) failAttempt(ctx context.Context, adapter Adapter, f *models.Filing, s *models.Session, reason string, now time.Time) (*ChallengeOutcome, error) {
	closed := s.ApplyFailedAttempt(c.policy.MaxAttempts, reason, now)
	updated := f
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.sessions.Update(ctx, s); err != nil {
			return sessionError(err)
		}
		if !closed || !f.HasSession(s.ID) {
			return nil
		}
		var err error
		updated, err = c.filings.Execute(ctx, s.FilingID,
			func(f *models.Filing) error { return f.CanCloseVerification(s, models.EventSessionFailed) },
			func(f *models.Filing) { f.ApplySessionFailed(s, now) },
		)
		if err != nil {
			return filingError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.outcome(string(s.Method), ChallengeFailed)
	if closed {
		forget(adapter, s.FilingID)
		c.emit(ctx, events.ForSession(ctx, audit.EventVerificationFailed, updated, s))
		c.logger.WarnContext(ctx, "verification session failed",
			"filing_id", s.FilingID,
			"session_id", s.ID,
			"attempts", s.Attempts,
		)
	}
	return &ChallengeOutcome{
		Session:           s,
		Filing:            updated,
		Status:            ChallengeFailed,
		Reason:            reason,
		AttemptsRemaining: s.AttemptsRemaining(c.policy.MaxAttempts),
	}, nil
}

// Resend re-issues the challenge of an active session.
func (c *Coordinator) Resend(ctx context.Context, sessionID id.SessionID) (*SelectResult, error) {
	now := requestcontext.Now(ctx)
	s, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	f, err := c.loadFiling(ctx, s.FilingID)
	if err != nil {
		return nil, err
	}
	if err := f.EnsureMutable(); err != nil {
		return nil, err
	}
	if s.ApplyExpiry(now) {
		if err := c.persistExpiry(ctx, f, s); err != nil {
			return nil, err
		}
	}
	if err := s.CanResend(c.policy.MaxResends, c.policy.ResendInterval, now); err != nil {
		return nil, err
	}
	adapter, err := c.registry.Get(s.Method)
	if err != nil {
		return nil, err
	}
	payload, err := c.sealer.Open(s.ID, s.Payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "verification payload unreadable")
	}

	timeout, _ := c.callTimeout(s, now)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	handle, err := adapter.Resend(callCtx, s, payload)
	cancel()
	c.metrics.observe(string(s.Method), "resend", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	sealed, err := c.sealer.Seal(s.ID, handle.Payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal verification payload")
	}
	s.ApplyResend(sealed, handle.ExpiresAt, now)
	if err := c.sessions.Update(ctx, s); err != nil {
		return nil, sessionError(err)
	}
	c.metrics.resent(string(s.Method))
	c.emit(ctx, events.ForSession(ctx, audit.EventChallengeResent, f, s))
	return &SelectResult{Session: s, Filing: f, Prompt: handle.Prompt}, nil
}

// Abandon closes the filing's current session and returns the filing to
// DECLARED. An active session is failed, or expired if its window has passed.
func (c *Coordinator) Abandon(ctx context.Context, filingID id.FilingID) (*ChallengeOutcome, error) {
	now := requestcontext.Now(ctx)
	f, err := c.loadFiling(ctx, filingID)
	if err != nil {
		return nil, err
	}
	if err := f.EnsureMutable(); err != nil {
		return nil, err
	}
	if f.State != models.StateVerifying || f.SessionID == nil {
		return nil, dErrors.New(dErrors.CodeInvalidState, "no verification in progress")
	}
	s, err := c.loadSession(ctx, *f.SessionID)
	if err != nil {
		return nil, err
	}
	changed := false
	if s.IsActive() {
		if !s.ApplyExpiry(now) {
			s.ApplyFail("abandoned", now)
		}
		changed = true
	}

	var updated *models.Filing
	err = c.tx.RunInTx(ctx, func(ctx context.Context) error {
		if changed {
			if err := c.sessions.Update(ctx, s); err != nil {
				return sessionError(err)
			}
		}
		var err error
		updated, err = c.filings.Execute(ctx, f.ID,
			func(f *models.Filing) error { return f.CanCloseVerification(s, models.EventVerificationAbandoned) },
			func(f *models.Filing) { f.ApplyVerificationAbandoned(s, now) },
		)
		if err != nil {
			return filingError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if adapter, err := c.registry.Get(s.Method); err == nil {
		forget(adapter, f.ID)
	}
	c.emit(ctx, events.ForSession(ctx, audit.EventVerificationAbandoned, updated, s))
	return &ChallengeOutcome{Session: s, Filing: updated, Status: statusOf(s)}, nil
}

// Get returns the session, expiring it first if its window has passed.
func (c *Coordinator) Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	s, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.ApplyExpiry(requestcontext.Now(ctx)) {
		f, err := c.loadFiling(ctx, s.FilingID)
		if err != nil {
			return nil, err
		}
		if err := c.persistExpiry(ctx, f, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Session returns the stored session without applying expiry.
func (c *Coordinator) Session(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	return c.loadSession(ctx, sessionID)
}

// activeSession returns the filing's active session, expiring it lazily.
func (c *Coordinator) activeSession(ctx context.Context, f *models.Filing, now time.Time) (*models.Session, error) {
	s, err := c.sessions.FindActiveByFiling(ctx, f.ID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load active session")
	}
	if s.ApplyExpiry(now) {
		if err := c.persistExpiry(ctx, f, s); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return s, nil
}

// persistExpiry stores an expired session. The filing stays in VERIFYING
// until the caller selects a method again or abandons.
func (c *Coordinator) persistExpiry(ctx context.Context, f *models.Filing, s *models.Session) error {
	if err := c.sessions.Update(ctx, s); err != nil {
		return sessionError(err)
	}
	if adapter, err := c.registry.Get(s.Method); err == nil {
		forget(adapter, s.FilingID)
	}
	c.metrics.outcome(string(s.Method), ChallengeExpired)
	c.emit(ctx, events.ForSession(ctx, audit.EventVerificationExpired, f, s))
	c.logger.InfoContext(ctx, "verification session expired",
		"filing_id", s.FilingID,
		"session_id", s.ID,
	)
	return nil
}

// callTimeout bounds an adapter call by the provider timeout and by what is
// left of the session window. windowBound reports which one applies.
func (c *Coordinator) callTimeout(s *models.Session, now time.Time) (time.Duration, bool) {
	remaining := s.ExpiresAt.Sub(now)
	if remaining <= c.policy.ProviderTimeout {
		return remaining, true
	}
	return c.policy.ProviderTimeout, false
}

func (c *Coordinator) closedOutcome(f *models.Filing, s *models.Session) *ChallengeOutcome {
	return &ChallengeOutcome{Session: s, Filing: f, Status: statusOf(s), Reason: s.FailureReason}
}

func statusOf(s *models.Session) ChallengeStatus {
	switch s.State {
	case models.SessionCompleted:
		return ChallengeComplete
	case models.SessionFailed:
		return ChallengeFailed
	case models.SessionExpired:
		return ChallengeExpired
	}
	return ChallengePending
}

func (c *Coordinator) loadFiling(ctx context.Context, filingID id.FilingID) (*models.Filing, error) {
	f, err := c.filings.FindByID(ctx, filingID)
	if err != nil {
		return nil, filingError(err)
	}
	return f, nil
}

func (c *Coordinator) loadSession(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	s, err := c.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "verification session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification session")
	}
	return s, nil
}

func (c *Coordinator) emitCompliance(ctx context.Context, ev audit.Event) error {
	if c.compliance == nil {
		return nil
	}
	if err := c.compliance.Emit(ctx, ev); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record verification evidence")
	}
	return nil
}

func (c *Coordinator) emit(ctx context.Context, ev audit.Event) {
	if c.events != nil {
		c.events.Emit(ctx, ev)
	}
}

// filingError keeps coded errors from model guards and translates store sentinels.
func filingError(err error) error {
	if _, ok := dErrors.From(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "filing not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "filing was modified concurrently")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeConflict, "filing is busy, retry")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update filing")
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "verification session not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.New(dErrors.CodeSessionClosed, "verification session is already closed")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeAlreadyActive, "a verification is already in progress")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update verification session")
}
