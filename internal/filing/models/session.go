package models

import (
	"fmt"
	"time"

	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
)

// SessionState is the lifecycle state of a verification session.
type SessionState string

const (
	SessionInitiated       SessionState = "initiated"
	SessionChallengeIssued SessionState = "challenge_issued"
	SessionCompleted       SessionState = "completed"
	SessionFailed          SessionState = "failed"
	SessionExpired         SessionState = "expired"
)

// IsTerminal reports whether the session can no longer change.
func (s SessionState) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionExpired
}

// Session is one identity-verification attempt for a filing.
//
// Invariants:
//   - at most one non-terminal session per filing (enforced by the store)
//   - terminal states are final; retrying means creating a new session
//   - Attempts never exceeds the coordinator's cap
//   - a session past ExpiresAt is expired, never failed
type Session struct {
	ID            id.SessionID `json:"id"`
	FilingID      id.FilingID  `json:"filing_id"`
	Method        Method       `json:"method"`
	State         SessionState `json:"state"`
	IssuedAt      time.Time    `json:"issued_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	Attempts      int          `json:"attempts"`
	Resends       int          `json:"resends"`
	LastSentAt    time.Time    `json:"last_sent_at"`
	Payload       []byte       `json:"-"` // sealed, method-specific
	FailureReason string       `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewSession builds a freshly initiated session.
func NewSession(sessionID id.SessionID, filingID id.FilingID, method Method, requiresChallenge bool, payload []byte, now, expiresAt time.Time) *Session {
	state := SessionInitiated
	if requiresChallenge {
		state = SessionChallengeIssued
	}
	return &Session{
		ID:         sessionID,
		FilingID:   filingID,
		Method:     method,
		State:      state,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		LastSentAt: now,
		Payload:    payload,
		UpdatedAt:  now,
	}
}

// IsActive reports whether the session is non-terminal. It does not look at
// the clock; use ApplyExpiry first when the answer must be current.
func (s *Session) IsActive() bool {
	return !s.State.IsTerminal()
}

// IsDue reports whether an active session has run past its window.
func (s *Session) IsDue(now time.Time) bool {
	return s.IsActive() && !now.Before(s.ExpiresAt)
}

// ApplyExpiry moves a due session to expired and reports whether it did.
func (s *Session) ApplyExpiry(now time.Time) bool {
	if !s.IsDue(now) {
		return false
	}
	s.State = SessionExpired
	s.UpdatedAt = now
	return true
}

// CanChallenge reports whether a proof may be submitted now.
func (s *Session) CanChallenge(now time.Time) error {
	switch s.State {
	case SessionCompleted:
		return dErrors.New(dErrors.CodeSessionClosed, "verification session already completed")
	case SessionFailed:
		return dErrors.New(dErrors.CodeSessionClosed, "verification session has failed")
	case SessionExpired:
		return dErrors.New(dErrors.CodeSessionExpired, "verification session has expired")
	}
	if s.IsDue(now) {
		return dErrors.New(dErrors.CodeSessionExpired, "verification session has expired")
	}
	return nil
}

// ApplyFailedAttempt counts a rejected proof. Reaching maxAttempts fails the
// session; the return value reports whether that happened.
func (s *Session) ApplyFailedAttempt(maxAttempts int, reason string, now time.Time) bool {
	s.Attempts++
	s.UpdatedAt = now
	if s.Attempts >= maxAttempts {
		s.ApplyFail(fmt.Sprintf("attempt limit reached: %s", reason), now)
		return true
	}
	return false
}

// ApplyComplete marks the session completed.
func (s *Session) ApplyComplete(now time.Time) {
	s.State = SessionCompleted
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// ApplyFail marks the session failed with a reason kept for audit.
func (s *Session) ApplyFail(reason string, now time.Time) {
	s.State = SessionFailed
	s.FailureReason = reason
	s.UpdatedAt = now
}

// AttemptsRemaining returns how many failed proofs the session can still absorb.
func (s *Session) AttemptsRemaining(maxAttempts int) int {
	if r := maxAttempts - s.Attempts; r > 0 && s.IsActive() {
		return r
	}
	return 0
}

// CanResend enforces the resend cap and the minimum interval between sends.
func (s *Session) CanResend(maxResends int, minInterval time.Duration, now time.Time) error {
	if s.State == SessionExpired || s.IsDue(now) {
		return dErrors.New(dErrors.CodeSessionExpired, "verification session has expired")
	}
	if !s.IsActive() {
		return dErrors.New(dErrors.CodeSessionClosed, "verification session is closed")
	}
	if s.Resends >= maxResends {
		return dErrors.New(dErrors.CodeRateLimited, fmt.Sprintf("resend limit of %d reached", maxResends))
	}
	if wait := s.LastSentAt.Add(minInterval).Sub(now); wait > 0 {
		return dErrors.New(dErrors.CodeRateLimited,
			fmt.Sprintf("resend available in %s", wait.Round(time.Second)))
	}
	return nil
}

// ApplyResend records a re-issued challenge with a fresh window.
func (s *Session) ApplyResend(payload []byte, expiresAt, now time.Time) {
	s.Resends++
	s.LastSentAt = now
	s.ExpiresAt = expiresAt
	s.Payload = payload
	s.UpdatedAt = now
}
