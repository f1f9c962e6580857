package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
)

func newTestSession(now time.Time) *Session {
	return NewSession(id.NewSessionID(), id.NewFilingID(), MethodOTP, true, []byte("sealed"), now, now.Add(5*time.Minute))
}

func TestSessionAttemptCap(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	s := newTestSession(now)

	assert.False(t, s.ApplyFailedAttempt(3, "wrong code", now))
	assert.False(t, s.ApplyFailedAttempt(3, "wrong code", now))
	assert.Equal(t, 1, s.AttemptsRemaining(3))
	assert.True(t, s.ApplyFailedAttempt(3, "wrong code", now))

	assert.Equal(t, SessionFailed, s.State)
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, 0, s.AttemptsRemaining(3))
	assert.True(t, dErrors.HasCode(s.CanChallenge(now), dErrors.CodeSessionClosed))
}

func TestSessionExpiryIsNotFailure(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	s := newTestSession(now)

	later := now.Add(5 * time.Minute)
	assert.True(t, dErrors.HasCode(s.CanChallenge(later), dErrors.CodeSessionExpired))
	assert.True(t, s.ApplyExpiry(later))
	assert.Equal(t, SessionExpired, s.State)
	assert.False(t, s.ApplyExpiry(later), "expiry applies once")

	s.ApplyComplete(later)
	assert.Equal(t, SessionCompleted, s.State, "model does not guard; CanChallenge does")
}

func TestSessionResendLimits(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	s := newTestSession(now)
	interval := 30 * time.Second

	err := s.CanResend(3, interval, now.Add(10*time.Second))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeRateLimited), "too soon")

	at := now
	for i := 0; i < 3; i++ {
		at = at.Add(interval)
		assert.NoError(t, s.CanResend(3, interval, at))
		s.ApplyResend([]byte("sealed"), at.Add(5*time.Minute), at)
	}
	assert.Equal(t, 3, s.Resends)

	err = s.CanResend(3, interval, at.Add(time.Minute))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeRateLimited), "cap reached")

	err = s.CanResend(3, interval, at.Add(10*time.Minute))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeSessionExpired))
}

func TestStageRegression(t *testing.T) {
	assert.True(t, StageUnderReview.Regresses(StageValidating))
	assert.False(t, StageValidating.Regresses(StageUnderReview))
	assert.False(t, StageValidating.Regresses(StageValidating))
	assert.True(t, StageAccepted.Regresses(StageRejected))
	assert.False(t, StageAccepted.Regresses(StageAccepted))
	assert.False(t, Stage("").Regresses(StageSubmitted))
}
