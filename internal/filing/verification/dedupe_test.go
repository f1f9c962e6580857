package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"efiling/internal/filing/models"
	id "efiling/pkg/domain"
	"efiling/pkg/requestcontext"
)

type countingAdapter struct {
	calls     int
	window    time.Duration
	completed bool
}

func (a *countingAdapter) Method() models.Method { return models.MethodOTP }

func (a *countingAdapter) Initiate(ctx context.Context, _ InitiateRequest) (*Handle, error) {
	a.calls++
	return &Handle{
		RequiresChallenge: !a.completed,
		Completed:         a.completed,
		ExpiresAt:         requestcontext.Now(ctx).Add(a.window),
		Payload:           []byte{byte(a.calls)},
	}, nil
}

func (a *countingAdapter) Challenge(context.Context, *models.Session, []byte, ChallengeInput) (ChallengeResult, error) {
	return Complete(), nil
}

func (a *countingAdapter) Resend(context.Context, *models.Session, []byte) (*Handle, error) {
	return nil, ErrResendUnsupported
}

func TestDedupe(t *testing.T) {
	now := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) context.Context {
		return requestcontext.WithTime(context.Background(), now.Add(d))
	}
	filingID := id.NewFilingID()
	req := InitiateRequest{FilingID: filingID}

	t.Run("repeats inside the window reuse the handle", func(t *testing.T) {
		inner := &countingAdapter{window: 5 * time.Minute}
		a := Dedupe(inner, 30*time.Second)

		first, err := a.Initiate(at(0), req)
		require.NoError(t, err)
		second, err := a.Initiate(at(10*time.Second), req)
		require.NoError(t, err)
		assert.Equal(t, 1, inner.calls)
		assert.Equal(t, first.Payload, second.Payload)

		_, err = a.Initiate(at(31*time.Second), req)
		require.NoError(t, err)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("never outlives the handle", func(t *testing.T) {
		inner := &countingAdapter{window: 5 * time.Second}
		a := Dedupe(inner, time.Minute)
		_, _ = a.Initiate(at(0), req)
		_, _ = a.Initiate(at(6*time.Second), req)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("forget drops the entry", func(t *testing.T) {
		inner := &countingAdapter{window: 5 * time.Minute}
		a := Dedupe(inner, time.Minute)
		_, _ = a.Initiate(at(0), req)
		forget(a, filingID)
		_, _ = a.Initiate(at(time.Second), req)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("proofs and completed handles bypass the cache", func(t *testing.T) {
		inner := &countingAdapter{window: 5 * time.Minute, completed: true}
		a := Dedupe(inner, time.Minute)
		_, _ = a.Initiate(at(0), req)
		_, _ = a.Initiate(at(time.Second), InitiateRequest{FilingID: filingID, Proof: &Proof{}})
		_, _ = a.Initiate(at(2*time.Second), req)
		assert.Equal(t, 3, inner.calls)
	})

	t.Run("zero window disables", func(t *testing.T) {
		inner := &countingAdapter{}
		assert.Same(t, Adapter(inner), Dedupe(inner, 0))
	})
}
