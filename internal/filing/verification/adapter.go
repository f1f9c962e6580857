// Package verification owns verification sessions: it picks the adapter for
// the chosen method, seals adapter payloads, and applies the attempt, resend
// and expiry policy uniformly across methods.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"efiling/internal/filing/models"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
)

// InitiateRequest starts verification for one filing.
type InitiateRequest struct {
	FilingID id.FilingID
	Subject  id.TaxpayerID
	// Proof lets certificate holders complete in the same call.
	Proof *Proof
}

// Proof is a signature made with a certificate-bound key.
type Proof struct {
	CertificatePEM string
	Signature      string
}

// Prompt is what the caller needs to answer the challenge.
type Prompt struct {
	Destination string `json:"destination,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// Handle is an adapter's answer to initiate or resend. Payload is plaintext
// here; the coordinator seals it before it reaches a store.
type Handle struct {
	RequiresChallenge bool
	Completed         bool
	ExpiresAt         time.Time
	Payload           []byte
	Prompt            Prompt
}

// ChallengeInput carries whichever proof the method expects.
type ChallengeInput struct {
	OTP            string
	CertificatePEM string
	Signature      string
	CallbackToken  string
}

type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "PENDING"
	ChallengeComplete ChallengeStatus = "COMPLETE"
	ChallengeFailed   ChallengeStatus = "FAILED"
	// ChallengeExpired is only produced by the coordinator.
	ChallengeExpired ChallengeStatus = "EXPIRED"
)

type ChallengeResult struct {
	Status ChallengeStatus
	Reason string
}

func Complete() ChallengeResult { return ChallengeResult{Status: ChallengeComplete} }

func Failed(reason string) ChallengeResult {
	return ChallengeResult{Status: ChallengeFailed, Reason: reason}
}

// Adapter is one verification protocol. Adapters never count attempts or
// decide expiry; the coordinator does both.
type Adapter interface {
	Method() models.Method
	Initiate(ctx context.Context, req InitiateRequest) (*Handle, error)
	Challenge(ctx context.Context, session *models.Session, payload []byte, input ChallengeInput) (ChallengeResult, error)
	// Resend re-issues the challenge. Methods without a resendable challenge
	// return CodeUnsupportedMethod.
	Resend(ctx context.Context, session *models.Session, payload []byte) (*Handle, error)
}

// ErrResendUnsupported is returned by adapters whose challenge cannot be re-sent.
var ErrResendUnsupported = dErrors.New(dErrors.CodeUnsupportedMethod, "this verification method does not support resend")

// ProviderError classifies a failed provider round trip. A context deadline
// is a timeout; anything else is an outage.
func ProviderError(err error, provider string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeProviderTimeout, fmt.Sprintf("%s did not respond in time", provider))
	}
	return dErrors.Wrap(err, dErrors.CodeProviderUnavailable, fmt.Sprintf("%s is unavailable", provider))
}

// Registry maps methods to adapters. It is built once at startup.
type Registry struct {
	adapters map[models.Method]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[models.Method]Adapter, len(adapters))}
	for _, a := range adapters {
		m := a.Method()
		if !m.IsValid() {
			return nil, fmt.Errorf("adapter for unknown method %q", m)
		}
		if _, dup := r.adapters[m]; dup {
			return nil, fmt.Errorf("adapter for %s registered twice", m)
		}
		r.adapters[m] = a
	}
	return r, nil
}

func (r *Registry) Get(m models.Method) (Adapter, error) {
	a, ok := r.adapters[m]
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnsupportedMethod, "verification method not available: "+string(m))
	}
	return a, nil
}

// Methods lists the registered methods in canonical order.
func (r *Registry) Methods() []models.Method {
	out := make([]models.Method, 0, len(r.adapters))
	for _, m := range models.Methods {
		if _, ok := r.adapters[m]; ok {
			out = append(out, m)
		}
	}
	return out
}
