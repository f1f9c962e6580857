// Package otp implements verification by a one-time code sent to the
// subject's registered mobile number.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"efiling/internal/filing/models"
	"efiling/internal/filing/verification"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/requestcontext"
)

const codeLength = 6

// Sender delivers a code to a destination.
type Sender interface {
	Send(ctx context.Context, destination, code string) error
}

// Directory resolves the registered destination for a subject.
type Directory interface {
	Destination(ctx context.Context, subject id.TaxpayerID) (string, error)
}

type payload struct {
	CodeHash    []byte `json:"code_hash"`
	Destination string `json:"destination"`
}

type Adapter struct {
	sender    Sender
	directory Directory
	window    time.Duration
	cost      int
}

type Option func(*Adapter)

// WithCost sets the bcrypt cost of stored code hashes.
func WithCost(cost int) Option {
	return func(a *Adapter) { a.cost = cost }
}

func New(sender Sender, directory Directory, window time.Duration, opts ...Option) *Adapter {
	a := &Adapter{sender: sender, directory: directory, window: window, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Method() models.Method { return models.MethodOTP }

func (a *Adapter) Initiate(ctx context.Context, req verification.InitiateRequest) (*verification.Handle, error) {
	dest, err := a.directory.Destination(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	return a.issue(ctx, dest)
}

func (a *Adapter) Challenge(_ context.Context, _ *models.Session, raw []byte, input verification.ChallengeInput) (verification.ChallengeResult, error) {
	code := strings.TrimSpace(input.OTP)
	if code == "" {
		return verification.ChallengeResult{}, dErrors.New(dErrors.CodeValidation, "otp is required")
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return verification.ChallengeResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "corrupt otp payload")
	}
	if len(code) != codeLength || strings.Trim(code, "0123456789") != "" {
		return verification.Failed("malformed code"), nil
	}
	if err := bcrypt.CompareHashAndPassword(p.CodeHash, []byte(code)); err != nil {
		return verification.Failed("incorrect code"), nil
	}
	return verification.Complete(), nil
}

func (a *Adapter) Resend(ctx context.Context, _ *models.Session, raw []byte) (*verification.Handle, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "corrupt otp payload")
	}
	return a.issue(ctx, p.Destination)
}

func (a *Adapter) issue(ctx context.Context, dest string) (*verification.Handle, error) {
	code, err := generateCode()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate code")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), a.cost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash code")
	}
	if err := a.sender.Send(ctx, dest, code); err != nil {
		return nil, verification.ProviderError(err, "otp gateway")
	}
	raw, err := json.Marshal(payload{CodeHash: hash, Destination: dest})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode otp payload")
	}
	return &verification.Handle{
		RequiresChallenge: true,
		ExpiresAt:         requestcontext.Now(ctx).Add(a.window),
		Payload:           raw,
		Prompt:            verification.Prompt{Destination: MaskDestination(dest)},
	}, nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// MaskDestination keeps the last four characters.
func MaskDestination(dest string) string {
	if len(dest) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(dest)-4) + dest[len(dest)-4:]
}
