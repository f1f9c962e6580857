// Package bankredirect implements verification through the taxpayer's
// net-banking login. Initiate hands back a redirect URL carrying a signed
// state token; the bank later returns a signed callback token naming that
// state, the authenticated taxpayer and the outcome.
package bankredirect

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"efiling/internal/filing/models"
	"efiling/internal/filing/verification"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/sentinel"
	"efiling/pkg/requestcontext"
)

type payload struct {
	StateID string        `json:"jti"`
	Subject id.TaxpayerID `json:"subject"`
}

type Adapter struct {
	tokens      *Tokens
	guard       ReplayGuard
	redirectURL string
	window      time.Duration
}

func New(tokens *Tokens, guard ReplayGuard, redirectURL string, window time.Duration) *Adapter {
	if guard == nil {
		guard = NewMemoryReplayGuard()
	}
	return &Adapter{tokens: tokens, guard: guard, redirectURL: redirectURL, window: window}
}

func (a *Adapter) Method() models.Method { return models.MethodBankRedirect }

func (a *Adapter) Initiate(ctx context.Context, req verification.InitiateRequest) (*verification.Handle, error) {
	if req.Proof != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "bank redirect does not accept a proof at selection")
	}
	now := requestcontext.Now(ctx)
	expiresAt := now.Add(a.window)
	stateID := uuid.NewString()

	state, err := a.tokens.IssueState(req.FilingID.String(), stateID, now, expiresAt)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign state token")
	}
	redirect, err := withState(a.redirectURL, state)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "invalid bank redirect URL")
	}
	raw, err := json.Marshal(payload{StateID: stateID, Subject: req.Subject})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode bank payload")
	}
	return &verification.Handle{
		RequiresChallenge: true,
		ExpiresAt:         expiresAt,
		Payload:           raw,
		Prompt:            verification.Prompt{RedirectURL: redirect},
	}, nil
}

func (a *Adapter) Challenge(ctx context.Context, session *models.Session, raw []byte, input verification.ChallengeInput) (verification.ChallengeResult, error) {
	token := strings.TrimSpace(input.CallbackToken)
	if token == "" {
		return verification.ChallengeResult{}, dErrors.New(dErrors.CodeValidation, "callback token is required")
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return verification.ChallengeResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "corrupt bank payload")
	}

	claims, err := a.tokens.ParseCallback(token, requestcontext.Now(ctx))
	if err != nil {
		return verification.Failed("invalid callback token"), nil
	}
	if claims.State != p.StateID {
		return verification.Failed("callback does not belong to this session"), nil
	}
	if claims.Subject != string(p.Subject) {
		return verification.Failed("bank authenticated a different taxpayer"), nil
	}

	if claims.Result == ResultPending {
		return verification.ChallengeResult{Status: verification.ChallengePending}, nil
	}
	until := session.ExpiresAt
	if claims.ExpiresAt != nil && claims.ExpiresAt.After(until) {
		until = claims.ExpiresAt.Time
	}
	if err := a.guard.Consume(ctx, claims.ID, until); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return verification.Failed("callback token already used"), nil
		}
		return verification.ChallengeResult{}, verification.ProviderError(err, "replay guard")
	}

	switch claims.Result {
	case ResultApproved:
		return verification.Complete(), nil
	case ResultDeclined:
		return verification.Failed("bank declined the authorization"), nil
	default:
		return verification.Failed("unknown bank result"), nil
	}
}

func (a *Adapter) Resend(context.Context, *models.Session, []byte) (*verification.Handle, error) {
	return nil, verification.ErrResendUnsupported
}

func withState(base, state string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
