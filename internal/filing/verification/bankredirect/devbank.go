package bankredirect

import (
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "efiling/pkg/domain-errors"
)

// DevBank plays the bank's side of the redirect for development and tests.
// It trusts the state token without checking its signature, as a real bank
// would not hold the state key either.
type DevBank struct {
	tokens *Tokens
	ttl    time.Duration
}

func NewDevBank(tokens *Tokens) *DevBank {
	return &DevBank{tokens: tokens, ttl: 5 * time.Minute}
}

// Authorize returns a callback token for the state carried by redirectURL (or
// a bare state token) as if subject had logged in with the given result.
func (b *DevBank) Authorize(redirectURL, subject, result string, now time.Time) (string, error) {
	state := redirectURL
	if u, err := url.Parse(redirectURL); err == nil && u.Query().Get("state") != "" {
		state = u.Query().Get("state")
	}
	claims := &StateClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(state, claims); err != nil {
		return "", dErrors.New(dErrors.CodeBadRequest, "malformed state token")
	}
	if claims.ID == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "state token has no id")
	}
	return b.tokens.IssueCallback(claims.ID, subject, result, uuid.NewString(), now, now.Add(b.ttl))
}
