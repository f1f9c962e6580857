package bankredirect

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "efiling/pkg/domain-errors"
)

const (
	stateIssuer    = "efiling"
	callbackIssuer = "efiling-bank"
)

// Bank authorization results carried in the callback token.
const (
	ResultApproved = "approved"
	ResultDeclined = "declined"
	ResultPending  = "pending"
)

// StateClaims travel to the bank in the redirect URL and come back inside the
// callback. The token id binds a callback to exactly one session.
type StateClaims struct {
	FilingID string `json:"fid"`
	jwt.RegisteredClaims
}

// CallbackClaims are signed by the bank with the shared callback key.
type CallbackClaims struct {
	State   string `json:"state"`
	Subject string `json:"tin"`
	Result  string `json:"result"`
	jwt.RegisteredClaims
}

// Tokens signs and validates state and callback tokens with separate keys.
type Tokens struct {
	stateKey    []byte
	callbackKey []byte
}

func NewTokens(stateKey, callbackKey string) *Tokens {
	return &Tokens{stateKey: []byte(stateKey), callbackKey: []byte(callbackKey)}
}

func (t *Tokens) IssueState(filingID, tokenID string, now, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, StateClaims{
		FilingID: filingID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	return token.SignedString(t.stateKey)
}

func (t *Tokens) ParseState(raw string, now time.Time) (*StateClaims, error) {
	claims := &StateClaims{}
	if err := parse(raw, claims, t.stateKey, stateIssuer, now); err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueCallback is what the bank does on its side; the dev bank and tests use it.
func (t *Tokens) IssueCallback(state, subject, result, tokenID string, now, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, CallbackClaims{
		State:   state,
		Subject: subject,
		Result:  result,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    callbackIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	return token.SignedString(t.callbackKey)
}

func (t *Tokens) ParseCallback(raw string, now time.Time) (*CallbackClaims, error) {
	claims := &CallbackClaims{}
	if err := parse(raw, claims, t.callbackKey, callbackIssuer, now); err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.State == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

func parse(raw string, claims jwt.Claims, key []byte, issuer string, now time.Time) error {
	parsed, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	return nil
}
