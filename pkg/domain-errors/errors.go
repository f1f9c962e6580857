// Package domainerrors defines the coded errors services return to transports.
//
// Every error carries a stable Code (the machine-readable value written to API
// responses) and each Code belongs to exactly one Kind. Kinds drive retry policy
// and HTTP status mapping:
//
//   - KindValidation: caller must correct the request; never retried as-is
//   - KindProviderTransient: timeout or outage upstream; retry with backoff
//   - KindProviderRejected: upstream refused the proof or the filing
//   - KindConflict: concurrent or duplicate operation; reconcile before retrying
//   - KindFatal: filing data is inconsistent and the filing is quarantined
//
// Stores return pkg/platform/sentinel errors; services translate them into
// these codes at the boundary.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	// Generic codes
	CodeInternal           Code = "internal_error"
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"

	// Workflow codes
	CodeInvalidState           Code = "invalid_state"
	CodeDeclarationsIncomplete Code = "declarations_incomplete"
	CodeNotVerified            Code = "not_verified"
	CodeQuarantined            Code = "filing_quarantined"

	// Verification codes
	CodeAlreadyActive       Code = "already_active"
	CodeSessionExpired      Code = "session_expired"
	CodeSessionClosed       Code = "session_closed"
	CodeRateLimited         Code = "rate_limited"
	CodeInvalidIdentity     Code = "invalid_identity"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeProviderTimeout     Code = "provider_timeout"
	CodeUnsupportedMethod   Code = "unsupported_method"

	// Submission codes
	CodeAlreadySubmitted     Code = "already_submitted"
	CodeAuthorityRejected    Code = "authority_rejected"
	CodeAuthorityUnavailable Code = "authority_unavailable"
)

// Kind groups codes by how a caller is expected to react.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindProviderTransient Kind = "PROVIDER_TRANSIENT"
	KindProviderRejected  Kind = "PROVIDER_REJECTED"
	KindConflict          Kind = "CONFLICT"
	KindFatal             Kind = "FATAL"
	KindNotFound          Kind = "NOT_FOUND"
	KindInternal          Kind = "INTERNAL"
)

var codeKinds = map[Code]Kind{
	CodeBadRequest:             KindValidation,
	CodeValidation:             KindValidation,
	CodeInvalidInput:           KindValidation,
	CodeUnauthorized:           KindValidation,
	CodeForbidden:              KindValidation,
	CodeInvariantViolation:     KindValidation,
	CodeInvalidState:           KindValidation,
	CodeDeclarationsIncomplete: KindValidation,
	CodeNotVerified:            KindValidation,
	CodeSessionExpired:         KindValidation,
	CodeSessionClosed:          KindValidation,
	CodeRateLimited:            KindValidation,
	CodeUnsupportedMethod:      KindValidation,

	CodeTimeout:              KindProviderTransient,
	CodeProviderUnavailable:  KindProviderTransient,
	CodeProviderTimeout:      KindProviderTransient,
	CodeAuthorityUnavailable: KindProviderTransient,

	CodeInvalidIdentity:   KindProviderRejected,
	CodeAuthorityRejected: KindProviderRejected,

	CodeConflict:         KindConflict,
	CodeAlreadyActive:    KindConflict,
	CodeAlreadySubmitted: KindConflict,

	CodeQuarantined: KindFatal,

	CodeNotFound: KindNotFound,
	CodeInternal: KindInternal,
}

// Kind returns the kind the code belongs to. Unknown codes are internal.
func (c Code) Kind() Kind {
	if k, ok := codeKinds[c]; ok {
		return k
	}
	return KindInternal
}

// Error is a coded domain error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// From extracts the outermost coded error, if any.
func From(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether the outermost coded error in the chain has the code.
func HasCode(err error, code Code) bool {
	de, ok := From(err)
	return ok && de.Code == code
}

// Is is an alias for HasCode kept for call sites that read better with it.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the code of err, or CodeInternal when err is uncoded.
func CodeOf(err error) Code {
	if de, ok := From(err); ok {
		return de.Code
	}
	return CodeInternal
}

// KindOf returns the kind of err.
func KindOf(err error) Kind {
	return CodeOf(err).Kind()
}

// Retryable reports whether the caller may retry the same request after backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindProviderTransient
}
