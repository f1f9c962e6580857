package authority

import (
	"errors"
	"fmt"
	"strings"

	dErrors "efiling/pkg/domain-errors"
)

// ErrorCategory is the normalized failure taxonomy for authority calls.
type ErrorCategory string

const (
	// ErrorTimeout: no answer in time. The request may have been received.
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorOutage: the authority answered with a server error. The request
	// may have been received.
	ErrorOutage ErrorCategory = "outage"

	// ErrorUnreachable: the request never left, e.g. a dial failure or an open breaker.
	ErrorUnreachable ErrorCategory = "unreachable"

	// ErrorRejected: the authority refused the return.
	ErrorRejected ErrorCategory = "rejected"

	ErrorAuthentication   ErrorCategory = "authentication"
	ErrorRateLimited      ErrorCategory = "rate_limited"
	ErrorContractMismatch ErrorCategory = "contract_mismatch"
	ErrorInternal         ErrorCategory = "internal"
)

// Error wraps authority failures with a normalized category.
type Error struct {
	Category   ErrorCategory
	Operation  string
	Message    string
	Reasons    []string
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("authority %s [%s]: %s: %v", e.Operation, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("authority %s [%s]: %s", e.Operation, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Indeterminate reports whether the authority may have acted on the request.
func (e *Error) Indeterminate() bool {
	return e.Category == ErrorTimeout || e.Category == ErrorOutage
}

func NewError(category ErrorCategory, operation, message string, underlying error) *Error {
	retryable := category == ErrorTimeout ||
		category == ErrorOutage ||
		category == ErrorUnreachable ||
		category == ErrorRateLimited

	return &Error{
		Category:   category,
		Operation:  operation,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// Rejected builds the error for a return the authority refused.
func Rejected(reasons ...string) *Error {
	e := NewError(ErrorRejected, "submit", "return rejected", nil)
	e.Reasons = reasons
	return e
}

func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// IsIndeterminate reports whether err leaves the submit outcome unknown.
// Uncategorized errors are treated as indeterminate.
func IsIndeterminate(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Indeterminate()
	}
	return true
}

func CategoryOf(err error) ErrorCategory {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ErrorInternal
}

// ToDomain maps an authority error onto the workflow error codes.
func ToDomain(err error) error {
	var ae *Error
	if !errors.As(err, &ae) {
		return dErrors.Wrap(err, dErrors.CodeAuthorityUnavailable, "filing authority call failed")
	}
	switch ae.Category {
	case ErrorRejected:
		msg := "filing authority rejected the return"
		if len(ae.Reasons) > 0 {
			msg += ": " + strings.Join(ae.Reasons, "; ")
		}
		return dErrors.Wrap(err, dErrors.CodeAuthorityRejected, msg)
	case ErrorTimeout:
		return dErrors.Wrap(err, dErrors.CodeTimeout, "filing authority did not respond in time")
	case ErrorRateLimited:
		return dErrors.Wrap(err, dErrors.CodeAuthorityUnavailable, "filing authority is throttling requests")
	case ErrorAuthentication, ErrorContractMismatch, ErrorInternal:
		return dErrors.Wrap(err, dErrors.CodeInternal, "filing authority integration error")
	default:
		return dErrors.Wrap(err, dErrors.CodeAuthorityUnavailable, "filing authority is unavailable")
	}
}
