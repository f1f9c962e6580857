package domain

import (
	"regexp"
	"strings"

	dErrors "efiling/pkg/domain-errors"
)

// TaxpayerID is the permanent account number of the person a filing is for.
// Invariant: five letters, four digits, one letter, upper case.
//
// Usage: construct via ParseTaxpayerID at trust boundaries; direct casting
// bypasses validation.
type TaxpayerID string

var taxpayerIDPattern = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)

// ParseTaxpayerID normalizes and validates a taxpayer identifier.
//
// Errors: returns CodeInvalidInput when the value is empty or malformed.
func ParseTaxpayerID(s string) (TaxpayerID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "taxpayer ID cannot be empty")
	}
	if !taxpayerIDPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid taxpayer ID")
	}
	return TaxpayerID(s), nil
}

func (t TaxpayerID) String() string { return string(t) }

// Masked returns the identifier with the middle digits hidden, for logs.
func (t TaxpayerID) Masked() string {
	if len(t) != 10 {
		return "**********"
	}
	return string(t[:3]) + "*****" + string(t[8:])
}
