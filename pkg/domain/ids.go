// Package domain holds primitive value types shared across features.
//
// Typed IDs wrap uuid.UUID so a SessionID can never be passed where a FilingID
// is expected. Construct them with the Parse* functions at trust boundaries;
// New* functions are for code that mints fresh identifiers.
package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "efiling/pkg/domain-errors"
)

type (
	// FilingID identifies a filing aggregate.
	FilingID uuid.UUID
	// SessionID identifies a verification session.
	SessionID uuid.UUID
	// AccountID identifies the account driving the workflow. It may differ
	// from the taxpayer being filed for.
	AccountID uuid.UUID
	// SubmissionID identifies a submission record.
	SubmissionID uuid.UUID
)

func NewFilingID() FilingID         { return FilingID(uuid.New()) }
func NewSessionID() SessionID       { return SessionID(uuid.New()) }
func NewSubmissionID() SubmissionID { return SubmissionID(uuid.New()) }
func NewAccountID() AccountID       { return AccountID(uuid.New()) }

func (id FilingID) String() string     { return uuid.UUID(id).String() }
func (id SessionID) String() string    { return uuid.UUID(id).String() }
func (id AccountID) String() string    { return uuid.UUID(id).String() }
func (id SubmissionID) String() string { return uuid.UUID(id).String() }

func (id FilingID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id AccountID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id SubmissionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id FilingID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id SessionID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id AccountID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id SubmissionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *FilingID) UnmarshalText(b []byte) error     { return unmarshalUUID((*uuid.UUID)(id), b, "filing ID") }
func (id *SessionID) UnmarshalText(b []byte) error    { return unmarshalUUID((*uuid.UUID)(id), b, "session ID") }
func (id *AccountID) UnmarshalText(b []byte) error    { return unmarshalUUID((*uuid.UUID)(id), b, "account ID") }
func (id *SubmissionID) UnmarshalText(b []byte) error { return unmarshalUUID((*uuid.UUID)(id), b, "submission ID") }

// ParseFilingID parses external input into a FilingID.
// Errors: CodeInvalidInput for empty, malformed or nil UUIDs.
func ParseFilingID(s string) (FilingID, error) {
	u, err := parseUUID(s, "filing ID")
	return FilingID(u), err
}

// ParseSessionID parses external input into a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	u, err := parseUUID(s, "session ID")
	return SessionID(u), err
}

// ParseAccountID parses external input into an AccountID.
func ParseAccountID(s string) (AccountID, error) {
	u, err := parseUUID(s, "account ID")
	return AccountID(u), err
}

// ParseSubmissionID parses external input into a SubmissionID.
func ParseSubmissionID(s string) (SubmissionID, error) {
	u, err := parseUUID(s, "submission ID")
	return SubmissionID(u), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}

// unmarshalUUID accepts the nil UUID so zero-valued IDs survive a round trip
// through MarshalText.
func unmarshalUUID(dst *uuid.UUID, b []byte, label string) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	*dst = u
	return nil
}
