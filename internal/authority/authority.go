// Package authority talks to the external filing authority: it hands over
// verified returns and reads back their processing stage.
package authority

import (
	"context"
	"time"

	id "efiling/pkg/domain"
)

// SubmitRequest carries a verified return and the proof of verification.
// IdempotencyKey is stable per filing so a replayed submit can never create
// a second return at the authority.
type SubmitRequest struct {
	IdempotencyKey     string            `json:"-"`
	FilingID           id.FilingID       `json:"filing_id"`
	Subject            id.TaxpayerID     `json:"subject"`
	FormType           string            `json:"form_type"`
	AssessmentYear     id.AssessmentYear `json:"assessment_year"`
	ComputationRef     string            `json:"computation_ref,omitempty"`
	DeclarationVersion string            `json:"declaration_version"`
	VerificationMethod string            `json:"verification_method"`
	VerificationID     id.SessionID      `json:"verification_id"`
	VerifiedAt         time.Time         `json:"verified_at"`
}

// Ack is the authority's receipt for a return.
type Ack struct {
	AckNumber  string    `json:"ack_number"`
	ReceivedAt time.Time `json:"received_at"`
}

// Status is the authority's view of one filing. Found is false when the
// authority has no record of it, which is the only answer that permits a
// resubmission after an indeterminate submit.
type Status struct {
	Found      bool      `json:"found"`
	AckNumber  string    `json:"ack_number,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

// Client is implemented by the HTTP client and the in-process simulator.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (*Ack, error)
	Status(ctx context.Context, filingID id.FilingID) (*Status, error)
}
