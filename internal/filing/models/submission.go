package models

import (
	"time"

	id "efiling/pkg/domain"
)

// Stage is the internal processing taxonomy. Raw authority vocabularies are
// mapped onto it; persisted stages only ever move forward.
type Stage string

const (
	StageSubmitted   Stage = "submitted"
	StageValidating  Stage = "validating"
	StageUnderReview Stage = "under_review"
	StageAccepted    Stage = "accepted"
	StageRejected    Stage = "rejected"
)

var stageRanks = map[Stage]int{
	StageSubmitted:   1,
	StageValidating:  2,
	StageUnderReview: 3,
	StageAccepted:    4,
	StageRejected:    4,
}

// Rank orders stages; unknown stages rank 0.
func (s Stage) Rank() int { return stageRanks[s] }

func (s Stage) IsValid() bool { return s.Rank() > 0 }

func (s Stage) IsTerminal() bool { return s == StageAccepted || s == StageRejected }

// Regresses reports whether moving from s to next goes backwards.
// Two different terminal stages are also treated as a regression: an
// accepted return never becomes rejected through polling.
func (s Stage) Regresses(next Stage) bool {
	if s.IsTerminal() && next != s {
		return true
	}
	return next.Rank() < s.Rank()
}

// SubmissionStatus tracks the hand-off itself, independent of processing stage.
type SubmissionStatus string

const (
	// SubmissionPending means a row was reserved but the authority outcome is
	// not yet known. It blocks any concurrent submit for the filing.
	SubmissionPending SubmissionStatus = "pending"
	// SubmissionAcknowledged means the authority issued an ack number.
	SubmissionAcknowledged SubmissionStatus = "acknowledged"
)

// Submission is the proof a filing was handed to the authority.
//
// Invariants:
//   - zero or one per filing (unique on FilingID at the storage layer)
//   - SessionID names a completed session of the same filing
//   - AckNumber is set once and never changes
type Submission struct {
	ID           id.SubmissionID  `json:"id"`
	FilingID     id.FilingID      `json:"filing_id"`
	SessionID    id.SessionID     `json:"session_id"`
	Status       SubmissionStatus `json:"status"`
	AckNumber    string           `json:"ack_number,omitempty"`
	SubmittedAt  *time.Time       `json:"submitted_at,omitempty"`
	Stage        Stage            `json:"stage,omitempty"`
	LastPolledAt *time.Time       `json:"last_polled_at,omitempty"`
	Attempts     int              `json:"attempts"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// NewReservation creates the pending row written before calling the authority.
func NewReservation(submissionID id.SubmissionID, filingID id.FilingID, sessionID id.SessionID, now time.Time) *Submission {
	return &Submission{
		ID:        submissionID,
		FilingID:  filingID,
		SessionID: sessionID,
		Status:    SubmissionPending,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Submission) IsAcknowledged() bool { return s.Status == SubmissionAcknowledged }

// ApplyAcknowledgement records the authority's ack number.
func (s *Submission) ApplyAcknowledgement(ackNumber string, receivedAt time.Time) {
	s.Status = SubmissionAcknowledged
	s.AckNumber = ackNumber
	s.SubmittedAt = &receivedAt
	if !s.Stage.IsValid() {
		s.Stage = StageSubmitted
	}
	s.UpdatedAt = receivedAt
}

// ApplyRetry counts another hand-off attempt after a confirmed non-receipt.
func (s *Submission) ApplyRetry(now time.Time) {
	s.Attempts++
	s.UpdatedAt = now
}

// StatusSnapshot is a point-in-time read of the authority's view. It is
// returned verbatim even when it is not persisted.
type StatusSnapshot struct {
	FilingID    id.FilingID `json:"filing_id"`
	AckNumber   string      `json:"ack_number,omitempty"`
	Found       bool        `json:"found"`
	RawStage    string      `json:"raw_stage,omitempty"`
	Stage       Stage       `json:"stage,omitempty"`
	Errors      []string    `json:"errors,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	ReportedAt  time.Time   `json:"reported_at"`
	Persisted   Stage       `json:"persisted_stage,omitempty"`
	Regression  bool        `json:"regression,omitempty"`
	NotReceived bool        `json:"not_received,omitempty"`
}
