package audit

import (
	"context"
	"time"

	id "efiling/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
type EventCategory string

const (
	// CategoryCompliance covers events with legal significance: declarations
	// accepted, identity verified, returns submitted and acknowledged. These
	// are written fail-closed and retained for the statutory period.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to fraud monitoring such as
	// exhausted challenge attempts and quarantined filings.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity and may be dropped under load.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from workflow logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	FilingID  id.FilingID
	AccountID id.AccountID
	// Subject is the masked taxpayer identifier; raw identifiers never reach the trail.
	Subject   string
	Action    string
	Method    string
	SessionID string
	Decision  string
	Reason    string
	RequestID string
	ClientIP  string
}

type AuditEvent string

const (
	// Filing lifecycle
	EventFilingOpened       AuditEvent = "filing_opened"
	EventFilingRevised      AuditEvent = "filing_revised"
	EventDeclarationsSigned AuditEvent = "declarations_accepted"
	EventFilingSubmitted    AuditEvent = "filing_submitted"
	EventFilingAccepted     AuditEvent = "filing_accepted"
	EventFilingRejected     AuditEvent = "filing_rejected"
	EventFilingQuarantined  AuditEvent = "filing_quarantined"
	EventFilingReleased     AuditEvent = "filing_released"

	// Verification
	EventVerificationStarted   AuditEvent = "verification_started"
	EventVerificationCompleted AuditEvent = "verification_completed"
	EventVerificationFailed    AuditEvent = "verification_failed"
	EventVerificationExpired   AuditEvent = "verification_expired"
	EventVerificationAbandoned AuditEvent = "verification_abandoned"
	EventChallengeResent       AuditEvent = "challenge_resent"

	// Authority reconciliation
	EventSubmissionIndeterminate AuditEvent = "submission_indeterminate"
	EventStatusRegression        AuditEvent = "status_regression"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventDeclarationsSigned:    CategoryCompliance,
	EventVerificationCompleted: CategoryCompliance,
	EventFilingSubmitted:       CategoryCompliance,
	EventFilingAccepted:        CategoryCompliance,
	EventFilingRejected:        CategoryCompliance,

	EventVerificationFailed: CategorySecurity,
	EventFilingQuarantined:  CategorySecurity,
	EventFilingReleased:     CategorySecurity,
	EventStatusRegression:   CategorySecurity,

	EventFilingOpened:            CategoryOperations,
	EventFilingRevised:           CategoryOperations,
	EventVerificationStarted:     CategoryOperations,
	EventVerificationExpired:     CategoryOperations,
	EventVerificationAbandoned:   CategoryOperations,
	EventChallengeResent:         CategoryOperations,
	EventSubmissionIndeterminate: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByFiling(ctx context.Context, filingID id.FilingID) ([]Event, error)
}
