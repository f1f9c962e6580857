package models

import (
	"slices"
	"time"

	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
)

// Filing is the aggregate root for one return's submission lifecycle.
//
// Invariants:
//   - State only changes through the transition table in state.go
//   - SubmissionID is set at most once and never cleared
//   - SessionID names the session that produced the current verification state
//   - a quarantined filing refuses every mutation until released
//   - terminal filings never reopen; a revision is a new Filing with Supersedes set
type Filing struct {
	ID                   id.FilingID          `json:"id"`
	AccountID            id.AccountID         `json:"account_id"`
	Subject              id.TaxpayerID        `json:"-"`
	FormType             FormType             `json:"form_type"`
	AssessmentYear       id.AssessmentYear    `json:"assessment_year"`
	ComputationRef       string               `json:"computation_ref,omitempty"`
	State                State                `json:"state"`
	DeclarationVersion   string               `json:"declaration_version,omitempty"`
	AcceptedDeclarations []string             `json:"accepted_declarations"`
	DeclarationEvidence  *DeclarationEvidence `json:"declaration_evidence,omitempty"`
	Method               Method               `json:"method,omitempty"`
	SessionID            *id.SessionID        `json:"session_id,omitempty"`
	SubmissionID         *id.SubmissionID     `json:"submission_id,omitempty"`
	Supersedes           *id.FilingID         `json:"supersedes,omitempty"`
	Quarantined          bool                 `json:"quarantined"`
	QuarantineReason     string               `json:"quarantine_reason,omitempty"`
	Version              int                  `json:"version"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`

	pending []Transition
}

// NewFiling opens a filing once upstream computation is complete.
func NewFiling(
	filingID id.FilingID,
	accountID id.AccountID,
	subject id.TaxpayerID,
	formType FormType,
	year id.AssessmentYear,
	computationRef string,
	now time.Time,
) (*Filing, error) {
	if accountID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "account id cannot be empty")
	}
	if subject == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "subject cannot be empty")
	}
	if !formType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid form type")
	}
	if year == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "assessment year cannot be empty")
	}
	return &Filing{
		ID:                   filingID,
		AccountID:            accountID,
		Subject:              subject,
		FormType:             formType,
		AssessmentYear:       year,
		ComputationRef:       computationRef,
		State:                StateDraftReady,
		AcceptedDeclarations: []string{},
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// NewRevision opens a fresh filing that supersedes a terminal one.
func NewRevision(prev *Filing, filingID id.FilingID, computationRef string, now time.Time) (*Filing, error) {
	if err := prev.CanRevise(); err != nil {
		return nil, err
	}
	next, err := NewFiling(filingID, prev.AccountID, prev.Subject, prev.FormType, prev.AssessmentYear, computationRef, now)
	if err != nil {
		return nil, err
	}
	prevID := prev.ID
	next.Supersedes = &prevID
	return next, nil
}

// CanRevise allows revisions of terminal filings only.
func (f *Filing) CanRevise() error {
	if !f.State.IsTerminal() {
		return dErrors.New(dErrors.CodeInvalidState, "only accepted or rejected filings can be revised")
	}
	return nil
}

// EnsureMutable fails closed on quarantined filings.
func (f *Filing) EnsureMutable() error {
	if f.Quarantined {
		return dErrors.New(dErrors.CodeQuarantined, "filing is quarantined pending manual review")
	}
	return nil
}

func (f *Filing) can(ev Event) error {
	if err := f.EnsureMutable(); err != nil {
		return err
	}
	_, err := NextState(f.State, ev)
	return err
}

// move applies ev and records it. Callers validate with a Can* method first;
// an illegal move here leaves the filing untouched.
func (f *Filing) move(ev Event, session *Session, now time.Time) {
	to, err := NextState(f.State, ev)
	if err != nil {
		return
	}
	t := Transition{FilingID: f.ID, From: f.State, To: to, Event: ev, At: now}
	if session != nil {
		sid := session.ID
		t.SessionID = &sid
		t.SessionState = session.State
	}
	f.pending = append(f.pending, t)
	f.State = to
	f.UpdatedAt = now
}

// TakeTransitions drains the transitions recorded since the last call.
// Stores append them to the history in the same write as the filing.
func (f *Filing) TakeTransitions() []Transition {
	out := f.pending
	f.pending = nil
	return out
}

// CanAcceptDeclarations checks the state guard; the gate result is checked
// by the caller against the catalog.
func (f *Filing) CanAcceptDeclarations() error {
	return f.can(EventDeclarationsAccepted)
}

func (f *Filing) ApplyDeclarations(version string, accepted []string, evidence *DeclarationEvidence, now time.Time) {
	f.DeclarationVersion = version
	f.AcceptedDeclarations = slices.Clone(accepted)
	f.DeclarationEvidence = evidence
	f.move(EventDeclarationsAccepted, nil, now)
}

// CanSelectMethod allows selection from DECLARED and, for a method switch,
// from VERIFYING. The "no active session" guard is enforced by the session store.
func (f *Filing) CanSelectMethod() error {
	return f.can(EventMethodSelected)
}

func (f *Filing) ApplyMethodSelected(session *Session, now time.Time) {
	sid := session.ID
	f.Method = session.Method
	f.SessionID = &sid
	f.move(EventMethodSelected, session, now)
}

// HasSession reports whether session is the filing's current session.
func (f *Filing) HasSession(sessionID id.SessionID) bool {
	return f.SessionID != nil && *f.SessionID == sessionID
}

// CanCompleteVerification requires the current session to be completed.
func (f *Filing) CanCompleteVerification(session *Session) error {
	if err := f.can(EventChallengeCompleted); err != nil {
		return err
	}
	if !f.HasSession(session.ID) || session.FilingID != f.ID {
		return dErrors.New(dErrors.CodeInvalidState, "session is not the filing's current session")
	}
	if session.State != SessionCompleted {
		return dErrors.New(dErrors.CodeNotVerified, "verification session is not completed")
	}
	return nil
}

func (f *Filing) ApplyVerified(session *Session, now time.Time) {
	f.move(EventChallengeCompleted, session, now)
}

// CanCloseVerification guards both failure and abandonment of the current session.
func (f *Filing) CanCloseVerification(session *Session, ev Event) error {
	if err := f.can(ev); err != nil {
		return err
	}
	if !f.HasSession(session.ID) {
		return dErrors.New(dErrors.CodeInvalidState, "session is not the filing's current session")
	}
	return nil
}

// ApplySessionFailed records VERIFYING -> VERIFYING_FAILED -> DECLARED in one
// mutation so the filing is immediately open for method re-selection.
func (f *Filing) ApplySessionFailed(session *Session, now time.Time) {
	f.move(EventSessionFailed, session, now)
	f.move(EventReselectionAllowed, session, now)
	f.clearSelection()
}

func (f *Filing) ApplyVerificationAbandoned(session *Session, now time.Time) {
	f.move(EventVerificationAbandoned, session, now)
	f.clearSelection()
}

func (f *Filing) clearSelection() {
	f.Method = ""
	f.SessionID = nil
}

// CanSubmit checks state and the set-once submission reference.
func (f *Filing) CanSubmit() error {
	if err := f.EnsureMutable(); err != nil {
		return err
	}
	if f.SubmissionID != nil {
		return dErrors.New(dErrors.CodeAlreadySubmitted, "filing has already been submitted")
	}
	if f.State != StateVerified {
		if f.State == StateDeclared || f.State == StateVerifying || f.State == StateDraftReady {
			return dErrors.New(dErrors.CodeNotVerified, "filing has not completed verification")
		}
		_, err := NextState(f.State, EventSubmitted)
		return err
	}
	return nil
}

// ApplySubmitted links the submission and moves to SUBMITTED. The reference is
// never overwritten once set.
func (f *Filing) ApplySubmitted(sub *Submission, session *Session, now time.Time) {
	if f.SubmissionID == nil {
		sid := sub.ID
		f.SubmissionID = &sid
	}
	f.move(EventSubmitted, session, now)
}

// CanRecordOutcome allows the terminal move only from SUBMITTED.
func (f *Filing) CanRecordOutcome(stage Stage) error {
	ev, ok := outcomeEvent(stage)
	if !ok {
		return dErrors.New(dErrors.CodeInvalidInput, "stage is not a final outcome")
	}
	return f.can(ev)
}

func (f *Filing) ApplyOutcome(stage Stage, now time.Time) {
	if ev, ok := outcomeEvent(stage); ok {
		f.move(ev, nil, now)
	}
}

func outcomeEvent(stage Stage) (Event, bool) {
	switch stage {
	case StageAccepted:
		return EventAuthorityAccepted, true
	case StageRejected:
		return EventAuthorityRejected, true
	}
	return "", false
}

// ApplyQuarantine freezes the filing. It is idempotent.
func (f *Filing) ApplyQuarantine(reason string, now time.Time) {
	if f.Quarantined {
		return
	}
	f.Quarantined = true
	f.QuarantineReason = reason
	f.UpdatedAt = now
}

// CanRelease requires an active quarantine.
func (f *Filing) CanRelease() error {
	if !f.Quarantined {
		return dErrors.New(dErrors.CodeConflict, "filing is not quarantined")
	}
	return nil
}

func (f *Filing) ApplyRelease(now time.Time) {
	f.Quarantined = false
	f.QuarantineReason = ""
	f.UpdatedAt = now
}

// MaskedSubject is what logs and audit events carry.
func (f *Filing) MaskedSubject() string {
	return f.Subject.Masked()
}
