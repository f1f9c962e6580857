package workflow

import (
	"context"

	"efiling/internal/filing/declaration"
	"efiling/internal/filing/models"
	id "efiling/pkg/domain"
)

// Readiness tells a client what the filing still needs before it can be
// submitted.
type Readiness struct {
	FilingID      id.FilingID        `json:"filing_id"`
	State         models.State       `json:"state"`
	Quarantined   bool               `json:"quarantined"`
	Declarations  declaration.Result `json:"declarations"`
	Verified      bool               `json:"verified"`
	Submitted     bool               `json:"submitted"`
	ReadyToSubmit bool               `json:"ready_to_submit"`
	NextAction    string             `json:"next_action"`
	Methods       []models.Method    `json:"methods,omitempty"`
}

// Validate reports the filing's readiness without changing anything.
func (s *Service) Validate(ctx context.Context, filingID id.FilingID) (*Readiness, error) {
	f, err := s.owned(ctx, filingID)
	if err != nil {
		return nil, err
	}
	decl, err := s.Gate.CheckFiling(f)
	if err != nil {
		return nil, err
	}
	r := &Readiness{
		FilingID:     f.ID,
		State:        f.State,
		Quarantined:  f.Quarantined,
		Declarations: decl,
		Verified:     f.State == models.StateVerified || f.SubmissionID != nil,
		Submitted:    f.SubmissionID != nil,
		NextAction:   nextAction(f),
	}
	r.ReadyToSubmit = !f.Quarantined && f.State == models.StateVerified && decl.OK && f.SubmissionID == nil
	switch f.State {
	case models.StateDeclared, models.StateVerifying, models.StateVerifyingFailed:
		r.Methods = s.Coordinator.Methods()
	}
	return r, nil
}

func nextAction(f *models.Filing) string {
	if f.Quarantined {
		return "await_manual_review"
	}
	switch f.State {
	case models.StateDraftReady:
		return "accept_declarations"
	case models.StateDeclared, models.StateVerifyingFailed:
		return "select_verification_method"
	case models.StateVerifying:
		return "complete_verification"
	case models.StateVerified:
		return "submit"
	case models.StateSubmitted:
		return "await_processing"
	case models.StateRejected:
		return "revise"
	}
	return "none"
}
