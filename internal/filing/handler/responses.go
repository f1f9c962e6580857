package handler

import (
	"time"

	"efiling/internal/filing/models"
	"efiling/internal/filing/submission"
	"efiling/internal/filing/verification"
	id "efiling/pkg/domain"
)

type VerificationResponse struct {
	SessionID         id.SessionID        `json:"session_id"`
	FilingID          id.FilingID         `json:"filing_id"`
	Method            models.Method       `json:"method"`
	State             models.SessionState `json:"state"`
	RequiresChallenge bool                `json:"requires_challenge"`
	ExpiresAt         time.Time           `json:"expires_at"`
	FilingState       models.State        `json:"filing_state"`
	Reused            bool                `json:"reused,omitempty"`
	Prompt            verification.Prompt `json:"prompt"`
}

func toVerificationResponse(res *verification.SelectResult) VerificationResponse {
	return VerificationResponse{
		SessionID:         res.Session.ID,
		FilingID:          res.Session.FilingID,
		Method:            res.Session.Method,
		State:             res.Session.State,
		RequiresChallenge: res.RequiresChallenge(),
		ExpiresAt:         res.Session.ExpiresAt,
		FilingState:       res.Filing.State,
		Reused:            res.Reused,
		Prompt:            res.Prompt,
	}
}

type ChallengeResponse struct {
	SessionID         id.SessionID                 `json:"session_id"`
	Status            verification.ChallengeStatus `json:"status"`
	SessionState      models.SessionState          `json:"session_state"`
	FilingState       models.State                 `json:"filing_state"`
	Reason            string                       `json:"reason,omitempty"`
	AttemptsRemaining int                          `json:"attempts_remaining"`
}

func toChallengeResponse(out *verification.ChallengeOutcome) ChallengeResponse {
	resp := ChallengeResponse{
		SessionID:         out.Session.ID,
		Status:            out.Status,
		SessionState:      out.Session.State,
		Reason:            out.Reason,
		AttemptsRemaining: out.AttemptsRemaining,
	}
	if out.Filing != nil {
		resp.FilingState = out.Filing.State
	}
	return resp
}

type SubmitResponse struct {
	FilingID     id.FilingID     `json:"filing_id"`
	SubmissionID id.SubmissionID `json:"submission_id"`
	AckNumber    string          `json:"ack_number"`
	SubmittedAt  *time.Time      `json:"submitted_at,omitempty"`
	State        models.State    `json:"state"`
}

func toSubmitResponse(res *submission.Result) SubmitResponse {
	return SubmitResponse{
		FilingID:     res.Filing.ID,
		SubmissionID: res.Submission.ID,
		AckNumber:    res.Submission.AckNumber,
		SubmittedAt:  res.Submission.SubmittedAt,
		State:        res.Filing.State,
	}
}

type FilingListResponse struct {
	Filings []*models.Filing `json:"filings"`
}

type HistoryResponse struct {
	FilingID    id.FilingID         `json:"filing_id"`
	Transitions []models.Transition `json:"transitions"`
}
