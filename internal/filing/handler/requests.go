package handler

import (
	"strings"

	"efiling/internal/filing/models"
	"efiling/internal/filing/verification"
	"efiling/internal/filing/workflow"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
)

// OpenFilingRequest opens a filing for a computed return.
type OpenFilingRequest struct {
	Subject        string `json:"subject"`
	FormType       string `json:"form_type"`
	AssessmentYear string `json:"assessment_year"`
	ComputationRef string `json:"computation_ref"`

	parsed workflow.OpenRequest
}

func (r *OpenFilingRequest) Validate() error {
	subject, err := id.ParseTaxpayerID(r.Subject)
	if err != nil {
		return err
	}
	form, err := models.ParseFormType(r.FormType)
	if err != nil {
		return err
	}
	year, err := id.ParseAssessmentYear(strings.TrimSpace(r.AssessmentYear))
	if err != nil {
		return err
	}
	ref := strings.TrimSpace(r.ComputationRef)
	if ref == "" {
		return dErrors.New(dErrors.CodeValidation, "computation_ref is required")
	}
	r.parsed = workflow.OpenRequest{
		Subject:        subject,
		FormType:       form,
		AssessmentYear: year,
		ComputationRef: ref,
	}
	return nil
}

// AcceptDeclarationsRequest records the declarations the filer accepted.
type AcceptDeclarationsRequest struct {
	Version     string   `json:"version"`
	AcceptedIDs []string `json:"accepted_ids"`
}

func (r *AcceptDeclarationsRequest) Validate() error {
	r.Version = strings.TrimSpace(r.Version)
	if r.Version == "" {
		return dErrors.New(dErrors.CodeValidation, "version is required")
	}
	if len(r.AcceptedIDs) == 0 {
		return dErrors.New(dErrors.CodeValidation, "accepted_ids must not be empty")
	}
	for i, v := range r.AcceptedIDs {
		r.AcceptedIDs[i] = strings.TrimSpace(v)
	}
	return nil
}

// SelectMethodRequest starts verification. Certificate holders may send the
// signed proof in the same call.
type SelectMethodRequest struct {
	Method         string `json:"method"`
	CertificatePEM string `json:"certificate_pem,omitempty"`
	Signature      string `json:"signature,omitempty"`

	method models.Method
}

func (r *SelectMethodRequest) Validate() error {
	m, err := models.ParseMethod(r.Method)
	if err != nil {
		return err
	}
	r.method = m
	if (r.CertificatePEM == "") != (r.Signature == "") {
		return dErrors.New(dErrors.CodeValidation, "certificate_pem and signature must be sent together")
	}
	if r.CertificatePEM != "" && m != models.MethodCertificate {
		return dErrors.New(dErrors.CodeValidation, "a proof is only accepted with the certificate method")
	}
	return nil
}

func (r *SelectMethodRequest) proof() *verification.Proof {
	if r.CertificatePEM == "" {
		return nil
	}
	return &verification.Proof{CertificatePEM: r.CertificatePEM, Signature: r.Signature}
}

// VerifyOTPRequest answers an OTP challenge.
type VerifyOTPRequest struct {
	SessionID string `json:"session_id"`
	OTP       string `json:"otp"`

	sessionID id.SessionID
}

func (r *VerifyOTPRequest) Validate() error {
	sid, err := id.ParseSessionID(r.SessionID)
	if err != nil {
		return err
	}
	r.sessionID = sid
	r.OTP = strings.TrimSpace(r.OTP)
	if r.OTP == "" {
		return dErrors.New(dErrors.CodeValidation, "otp is required")
	}
	return nil
}

// ChallengeRequest answers a challenge of any method. Exactly one proof is
// expected.
type ChallengeRequest struct {
	SessionID      string `json:"session_id"`
	OTP            string `json:"otp,omitempty"`
	CertificatePEM string `json:"certificate_pem,omitempty"`
	Signature      string `json:"signature,omitempty"`
	CallbackToken  string `json:"callback_token,omitempty"`

	sessionID id.SessionID
}

func (r *ChallengeRequest) Validate() error {
	sid, err := id.ParseSessionID(r.SessionID)
	if err != nil {
		return err
	}
	r.sessionID = sid
	proofs := 0
	if strings.TrimSpace(r.OTP) != "" {
		proofs++
	}
	if r.Signature != "" || r.CertificatePEM != "" {
		proofs++
	}
	if r.CallbackToken != "" {
		proofs++
	}
	if proofs != 1 {
		return dErrors.New(dErrors.CodeValidation, "exactly one of otp, signature or callback_token is required")
	}
	return nil
}

func (r *ChallengeRequest) input() verification.ChallengeInput {
	return verification.ChallengeInput{
		OTP:            strings.TrimSpace(r.OTP),
		CertificatePEM: r.CertificatePEM,
		Signature:      r.Signature,
		CallbackToken:  r.CallbackToken,
	}
}

// ResendRequest asks for a fresh challenge on an open session.
type ResendRequest struct {
	SessionID string `json:"session_id"`

	sessionID id.SessionID
}

func (r *ResendRequest) Validate() error {
	sid, err := id.ParseSessionID(r.SessionID)
	if err != nil {
		return err
	}
	r.sessionID = sid
	return nil
}

// SubmitRequest hands a verified filing to the authority. The method is
// optional; when present it must match the method that verified the filing.
type SubmitRequest struct {
	VerificationMethod string `json:"verification_method,omitempty"`

	method models.Method
}

func (r *SubmitRequest) Validate() error {
	if strings.TrimSpace(r.VerificationMethod) == "" {
		return nil
	}
	m, err := models.ParseMethod(r.VerificationMethod)
	if err != nil {
		return err
	}
	r.method = m
	return nil
}

// ReviseRequest opens a revision of a terminal filing. An empty reference
// keeps the previous computation.
type ReviseRequest struct {
	ComputationRef string `json:"computation_ref,omitempty"`
}

func (r *ReviseRequest) Validate() error {
	r.ComputationRef = strings.TrimSpace(r.ComputationRef)
	return nil
}
