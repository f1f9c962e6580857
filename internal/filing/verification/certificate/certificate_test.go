package certificate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"efiling/internal/filing/models"
	"efiling/internal/filing/verification"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/requestcontext"
)

const subject id.TaxpayerID = "ABCDE1234F"

type CertificateSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	ca      *DevCA
	cred    *Credential
	adapter *Adapter
}

func TestCertificateSuite(t *testing.T) {
	suite.Run(t, new(CertificateSuite))
}

func (s *CertificateSuite) SetupSuite() {
	now := time.Now()
	ca, err := NewDevCA(now.AddDate(0, 0, -1), now.AddDate(1, 0, 0))
	s.Require().NoError(err)
	s.ca = ca
}

func (s *CertificateSuite) SetupTest() {
	s.now = time.Now().UTC().Truncate(time.Second)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	cred, err := s.ca.Issue(subject, s.now.Add(-time.Hour), s.now.Add(24*time.Hour))
	s.Require().NoError(err)
	s.cred = cred
	s.adapter = New(s.ca.Roots(), 10*time.Minute)
}

func (s *CertificateSuite) sessionFor(filingID id.FilingID, h *verification.Handle) *models.Session {
	return models.NewSession(id.NewSessionID(), filingID, models.MethodCertificate, h.RequiresChallenge, h.Payload, s.now, h.ExpiresAt)
}

func (s *CertificateSuite) TestNonceChallenge() {
	filingID := id.NewFilingID()
	h, err := s.adapter.Initiate(s.ctx, verification.InitiateRequest{FilingID: filingID, Subject: subject})
	s.Require().NoError(err)
	s.True(h.RequiresChallenge)
	s.False(h.Completed)
	s.NotEmpty(h.Prompt.Nonce)
	session := s.sessionFor(filingID, h)

	s.Run("valid signature completes", func() {
		sig, err := s.cred.Sign(ChallengeMessage(filingID, h.Prompt.Nonce))
		s.Require().NoError(err)
		res, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{CertificatePEM: s.cred.CertificatePEM, Signature: sig})
		s.Require().NoError(err)
		s.Equal(verification.ChallengeComplete, res.Status)
	})

	s.Run("signature over another nonce fails", func() {
		sig, err := s.cred.Sign(ChallengeMessage(filingID, "other"))
		s.Require().NoError(err)
		res, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{CertificatePEM: s.cred.CertificatePEM, Signature: sig})
		s.Require().NoError(err)
		s.Equal(verification.Failed("invalid signature"), res)
	})

	s.Run("missing input is a validation error", func() {
		_, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *CertificateSuite) TestPresignedProof() {
	filingID := id.NewFilingID()
	sig, err := s.cred.Sign(PresignedMessage(filingID))
	s.Require().NoError(err)

	s.Run("completes without a challenge", func() {
		h, err := s.adapter.Initiate(s.ctx, verification.InitiateRequest{
			FilingID: filingID,
			Subject:  subject,
			Proof:    &verification.Proof{CertificatePEM: s.cred.CertificatePEM, Signature: sig},
		})
		s.Require().NoError(err)
		s.True(h.Completed)
		s.False(h.RequiresChallenge)
	})

	s.Run("proof for another filing is an invalid identity", func() {
		_, err := s.adapter.Initiate(s.ctx, verification.InitiateRequest{
			FilingID: id.NewFilingID(),
			Subject:  subject,
			Proof:    &verification.Proof{CertificatePEM: s.cred.CertificatePEM, Signature: sig},
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidIdentity))
	})
}

func (s *CertificateSuite) TestRejections() {
	filingID := id.NewFilingID()
	h, err := s.adapter.Initiate(s.ctx, verification.InitiateRequest{FilingID: filingID, Subject: subject})
	s.Require().NoError(err)
	session := s.sessionFor(filingID, h)
	msg := ChallengeMessage(filingID, h.Prompt.Nonce)

	challenge := func(cred *Credential) verification.ChallengeResult {
		sig, err := cred.Sign(msg)
		s.Require().NoError(err)
		res, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{CertificatePEM: cred.CertificatePEM, Signature: sig})
		s.Require().NoError(err)
		return res
	}

	s.Run("certificate from an unknown CA", func() {
		other, err := NewDevCA(s.now.AddDate(0, 0, -1), s.now.AddDate(1, 0, 0))
		s.Require().NoError(err)
		cred, err := other.Issue(subject, s.now.Add(-time.Hour), s.now.Add(time.Hour))
		s.Require().NoError(err)
		s.Equal("untrusted certificate", challenge(cred).Reason)
	})

	s.Run("expired certificate", func() {
		cred, err := s.ca.Issue(subject, s.now.Add(-48*time.Hour), s.now.Add(-24*time.Hour))
		s.Require().NoError(err)
		s.Equal("untrusted certificate", challenge(cred).Reason)
	})

	s.Run("certificate for another taxpayer", func() {
		cred, err := s.ca.Issue("ZZZZZ9999Z", s.now.Add(-time.Hour), s.now.Add(time.Hour))
		s.Require().NoError(err)
		s.Equal("certificate does not belong to the filing subject", challenge(cred).Reason)
	})

	s.Run("garbage certificate", func() {
		res, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{CertificatePEM: "not a pem", Signature: "AAAA"})
		s.Require().NoError(err)
		s.Equal(verification.Failed("malformed certificate"), res)
	})

	s.Run("signature that is not base64", func() {
		res, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{CertificatePEM: s.cred.CertificatePEM, Signature: "%%%"})
		s.Require().NoError(err)
		s.Equal(verification.Failed("malformed signature"), res)
	})
}

func (s *CertificateSuite) TestResendUnsupported() {
	_, err := s.adapter.Resend(s.ctx, &models.Session{}, nil)
	s.ErrorIs(err, verification.ErrResendUnsupported)
}

func TestParseChainKeepsIntermediates(t *testing.T) {
	ca, err := NewDevCA(time.Now().AddDate(0, 0, -1), time.Now().AddDate(1, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	cred, err := ca.Issue(subject, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	leaf, _, err := parseChain(cred.CertificatePEM + string(ca.RootPEM()))
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.SerialNumber != string(subject) {
		t.Fatalf("leaf = %q, want subject certificate first", leaf.Subject.SerialNumber)
	}
}

func (s *CertificateSuite) TestRootValidityFollowsRequestClock() {
	at := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), at)
	filingID := id.NewFilingID()

	sign := func(ca *DevCA) verification.ChallengeResult {
		cred, err := ca.Issue(subject, at.Add(-time.Hour), at.Add(24*time.Hour))
		s.Require().NoError(err)
		adapter := New(ca.Roots(), 10*time.Minute)
		h, err := adapter.Initiate(ctx, verification.InitiateRequest{FilingID: filingID, Subject: subject})
		s.Require().NoError(err)
		session := models.NewSession(id.NewSessionID(), filingID, models.MethodCertificate, h.RequiresChallenge, h.Payload, at, h.ExpiresAt)
		sig, err := cred.Sign(ChallengeMessage(filingID, h.Prompt.Nonce))
		s.Require().NoError(err)
		res, err := adapter.Challenge(ctx, session, h.Payload, verification.ChallengeInput{CertificatePEM: cred.CertificatePEM, Signature: sig})
		s.Require().NoError(err)
		return res
	}

	s.Run("root valid at the request time completes", func() {
		ca, err := NewDevCA(at.AddDate(0, 0, -1), at.AddDate(1, 0, 0))
		s.Require().NoError(err)
		s.Equal(verification.ChallengeComplete, sign(ca).Status)
	})

	s.Run("root issued after the request time is untrusted", func() {
		ca, err := NewDevCA(at.Add(time.Hour), at.AddDate(1, 0, 0))
		s.Require().NoError(err)
		s.Equal("untrusted certificate", sign(ca).Reason)
	})
}
