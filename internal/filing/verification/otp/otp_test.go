package otp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"efiling/internal/filing/models"
	"efiling/internal/filing/verification"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/requestcontext"
)

type OTPSuite struct {
	suite.Suite
	ctx       context.Context
	now       time.Time
	sender    *DevSender
	directory *StaticDirectory
	adapter   *Adapter
}

func TestOTPSuite(t *testing.T) {
	suite.Run(t, new(OTPSuite))
}

func (s *OTPSuite) SetupTest() {
	s.now = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.sender = NewDevSender()
	s.directory = NewStaticDirectory(false)
	s.directory.Register("ABCDE1234F", "+919876543210")
	s.adapter = New(s.sender, s.directory, 5*time.Minute, WithCost(bcrypt.MinCost))
}

func (s *OTPSuite) initiate() *verification.Handle {
	h, err := s.adapter.Initiate(s.ctx, verification.InitiateRequest{FilingID: id.NewFilingID(), Subject: "ABCDE1234F"})
	s.Require().NoError(err)
	return h
}

func (s *OTPSuite) TestInitiate() {
	s.Run("sends a six digit code and masks the destination", func() {
		h := s.initiate()
		s.True(h.RequiresChallenge)
		s.Equal(s.now.Add(5*time.Minute), h.ExpiresAt)
		s.Equal("*********3210", h.Prompt.Destination)

		code, ok := s.sender.LastCode("+919876543210")
		s.Require().True(ok)
		s.Len(code, 6)
		s.NotContains(string(h.Payload), code, "code is stored hashed")
	})

	s.Run("unknown subject is an invalid identity", func() {
		_, err := s.adapter.Initiate(s.ctx, verification.InitiateRequest{FilingID: id.NewFilingID(), Subject: "ZZZZZ9999Z"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidIdentity))
	})

	s.Run("gateway outage is provider unavailable", func() {
		s.sender.FailWith(errors.New("connection refused"))
		defer s.sender.FailWith(nil)
		_, err := s.adapter.Initiate(s.ctx, verification.InitiateRequest{FilingID: id.NewFilingID(), Subject: "ABCDE1234F"})
		s.True(dErrors.HasCode(err, dErrors.CodeProviderUnavailable))
		s.True(dErrors.Retryable(err))
	})
}

func (s *OTPSuite) TestChallenge() {
	h := s.initiate()
	code, _ := s.sender.LastCode("+919876543210")
	session := &models.Session{Method: models.MethodOTP}

	s.Run("wrong code fails", func() {
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		res, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{OTP: wrong})
		s.Require().NoError(err)
		s.Equal(verification.ChallengeFailed, res.Status)
		s.Equal("incorrect code", res.Reason)
	})

	s.Run("malformed code fails", func() {
		res, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{OTP: "12ab"})
		s.Require().NoError(err)
		s.Equal(verification.ChallengeFailed, res.Status)
	})

	s.Run("missing code is a validation error", func() {
		_, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("correct code completes", func() {
		res, err := s.adapter.Challenge(s.ctx, session, h.Payload, verification.ChallengeInput{OTP: code})
		s.Require().NoError(err)
		s.Equal(verification.ChallengeComplete, res.Status)
	})
}

func (s *OTPSuite) TestResendIssuesNewCode() {
	h := s.initiate()
	first, _ := s.sender.LastCode("+919876543210")

	later := requestcontext.WithTime(context.Background(), s.now.Add(time.Minute))
	h2, err := s.adapter.Resend(later, &models.Session{Method: models.MethodOTP}, h.Payload)
	s.Require().NoError(err)
	s.Equal(s.now.Add(6*time.Minute), h2.ExpiresAt)

	second, _ := s.sender.LastCode("+919876543210")
	res, err := s.adapter.Challenge(later, &models.Session{}, h2.Payload, verification.ChallengeInput{OTP: second})
	s.Require().NoError(err)
	s.Equal(verification.ChallengeComplete, res.Status)

	if first != second {
		res, err = s.adapter.Challenge(later, &models.Session{}, h2.Payload, verification.ChallengeInput{OTP: first})
		s.Require().NoError(err)
		s.Equal(verification.ChallengeFailed, res.Status, "superseded code no longer works")
	}
}

func (s *OTPSuite) TestDerivedDirectory() {
	d := NewStaticDirectory(true)
	dest, err := d.Destination(s.ctx, "ABCDE1234F")
	s.Require().NoError(err)
	s.Equal(DevDestination("ABCDE1234F"), dest)
}
