package verification_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"efiling/internal/filing/declaration"
	"efiling/internal/filing/models"
	"efiling/internal/filing/store/memory"
	"efiling/internal/filing/verification"
	"efiling/internal/filing/verification/mocks"
	"efiling/internal/filing/verification/otp"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/audit"
	"efiling/pkg/requestcontext"
)

const subject id.TaxpayerID = "ABCDE1234F"

//go:generate mockgen -source=adapter.go -destination=mocks/adapter-mocks.go -package=mocks Adapter

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
	fail   error
}

func (r *recorder) Emit(_ context.Context, ev audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}

type asyncRecorder struct{ recorder }

func (r *asyncRecorder) Emit(ctx context.Context, ev audit.Event) { _ = r.recorder.Emit(ctx, ev) }

type CoordinatorSuite struct {
	suite.Suite
	now        time.Time
	filings    *memory.FilingStore
	sessions   *memory.SessionStore
	sender     *otp.DevSender
	cert       *mocks.MockAdapter
	compliance *recorder
	ops        *asyncRecorder
	coord      *verification.Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.now = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	s.filings = memory.NewFilingStore()
	s.sessions = memory.NewSessionStore()
	s.sender = otp.NewDevSender()
	s.compliance = &recorder{}
	s.ops = &asyncRecorder{}

	ctrl := gomock.NewController(s.T())
	s.cert = mocks.NewMockAdapter(ctrl)
	s.cert.EXPECT().Method().Return(models.MethodCertificate).AnyTimes()

	catalog, err := declaration.DefaultCatalog()
	s.Require().NoError(err)
	registry, err := verification.NewRegistry(
		otp.New(s.sender, otp.NewStaticDirectory(true), 5*time.Minute, otp.WithCost(bcrypt.MinCost)),
		s.cert,
	)
	s.Require().NoError(err)
	sealer, err := verification.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	s.Require().NoError(err)

	s.coord = verification.NewCoordinator(s.filings, s.sessions, memory.Transactor{},
		declaration.NewGate(catalog), registry, sealer,
		verification.WithComplianceAudit(s.compliance),
		verification.WithEvents(s.ops),
	)
}

func (s *CoordinatorSuite) at(offset time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(offset))
}

func (s *CoordinatorSuite) declaredFiling() *models.Filing {
	f, err := models.NewFiling(id.NewFilingID(), id.NewAccountID(), subject, models.FormITR1, "2025-26", "comp-1", s.now)
	s.Require().NoError(err)
	catalog, err := declaration.DefaultCatalog()
	s.Require().NoError(err)
	set, err := catalog.Lookup(models.FormITR1)
	s.Require().NoError(err)
	f.ApplyDeclarations(set.Version, set.RequiredIDs(), nil, s.now)
	s.Require().NoError(s.filings.Create(context.Background(), f))
	return f
}

func (s *CoordinatorSuite) lastCode() string {
	code, ok := s.sender.LastCode(otp.DevDestination(subject))
	s.Require().True(ok)
	return code
}

func (s *CoordinatorSuite) wrongCode() string {
	if s.lastCode() == "000000" {
		return "111111"
	}
	return "000000"
}

func (s *CoordinatorSuite) filing(filingID id.FilingID) *models.Filing {
	f, err := s.filings.FindByID(context.Background(), filingID)
	s.Require().NoError(err)
	return f
}

func (s *CoordinatorSuite) TestOTPHappyPath() {
	f := s.declaredFiling()

	res, err := s.coord.Select(s.at(0), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)
	s.True(res.RequiresChallenge())
	s.Equal(models.StateVerifying, res.Filing.State)
	s.NotEmpty(res.Prompt.Destination)
	s.NotContains(string(res.Session.Payload), "sms:", "payload is sealed at rest")

	out, err := s.coord.SubmitChallenge(s.at(time.Minute), res.Session.ID, verification.ChallengeInput{OTP: s.lastCode()})
	s.Require().NoError(err)
	s.Equal(verification.ChallengeComplete, out.Status)
	s.Equal(models.StateVerified, out.Filing.State)
	s.Equal(models.SessionCompleted, out.Session.State)
	s.Equal([]string{string(audit.EventVerificationCompleted)}, s.compliance.actions())
	s.Contains(s.ops.actions(), string(audit.EventVerificationStarted))
}

func (s *CoordinatorSuite) TestSelectRequiresDeclarations() {
	f, err := models.NewFiling(id.NewFilingID(), id.NewAccountID(), subject, models.FormITR1, "2025-26", "", s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.filings.Create(context.Background(), f))

	_, err = s.coord.Select(s.at(0), f.ID, models.MethodOTP, nil)
	s.True(dErrors.HasCode(err, dErrors.CodeDeclarationsIncomplete))
	s.Contains(err.Error(), "correctness")
}

func (s *CoordinatorSuite) TestSelectWhileActive() {
	f := s.declaredFiling()
	first, err := s.coord.Select(s.at(0), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)

	s.Run("same method returns the open session", func() {
		again, err := s.coord.Select(s.at(time.Second), f.ID, models.MethodOTP, nil)
		s.Require().NoError(err)
		s.True(again.Reused)
		s.Equal(first.Session.ID, again.Session.ID)
	})

	s.Run("another method is already active", func() {
		_, err := s.coord.Select(s.at(time.Second), f.ID, models.MethodCertificate, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyActive))
	})

	s.Run("unregistered method", func() {
		_, err := s.coord.Select(s.at(time.Second), f.ID, models.MethodBankRedirect, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeUnsupportedMethod))
	})
}

func (s *CoordinatorSuite) TestAttemptCap() {
	f := s.declaredFiling()
	res, err := s.coord.Select(s.at(0), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)
	wrong := verification.ChallengeInput{OTP: s.wrongCode()}

	for i, remaining := range []int{2, 1} {
		out, err := s.coord.SubmitChallenge(s.at(time.Duration(i+1)*time.Second), res.Session.ID, wrong)
		s.Require().NoError(err)
		s.Equal(verification.ChallengeFailed, out.Status)
		s.Equal(remaining, out.AttemptsRemaining)
		s.Equal(models.StateVerifying, out.Filing.State)
	}

	out, err := s.coord.SubmitChallenge(s.at(5*time.Second), res.Session.ID, wrong)
	s.Require().NoError(err)
	s.Equal(verification.ChallengeFailed, out.Status)
	s.Zero(out.AttemptsRemaining)
	s.Equal(models.SessionFailed, out.Session.State)
	s.Equal(models.StateDeclared, out.Filing.State)
	s.Nil(out.Filing.SessionID)
	s.Contains(s.ops.actions(), string(audit.EventVerificationFailed))

	s.Run("closed session answers with its final state", func() {
		out, err := s.coord.SubmitChallenge(s.at(6*time.Second), res.Session.ID, verification.ChallengeInput{OTP: s.lastCode()})
		s.Require().NoError(err)
		s.Equal(verification.ChallengeFailed, out.Status)
		s.Equal(3, out.Session.Attempts)
	})

	s.Run("a new session can be started", func() {
		next, err := s.coord.Select(s.at(7*time.Second), f.ID, models.MethodOTP, nil)
		s.Require().NoError(err)
		s.NotEqual(res.Session.ID, next.Session.ID)
		s.False(next.Reused)
	})
}

func (s *CoordinatorSuite) TestExpiry() {
	f := s.declaredFiling()
	res, err := s.coord.Select(s.at(0), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)
	code := s.lastCode()

	out, err := s.coord.SubmitChallenge(s.at(6*time.Minute), res.Session.ID, verification.ChallengeInput{OTP: code})
	s.Require().NoError(err)
	s.Equal(verification.ChallengeExpired, out.Status)
	s.Equal(models.SessionExpired, out.Session.State)
	s.Zero(out.Session.Attempts, "expiry is never a failed attempt")
	s.Equal(models.StateVerifying, s.filing(f.ID).State)
	s.Contains(s.ops.actions(), string(audit.EventVerificationExpired))

	next, err := s.coord.Select(s.at(7*time.Minute), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)
	s.NotEqual(res.Session.ID, next.Session.ID)
	s.Equal(models.StateVerifying, next.Filing.State)
	s.Equal(next.Session.ID, *next.Filing.SessionID)
}

func (s *CoordinatorSuite) TestGetAppliesExpiry() {
	f := s.declaredFiling()
	res, err := s.coord.Select(s.at(0), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)

	got, err := s.coord.Get(s.at(10*time.Minute), res.Session.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionExpired, got.State)

	raw, err := s.coord.Session(s.at(0), res.Session.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionExpired, raw.State, "expiry was persisted")
}

func (s *CoordinatorSuite) TestResend() {
	f := s.declaredFiling()
	res, err := s.coord.Select(s.at(0), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)
	_, err = s.coord.Resend(s.at(10*time.Second), res.Session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited), "too soon")

	var last time.Duration
	for i := 1; i <= 3; i++ {
		last = time.Duration(i) * 31 * time.Second
		again, err := s.coord.Resend(s.at(last), res.Session.ID)
		s.Require().NoError(err)
		s.Equal(i, again.Session.Resends)
		s.Equal(s.now.Add(last).Add(5*time.Minute), again.Session.ExpiresAt)
	}
	_, err = s.coord.Resend(s.at(last+time.Minute), res.Session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited), "cap reached")

	out, err := s.coord.SubmitChallenge(s.at(last+time.Minute), res.Session.ID, verification.ChallengeInput{OTP: s.lastCode()})
	s.Require().NoError(err)
	s.Equal(verification.ChallengeComplete, out.Status)
	s.Contains(s.ops.actions(), string(audit.EventChallengeResent))
}

func (s *CoordinatorSuite) TestAbandon() {
	f := s.declaredFiling()
	res, err := s.coord.Select(s.at(0), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)

	out, err := s.coord.Abandon(s.at(time.Minute), f.ID)
	s.Require().NoError(err)
	s.Equal(verification.ChallengeFailed, out.Status)
	s.Equal("abandoned", out.Session.FailureReason)
	s.Equal(models.StateDeclared, out.Filing.State)

	_, err = s.coord.SubmitChallenge(s.at(2*time.Minute), res.Session.ID, verification.ChallengeInput{OTP: s.lastCode()})
	s.Require().NoError(err)
	s.Equal(models.StateDeclared, s.filing(f.ID).State, "abandoned session cannot verify the filing")

	_, err = s.coord.Abandon(s.at(3*time.Minute), f.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *CoordinatorSuite) TestPresignedCertificateCompletesOnSelect() {
	f := s.declaredFiling()
	proof := &verification.Proof{CertificatePEM: "pem", Signature: "sig"}
	s.cert.EXPECT().Initiate(gomock.Any(), verification.InitiateRequest{FilingID: f.ID, Subject: subject, Proof: proof}).
		Return(&verification.Handle{Completed: true, ExpiresAt: s.now.Add(10 * time.Minute), Payload: []byte(`{}`)}, nil)

	res, err := s.coord.Select(s.at(0), f.ID, models.MethodCertificate, proof)
	s.Require().NoError(err)
	s.False(res.RequiresChallenge())
	s.Equal(models.StateVerified, res.Filing.State)

	history, err := s.filings.History(context.Background(), f.ID)
	s.Require().NoError(err)
	s.Require().GreaterOrEqual(len(history), 2)
	s.Equal(models.StateVerified, history[len(history)-1].To)
}

func (s *CoordinatorSuite) TestComplianceFailureBlocksVerification() {
	f := s.declaredFiling()
	s.cert.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		Return(&verification.Handle{Completed: true, ExpiresAt: s.now.Add(time.Minute), Payload: []byte(`{}`)}, nil)
	s.compliance.fail = errors.New("audit store down")

	_, err := s.coord.Select(s.at(0), f.ID, models.MethodCertificate, &verification.Proof{})
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *CoordinatorSuite) TestProviderOutageIsNotAnAttempt() {
	f := s.declaredFiling()
	s.cert.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		Return(&verification.Handle{RequiresChallenge: true, ExpiresAt: s.now.Add(10 * time.Minute), Payload: []byte(`{"nonce":"n"}`)}, nil)
	res, err := s.coord.Select(s.at(0), f.ID, models.MethodCertificate, nil)
	s.Require().NoError(err)

	s.cert.EXPECT().Challenge(gomock.Any(), gomock.Any(), []byte(`{"nonce":"n"}`), gomock.Any()).
		Return(verification.ChallengeResult{}, verification.ProviderError(errors.New("connection reset"), "ca"))

	_, err = s.coord.SubmitChallenge(s.at(time.Minute), res.Session.ID, verification.ChallengeInput{Signature: "x"})
	s.True(dErrors.Retryable(err))

	stored, err := s.coord.Session(s.at(0), res.Session.ID)
	s.Require().NoError(err)
	s.Zero(stored.Attempts)
	s.True(stored.IsActive())
}

func (s *CoordinatorSuite) TestProviderRunningPastWindowExpires() {
	f := s.declaredFiling()
	s.cert.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		Return(&verification.Handle{RequiresChallenge: true, ExpiresAt: s.now.Add(10 * time.Minute), Payload: []byte(`{}`)}, nil)
	res, err := s.coord.Select(s.at(0), f.ID, models.MethodCertificate, nil)
	s.Require().NoError(err)

	s.cert.EXPECT().Challenge(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ *models.Session, _ []byte, _ verification.ChallengeInput) (verification.ChallengeResult, error) {
			<-ctx.Done()
			return verification.ChallengeResult{}, ctx.Err()
		})

	out, err := s.coord.SubmitChallenge(s.at(10*time.Minute-50*time.Millisecond), res.Session.ID, verification.ChallengeInput{Signature: "x"})
	s.Require().NoError(err)
	s.Equal(verification.ChallengeExpired, out.Status)
	s.Zero(out.Session.Attempts)
}

func (s *CoordinatorSuite) TestResendUnsupportedMethod() {
	f := s.declaredFiling()
	s.cert.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		Return(&verification.Handle{RequiresChallenge: true, ExpiresAt: s.now.Add(10 * time.Minute), Payload: []byte(`{}`)}, nil)
	s.cert.EXPECT().Resend(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, verification.ErrResendUnsupported)
	res, err := s.coord.Select(s.at(0), f.ID, models.MethodCertificate, nil)
	s.Require().NoError(err)

	_, err = s.coord.Resend(s.at(time.Minute), res.Session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeUnsupportedMethod))
}

func (s *CoordinatorSuite) TestQuarantinedFilingRefusesVerification() {
	f := s.declaredFiling()
	_, err := s.filings.Execute(context.Background(), f.ID, func(*models.Filing) error { return nil },
		func(f *models.Filing) { f.ApplyQuarantine("test", s.now) })
	s.Require().NoError(err)

	_, err = s.coord.Select(s.at(0), f.ID, models.MethodOTP, nil)
	s.Equal(dErrors.KindFatal, dErrors.KindOf(err))
}
