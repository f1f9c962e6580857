package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"efiling/internal/authority"
	"efiling/internal/filing/filingtest"
	"efiling/internal/filing/models"
	"efiling/internal/filing/verification"
	"efiling/internal/filing/verification/bankredirect"
	"efiling/internal/filing/workflow"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/audit"
	"efiling/pkg/testutil"
)

type WorkflowSuite struct {
	suite.Suite
	h       *filingtest.Harness
	svc     *workflow.Service
	account id.AccountID
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowSuite))
}

func (s *WorkflowSuite) SetupTest() {
	s.h = filingtest.NewHarness(s.T())
	s.svc = s.h.Service
	s.account = id.NewAccountID()
}

func (s *WorkflowSuite) at(offset time.Duration) context.Context {
	return filingtest.Ctx(s.account, offset)
}

func (s *WorkflowSuite) open() *models.Filing {
	f, err := s.svc.Open(s.at(0), workflow.OpenRequest{
		Subject:        filingtest.Subject,
		FormType:       models.FormITR1,
		AssessmentYear: "2025-26",
		ComputationRef: "comp-42",
	})
	s.Require().NoError(err)
	return f
}

func (s *WorkflowSuite) declared() *models.Filing {
	f := s.open()
	version, ids := filingtest.RequiredDeclarations(s.T())
	f, err := s.svc.AcceptDeclarations(s.at(0), f.ID, version, ids)
	s.Require().NoError(err)
	return f
}

func (s *WorkflowSuite) verified() *models.Filing {
	f := s.declared()
	res, err := s.svc.SelectMethod(s.at(time.Minute), f.ID, models.MethodCertificate, s.h.Proof(s.T(), f.ID, filingtest.Subject))
	s.Require().NoError(err)
	return res.Filing
}

func (s *WorkflowSuite) TestOpenAndList() {
	f := s.open()
	s.Equal(models.StateDraftReady, f.State)
	s.Equal(s.account, f.AccountID)

	dependent, err := s.svc.Open(s.at(time.Second), workflow.OpenRequest{
		Subject:        "PQRSX6789K",
		FormType:       models.FormITR2,
		AssessmentYear: "2025-26",
	})
	s.Require().NoError(err)

	list, err := s.svc.List(s.at(time.Minute))
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(dependent.ID, list[0].ID)

	others, err := s.svc.List(filingtest.Ctx(id.NewAccountID(), 0))
	s.Require().NoError(err)
	s.Empty(others)
	s.Contains(s.h.Ops.Actions(), string(audit.EventFilingOpened))
}

func (s *WorkflowSuite) TestOpenValidation() {
	_, err := s.svc.Open(s.at(0), workflow.OpenRequest{Subject: filingtest.Subject, FormType: "ITR-9", AssessmentYear: "2025-26"})
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = s.svc.Open(context.Background(), workflow.OpenRequest{Subject: filingtest.Subject, FormType: models.FormITR1, AssessmentYear: "2025-26"})
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *WorkflowSuite) TestOtherAccountsCannotSeeFiling() {
	f := s.open()
	stranger := filingtest.Ctx(id.NewAccountID(), 0)

	_, err := s.svc.Get(stranger, f.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.svc.SelectMethod(stranger, f.ID, models.MethodOTP, nil)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.svc.Submit(stranger, f.ID, models.MethodOTP)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *WorkflowSuite) TestDeclarations() {
	f := s.open()
	set, err := s.svc.Declaration(s.at(0), f.ID)
	s.Require().NoError(err)
	s.Equal(models.FormITR1, set.FormType)
	version, required := filingtest.RequiredDeclarations(s.T())

	s.Run("missing a required declaration", func() {
		_, err := s.svc.AcceptDeclarations(s.at(0), f.ID, version, required[:1])
		s.True(dErrors.HasCode(err, dErrors.CodeDeclarationsIncomplete))
		s.Contains(err.Error(), required[1])
	})

	s.Run("stale version", func() {
		_, err := s.svc.AcceptDeclarations(s.at(0), f.ID, "2019.1", required)
		s.True(dErrors.HasCode(err, dErrors.CodeDeclarationsIncomplete))
		s.Contains(err.Error(), "current version is "+version)
	})

	s.Run("all required accepted", func() {
		accepted := append([]string{"not-a-declaration"}, required...)
		got, err := s.svc.AcceptDeclarations(s.at(0), f.ID, version, accepted)
		s.Require().NoError(err)
		s.Equal(models.StateDeclared, got.State)
		s.Equal(required, got.AcceptedDeclarations)
		s.Require().NotNil(got.DeclarationEvidence)
		s.Equal(filingtest.T0, got.DeclarationEvidence.AcceptedAt)
		s.Contains(s.h.Compliance.Actions(), string(audit.EventDeclarationsSigned))
	})

	s.Run("second acceptance is an illegal transition", func() {
		_, err := s.svc.AcceptDeclarations(s.at(0), f.ID, version, required)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})
}

// Wrong OTP three times, then a certificate, then submit twice.
func (s *WorkflowSuite) TestFailedOTPThenCertificateThenSubmit() {
	t := s.T()
	var f *models.Filing
	var session *models.Session

	testutil.Given(t, "a filing in DRAFT_READY", func(t *testing.T) {
		f = s.open()
		require.Equal(t, models.StateDraftReady, f.State)
	})

	testutil.When(t, "both required declarations are accepted", func(t *testing.T) {
		version, ids := filingtest.RequiredDeclarations(t)
		require.Len(t, ids, 2)
		got, err := s.svc.AcceptDeclarations(s.at(0), f.ID, version, ids)
		require.NoError(t, err)
		assert.Equal(t, models.StateDeclared, got.State)
	})

	testutil.When(t, "OTP is selected", func(t *testing.T) {
		res, err := s.svc.SelectMethod(s.at(time.Minute), f.ID, models.MethodOTP, nil)
		require.NoError(t, err)
		assert.True(t, res.RequiresChallenge())
		assert.Equal(t, models.StateVerifying, res.Filing.State)
		session = res.Session
	})

	testutil.When(t, "a wrong OTP is entered three times", func(t *testing.T) {
		wrong := verification.ChallengeInput{OTP: s.h.WrongOTP(t)}
		var out *verification.ChallengeOutcome
		for i := range 3 {
			var err error
			out, err = s.svc.SubmitChallenge(s.at(time.Minute+time.Duration(i+1)*time.Second), session.ID, wrong)
			require.NoError(t, err)
		}
		assert.Equal(t, verification.ChallengeFailed, out.Status)
		assert.Equal(t, models.SessionFailed, out.Session.State)
		assert.Equal(t, 3, out.Session.Attempts)
		assert.Equal(t, models.StateDeclared, out.Filing.State)
	})

	testutil.Then(t, "a fourth attempt reports the closed session", func(t *testing.T) {
		out, err := s.svc.SubmitChallenge(s.at(2*time.Minute), session.ID, verification.ChallengeInput{OTP: s.h.LastOTP(t)})
		require.NoError(t, err)
		assert.Equal(t, verification.ChallengeFailed, out.Status)
		assert.Equal(t, 3, out.Session.Attempts)
	})

	testutil.When(t, "a certificate proof is presented", func(t *testing.T) {
		res, err := s.svc.SelectMethod(s.at(3*time.Minute), f.ID, models.MethodCertificate, s.h.Proof(t, f.ID, filingtest.Subject))
		require.NoError(t, err)
		assert.False(t, res.RequiresChallenge())
		assert.Equal(t, models.StateVerified, res.Filing.State)
	})

	testutil.Then(t, "the filing can be submitted once", func(t *testing.T) {
		res, err := s.svc.Submit(s.at(4*time.Minute), f.ID, models.MethodCertificate)
		require.NoError(t, err)
		assert.Equal(t, models.StateSubmitted, res.Filing.State)
		assert.NotEmpty(t, res.Submission.AckNumber)

		_, err = s.svc.Submit(s.at(5*time.Minute), f.ID, models.MethodCertificate)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadySubmitted))
		assert.Equal(t, dErrors.KindConflict, dErrors.KindOf(err))
		assert.Equal(t, 1, s.h.Submissions.Count())
	})

	testutil.Then(t, "history shows SUBMITTED only from a completed session", func(t *testing.T) {
		history, err := s.svc.History(s.at(6*time.Minute), f.ID)
		require.NoError(t, err)
		var path []models.State
		for _, tr := range history {
			path = append(path, tr.To)
			if tr.To == models.StateSubmitted {
				assert.Equal(t, models.SessionCompleted, tr.SessionState)
			}
		}
		want := []models.State{
			models.StateDeclared,
			models.StateVerifying,
			models.StateVerifyingFailed,
			models.StateDeclared,
			models.StateVerifying,
			models.StateVerified,
			models.StateSubmitted,
		}
		if diff := cmp.Diff(want, path); diff != "" {
			t.Errorf("transition path mismatch (-want +got):\n%s", diff)
		}
	})
}

// An unanswered OTP session expires on next access and the filing waits in
// VERIFYING for a new selection.
func (s *WorkflowSuite) TestOTPSessionExpires() {
	t := s.T()
	f := s.declared()
	res, err := s.svc.SelectMethod(s.at(0), f.ID, models.MethodOTP, nil)
	require.NoError(t, err)
	s.Equal(filingtest.T0.Add(5*time.Minute), res.Session.ExpiresAt)

	testutil.When(t, "the session is read after its window", func(t *testing.T) {
		sess, err := s.svc.Session(s.at(6*time.Minute), res.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionExpired, sess.State)
		assert.Zero(t, sess.Attempts)
	})

	testutil.Then(t, "the filing is still verifying", func(t *testing.T) {
		got, err := s.svc.Get(s.at(6*time.Minute), f.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateVerifying, got.State)
	})

	testutil.Then(t, "a late correct code does not complete the session", func(t *testing.T) {
		out, err := s.svc.SubmitChallenge(s.at(7*time.Minute), res.Session.ID, verification.ChallengeInput{OTP: s.h.LastOTP(t)})
		require.NoError(t, err)
		assert.Equal(t, verification.ChallengeExpired, out.Status)
	})

	testutil.Then(t, "a new method can be selected", func(t *testing.T) {
		again, err := s.svc.SelectMethod(s.at(8*time.Minute), f.ID, models.MethodOTP, nil)
		require.NoError(t, err)
		assert.NotEqual(t, res.Session.ID, again.Session.ID)
		assert.False(t, again.Reused)
	})
}

func (s *WorkflowSuite) TestBankRedirect() {
	f := s.declared()
	res, err := s.svc.SelectMethod(s.at(0), f.ID, models.MethodBankRedirect, nil)
	s.Require().NoError(err)
	s.Contains(res.Prompt.RedirectURL, filingtest.BankRedirectURL+"?state=")

	token, err := s.h.Bank.Authorize(res.Prompt.RedirectURL, string(filingtest.Subject), bankredirect.ResultApproved, filingtest.T0.Add(time.Minute))
	s.Require().NoError(err)
	out, err := s.svc.SubmitChallenge(s.at(2*time.Minute), res.Session.ID, verification.ChallengeInput{CallbackToken: token})
	s.Require().NoError(err)
	s.Equal(verification.ChallengeComplete, out.Status)
	s.Equal(models.StateVerified, out.Filing.State)

	_, err = s.svc.Submit(s.at(3*time.Minute), f.ID, models.MethodBankRedirect)
	s.Require().NoError(err)
}

func (s *WorkflowSuite) TestResendLimits() {
	f := s.declared()
	res, err := s.svc.SelectMethod(s.at(0), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)

	_, err = s.svc.Resend(s.at(10*time.Second), res.Session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited), "before the minimum interval")

	for i := 1; i <= 3; i++ {
		_, err := s.svc.Resend(s.at(time.Duration(i)*31*time.Second), res.Session.ID)
		s.Require().NoError(err)
	}
	_, err = s.svc.Resend(s.at(4*31*time.Second), res.Session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited), "cap reached")
}

func (s *WorkflowSuite) TestAbandon() {
	f := s.declared()
	res, err := s.svc.SelectMethod(s.at(0), f.ID, models.MethodOTP, nil)
	s.Require().NoError(err)

	out, err := s.svc.Abandon(s.at(time.Minute), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StateDeclared, out.Filing.State)
	s.Equal(models.SessionFailed, out.Session.State)

	_, err = s.svc.SubmitChallenge(s.at(2*time.Minute), res.Session.ID, verification.ChallengeInput{OTP: s.h.LastOTP(s.T())})
	s.Require().NoError(err)
	got, err := s.svc.Get(s.at(2*time.Minute), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StateDeclared, got.State)
}

func (s *WorkflowSuite) TestSubmitBeforeVerification() {
	f := s.declared()
	_, err := s.svc.Submit(s.at(time.Minute), f.ID, models.MethodOTP)
	s.True(dErrors.HasCode(err, dErrors.CodeNotVerified))
	s.Zero(s.h.Submissions.Count())
}

func (s *WorkflowSuite) TestConcurrentSubmitsCreateOneRecord() {
	f := s.verified()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.svc.Submit(s.at(2*time.Minute), f.ID, models.MethodCertificate)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadySubmitted), "unexpected error: %v", err)
	}
	s.Equal(1, ok)
	s.Equal(1, s.h.Submissions.Count())
	s.Equal(1, s.h.Authority.Submissions())
}

func (s *WorkflowSuite) TestStatusThroughAcceptanceAndRevision() {
	f := s.verified()
	_, err := s.svc.Submit(s.at(2*time.Minute), f.ID, models.MethodCertificate)
	s.Require().NoError(err)

	snap, err := s.svc.Status(s.at(3*time.Minute+30*time.Second), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StageValidating, snap.Stage)

	_, err = s.svc.Revise(s.at(4*time.Minute), f.ID, "comp-43")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState), "submitted filings cannot be revised")

	snap, err = s.svc.Status(s.at(10*time.Minute), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StageAccepted, snap.Stage)
	got, err := s.svc.Get(s.at(10*time.Minute), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StateAccepted, got.State)

	next, err := s.svc.Revise(s.at(11*time.Minute), f.ID, "comp-43")
	s.Require().NoError(err)
	s.Equal(models.StateDraftReady, next.State)
	s.Require().NotNil(next.Supersedes)
	s.Equal(f.ID, *next.Supersedes)
	s.Equal("comp-43", next.ComputationRef)

	_, err = s.svc.Revise(s.at(12*time.Minute), f.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	got, err = s.svc.Get(s.at(12*time.Minute), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StateAccepted, got.State, "terminal filings never reopen")
}

func (s *WorkflowSuite) TestStatusWithoutSubmissionIsNoop() {
	f := s.verified()
	snap, err := s.svc.Status(s.at(2*time.Minute), f.ID)
	s.Require().NoError(err)
	s.False(snap.Found)
}

func (s *WorkflowSuite) TestValidate() {
	f := s.open()
	r, err := s.svc.Validate(s.at(0), f.ID)
	s.Require().NoError(err)
	s.False(r.Declarations.OK)
	s.Equal("accept_declarations", r.NextAction)
	s.False(r.ReadyToSubmit)

	f = s.verified()
	r, err = s.svc.Validate(s.at(2*time.Minute), f.ID)
	s.Require().NoError(err)
	s.True(r.Declarations.OK)
	s.True(r.Verified)
	s.True(r.ReadyToSubmit)
	s.Equal("submit", r.NextAction)
}

func (s *WorkflowSuite) TestQuarantineAndRelease() {
	f := s.verified()
	_, err := s.svc.Quarantine(s.at(2*time.Minute), f.ID, "operator hold")
	s.Require().NoError(err)

	_, err = s.svc.Submit(s.at(3*time.Minute), f.ID, models.MethodCertificate)
	s.True(dErrors.HasCode(err, dErrors.CodeQuarantined))
	s.Equal(dErrors.KindFatal, dErrors.KindOf(err))
	r, err := s.svc.Validate(s.at(3*time.Minute), f.ID)
	s.Require().NoError(err)
	s.Equal("await_manual_review", r.NextAction)

	_, err = s.svc.Release(s.at(4*time.Minute), f.ID, "checked")
	s.Require().NoError(err)
	_, err = s.svc.Submit(s.at(5*time.Minute), f.ID, models.MethodCertificate)
	s.Require().NoError(err)
}

func TestRejectedFilingCanBeRevised(t *testing.T) {
	h := filingtest.NewHarness(t, authority.WithDefectRule(func(authority.SubmitRequest) []string {
		return []string{"tax credit mismatch"}
	}))
	account := id.NewAccountID()
	ctx := filingtest.Ctx(account, 0)
	f, err := h.Service.Open(ctx, workflow.OpenRequest{Subject: filingtest.Subject, FormType: models.FormITR1, AssessmentYear: "2025-26"})
	require.NoError(t, err)
	version, ids := filingtest.RequiredDeclarations(t)
	_, err = h.Service.AcceptDeclarations(ctx, f.ID, version, ids)
	require.NoError(t, err)
	_, err = h.Service.SelectMethod(ctx, f.ID, models.MethodCertificate, h.Proof(t, f.ID, filingtest.Subject))
	require.NoError(t, err)
	_, err = h.Service.Submit(ctx, f.ID, "")
	require.NoError(t, err)

	snap, err := h.Service.Status(filingtest.Ctx(account, 10*time.Minute), f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageRejected, snap.Stage)
	assert.Equal(t, []string{"tax credit mismatch"}, snap.Errors)

	r, err := h.Service.Validate(filingtest.Ctx(account, 10*time.Minute), f.ID)
	require.NoError(t, err)
	assert.Equal(t, "revise", r.NextAction)

	next, err := h.Service.Revise(filingtest.Ctx(account, 11*time.Minute), f.ID, "")
	require.NoError(t, err)
	assert.Equal(t, f.ComputationRef, next.ComputationRef)
}
