package status_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"efiling/internal/authority"
	"efiling/internal/filing/filingtest"
	"efiling/internal/filing/integrity"
	"efiling/internal/filing/models"
	"efiling/internal/filing/status"
	"efiling/internal/filing/store/memory"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/audit"
	"efiling/pkg/requestcontext"
)

type PollerSuite struct {
	suite.Suite
	account    id.AccountID
	stores     *filingtest.Stores
	sim        *authority.Simulator
	compliance *filingtest.Recorder
	ops        *filingtest.Recorder
	poller     *status.Poller

	mu        sync.Mutex
	defective map[id.FilingID][]string
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerSuite))
}

func (s *PollerSuite) SetupTest() {
	s.account = id.NewAccountID()
	s.stores = filingtest.NewStores()
	s.defective = make(map[id.FilingID][]string)
	s.sim = authority.NewSimulator(
		authority.WithStep(time.Minute),
		authority.WithDefectRule(func(req authority.SubmitRequest) []string {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.defective[req.FilingID]
		}),
	)
	s.compliance = &filingtest.Recorder{}
	s.ops = &filingtest.Recorder{}
	q := integrity.New(s.stores.Filings, integrity.WithEvents(s.ops.Async()))
	s.poller = status.New(s.stores.Filings, s.stores.Submissions, s.sim, memory.Transactor{}, q,
		status.WithComplianceAudit(s.compliance),
		status.WithEvents(s.ops.Async()),
	)
}

func (s *PollerSuite) at(d time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), filingtest.T0.Add(d))
}

// submitted hands a verified filing to the simulator and records its ack.
func (s *PollerSuite) submitted() *models.Filing {
	f, session := s.stores.Verified(s.T(), s.account)
	ack, err := s.sim.Submit(s.at(0), authority.SubmitRequest{IdempotencyKey: f.ID.String(), FilingID: f.ID})
	s.Require().NoError(err)
	f, _ = s.stores.Acknowledge(s.T(), f, session, ack.AckNumber)
	return f
}

func (s *PollerSuite) storedStage(filingID id.FilingID) models.Stage {
	sub, err := s.stores.Submissions.FindByFiling(context.Background(), filingID)
	s.Require().NoError(err)
	return sub.Stage
}

func (s *PollerSuite) filingState(filingID id.FilingID) *models.Filing {
	f, err := s.stores.Filings.FindByID(context.Background(), filingID)
	s.Require().NoError(err)
	return f
}

func (s *PollerSuite) TestStageAdvances() {
	f := s.submitted()

	snap, err := s.poller.Poll(s.at(30*time.Second), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StageSubmitted, snap.Stage)
	s.Equal(authority.RawReceived, snap.RawStage)

	snap, err = s.poller.Poll(s.at(90*time.Second), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StageValidating, snap.Stage)
	s.Equal(models.StageValidating, snap.Persisted)
	s.Equal(models.StageValidating, s.storedStage(f.ID))
	s.Equal(models.StateSubmitted, s.filingState(f.ID).State)
}

func (s *PollerSuite) TestProcessedAcceptsFiling() {
	f := s.submitted()

	snap, err := s.poller.Poll(s.at(4*time.Minute), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StageAccepted, snap.Stage)
	s.Equal(models.StateAccepted, s.filingState(f.ID).State)
	s.Contains(s.compliance.Actions(), string(audit.EventFilingAccepted))

	// a second poll of a finished filing changes nothing
	_, err = s.poller.Poll(s.at(5*time.Minute), f.ID)
	s.Require().NoError(err)
	s.Len(s.compliance.Actions(), 1)
}

func (s *PollerSuite) TestDefectiveRejectsFiling() {
	f, session := s.stores.Verified(s.T(), s.account)
	s.mu.Lock()
	s.defective[f.ID] = []string{"schedule TDS does not match Form 26AS"}
	s.mu.Unlock()
	ack, err := s.sim.Submit(s.at(0), authority.SubmitRequest{IdempotencyKey: f.ID.String(), FilingID: f.ID})
	s.Require().NoError(err)
	s.stores.Acknowledge(s.T(), f, session, ack.AckNumber)

	snap, err := s.poller.Poll(s.at(4*time.Minute), f.ID)
	s.Require().NoError(err)
	s.Equal(models.StageRejected, snap.Stage)
	s.Equal([]string{"schedule TDS does not match Form 26AS"}, snap.Errors)
	s.Equal(models.StateRejected, s.filingState(f.ID).State)

	events := s.compliance.Events()
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventFilingRejected), events[0].Action)
	s.Equal("schedule TDS does not match Form 26AS", events[0].Reason)
}

func (s *PollerSuite) TestRegressionIsReportedNotPersisted() {
	f := s.submitted()
	_, err := s.poller.Poll(s.at(4*time.Minute), f.ID)
	s.Require().NoError(err)

	s.sim.ForceStage(f.ID, authority.RawValidation)
	snap, err := s.poller.Poll(s.at(5*time.Minute), f.ID)
	s.Require().NoError(err)
	s.True(snap.Regression)
	s.Equal(models.StageValidating, snap.Stage)
	s.Equal(models.StageAccepted, snap.Persisted)
	s.Equal(models.StageAccepted, s.storedStage(f.ID))
	s.Equal(models.StateAccepted, s.filingState(f.ID).State)
	s.Contains(s.ops.Actions(), string(audit.EventStatusRegression))
}

func (s *PollerSuite) TestUnknownStageIsIgnored() {
	f := s.submitted()
	s.sim.ForceStage(f.ID, "SENT_TO_CPC")

	snap, err := s.poller.Poll(s.at(90*time.Second), f.ID)
	s.Require().NoError(err)
	s.Equal("SENT_TO_CPC", snap.RawStage)
	s.Empty(snap.Stage)
	s.Equal(models.StageSubmitted, snap.Persisted)
	s.Equal(models.StageSubmitted, s.storedStage(f.ID))
}

func (s *PollerSuite) TestAcknowledgedButUnknownToAuthority() {
	f, _ := s.stores.Submitted(s.T(), s.account, "EF2025070199999999")

	snap, err := s.poller.Poll(s.at(time.Minute), f.ID)
	s.Require().NoError(err)
	s.False(snap.Found)
	s.True(snap.NotReceived)
	s.Equal(models.StageSubmitted, s.storedStage(f.ID))

	sub, err := s.stores.Submissions.FindByFiling(context.Background(), f.ID)
	s.Require().NoError(err)
	s.Require().NotNil(sub.LastPolledAt)
	s.Equal(filingtest.T0.Add(time.Minute), *sub.LastPolledAt)
}

func (s *PollerSuite) TestNoSubmissionIsNoop() {
	f, _ := s.stores.Verified(s.T(), s.account)

	snap, err := s.poller.Poll(s.at(time.Minute), f.ID)
	s.Require().NoError(err)
	s.False(snap.Found)
	s.Empty(snap.AckNumber)
	s.Equal(models.StateVerified, s.filingState(f.ID).State)
}

func (s *PollerSuite) TestPendingSubmissionIsOnlyChecked() {
	f, session := s.stores.Verified(s.T(), s.account)
	pending := models.NewReservation(id.NewSubmissionID(), f.ID, session.ID, filingtest.T0)
	s.Require().NoError(s.stores.Submissions.Reserve(context.Background(), pending))
	s.sim.LoseNextAck()
	_, err := s.sim.Submit(s.at(0), authority.SubmitRequest{IdempotencyKey: f.ID.String(), FilingID: f.ID})
	s.Require().Error(err)

	snap, err := s.poller.Poll(s.at(time.Minute), f.ID)
	s.Require().NoError(err)
	s.True(snap.Found)
	s.NotEmpty(snap.AckNumber)

	sub, err := s.stores.Submissions.FindByFiling(context.Background(), f.ID)
	s.Require().NoError(err)
	s.False(sub.IsAcknowledged())
	s.Equal(models.StateVerified, s.filingState(f.ID).State)
}

func (s *PollerSuite) TestAckMismatchQuarantines() {
	f, session := s.stores.Verified(s.T(), s.account)
	_, err := s.sim.Submit(s.at(0), authority.SubmitRequest{IdempotencyKey: f.ID.String(), FilingID: f.ID})
	s.Require().NoError(err)
	s.stores.Acknowledge(s.T(), f, session, "EF2025070100000042")

	_, err = s.poller.Poll(s.at(90*time.Second), f.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeQuarantined))

	stored := s.filingState(f.ID)
	s.True(stored.Quarantined)
	s.Equal(models.StateSubmitted, stored.State)
	s.Contains(s.ops.Actions(), string(audit.EventFilingQuarantined))
}

func (s *PollerSuite) TestAuthorityOutage() {
	f := s.submitted()
	s.sim.FailNext("status", authority.NewError(authority.ErrorOutage, "status", "maintenance window", nil))

	_, err := s.poller.Poll(s.at(90*time.Second), f.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeAuthorityUnavailable))
	s.Equal(models.StageSubmitted, s.storedStage(f.ID))
}

func (s *PollerSuite) TestSweepPollsDueSubmissions() {
	var ids []id.FilingID
	for range 3 {
		ids = append(ids, s.submitted().ID)
	}

	n, err := s.poller.Sweep(s.at(90 * time.Second))
	s.Require().NoError(err)
	s.Equal(3, n)
	for _, fid := range ids {
		s.Equal(models.StageValidating, s.storedStage(fid))
	}

	// everything was just polled
	n, err = s.poller.Sweep(s.at(2 * time.Minute))
	s.Require().NoError(err)
	s.Zero(n)

	n, err = s.poller.Sweep(s.at(10 * time.Minute))
	s.Require().NoError(err)
	s.Equal(3, n)
	for _, fid := range ids {
		s.Equal(models.StateAccepted, s.filingState(fid).State)
	}

	// accepted filings are no longer due
	n, err = s.poller.Sweep(s.at(30 * time.Minute))
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *PollerSuite) TestConcurrentPollsRecordOneOutcome() {
	f := s.submitted()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.poller.Poll(s.at(4*time.Minute), f.ID)
			assert.NoError(s.T(), err)
		}()
	}
	wg.Wait()

	s.Equal(models.StateAccepted, s.filingState(f.ID).State)
	s.Len(s.compliance.Actions(), 1)
}

// heldAuthority parks status calls until released.
type heldAuthority struct {
	authority.Client
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (h *heldAuthority) Status(ctx context.Context, filingID id.FilingID) (*authority.Status, error) {
	if h.calls.Add(1) == 1 {
		close(h.entered)
	}
	<-h.release
	return h.Client.Status(ctx, filingID)
}

func (s *PollerSuite) TestCancelledCallerDoesNotFailSharedPoll() {
	f := s.submitted()
	held := &heldAuthority{Client: s.sim, entered: make(chan struct{}), release: make(chan struct{})}
	poller := status.New(s.stores.Filings, s.stores.Submissions, held, memory.Transactor{},
		integrity.New(s.stores.Filings), status.WithComplianceAudit(s.compliance))

	leaving, cancel := context.WithCancel(s.at(4 * time.Minute))
	firstErr := make(chan error, 1)
	go func() {
		_, err := poller.Poll(leaving, f.ID)
		firstErr <- err
	}()
	<-held.entered

	type result struct {
		snap *models.StatusSnapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		snap, err := poller.Poll(s.at(4*time.Minute), f.ID)
		second <- result{snap, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	err := <-firstErr
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))

	close(held.release)
	res := <-second
	s.Require().NoError(res.err)
	s.True(res.snap.Found)
	s.Equal(int32(1), held.calls.Load())
	s.Equal(models.StateAccepted, s.filingState(f.ID).State)
}

func TestRunStopsOnCancel(t *testing.T) {
	stores := filingtest.NewStores()
	settings := status.DefaultSettings()
	settings.Interval = 10 * time.Millisecond
	p := status.New(stores.Filings, stores.Submissions, authority.NewSimulator(), memory.Transactor{},
		integrity.New(stores.Filings), status.WithSettings(settings))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestMapStage(t *testing.T) {
	tests := []struct {
		raw  string
		want models.Stage
		ok   bool
	}{
		{"RECEIVED", models.StageSubmitted, true},
		{"received", models.StageSubmitted, true},
		{"Validation In Progress", models.StageValidating, true},
		{"under-review", models.StageUnderReview, true},
		{" PROCESSED ", models.StageAccepted, true},
		{"DEFECTIVE", models.StageRejected, true},
		{"SENT_TO_CPC", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := status.MapStage(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
