// Package filingtest builds filings in a given workflow state for tests.
package filingtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"efiling/internal/filing/declaration"
	"efiling/internal/filing/models"
	"efiling/internal/filing/store/memory"
	id "efiling/pkg/domain"
	"efiling/pkg/platform/audit"
)

const Subject id.TaxpayerID = "ABCDE1234F"

// T0 is the reference instant fixtures are built at.
var T0 = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

type Stores struct {
	Filings     *memory.FilingStore
	Sessions    *memory.SessionStore
	Submissions *memory.SubmissionStore
}

func NewStores() *Stores {
	return &Stores{
		Filings:     memory.NewFilingStore(),
		Sessions:    memory.NewSessionStore(),
		Submissions: memory.NewSubmissionStore(),
	}
}

// Draft stores a DRAFT_READY ITR-1 filing.
func (s *Stores) Draft(t testing.TB, accountID id.AccountID) *models.Filing {
	t.Helper()
	f, err := models.NewFiling(id.NewFilingID(), accountID, Subject, models.FormITR1, "2025-26", "comp-1", T0)
	require.NoError(t, err)
	require.NoError(t, s.Filings.Create(context.Background(), f))
	return f
}

// Declared stores a filing with every required ITR-1 declaration accepted.
func (s *Stores) Declared(t testing.TB, accountID id.AccountID) *models.Filing {
	t.Helper()
	f := s.Draft(t, accountID)
	catalog, err := declaration.DefaultCatalog()
	require.NoError(t, err)
	set, err := catalog.Lookup(models.FormITR1)
	require.NoError(t, err)
	return s.mutate(t, f.ID, func(f *models.Filing) {
		f.ApplyDeclarations(set.Version, set.RequiredIDs(), nil, T0)
	})
}

// Verified stores a VERIFIED filing and the completed session behind it.
func (s *Stores) Verified(t testing.TB, accountID id.AccountID) (*models.Filing, *models.Session) {
	t.Helper()
	f := s.Declared(t, accountID)
	session := models.NewSession(id.NewSessionID(), f.ID, models.MethodCertificate, false, nil, T0, T0.Add(10*time.Minute))
	session.ApplyComplete(T0)
	require.NoError(t, s.Sessions.Create(context.Background(), session))
	f = s.mutate(t, f.ID, func(f *models.Filing) {
		f.ApplyMethodSelected(session, T0)
		f.ApplyVerified(session, T0)
	})
	return f, session
}

// Submitted stores a SUBMITTED filing with an acknowledged submission.
func (s *Stores) Submitted(t testing.TB, accountID id.AccountID, ackNumber string) (*models.Filing, *models.Submission) {
	t.Helper()
	f, session := s.Verified(t, accountID)
	return s.Acknowledge(t, f, session, ackNumber)
}

// Acknowledge records ackNumber for a verified filing and marks it SUBMITTED.
func (s *Stores) Acknowledge(t testing.TB, f *models.Filing, session *models.Session, ackNumber string) (*models.Filing, *models.Submission) {
	t.Helper()
	sub := models.NewReservation(id.NewSubmissionID(), f.ID, session.ID, T0)
	sub.ApplyAcknowledgement(ackNumber, T0)
	require.NoError(t, s.Submissions.Reserve(context.Background(), sub))
	f = s.mutate(t, f.ID, func(f *models.Filing) { f.ApplySubmitted(sub, session, T0) })
	return f, sub
}

func (s *Stores) mutate(t testing.TB, filingID id.FilingID, fn func(*models.Filing)) *models.Filing {
	t.Helper()
	f, err := s.Filings.Execute(context.Background(), filingID, func(*models.Filing) error { return nil }, fn)
	require.NoError(t, err)
	return f
}

// Recorder captures audit events. Set Fail to make the compliance side fail.
type Recorder struct {
	mu     sync.Mutex
	events []audit.Event
	Fail   error
}

// Emit satisfies the fail-closed compliance interface.
func (r *Recorder) Emit(_ context.Context, ev audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.events = append(r.events, ev)
	return nil
}

// Async adapts the recorder to the best-effort emitter interface.
func (r *Recorder) Async() *AsyncRecorder { return &AsyncRecorder{r: r} }

func (r *Recorder) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

func (r *Recorder) Actions() []string {
	var out []string
	for _, ev := range r.Events() {
		out = append(out, ev.Action)
	}
	return out
}

type AsyncRecorder struct{ r *Recorder }

func (a *AsyncRecorder) Emit(ctx context.Context, ev audit.Event) {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	a.r.events = append(a.r.events, ev)
}
