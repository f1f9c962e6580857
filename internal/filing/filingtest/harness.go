package filingtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"efiling/internal/authority"
	"efiling/internal/filing/declaration"
	"efiling/internal/filing/integrity"
	"efiling/internal/filing/lock"
	"efiling/internal/filing/models"
	"efiling/internal/filing/status"
	"efiling/internal/filing/store/memory"
	"efiling/internal/filing/submission"
	"efiling/internal/filing/verification"
	"efiling/internal/filing/verification/bankredirect"
	"efiling/internal/filing/verification/certificate"
	"efiling/internal/filing/verification/otp"
	"efiling/internal/filing/workflow"
	id "efiling/pkg/domain"
	"efiling/pkg/testutil"
)

const BankRedirectURL = "https://bank.example/ebanking/authorize"

// Harness wires a complete workflow over in-memory stores, development
// providers and the authority simulator.
type Harness struct {
	*Stores
	Sender      *otp.DevSender
	CA          *certificate.DevCA
	Bank        *bankredirect.DevBank
	Authority   *authority.Simulator
	Compliance  *Recorder
	Ops         *Recorder
	Coordinator *verification.Coordinator
	Poller      *status.Poller
	Service     *workflow.Service
}

func NewHarness(t testing.TB, simOpts ...authority.SimulatorOption) *Harness {
	t.Helper()
	h := &Harness{
		Stores:     NewStores(),
		Sender:     otp.NewDevSender(),
		Authority:  authority.NewSimulator(simOpts...),
		Compliance: &Recorder{},
		Ops:        &Recorder{},
	}
	ca, err := certificate.NewDevCA(T0.AddDate(0, 0, -1), T0.AddDate(5, 0, 0))
	require.NoError(t, err)
	h.CA = ca
	tokens := bankredirect.NewTokens("test-state-key-0123456789abcdef", "test-callback-key-0123456789abcd")
	h.Bank = bankredirect.NewDevBank(tokens)

	catalog, err := declaration.DefaultCatalog()
	require.NoError(t, err)
	gate := declaration.NewGate(catalog)
	registry, err := verification.NewRegistry(
		verification.Dedupe(otp.New(h.Sender, otp.NewStaticDirectory(true), 5*time.Minute, otp.WithCost(bcrypt.MinCost)), 30*time.Second),
		certificate.New(ca.Roots(), 10*time.Minute),
		bankredirect.New(tokens, nil, BankRedirectURL, 15*time.Minute),
	)
	require.NoError(t, err)
	sealer, err := verification.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	tx := memory.Transactor{}
	quarantine := integrity.New(h.Filings, integrity.WithEvents(h.Ops.Async()))
	h.Coordinator = verification.NewCoordinator(h.Filings, h.Sessions, tx, gate, registry, sealer,
		verification.WithComplianceAudit(h.Compliance),
		verification.WithEvents(h.Ops.Async()),
	)
	h.Poller = status.New(h.Filings, h.Submissions, h.Authority, tx, quarantine,
		status.WithComplianceAudit(h.Compliance),
		status.WithEvents(h.Ops.Async()),
	)
	submitter := submission.New(h.Filings, h.Sessions, h.Submissions, tx, h.Authority, h.Poller, quarantine,
		submission.WithComplianceAudit(h.Compliance),
		submission.WithEvents(h.Ops.Async()),
	)
	h.Service = workflow.New(workflow.Deps{
		Filings:     h.Filings,
		Locker:      lock.NewLocal(),
		Tx:          tx,
		Gate:        gate,
		Coordinator: h.Coordinator,
		Submitter:   submitter,
		Poller:      h.Poller,
		Integrity:   quarantine,
	},
		workflow.WithComplianceAudit(h.Compliance),
		workflow.WithEvents(h.Ops.Async()),
	)
	return h
}

// Ctx is a request context for accountID at T0 plus offset.
func Ctx(accountID id.AccountID, offset time.Duration) context.Context {
	return testutil.AccountContext(context.Background(), accountID, T0.Add(offset))
}

// LastOTP returns the code most recently sent for Subject.
func (h *Harness) LastOTP(t testing.TB) string {
	t.Helper()
	code, ok := h.Sender.LastCode(otp.DevDestination(Subject))
	require.True(t, ok, "no code sent")
	return code
}

// WrongOTP returns a code that differs from the one sent.
func (h *Harness) WrongOTP(t testing.TB) string {
	if h.LastOTP(t) == "000000" {
		return "111111"
	}
	return "000000"
}

// Proof signs the presigned message for filingID with a fresh certificate
// issued to subject.
func (h *Harness) Proof(t testing.TB, filingID id.FilingID, subject id.TaxpayerID) *verification.Proof {
	t.Helper()
	cred, err := h.CA.Issue(subject, T0.Add(-time.Hour), T0.Add(365*24*time.Hour))
	require.NoError(t, err)
	sig, err := cred.Sign(certificate.PresignedMessage(filingID))
	require.NoError(t, err)
	return &verification.Proof{CertificatePEM: cred.CertificatePEM, Signature: sig}
}

// RequiredDeclarations returns the current version and required ids for ITR-1.
func RequiredDeclarations(t testing.TB) (string, []string) {
	t.Helper()
	catalog, err := declaration.DefaultCatalog()
	require.NoError(t, err)
	set, err := catalog.Lookup(models.FormITR1)
	require.NoError(t, err)
	return set.Version, set.RequiredIDs()
}
