package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	id "efiling/pkg/domain"
	"efiling/pkg/platform/httputil"
	"efiling/pkg/requestcontext"
)

// Raw stages reported by the simulator, in processing order.
const (
	RawReceived    = "RECEIVED"
	RawValidation  = "VALIDATION"
	RawUnderReview = "UNDER_REVIEW"
	RawProcessed   = "PROCESSED"
	RawDefective   = "DEFECTIVE"
)

// Simulator is an in-process authority. Returns move through
// RECEIVED, VALIDATION and UNDER_REVIEW one step apart and then end in
// PROCESSED, or DEFECTIVE when the defect rule names a problem.
type Simulator struct {
	step      time.Duration
	reject    func(SubmitRequest) []string
	defective func(SubmitRequest) []string

	mu        sync.Mutex
	returns   map[id.FilingID]*simReturn
	seq       int
	faults    map[string][]error
	loseAcks  int
	overrides map[id.FilingID]string
	submits   int
}

type simReturn struct {
	key     string
	req     SubmitRequest
	ack     Ack
	defects []string
}

type SimulatorOption func(*Simulator)

// WithStep sets the time between processing stages.
func WithStep(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.step = d }
}

// WithRejectRule refuses returns at submission when rule names a reason.
func WithRejectRule(rule func(SubmitRequest) []string) SimulatorOption {
	return func(s *Simulator) { s.reject = rule }
}

// WithDefectRule ends processing in DEFECTIVE when rule names a defect.
func WithDefectRule(rule func(SubmitRequest) []string) SimulatorOption {
	return func(s *Simulator) { s.defective = rule }
}

func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		step:      time.Minute,
		returns:   make(map[id.FilingID]*simReturn),
		faults:    make(map[string][]error),
		overrides: make(map[id.FilingID]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next call of operation ("submit" or "status") fail with err.
func (s *Simulator) FailNext(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[operation] = append(s.faults[operation], err)
}

// LoseNextAck records the next submitted return but answers with a timeout,
// as if the response was lost on the way back.
func (s *Simulator) LoseNextAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseAcks++
}

// ForceStage pins the raw stage reported for a filing.
func (s *Simulator) ForceStage(filingID id.FilingID, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[filingID] = raw
}

// Submissions counts returns the simulator has recorded.
func (s *Simulator) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *Simulator) Submit(ctx context.Context, req SubmitRequest) (*Ack, error) {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextFault("submit"); err != nil {
		return nil, err
	}
	if existing, ok := s.returns[req.FilingID]; ok {
		if existing.key != req.IdempotencyKey {
			return nil, Rejected("a return for this filing has already been received")
		}
		ack := existing.ack
		return &ack, nil
	}
	if s.reject != nil {
		if reasons := s.reject(req); len(reasons) > 0 {
			return nil, Rejected(reasons...)
		}
	}

	s.seq++
	s.submits++
	r := &simReturn{
		key: req.IdempotencyKey,
		req: req,
		ack: Ack{
			AckNumber:  fmt.Sprintf("EF%s%08d", now.Format("20060102"), s.seq),
			ReceivedAt: now,
		},
	}
	if s.defective != nil {
		r.defects = s.defective(req)
	}
	s.returns[req.FilingID] = r

	if s.loseAcks > 0 {
		s.loseAcks--
		return nil, NewError(ErrorTimeout, "submit", "response lost", context.DeadlineExceeded)
	}
	ack := r.ack
	return &ack, nil
}

func (s *Simulator) Status(ctx context.Context, filingID id.FilingID) (*Status, error) {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextFault("status"); err != nil {
		return nil, err
	}
	r, ok := s.returns[filingID]
	if !ok {
		return &Status{Found: false, ReportedAt: now}, nil
	}
	st := &Status{Found: true, AckNumber: r.ack.AckNumber, ReportedAt: now}
	elapsed := now.Sub(r.ack.ReceivedAt)
	switch {
	case elapsed < s.step:
		st.Stage = RawReceived
	case elapsed < 2*s.step:
		st.Stage = RawValidation
	case elapsed < 3*s.step:
		st.Stage = RawUnderReview
	case len(r.defects) > 0:
		st.Stage = RawDefective
		st.Errors = append([]string(nil), r.defects...)
	default:
		st.Stage = RawProcessed
	}
	if raw, ok := s.overrides[filingID]; ok {
		st.Stage = raw
	}
	return st, nil
}

func (s *Simulator) nextFault(op string) error {
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	s.faults[op] = queue[1:]
	return queue[0]
}

// Handler serves the simulator over the same REST API HTTPClient speaks.
func (s *Simulator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/returns", func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			httputil.WriteJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "Idempotency-Key header required"})
			return
		}
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "malformed body"})
			return
		}
		req.IdempotencyKey = key
		ack, err := s.Submit(r.Context(), req)
		if err != nil {
			writeSimError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, ack)
	})
	r.Get("/v1/returns/{filingID}/status", func(w http.ResponseWriter, r *http.Request) {
		filingID, err := id.ParseFilingID(chi.URLParam(r, "filingID"))
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "invalid filing id"})
			return
		}
		st, err := s.Status(r.Context(), filingID)
		if err != nil {
			writeSimError(w, err)
			return
		}
		if !st.Found {
			httputil.WriteJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Message: "no return for filing"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, st)
	})
	return r
}

func writeSimError(w http.ResponseWriter, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		httputil.WriteJSON(w, http.StatusInternalServerError, errorBody{Code: "internal", Message: err.Error()})
		return
	}
	status := http.StatusServiceUnavailable
	switch ae.Category {
	case ErrorRejected:
		status = http.StatusUnprocessableEntity
	case ErrorTimeout:
		status = http.StatusGatewayTimeout
	case ErrorRateLimited:
		status = http.StatusTooManyRequests
	case ErrorAuthentication:
		status = http.StatusUnauthorized
	}
	httputil.WriteJSON(w, status, errorBody{Code: string(ae.Category), Message: ae.Message, Reasons: ae.Reasons})
}
