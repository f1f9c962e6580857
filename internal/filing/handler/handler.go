// Package handler exposes the filing workflow over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"efiling/internal/filing/models"
	"efiling/internal/filing/submission"
	"efiling/internal/filing/verification"
	"efiling/internal/filing/workflow"
	id "efiling/pkg/domain"
	"efiling/pkg/platform/httputil"
	"efiling/pkg/platform/middleware/auth"
	"efiling/pkg/requestcontext"
)

// Service is the workflow surface the handler drives.
type Service interface {
	Open(ctx context.Context, req workflow.OpenRequest) (*models.Filing, error)
	Get(ctx context.Context, filingID id.FilingID) (*models.Filing, error)
	List(ctx context.Context) ([]*models.Filing, error)
	Declaration(ctx context.Context, filingID id.FilingID) (models.DeclarationSet, error)
	AcceptDeclarations(ctx context.Context, filingID id.FilingID, version string, acceptedIDs []string) (*models.Filing, error)
	Validate(ctx context.Context, filingID id.FilingID) (*workflow.Readiness, error)
	SelectMethod(ctx context.Context, filingID id.FilingID, method models.Method, proof *verification.Proof) (*verification.SelectResult, error)
	SubmitChallenge(ctx context.Context, sessionID id.SessionID, input verification.ChallengeInput) (*verification.ChallengeOutcome, error)
	Resend(ctx context.Context, sessionID id.SessionID) (*verification.SelectResult, error)
	Session(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	Abandon(ctx context.Context, filingID id.FilingID) (*verification.ChallengeOutcome, error)
	Submit(ctx context.Context, filingID id.FilingID, method models.Method) (*submission.Result, error)
	Status(ctx context.Context, filingID id.FilingID) (*models.StatusSnapshot, error)
	Revise(ctx context.Context, filingID id.FilingID, computationRef string) (*models.Filing, error)
	History(ctx context.Context, filingID id.FilingID) ([]models.Transition, error)
}

// Handler serves the filing routes.
type Handler struct {
	filings Service
	logger  *slog.Logger
}

func New(filings Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{filings: filings, logger: logger}
}

// Register mounts the filing routes on r. Every route requires an account.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAccount(h.logger))

		r.Post("/filing", h.handleOpen)
		r.Get("/filings", h.handleList)

		r.Post("/filing/verify-otp", h.handleVerifyOTP)
		r.Post("/filing/verify-challenge", h.handleVerifyChallenge)
		r.Post("/filing/verify/resend", h.handleResend)
		r.Get("/filing/verify/session/{sessionID}", h.handleGetSession)

		r.Route("/filing/{filingID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Get("/declaration", h.handleGetDeclaration)
			r.Post("/declaration", h.handleAcceptDeclarations)
			r.Get("/validate", h.handleValidate)
			r.Post("/verify", h.handleSelectMethod)
			r.Delete("/verify", h.handleAbandon)
			r.Post("/submit", h.handleSubmit)
			r.Get("/status", h.handleStatus)
			r.Post("/revise", h.handleRevise)
			r.Get("/history", h.handleHistory)
		})
	})
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[OpenFilingRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	f, err := h.filings.Open(ctx, req.parsed)
	if err != nil {
		h.fail(ctx, w, "open filing failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, f)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filings, err := h.filings.List(ctx)
	if err != nil {
		h.fail(ctx, w, "list filings failed", err)
		return
	}
	if filings == nil {
		filings = []*models.Filing{}
	}
	httputil.WriteJSON(w, http.StatusOK, FilingListResponse{Filings: filings})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	f, err := h.filings.Get(ctx, filingID)
	if err != nil {
		h.fail(ctx, w, "get filing failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, f)
}

func (h *Handler) handleGetDeclaration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	set, err := h.filings.Declaration(ctx, filingID)
	if err != nil {
		h.fail(ctx, w, "get declaration failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, set)
}

func (h *Handler) handleAcceptDeclarations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[AcceptDeclarationsRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	f, err := h.filings.AcceptDeclarations(ctx, filingID, req.Version, req.AcceptedIDs)
	if err != nil {
		h.fail(ctx, w, "accept declarations failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, f)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	readiness, err := h.filings.Validate(ctx, filingID)
	if err != nil {
		h.fail(ctx, w, "validate filing failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, readiness)
}

func (h *Handler) handleSelectMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[SelectMethodRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	res, err := h.filings.SelectMethod(ctx, filingID, req.method, req.proof())
	if err != nil {
		h.fail(ctx, w, "select verification method failed", err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, toVerificationResponse(res))
}

func (h *Handler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[VerifyOTPRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	out, err := h.filings.SubmitChallenge(ctx, req.sessionID, verification.ChallengeInput{OTP: req.OTP})
	if err != nil {
		h.fail(ctx, w, "verify otp failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toChallengeResponse(out))
}

func (h *Handler) handleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ChallengeRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	out, err := h.filings.SubmitChallenge(ctx, req.sessionID, req.input())
	if err != nil {
		h.fail(ctx, w, "verify challenge failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toChallengeResponse(out))
}

func (h *Handler) handleResend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ResendRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	res, err := h.filings.Resend(ctx, req.sessionID)
	if err != nil {
		h.fail(ctx, w, "resend challenge failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toVerificationResponse(res))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s, err := h.filings.Session(ctx, sessionID)
	if err != nil {
		h.fail(ctx, w, "get session failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	out, err := h.filings.Abandon(ctx, filingID)
	if err != nil {
		h.fail(ctx, w, "abandon verification failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toChallengeResponse(out))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	req := &SubmitRequest{}
	if r.ContentLength != 0 {
		if req, ok = httputil.DecodeAndPrepare[SubmitRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx)); !ok {
			return
		}
	}
	res, err := h.filings.Submit(ctx, filingID, req.method)
	if err != nil {
		h.fail(ctx, w, "submit filing failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSubmitResponse(res))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	snap, err := h.filings.Status(ctx, filingID)
	if err != nil {
		h.fail(ctx, w, "poll status failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleRevise(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	req := &ReviseRequest{}
	if r.ContentLength != 0 {
		if req, ok = httputil.DecodeAndPrepare[ReviseRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx)); !ok {
			return
		}
	}
	next, err := h.filings.Revise(ctx, filingID, req.ComputationRef)
	if err != nil {
		h.fail(ctx, w, "revise filing failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, next)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filingID, ok := h.filingID(w, r)
	if !ok {
		return
	}
	transitions, err := h.filings.History(ctx, filingID)
	if err != nil {
		h.fail(ctx, w, "get history failed", err)
		return
	}
	if transitions == nil {
		transitions = []models.Transition{}
	}
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{FilingID: filingID, Transitions: transitions})
}

func (h *Handler) filingID(w http.ResponseWriter, r *http.Request) (id.FilingID, bool) {
	filingID, err := id.ParseFilingID(chi.URLParam(r, "filingID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.FilingID{}, false
	}
	return filingID, true
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	h.logger.WarnContext(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
	httputil.WriteError(w, err)
}
