// Package httputil holds the JSON response helpers shared by every handler.
package httputil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	dErrors "efiling/pkg/domain-errors"
)

// retryAfterSeconds is advertised on transient upstream failures.
const retryAfterSeconds = "5"

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorKind        string `json:"error_kind"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to a status code and a stable error body.
// Descriptions of internal errors are never exposed.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	kind := code.Kind()

	resp := ErrorResponse{
		Error:     string(code),
		ErrorKind: string(kind),
	}
	if de, ok := dErrors.From(err); ok && kind != dErrors.KindInternal {
		resp.ErrorDescription = de.Message
	}
	if kind == dErrors.KindProviderTransient {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	WriteJSON(w, StatusFor(code), resp)
}

// StatusFor returns the HTTP status for a code.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeInvalidState, dErrors.CodeDeclarationsIncomplete, dErrors.CodeNotVerified:
		return http.StatusConflict
	case dErrors.CodeSessionExpired, dErrors.CodeSessionClosed:
		return http.StatusGone
	case dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case dErrors.CodeTimeout, dErrors.CodeProviderTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeQuarantined:
		return http.StatusLocked
	}

	switch code.Kind() {
	case dErrors.KindValidation:
		return http.StatusBadRequest
	case dErrors.KindNotFound:
		return http.StatusNotFound
	case dErrors.KindConflict:
		return http.StatusConflict
	case dErrors.KindProviderRejected:
		return http.StatusUnprocessableEntity
	case dErrors.KindProviderTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Validatable request bodies check and normalize themselves after decoding.
type Validatable interface {
	Validate() error
}

// DecodeAndPrepare decodes a JSON body into T and validates it. On failure it
// writes the error response and returns false.
func DecodeAndPrepare[T any, PT interface {
	*T
	Validatable
}](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (*T, bool) {
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WarnContext(ctx, "invalid request body",
			"request_id", requestID,
			"error", err,
		)
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return nil, false
	}
	if err := PT(&req).Validate(); err != nil {
		logger.WarnContext(ctx, "request validation failed",
			"request_id", requestID,
			"error", err,
		)
		WriteError(w, err)
		return nil, false
	}
	return &req, true
}
