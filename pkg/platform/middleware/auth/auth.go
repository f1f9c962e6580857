// Package auth resolves the account driving a request.
//
// User authentication happens upstream at the gateway, which forwards the
// authenticated account in a trusted header. This middleware only parses
// that header into the request context and rejects requests without it.
package auth

import (
	"log/slog"
	"net/http"

	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/httputil"
	"efiling/pkg/requestcontext"
)

// AccountHeader carries the authenticated account id set by the gateway.
const AccountHeader = "X-Account-ID"

// RequireAccount rejects requests that do not carry a valid account id.
func RequireAccount(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw := r.Header.Get(AccountHeader)
			if raw == "" {
				logger.WarnContext(ctx, "unauthorized access - missing account",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "account header required"))
				return
			}
			accountID, err := id.ParseAccountID(raw)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - malformed account",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid account header"))
				return
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithAccountID(ctx, accountID)))
		})
	}
}
