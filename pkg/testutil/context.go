package testutil

import (
	"context"
	"net/http"
	"time"

	id "efiling/pkg/domain"
	authmw "efiling/pkg/platform/middleware/auth"
	"efiling/pkg/requestcontext"
)

// WithAccount sets the gateway account header and the resolved account in
// the request context, matching what RequireAccount would produce.
func WithAccount(req *http.Request, accountID id.AccountID) *http.Request {
	req.Header.Set(authmw.AccountHeader, accountID.String())
	return req.WithContext(requestcontext.WithAccountID(req.Context(), accountID))
}

// AccountContext returns ctx carrying accountID and a fixed request time.
// Useful for service tests that don't run the HTTP middleware chain.
func AccountContext(ctx context.Context, accountID id.AccountID, now time.Time) context.Context {
	ctx = requestcontext.WithAccountID(ctx, accountID)
	return requestcontext.WithTime(ctx, now)
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
