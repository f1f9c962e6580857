// Package events builds audit events for filing operations from the filing
// and the request context.
package events

import (
	"context"

	"efiling/internal/filing/models"
	"efiling/pkg/platform/audit"
	"efiling/pkg/requestcontext"
)

// Compliance is satisfied by the fail-closed publisher.
type Compliance interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Emitter is satisfied by the best-effort publisher.
type Emitter interface {
	Emit(ctx context.Context, event audit.Event)
}

// For builds an event about f. The subject is always masked.
func For(ctx context.Context, action audit.AuditEvent, f *models.Filing) audit.Event {
	return audit.Event{
		Timestamp: requestcontext.Now(ctx),
		FilingID:  f.ID,
		AccountID: f.AccountID,
		Subject:   f.MaskedSubject(),
		Action:    string(action),
		Method:    string(f.Method),
		RequestID: requestcontext.RequestID(ctx),
		ClientIP:  requestcontext.ClientIP(ctx),
	}
}

// ForSession builds an event about a verification session of f.
func ForSession(ctx context.Context, action audit.AuditEvent, f *models.Filing, s *models.Session) audit.Event {
	ev := For(ctx, action, f)
	ev.Method = string(s.Method)
	ev.SessionID = s.ID.String()
	ev.Decision = string(s.State)
	ev.Reason = s.FailureReason
	return ev
}
