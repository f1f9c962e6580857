// Package ports declares the storage and coordination interfaces shared by the
// filing services. Stores return pkg/platform/sentinel errors; services
// translate them into domain error codes.
package ports

import (
	"context"
	"time"

	"efiling/internal/filing/models"
	id "efiling/pkg/domain"
)

// FilingStore persists filings and their transition history.
type FilingStore interface {
	Create(ctx context.Context, filing *models.Filing) error
	FindByID(ctx context.Context, filingID id.FilingID) (*models.Filing, error)
	ListByAccount(ctx context.Context, accountID id.AccountID) ([]*models.Filing, error)
	// Execute loads the filing under a row lock (or mutex), runs validate and,
	// if it passes, applies mutate and persists the filing together with any
	// transitions it recorded. Version mismatches return sentinel.ErrConflict.
	Execute(ctx context.Context, filingID id.FilingID, validate func(*models.Filing) error, mutate func(*models.Filing)) (*models.Filing, error)
	History(ctx context.Context, filingID id.FilingID) ([]models.Transition, error)
}

// SessionStore persists verification sessions.
type SessionStore interface {
	// Create fails with sentinel.ErrConflict when the filing already has an
	// active session.
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	FindActiveByFiling(ctx context.Context, filingID id.FilingID) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
}

// SubmissionStore persists submission records. Reserve is the storage-level
// guard for at-most-once submission: it fails with sentinel.ErrConflict when
// a record already exists for the filing.
type SubmissionStore interface {
	Reserve(ctx context.Context, sub *models.Submission) error
	FindByFiling(ctx context.Context, filingID id.FilingID) (*models.Submission, error)
	Update(ctx context.Context, sub *models.Submission) error
	// Release deletes a pending reservation after a definitive failure.
	// Acknowledged records are never released.
	Release(ctx context.Context, filingID id.FilingID) error
	// AdvanceStage persists stage only if it ranks above the stored stage and
	// always records polledAt. It reports whether the stage changed.
	AdvanceStage(ctx context.Context, filingID id.FilingID, stage models.Stage, polledAt time.Time) (bool, error)
	// ListDue returns acknowledged, non-terminal submissions last polled
	// before cutoff (or never), oldest first.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.Submission, error)
}

// Transactor runs fn in a transaction; nested calls join the outer one.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker serializes mutating operations per filing.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
