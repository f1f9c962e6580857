package postgres

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"efiling/internal/filing/models"
	platformpg "efiling/internal/platform/postgres"
	id "efiling/pkg/domain"
	"efiling/pkg/platform/sentinel"
)

// SessionStore persists verification sessions. The partial unique index on
// active sessions turns a second concurrent Create into sentinel.ErrConflict.
type SessionStore struct {
	base
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{base{db: db}}
}

var sessionColumns = []string{
	"id", "filing_id", "method", "state", "issued_at", "expires_at", "attempts",
	"resends", "last_sent_at", "payload", "failure_reason", "completed_at", "updated_at",
}

var activeStates = []string{string(models.SessionInitiated), string(models.SessionChallengeIssued)}

func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	query, args, err := psql.Insert("verification_sessions").Columns(sessionColumns...).Values(
		uuid.UUID(sess.ID), uuid.UUID(sess.FilingID), string(sess.Method), string(sess.State),
		sess.IssuedAt, sess.ExpiresAt, sess.Attempts, sess.Resends, sess.LastSentAt,
		sess.Payload, sess.FailureReason, sess.CompletedAt, sess.UpdatedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("build insert session: %w", err)
	}
	if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
		return platformpg.MapError(err, "insert session")
	}
	return nil
}

func (s *SessionStore) FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	return s.findOne(ctx, sq.Eq{"id": uuid.UUID(sessionID)})
}

func (s *SessionStore) FindActiveByFiling(ctx context.Context, filingID id.FilingID) (*models.Session, error) {
	return s.findOne(ctx, sq.Eq{"filing_id": uuid.UUID(filingID), "state": activeStates})
}

func (s *SessionStore) findOne(ctx context.Context, where sq.Sqlizer) (*models.Session, error) {
	query, args, err := psql.Select(sessionColumns...).From("verification_sessions").
		Where(where).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select session: %w", err)
	}
	sess, err := scanSession(s.q(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, platformpg.MapError(err, "find session")
	}
	return sess, nil
}

// Update rewrites the mutable columns. A session that is already terminal in
// storage only accepts a rewrite with the same state.
func (s *SessionStore) Update(ctx context.Context, sess *models.Session) error {
	query, args, err := psql.Update("verification_sessions").SetMap(map[string]any{
		"state":          string(sess.State),
		"expires_at":     sess.ExpiresAt,
		"attempts":       sess.Attempts,
		"resends":        sess.Resends,
		"last_sent_at":   sess.LastSentAt,
		"payload":        sess.Payload,
		"failure_reason": sess.FailureReason,
		"completed_at":   sess.CompletedAt,
		"updated_at":     sess.UpdatedAt,
	}).Where(sq.And{
		sq.Eq{"id": uuid.UUID(sess.ID)},
		sq.Or{sq.Eq{"state": activeStates}, sq.Eq{"state": string(sess.State)}},
	}).ToSql()
	if err != nil {
		return fmt.Errorf("build update session: %w", err)
	}
	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return platformpg.MapError(err, "update session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.FindByID(ctx, sess.ID); err != nil {
			return err
		}
		return fmt.Errorf("update session: %w", sentinel.ErrInvalidState)
	}
	return nil
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		sess              models.Session
		sessionID, filing uuid.UUID
		method, state     string
		completedAt       sql.NullTime
	)
	err := row.Scan(
		&sessionID, &filing, &method, &state, &sess.IssuedAt, &sess.ExpiresAt,
		&sess.Attempts, &sess.Resends, &sess.LastSentAt, &sess.Payload,
		&sess.FailureReason, &completedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.ID = id.SessionID(sessionID)
	sess.FilingID = id.FilingID(filing)
	sess.Method = models.Method(method)
	sess.State = models.SessionState(state)
	sess.CompletedAt = nullTime(completedAt)
	return &sess, nil
}
