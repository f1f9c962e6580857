package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"efiling/internal/filing/models"
	platformpg "efiling/internal/platform/postgres"
	id "efiling/pkg/domain"
	"efiling/pkg/platform/sentinel"
)

// SubmissionStore persists submission records. UNIQUE (filing_id) is the
// storage-level guarantee that a filing is handed off at most once.
type SubmissionStore struct {
	base
}

func NewSubmissionStore(db *sql.DB) *SubmissionStore {
	return &SubmissionStore{base{db: db}}
}

var submissionColumns = []string{
	"id", "filing_id", "session_id", "status", "ack_number", "submitted_at",
	"stage", "last_polled_at", "attempts", "created_at", "updated_at",
}

var terminalStages = []string{string(models.StageAccepted), string(models.StageRejected)}

func (s *SubmissionStore) Reserve(ctx context.Context, sub *models.Submission) error {
	query, args, err := psql.Insert("submissions").
		Columns(append(submissionColumns, "stage_rank")...).
		Values(
			uuid.UUID(sub.ID), uuid.UUID(sub.FilingID), uuid.UUID(sub.SessionID), string(sub.Status),
			sub.AckNumber, sub.SubmittedAt, string(sub.Stage), sub.LastPolledAt, sub.Attempts,
			sub.CreatedAt, sub.UpdatedAt, sub.Stage.Rank(),
		).ToSql()
	if err != nil {
		return fmt.Errorf("build reserve submission: %w", err)
	}
	if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
		return platformpg.MapError(err, "reserve submission")
	}
	return nil
}

func (s *SubmissionStore) FindByFiling(ctx context.Context, filingID id.FilingID) (*models.Submission, error) {
	query, args, err := psql.Select(submissionColumns...).From("submissions").
		Where(sq.Eq{"filing_id": uuid.UUID(filingID)}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select submission: %w", err)
	}
	sub, err := scanSubmission(s.q(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, platformpg.MapError(err, "find submission")
	}
	return sub, nil
}

// Update writes the hand-off fields. The ack number, once stored, can only
// be rewritten with the same value.
func (s *SubmissionStore) Update(ctx context.Context, sub *models.Submission) error {
	query, args, err := psql.Update("submissions").SetMap(map[string]any{
		"status":       string(sub.Status),
		"ack_number":   sub.AckNumber,
		"submitted_at": sub.SubmittedAt,
		"stage":        sq.Expr("CASE WHEN stage_rank >= ? THEN stage ELSE ? END", sub.Stage.Rank(), string(sub.Stage)),
		"stage_rank":   sq.Expr("GREATEST(stage_rank, ?)", sub.Stage.Rank()),
		"attempts":     sub.Attempts,
		"updated_at":   sub.UpdatedAt,
	}).Where(sq.And{
		sq.Eq{"id": uuid.UUID(sub.ID)},
		sq.Or{sq.Eq{"ack_number": ""}, sq.Eq{"ack_number": sub.AckNumber}},
	}).ToSql()
	if err != nil {
		return fmt.Errorf("build update submission: %w", err)
	}
	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return platformpg.MapError(err, "update submission")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update submission rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.FindByFiling(ctx, sub.FilingID); err != nil {
			return err
		}
		return fmt.Errorf("update submission: %w", sentinel.ErrInvalidState)
	}
	return nil
}

func (s *SubmissionStore) Release(ctx context.Context, filingID id.FilingID) error {
	query, args, err := psql.Delete("submissions").Where(sq.Eq{
		"filing_id": uuid.UUID(filingID),
		"status":    string(models.SubmissionPending),
	}).ToSql()
	if err != nil {
		return fmt.Errorf("build release submission: %w", err)
	}
	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return platformpg.MapError(err, "release submission")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.FindByFiling(ctx, filingID); err != nil {
			return err
		}
		return fmt.Errorf("release submission: %w", sentinel.ErrInvalidState)
	}
	return nil
}

// AdvanceStage is a single conditional UPDATE so concurrent polls cannot
// interleave a regression between read and write.
func (s *SubmissionStore) AdvanceStage(ctx context.Context, filingID id.FilingID, stage models.Stage, polledAt time.Time) (bool, error) {
	var advanced bool
	err := s.q(ctx).QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id, stage_rank FROM submissions WHERE filing_id = $1 FOR UPDATE
		)
		UPDATE submissions AS s
		SET last_polled_at = $2,
		    updated_at     = $2,
		    stage          = CASE WHEN prev.stage_rank < $3 THEN $4 ELSE s.stage END,
		    stage_rank     = GREATEST(prev.stage_rank, $3)
		FROM prev
		WHERE s.id = prev.id
		RETURNING prev.stage_rank < $3
	`, uuid.UUID(filingID), polledAt, stage.Rank(), string(stage)).Scan(&advanced)
	if err != nil {
		return false, platformpg.MapError(err, "advance submission stage")
	}
	return advanced, nil
}

func (s *SubmissionStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.Submission, error) {
	builder := psql.Select(submissionColumns...).From("submissions").
		Where(sq.Eq{"status": string(models.SubmissionAcknowledged)}).
		Where(sq.NotEq{"stage": terminalStages}).
		Where(sq.Or{sq.Eq{"last_polled_at": nil}, sq.Lt{"last_polled_at": cutoff}}).
		OrderBy("last_polled_at NULLS FIRST", "created_at")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list due submissions: %w", err)
	}
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, platformpg.MapError(err, "list due submissions")
	}
	defer rows.Close()

	var out []*models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func scanSubmission(row scanner) (*models.Submission, error) {
	var (
		sub                     models.Submission
		subID, filing, session  uuid.UUID
		status, stage           string
		submittedAt, lastPolled sql.NullTime
	)
	err := row.Scan(
		&subID, &filing, &session, &status, &sub.AckNumber, &submittedAt,
		&stage, &lastPolled, &sub.Attempts, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.ID = id.SubmissionID(subID)
	sub.FilingID = id.FilingID(filing)
	sub.SessionID = id.SessionID(session)
	sub.Status = models.SubmissionStatus(status)
	sub.Stage = models.Stage(stage)
	sub.SubmittedAt = nullTime(submittedAt)
	sub.LastPolledAt = nullTime(lastPolled)
	return &sub, nil
}
