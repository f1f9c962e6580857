package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"

	"efiling/internal/filing/models"
	platformpg "efiling/internal/platform/postgres"
	id "efiling/pkg/domain"
	"efiling/pkg/platform/sentinel"
)

// FilingStore persists filings and their append-only transition history.
type FilingStore struct {
	base
}

func NewFilingStore(db *sql.DB) *FilingStore {
	return &FilingStore{base{db: db}}
}

var filingColumns = []string{
	"id", "account_id", "subject", "form_type", "assessment_year", "computation_ref",
	"state", "declaration_version", "accepted_declarations", "declaration_evidence",
	"method", "session_id", "submission_id", "supersedes_id",
	"quarantined", "quarantine_reason", "version", "created_at", "updated_at",
}

func (s *FilingStore) Create(ctx context.Context, f *models.Filing) error {
	accepted, evidence, err := encodeDeclarations(f)
	if err != nil {
		return err
	}
	query, args, err := psql.Insert("filings").Columns(filingColumns...).Values(
		uuid.UUID(f.ID), uuid.UUID(f.AccountID), string(f.Subject), string(f.FormType),
		string(f.AssessmentYear), f.ComputationRef, string(f.State), f.DeclarationVersion,
		accepted, evidence, string(f.Method), nullUUID(f.SessionID), nullUUID(f.SubmissionID),
		nullUUID(f.Supersedes), f.Quarantined, f.QuarantineReason, f.Version, f.CreatedAt, f.UpdatedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("build insert filing: %w", err)
	}
	return s.inTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return platformpg.MapError(err, "insert filing")
		}
		return appendTransitions(ctx, q, f.TakeTransitions())
	})
}

func (s *FilingStore) FindByID(ctx context.Context, filingID id.FilingID) (*models.Filing, error) {
	query, args, err := psql.Select(filingColumns...).From("filings").
		Where(sq.Eq{"id": uuid.UUID(filingID)}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select filing: %w", err)
	}
	f, err := scanFiling(s.q(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, platformpg.MapError(err, "find filing")
	}
	return f, nil
}

func (s *FilingStore) ListByAccount(ctx context.Context, accountID id.AccountID) ([]*models.Filing, error) {
	query, args, err := psql.Select(filingColumns...).From("filings").
		Where(sq.Eq{"account_id": uuid.UUID(accountID)}).
		OrderBy("created_at DESC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list filings: %w", err)
	}
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, platformpg.MapError(err, "list filings")
	}
	defer rows.Close()

	var out []*models.Filing
	for rows.Next() {
		f, err := scanFiling(rows)
		if err != nil {
			return nil, fmt.Errorf("scan filing: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filings: %w", err)
	}
	return out, nil
}

// Execute holds FOR UPDATE on the row during validate and mutate, then writes
// with an optimistic version check as a second line of defence.
func (s *FilingStore) Execute(ctx context.Context, filingID id.FilingID, validate func(*models.Filing) error, mutate func(*models.Filing)) (*models.Filing, error) {
	var result *models.Filing
	err := s.inTx(ctx, func(q querier) error {
		query, args, err := psql.Select(filingColumns...).From("filings").
			Where(sq.Eq{"id": uuid.UUID(filingID)}).Suffix("FOR UPDATE").ToSql()
		if err != nil {
			return fmt.Errorf("build lock filing: %w", err)
		}
		f, err := scanFiling(q.QueryRowContext(ctx, query, args...))
		if err != nil {
			return platformpg.MapError(err, "lock filing")
		}
		if err := validate(f); err != nil {
			return err
		}
		mutate(f)

		accepted, evidence, err := encodeDeclarations(f)
		if err != nil {
			return err
		}
		prevVersion := f.Version
		f.Version++
		update, args, err := psql.Update("filings").SetMap(map[string]any{
			"state":                 string(f.State),
			"declaration_version":   f.DeclarationVersion,
			"accepted_declarations": accepted,
			"declaration_evidence":  evidence,
			"method":                string(f.Method),
			"session_id":            nullUUID(f.SessionID),
			"submission_id":         nullUUID(f.SubmissionID),
			"quarantined":           f.Quarantined,
			"quarantine_reason":     f.QuarantineReason,
			"version":               f.Version,
			"updated_at":            f.UpdatedAt,
		}).Where(sq.Eq{"id": uuid.UUID(f.ID), "version": prevVersion}).ToSql()
		if err != nil {
			return fmt.Errorf("build update filing: %w", err)
		}
		res, err := q.ExecContext(ctx, update, args...)
		if err != nil {
			return platformpg.MapError(err, "update filing")
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update filing rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("update filing: %w", sentinel.ErrConflict)
		}
		if err := appendTransitions(ctx, q, f.TakeTransitions()); err != nil {
			return err
		}
		result = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type transitionRow struct {
	FromState    string        `db:"from_state"`
	ToState      string        `db:"to_state"`
	Event        string        `db:"event"`
	SessionID    uuid.NullUUID `db:"session_id"`
	SessionState string        `db:"session_state"`
	OccurredAt   time.Time     `db:"occurred_at"`
}

func (s *FilingStore) History(ctx context.Context, filingID id.FilingID) ([]models.Transition, error) {
	query, args, err := psql.Select("from_state", "to_state", "event", "session_id", "session_state", "occurred_at").
		From("filing_transitions").
		Where(sq.Eq{"filing_id": uuid.UUID(filingID)}).
		OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history: %w", err)
	}
	var rows []transitionRow
	if err := sqlscan.Select(ctx, s.q(ctx), &rows, query, args...); err != nil {
		return nil, platformpg.MapError(err, "filing history")
	}

	out := make([]models.Transition, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Transition{
			FilingID:     filingID,
			From:         models.State(r.FromState),
			To:           models.State(r.ToState),
			Event:        models.Event(r.Event),
			SessionID:    fromNullUUID[id.SessionID](r.SessionID),
			SessionState: models.SessionState(r.SessionState),
			At:           r.OccurredAt,
		})
	}
	if len(out) == 0 {
		if _, err := s.FindByID(ctx, filingID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func appendTransitions(ctx context.Context, q querier, transitions []models.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	ins := psql.Insert("filing_transitions").
		Columns("filing_id", "from_state", "to_state", "event", "session_id", "session_state", "occurred_at")
	for _, t := range transitions {
		ins = ins.Values(uuid.UUID(t.FilingID), string(t.From), string(t.To), string(t.Event),
			nullUUID(t.SessionID), string(t.SessionState), t.At)
	}
	query, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("build insert transitions: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return platformpg.MapError(err, "insert transitions")
	}
	return nil
}

func encodeDeclarations(f *models.Filing) ([]byte, []byte, error) {
	accepted := f.AcceptedDeclarations
	if accepted == nil {
		accepted = []string{}
	}
	acceptedJSON, err := json.Marshal(accepted)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal accepted declarations: %w", err)
	}
	var evidenceJSON []byte
	if f.DeclarationEvidence != nil {
		if evidenceJSON, err = json.Marshal(f.DeclarationEvidence); err != nil {
			return nil, nil, fmt.Errorf("marshal declaration evidence: %w", err)
		}
	}
	return acceptedJSON, evidenceJSON, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFiling(row scanner) (*models.Filing, error) {
	var (
		f                                     models.Filing
		filingID, accountID                   uuid.UUID
		subject, formType, year, state        string
		method                                string
		accepted, evidence                    []byte
		sessionID, submissionID, supersedesID uuid.NullUUID
	)
	err := row.Scan(
		&filingID, &accountID, &subject, &formType, &year, &f.ComputationRef,
		&state, &f.DeclarationVersion, &accepted, &evidence,
		&method, &sessionID, &submissionID, &supersedesID,
		&f.Quarantined, &f.QuarantineReason, &f.Version, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.ID = id.FilingID(filingID)
	f.AccountID = id.AccountID(accountID)
	f.Subject = id.TaxpayerID(subject)
	f.FormType = models.FormType(formType)
	f.AssessmentYear = id.AssessmentYear(year)
	f.State = models.State(state)
	f.Method = models.Method(method)
	f.SessionID = fromNullUUID[id.SessionID](sessionID)
	f.SubmissionID = fromNullUUID[id.SubmissionID](submissionID)
	f.Supersedes = fromNullUUID[id.FilingID](supersedesID)

	if err := json.Unmarshal(accepted, &f.AcceptedDeclarations); err != nil {
		return nil, fmt.Errorf("decode accepted declarations: %w", err)
	}
	if len(evidence) > 0 {
		var ev models.DeclarationEvidence
		if err := json.Unmarshal(evidence, &ev); err != nil {
			return nil, fmt.Errorf("decode declaration evidence: %w", err)
		}
		f.DeclarationEvidence = &ev
	}
	return &f, nil
}
