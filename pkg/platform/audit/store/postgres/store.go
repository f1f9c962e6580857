package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "efiling/pkg/domain"
	audit "efiling/pkg/platform/audit"
	txcontext "efiling/pkg/platform/tx"
)

// NotifyChannel is the LISTEN/NOTIFY channel the outbox relay wakes on.
const NotifyChannel = "audit_outbox"

// Store implements audit.Store using the transactional outbox pattern.
// Each event is materialized into audit_events for querying and written to
// the outbox for the Kafka relay, inside the caller's transaction when one
// is present in the context.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store that writes to the outbox.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OutboxPayload is the JSON structure published to Kafka.
type OutboxPayload struct {
	ID        string `json:"id"`
	Category  string `json:"category"`
	Timestamp string `json:"timestamp"`
	FilingID  string `json:"filing_id"`
	AccountID string `json:"account_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Action    string `json:"action"`
	Method    string `json:"method,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Append writes an audit event to audit_events and the outbox atomically.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if tx, ok := txcontext.From(ctx); ok {
		return s.append(ctx, tx, event)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := s.append(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit append: %w", err)
	}
	return nil
}

func (s *Store) append(ctx context.Context, exec dbExecutor, event audit.Event) error {
	// Always derive category from action - eventCategories map is the source of truth
	category := audit.AuditEvent(event.Action).Category()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	accountID := ""
	if !event.AccountID.IsNil() {
		accountID = event.AccountID.String()
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO audit_events (
			category, filing_id, account_id, subject, action, method,
			session_id, decision, reason, request_id, client_ip, occurred_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		string(category),
		uuid.UUID(event.FilingID),
		accountID,
		event.Subject,
		event.Action,
		event.Method,
		event.SessionID,
		event.Decision,
		event.Reason,
		event.RequestID,
		event.ClientIP,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	payload := OutboxPayload{
		ID:        uuid.NewString(),
		Category:  string(category),
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		FilingID:  event.FilingID.String(),
		AccountID: accountID,
		Subject:   event.Subject,
		Action:    event.Action,
		Method:    event.Method,
		SessionID: event.SessionID,
		Decision:  event.Decision,
		Reason:    event.Reason,
		RequestID: event.RequestID,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ('filing', $1, $2, $3, $4)
	`, payload.FilingID, event.Action, payloadBytes, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	// Delivered on commit; the relay still polls if nobody is listening.
	if _, err := exec.ExecContext(ctx, `SELECT pg_notify($1, '')`, NotifyChannel); err != nil {
		return fmt.Errorf("notify outbox: %w", err)
	}
	return nil
}

// ListByFiling returns the audit trail for a filing, oldest first.
func (s *Store) ListByFiling(ctx context.Context, filingID id.FilingID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, occurred_at, account_id, subject, action, method,
			   session_id, decision, reason, request_id, client_ip
		FROM audit_events
		WHERE filing_id = $1
		ORDER BY id ASC
	`, uuid.UUID(filingID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			category  string
			accountID string
			event     = audit.Event{FilingID: filingID}
		)
		if err := rows.Scan(
			&category,
			&event.Timestamp,
			&accountID,
			&event.Subject,
			&event.Action,
			&event.Method,
			&event.SessionID,
			&event.Decision,
			&event.Reason,
			&event.RequestID,
			&event.ClientIP,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		if accountID != "" {
			if parsed, err := id.ParseAccountID(accountID); err == nil {
				event.AccountID = parsed
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
