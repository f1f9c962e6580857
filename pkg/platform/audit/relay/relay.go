// Package relay publishes committed audit outbox rows to Kafka.
//
// Rows are claimed with FOR UPDATE SKIP LOCKED so several relay instances can
// run side by side; a row is marked published only after the broker
// acknowledged it, giving at-least-once delivery keyed by filing.
package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client the relay needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

const (
	defaultBatchSize = 100
	defaultInterval  = 5 * time.Second
)

// Relay moves outbox rows to a Kafka topic.
type Relay struct {
	db        *sql.DB
	producer  Producer
	topic     string
	batchSize int
	interval  time.Duration
	wake      <-chan *pq.Notification
	logger    *slog.Logger
	metrics   *Metrics
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithWakeups makes the relay flush as soon as a NOTIFY arrives instead of
// waiting for the next tick.
func WithWakeups(ch <-chan *pq.Notification) Option {
	return func(r *Relay) { r.wake = ch }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func New(db *sql.DB, producer Producer, topic string, opts ...Option) *Relay {
	r := &Relay{
		db:        db,
		producer:  producer,
		topic:     topic,
		batchSize: defaultBatchSize,
		interval:  defaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run flushes on every tick or wakeup until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// drain flushes full batches until the outbox is empty or an error occurs.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.Flush(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "audit outbox flush failed", "error", err)
			return
		}
		if n < r.batchSize {
			return
		}
	}
}

type outboxRow struct {
	id          int64
	aggregateID string
	eventType   string
	payload     json.RawMessage
}

// Flush publishes one batch and returns how many rows were published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox flush: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox rows: %w", err)
	}
	var batch []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.aggregateID, &row.eventType, &row.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox row: %w", err)
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate outbox rows: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	records := make([]*kgo.Record, 0, len(batch))
	ids := make([]int64, 0, len(batch))
	for _, row := range batch {
		records = append(records, &kgo.Record{
			Topic: r.topic,
			Key:   []byte(row.aggregateID),
			Value: row.payload,
			Headers: []kgo.RecordHeader{
				{Key: "event_type", Value: []byte(row.eventType)},
			},
		})
		ids = append(ids, row.id)
	}

	if err := r.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		r.observeFailure()
		return 0, fmt.Errorf("produce audit records: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox SET published_at = NOW() WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("mark outbox published: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox flush: %w", err)
	}
	r.observePublished(len(batch))
	return len(batch), nil
}

func (r *Relay) observePublished(n int) {
	if r.metrics != nil {
		r.metrics.Published.Add(float64(n))
	}
}

func (r *Relay) observeFailure() {
	if r.metrics != nil {
		r.metrics.Failures.Inc()
	}
}

// NewListener opens a LISTEN connection on channel. Reconnects are handled by
// lib/pq; connection events are logged.
func NewListener(dsn, channel string, logger *slog.Logger) (*pq.Listener, error) {
	l := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("outbox listener event", "event", int(ev), "error", err)
		}
	})
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return l, nil
}

// Metrics for the outbox relay.
type Metrics struct {
	Published prometheus.Counter
	Failures  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "efiling_audit_outbox_published_total",
			Help: "Audit outbox rows published to Kafka",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "efiling_audit_outbox_produce_failures_total",
			Help: "Failed produce attempts for audit outbox batches",
		}),
	}
	reg.MustRegister(m.Published, m.Failures)
	return m
}
