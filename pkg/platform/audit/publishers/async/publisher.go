// Package async provides a best-effort audit publisher for operational and
// security events. Emit never blocks the workflow; events are buffered and
// written by a background drain loop. Under sustained store failure the
// oldest buffered events are dropped.
package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	audit "efiling/pkg/platform/audit"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
)

type Publisher struct {
	store    audit.Store
	buffer   *RingBuffer
	logger   *slog.Logger
	interval time.Duration
	batch    int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithBufferSize(n int) Option {
	return func(p *Publisher) { p.buffer = NewRingBuffer(n) }
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// New starts the drain loop. Call Close to flush and stop it.
func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:    store,
		buffer:   NewRingBuffer(0),
		logger:   slog.Default(),
		interval: defaultFlushInterval,
		batch:    defaultBatchSize,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Emit buffers event for asynchronous persistence.
func (p *Publisher) Emit(_ context.Context, event audit.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Category = audit.AuditEvent(event.Action).Category()
	p.buffer.Enqueue(event)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close drains buffered events and stops the loop.
func (p *Publisher) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

func (p *Publisher) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.flush()
			return
		case <-p.wake:
			p.flush()
		case <-ticker.C:
			p.flush()
		}
	}
}

func (p *Publisher) flush() {
	ctx := context.Background()
	for {
		events := p.buffer.DequeueBatch(p.batch)
		if len(events) == 0 {
			return
		}
		for _, event := range events {
			if err := p.store.Append(ctx, event); err != nil {
				p.logger.WarnContext(ctx, "dropping audit event after store failure",
					"action", event.Action,
					"filing_id", event.FilingID,
					"error", err,
				)
			}
		}
	}
}
