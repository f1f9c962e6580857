// Package lock serializes mutating workflow operations per filing.
//
// The in-process Locker covers single-instance deployments and tests; the
// Redis locker covers several API instances sharing one database. Both give
// up when the context is done and report that as a conflict, so a caller
// blocked behind a long submit gets a retryable answer instead of hanging.
package lock

import (
	"context"
	"sync"
	"time"

	dErrors "efiling/pkg/domain-errors"
)

const defaultWait = 10 * time.Second

// Local is a keyed mutex. Entries are reference counted and removed when the
// last holder or waiter leaves, so the map does not grow with filings served.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    time.Duration
	metrics *Metrics
}

type entry struct {
	sem  chan struct{}
	refs int
}

type Option func(*Local)

// WithWait bounds how long Lock waits when ctx has no deadline.
func WithWait(d time.Duration) Option {
	return func(l *Local) {
		if d > 0 {
			l.wait = d
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Local) { l.metrics = m }
}

func NewLocal(opts ...Option) *Local {
	l := &Local{entries: make(map[string]*entry), wait: defaultWait}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case e.sem <- struct{}{}:
		l.metrics.observeWait(time.Since(start), true)
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, e)
		l.metrics.observeWait(time.Since(start), false)
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeConflict, "another operation is in progress for this filing")
	}
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// FilingKey is the lock key for one filing.
func FilingKey(filingID string) string {
	return "filing:" + filingID
}
