package verification

import (
	"context"
	"sync"
	"time"

	id "efiling/pkg/domain"
	"efiling/pkg/requestcontext"
)

// deduped wraps an adapter so a repeated Initiate for the same filing inside
// the window returns the earlier handle instead of starting a second
// provider interaction (a second SMS, a second redirect handshake).
type deduped struct {
	Adapter
	window time.Duration

	mu      sync.Mutex
	entries map[id.FilingID]dedupeEntry
}

type dedupeEntry struct {
	handle Handle
	until  time.Time
}

// Dedupe returns a with Initiate made idempotent for window. A zero window
// disables it.
func Dedupe(a Adapter, window time.Duration) Adapter {
	if window <= 0 {
		return a
	}
	return &deduped{Adapter: a, window: window, entries: make(map[id.FilingID]dedupeEntry)}
}

func (d *deduped) Initiate(ctx context.Context, req InitiateRequest) (*Handle, error) {
	now := requestcontext.Now(ctx)
	if req.Proof == nil {
		if h, ok := d.lookup(req.FilingID, now); ok {
			return h, nil
		}
	}

	h, err := d.Adapter.Initiate(ctx, req)
	if err != nil || h.Completed {
		return h, err
	}

	until := now.Add(d.window)
	if h.ExpiresAt.Before(until) {
		until = h.ExpiresAt
	}
	d.mu.Lock()
	d.entries[req.FilingID] = dedupeEntry{handle: *h, until: until}
	d.mu.Unlock()
	return h, nil
}

// Forget drops the cached handle, e.g. after the session it backed was closed.
func (d *deduped) Forget(filingID id.FilingID) {
	d.mu.Lock()
	delete(d.entries, filingID)
	d.mu.Unlock()
}

func (d *deduped) lookup(filingID id.FilingID, now time.Time) (*Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.entries {
		if !now.Before(e.until) {
			delete(d.entries, k)
		}
	}
	e, ok := d.entries[filingID]
	if !ok {
		return nil, false
	}
	h := e.handle
	h.Payload = append([]byte(nil), e.handle.Payload...)
	return &h, true
}

// forgetter is implemented by adapters wrapped with Dedupe.
type forgetter interface {
	Forget(filingID id.FilingID)
}

func forget(a Adapter, filingID id.FilingID) {
	if f, ok := a.(forgetter); ok {
		f.Forget(filingID)
	}
}
