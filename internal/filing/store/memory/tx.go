package memory

import "context"

// Transactor runs fn directly. Each in-memory store is individually atomic and
// the per-filing lock serializes the multi-store writes of one workflow step.
type Transactor struct{}

func (Transactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
