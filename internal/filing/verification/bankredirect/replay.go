package bankredirect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"efiling/pkg/platform/sentinel"
	"efiling/pkg/requestcontext"
)

// ReplayGuard records consumed callback token ids. Consume returns
// sentinel.ErrAlreadyUsed for a token id it has seen before until.
type ReplayGuard interface {
	Consume(ctx context.Context, tokenID string, until time.Time) error
}

type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time)}
}

func (g *MemoryReplayGuard) Consume(ctx context.Context, tokenID string, until time.Time) error {
	now := requestcontext.Now(ctx)
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[tokenID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	g.seen[tokenID] = until
	return nil
}

const replayPrefix = "efiling:callback:"

// RedisReplayGuard shares consumed ids across replicas.
type RedisReplayGuard struct {
	client redis.UniversalClient
}

func NewRedisReplayGuard(client redis.UniversalClient) *RedisReplayGuard {
	return &RedisReplayGuard{client: client}
}

func (g *RedisReplayGuard) Consume(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(requestcontext.Now(ctx))
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := g.client.SetNX(ctx, replayPrefix+tokenID, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("record callback token: %w", err)
	}
	if !ok {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}
