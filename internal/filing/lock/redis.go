package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "efiling/pkg/domain-errors"
)

// unlockScript deletes the key only if it still holds our token, so a holder
// whose TTL lapsed cannot release someone else's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based lock shared across instances. The TTL must exceed
// the longest guarded operation (the authority request timeout).
type Redis struct {
	client  redis.UniversalClient
	ttl     time.Duration
	retry   time.Duration
	wait    time.Duration
	prefix  string
	metrics *Metrics
}

type RedisOption func(*Redis)

func WithRedisWait(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.wait = d
		}
	}
}

func WithRedisMetrics(m *Metrics) RedisOption {
	return func(r *Redis) { r.metrics = m }
}

func NewRedis(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		wait:   defaultWait,
		prefix: "efiling:lock:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	fullKey := r.prefix + key

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "acquire filing lock")
		}
		if ok {
			r.metrics.observeWait(time.Since(start), true)
			return func() {
				// release must not depend on the caller's (possibly cancelled) context
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = unlockScript.Run(releaseCtx, r.client, []string{fullKey}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			r.metrics.observeWait(time.Since(start), false)
			return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeConflict, "another operation is in progress for this filing")
		case <-ticker.C:
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
