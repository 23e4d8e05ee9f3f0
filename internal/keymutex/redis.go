package keymutex

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisLocker implements Locker over Redis so that saga attempts serialize
// across processes. Acquisition is SET NX with a TTL and polling backoff;
// release only deletes the key when the holder token still matches, so an
// expired lock is never released out from under a newer holder.
type RedisLocker struct {
	client    *redis.Client
	ttl       time.Duration
	retryWait time.Duration
	prefix    string
}

var _ Locker = (*RedisLocker)(nil)

// releaseScript deletes the lock only if the stored token matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// NewRedisLocker creates a Redis-backed locker. ttl bounds how long a
// crashed holder can block other processes.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:    client,
		ttl:       ttl,
		retryWait: 25 * time.Millisecond,
		prefix:    "lock:",
	}
}

// WithLock acquires the distributed lock for key, runs fn, then releases.
// Unlike the in-process locker, ordering among waiters is not FIFO; fairness
// is best-effort under polling.
func (r *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return fmt.Errorf("empty lock key")
	}

	lockKey := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(r.retryWait):
		case <-ctx.Done():
			return fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		}
	}

	defer func() {
		// Release on a fresh context: the critical section may have
		// consumed the caller's deadline.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, r.client, []string{lockKey}, token).Err()
	}()

	return fn(ctx)
}
