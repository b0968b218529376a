package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	// DefaultLease bounds how long a crashed holder can block an account.
	DefaultLease = 2 * time.Minute

	lockPrefix   = "mailhook:lock:"
	lockPollGap  = 50 * time.Millisecond
	releaseAfter = 5 * time.Second
)

// Only the holder that set the token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a per-key lease shared by every replica using the same
// Redis. A lease that outlives its holder expires after lease.
type RedisLocker struct {
	rdb   *redis.Client
	lease time.Duration
}

// Locker returns a RedisLocker on the ledger's connection. Non-positive
// leases fall back to DefaultLease.
func (l *RedisLedger) Locker(lease time.Duration) *RedisLocker {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &RedisLocker{rdb: l.rdb, lease: lease}
}

// Lock polls until key is free or ctx is done. The returned func releases
// the lease if it is still ours and is safe to call more than once.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := lockPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollGap)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, name, token, r.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseAfter)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, r.rdb, []string{name}, token).Err()
		})
	}, nil
}
