package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our value, so an
// expired lock re-acquired by someone else is never released from here.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// LockManager hands out non-blocking, fixed-TTL locks backed by Redis
// SET NX EX. There is no renewal: the TTL is the worst-case staleness bound
// when a holder crashes without releasing.
type LockManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLockManager(client *redis.Client, prefix string, ttl time.Duration) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// TryAcquire attempts to take the lock without blocking. On success it
// returns a release func that is safe to call after expiry (it becomes a
// no-op once the key changed hands).
func (m *LockManager) TryAcquire(ctx context.Context, key string) (func(ctx context.Context) error, bool, error) {
	fullKey := m.prefix + key
	value := generateLockValue()

	acquired, err := m.client.SetNX(ctx, fullKey, value, m.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := m.client.Eval(ctx, releaseScript, []string{fullKey}, value).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

func generateLockValue() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
