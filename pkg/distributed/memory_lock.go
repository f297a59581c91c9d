package distributed

import (
	"context"
	"sync"
	"time"
)

// MemoryLockManager mirrors LockManager for single-node deployments and
// tests: same TryAcquire contract, process-local state, same fixed TTL
// expiry semantics.
type MemoryLockManager struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	ttl   time.Duration
}

type memoryLock struct {
	value     string
	expiresAt time.Time
}

func NewMemoryLockManager(ttl time.Duration) *MemoryLockManager {
	return &MemoryLockManager{
		locks: make(map[string]memoryLock),
		ttl:   ttl,
	}
}

func (m *MemoryLockManager) TryAcquire(ctx context.Context, key string) (func(ctx context.Context) error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.locks[key]; ok && time.Now().Before(held.expiresAt) {
		return nil, false, nil
	}

	value := generateLockValue()
	m.locks[key] = memoryLock{value: value, expiresAt: time.Now().Add(m.ttl)}

	release := func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if held, ok := m.locks[key]; ok && held.value == value {
			delete(m.locks, key)
		}
		return nil
	}
	return release, true, nil
}
