package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLock_AcquireAndRelease(t *testing.T) {
	m := NewMemoryLockManager(time.Minute)
	ctx := context.Background()

	release, ok, err := m.TryAcquire(ctx, "relay:router-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, release)

	// Held: a second acquire fails without blocking.
	second, ok, err := m.TryAcquire(ctx, "relay:router-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, second)

	require.NoError(t, release(ctx))

	_, ok, err = m.TryAcquire(ctx, "relay:router-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLock_KeysAreIndependent(t *testing.T) {
	m := NewMemoryLockManager(time.Minute)
	ctx := context.Background()

	_, ok, err := m.TryAcquire(ctx, "relay:router-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryAcquire(ctx, "relay:router-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLock_ExpiresAfterTTL(t *testing.T) {
	m := NewMemoryLockManager(30 * time.Millisecond)
	ctx := context.Background()

	_, ok, err := m.TryAcquire(ctx, "relay:router-1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	// The holder never released; the TTL reclaims the key.
	_, ok, err = m.TryAcquire(ctx, "relay:router-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLock_StaleReleaseDoesNotFreeNewHolder(t *testing.T) {
	m := NewMemoryLockManager(30 * time.Millisecond)
	ctx := context.Background()

	staleRelease, ok, err := m.TryAcquire(ctx, "relay:router-1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	// A new holder took over after expiry.
	_, ok, err = m.TryAcquire(ctx, "relay:router-1")
	require.NoError(t, err)
	require.True(t, ok)

	// The expired holder's release is a no-op for the new holder's lock.
	require.NoError(t, staleRelease(ctx))

	_, ok, err = m.TryAcquire(ctx, "relay:router-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
