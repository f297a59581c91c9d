package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
	"streamgrid/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayFixture builds a room with one produced stream on the source domain
// and a consumer domain to mirror into.
func relayFixture(t *testing.T, n *testNode) (*domain.Room, *domain.Router, *domain.Stream) {
	t.Helper()
	ctx := context.Background()

	room, err := n.routerSvc.GetOrCreateRoom(ctx, "meeting-1")
	require.NoError(t, err)
	dest, err := n.routerSvc.GetOrCreateConsumerDomain(ctx, room)
	require.NoError(t, err)

	info, err := n.local.CreateTransport(ctx, &ports.CreateTransportRequest{
		WorkerID: room.WorkerID,
		RouterID: room.SourceRouterID,
		RoomID:   room.ID,
		Kind:     domain.TransportProduce,
	})
	require.NoError(t, err)

	stream, err := n.local.Produce(ctx, &ports.ProduceRequest{
		TransportID: domain.TransportID(info.ID),
		RouterID:    room.SourceRouterID,
		RoomID:      room.ID,
		Options:     ports.ProduceOptions{Kind: "video"},
	})
	require.NoError(t, err)
	return room, dest, stream
}

func TestEnsureRelayed_MirrorsStreamOnce(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	room, dest, stream := relayFixture(t, n)

	require.NoError(t, n.relaySvc.EnsureRelayed(ctx, room, dest, stream.ID, false))

	relayed, err := n.routers.IsStreamRelayed(ctx, dest.ID, stream.ID, false)
	require.NoError(t, err)
	assert.True(t, relayed)

	// One relay transport per side, one mirror produce.
	assert.Equal(t, 2, n.engine.count("createRelayTransport"))
	produces := n.engine.count("produce")

	// A second call is a no-op.
	require.NoError(t, n.relaySvc.EnsureRelayed(ctx, room, dest, stream.ID, false))
	assert.Equal(t, produces, n.engine.count("produce"))
	assert.Equal(t, 2, n.engine.count("createRelayTransport"))
}

func TestEnsureRelayed_ContendedLockReturnsWithoutWaiting(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	room, dest, stream := relayFixture(t, n)

	release, ok, err := n.locker.TryAcquire(ctx, "relay:"+string(dest.ID))
	require.NoError(t, err)
	require.True(t, ok)
	defer release(ctx)

	err = n.relaySvc.EnsureRelayed(ctx, room, dest, stream.ID, false)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	relayed, err := n.routers.IsStreamRelayed(ctx, dest.ID, stream.ID, false)
	require.NoError(t, err)
	assert.False(t, relayed)
}

func TestEnsureRelayed_ConcurrentCallersMirrorOnce(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	room, dest, stream := relayFixture(t, n)

	before := n.engine.count("produce")

	// Lock losers come back with ErrLockNotAcquired and retry the whole
	// operation, landing on the marker the winner wrote.
	cfg := retry.Config{
		MaxAttempts:  20,
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		RetryOn:      []error{domain.ErrLockNotAcquired},
	}

	const callers = 8
	errs := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			errs <- retry.Do(ctx, cfg, func() error {
				return n.relaySvc.EnsureRelayed(ctx, room, dest, stream.ID, false)
			})
		}()
	}
	start.Done()

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}

	relayed, err := n.routers.IsStreamRelayed(ctx, dest.ID, stream.ID, false)
	require.NoError(t, err)
	assert.True(t, relayed)

	// Exactly one handshake ran: one mirror produce, one transport pair.
	assert.Equal(t, before+1, n.engine.count("produce"))
	assert.Equal(t, 2, n.engine.count("createRelayTransport"))
}

func TestEnsureRelayed_MarkerWrittenOnlyAfterSuccess(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	room, dest, stream := relayFixture(t, n)

	n.engine.failOnce("consume", errors.New("origin worker hiccup"))

	err := n.relaySvc.EnsureRelayed(ctx, room, dest, stream.ID, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRelayHandshakeFailed)

	relayed, err := n.routers.IsStreamRelayed(ctx, dest.ID, stream.ID, false)
	require.NoError(t, err)
	assert.False(t, relayed, "a failed handshake must not leave a marker")

	// The retry succeeds and writes the marker.
	require.NoError(t, n.relaySvc.EnsureRelayed(ctx, room, dest, stream.ID, false))
	relayed, err = n.routers.IsStreamRelayed(ctx, dest.ID, stream.ID, false)
	require.NoError(t, err)
	assert.True(t, relayed)
}

func TestEnsureRelayed_MirrorIdentityMismatchFails(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	room, dest, stream := relayFixture(t, n)

	n.engine.loseMirrorID = true

	err := n.relaySvc.EnsureRelayed(ctx, room, dest, stream.ID, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRelayHandshakeFailed)

	relayed, err := n.routers.IsStreamRelayed(ctx, dest.ID, stream.ID, false)
	require.NoError(t, err)
	assert.False(t, relayed)
}
