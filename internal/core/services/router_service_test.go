package services

import (
	"context"
	"testing"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateRoom_FirstTouchCreatesSourceDomain(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	room, err := n.routerSvc.GetOrCreateRoom(ctx, "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, "meeting-1", room.ExternalID)
	assert.NotEmpty(t, room.ID)
	assert.NotEmpty(t, room.SourceRouterID)

	router, err := n.routers.GetByID(ctx, room.SourceRouterID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSource, router.Role)
	assert.Equal(t, room.ID, router.RoomID)
	assert.Equal(t, room.WorkerID, router.WorkerID)

	again, err := n.routerSvc.GetOrCreateRoom(ctx, "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, again.ID)
	assert.Equal(t, 1, n.engine.count("createRouter"))
}

func TestGetOrCreateRoom_NoSourceCapacity(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	// Saturate the single source worker.
	room, err := n.routerSvc.GetOrCreateRoom(ctx, "warmup")
	require.NoError(t, err)
	require.NoError(t, n.workers.AdjustLoad(ctx, room.WorkerID, 16))

	_, err = n.routerSvc.GetOrCreateRoom(ctx, "overflow")
	assert.ErrorIs(t, err, domain.ErrNoCapacityAvailable)
}

func TestGetOrCreateConsumerDomain_ReusesLocalDomain(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	room, err := n.routerSvc.GetOrCreateRoom(ctx, "meeting-1")
	require.NoError(t, err)

	first, err := n.routerSvc.GetOrCreateConsumerDomain(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleRelay, first.Role)

	second, err := n.routerSvc.GetOrCreateConsumerDomain(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	// One source domain plus one consumer domain, nothing more.
	assert.Equal(t, 2, n.engine.count("createRouter"))
}

func TestGetOrCreateConsumerDomain_CompensatesWhenRoomVanishes(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	room, err := n.routerSvc.GetOrCreateRoom(ctx, "meeting-1")
	require.NoError(t, err)

	// The room row disappears between selection and the final re-check.
	require.NoError(t, n.rooms.Delete(ctx, room.ID))

	_, err = n.routerSvc.GetOrCreateConsumerDomain(ctx, room)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	// The allocated engine domain must not leak.
	assert.Equal(t, 1, n.engine.count("closeRouter"))
	remaining, err := n.routers.FindByRoom(ctx, room.ID)
	require.NoError(t, err)
	for _, router := range remaining {
		assert.NotEqual(t, domain.RoleRelay, router.Role)
	}
}

func TestCloseRoom_TearsDownDomainsTransportsAndRow(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	room, err := n.routerSvc.GetOrCreateRoom(ctx, "meeting-1")
	require.NoError(t, err)
	relay, err := n.routerSvc.GetOrCreateConsumerDomain(ctx, room)
	require.NoError(t, err)

	_, err = n.local.CreateTransport(ctx, &ports.CreateTransportRequest{
		WorkerID: relay.WorkerID,
		RouterID: relay.ID,
		RoomID:   room.ID,
		Kind:     domain.TransportConsume,
	})
	require.NoError(t, err)

	worker, err := n.workers.GetByID(ctx, relay.WorkerID)
	require.NoError(t, err)
	require.Equal(t, 1, worker.CurrentLoad)

	require.NoError(t, n.routerSvc.CloseRoom(ctx, room))

	_, err = n.rooms.GetByID(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	routers, err := n.routers.FindByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, routers)

	// Transport rows are dropped, returning the load unit.
	worker, err = n.workers.GetByID(ctx, relay.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, 0, worker.CurrentLoad)
}
