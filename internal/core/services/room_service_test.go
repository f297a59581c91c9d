package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 3 * time.Second

func TestHandleSession_JoinReturnsExistingPeers(t *testing.T) {
	n := newTestNode(t)

	alice := n.admit(t, "meeting-1", "alice")
	n.joinWithTransports(t, alice, "Alice")

	bob := n.admit(t, "meeting-1", "bob")
	accepted, code, reason := bob.call(t, "createTransport", map[string]interface{}{"consuming": true})
	require.Zerof(t, code, "createTransport rejected: %s", reason)
	require.NotNil(t, accepted)

	accepted, code, _ = bob.call(t, "join", map[string]interface{}{"displayName": "Bob"})
	require.Zero(t, code)

	var joined struct {
		Peers []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(accepted, &joined))
	require.Len(t, joined.Peers, 1)
	assert.Equal(t, "alice", joined.Peers[0].ID)
	assert.Equal(t, "Alice", joined.Peers[0].DisplayName)

	require.Eventually(t, func() bool {
		return len(alice.notified("newPeer")) == 1
	}, eventually, 10*time.Millisecond)
}

func TestHandleSession_RejectsDoubleJoin(t *testing.T) {
	n := newTestNode(t)
	alice := n.admit(t, "meeting-1", "alice")
	n.joinWithTransports(t, alice, "Alice")

	_, code, reason := alice.call(t, "join", map[string]interface{}{"displayName": "Alice"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, reason, "already joined")
}

func TestHandleSession_UnknownMethodRejected(t *testing.T) {
	n := newTestNode(t)
	alice := n.admit(t, "meeting-1", "alice")

	_, code, reason := alice.call(t, "teleport", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, reason, "teleport")
}

func TestCreateTransport_MustPickExactlyOneDirection(t *testing.T) {
	n := newTestNode(t)
	alice := n.admit(t, "meeting-1", "alice")

	_, code, _ := alice.call(t, "createTransport", map[string]interface{}{
		"producing": true,
		"consuming": true,
	})
	assert.Equal(t, http.StatusBadRequest, code)

	_, code, _ = alice.call(t, "createTransport", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProduce_FansOutConsumersToJoinedPeers(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	alice := n.admit(t, "meeting-1", "alice")
	n.joinWithTransports(t, alice, "Alice")
	bob := n.admit(t, "meeting-1", "bob")
	n.joinWithTransports(t, bob, "Bob")

	streamID := n.produceVideo(t, bob)

	require.Eventually(t, func() bool {
		return len(alice.received("newConsumer")) == 1
	}, eventually, 10*time.Millisecond)

	var consumer newConsumerData
	require.NoError(t, json.Unmarshal(alice.received("newConsumer")[0].data, &consumer))
	assert.Equal(t, "bob", consumer.PeerID)
	assert.Equal(t, string(streamID), consumer.ProducerID)
	assert.Equal(t, "video", consumer.Kind)
	assert.NotEmpty(t, consumer.ID)

	// The producer never consumes its own stream.
	assert.Empty(t, bob.received("newConsumer"))

	// The stream was mirrored into the local consumer domain before the
	// consumer was created there.
	room, err := n.rooms.GetByExternalID(ctx, "meeting-1")
	require.NoError(t, err)
	routers, err := n.routers.FindByRoom(ctx, room.ID)
	require.NoError(t, err)
	var mirrored bool
	for _, router := range routers {
		if router.Role != domain.RoleRelay {
			continue
		}
		relayed, err := n.routers.IsStreamRelayed(ctx, router.ID, streamID, false)
		require.NoError(t, err)
		mirrored = mirrored || relayed
	}
	assert.True(t, mirrored)

	// An unpaused producer means the acknowledged consumer gets resumed.
	require.Eventually(t, func() bool {
		return n.engine.count("resumeStream") >= 1
	}, eventually, 10*time.Millisecond)
}

func TestCloseProducer_TearsDownConsumersEverywhereLocal(t *testing.T) {
	n := newTestNode(t)

	alice := n.admit(t, "meeting-1", "alice")
	n.joinWithTransports(t, alice, "Alice")
	bob := n.admit(t, "meeting-1", "bob")
	n.joinWithTransports(t, bob, "Bob")

	streamID := n.produceVideo(t, bob)
	require.Eventually(t, func() bool {
		return len(alice.received("newConsumer")) == 1
	}, eventually, 10*time.Millisecond)

	_, code, reason := bob.call(t, "closeProducer", map[string]interface{}{"producerId": string(streamID)})
	require.Zerof(t, code, "closeProducer rejected: %s", reason)

	require.Eventually(t, func() bool {
		return len(alice.notified("consumerClosed")) == 1
	}, eventually, 10*time.Millisecond)

	// Closing it again is a client error.
	_, code, _ = bob.call(t, "closeProducer", map[string]interface{}{"producerId": string(streamID)})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPauseProducer_NotifiesConsumers(t *testing.T) {
	n := newTestNode(t)

	alice := n.admit(t, "meeting-1", "alice")
	n.joinWithTransports(t, alice, "Alice")
	bob := n.admit(t, "meeting-1", "bob")
	n.joinWithTransports(t, bob, "Bob")

	streamID := n.produceVideo(t, bob)
	require.Eventually(t, func() bool {
		return len(alice.received("newConsumer")) == 1
	}, eventually, 10*time.Millisecond)

	_, code, reason := bob.call(t, "pauseProducer", map[string]interface{}{"producerId": string(streamID)})
	require.Zerof(t, code, "pauseProducer rejected: %s", reason)
	require.Eventually(t, func() bool {
		return len(alice.notified("consumerPaused")) == 1
	}, eventually, 10*time.Millisecond)

	_, code, reason = bob.call(t, "resumeProducer", map[string]interface{}{"producerId": string(streamID)})
	require.Zerof(t, code, "resumeProducer rejected: %s", reason)
	require.Eventually(t, func() bool {
		return len(alice.notified("consumerResumed")) == 1
	}, eventually, 10*time.Millisecond)
}

func TestPeerDisconnect_CascadesAndReleasesRoom(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	alice := n.admit(t, "meeting-1", "alice")
	n.joinWithTransports(t, alice, "Alice")
	bob := n.admit(t, "meeting-1", "bob")
	n.joinWithTransports(t, bob, "Bob")

	streamID := n.produceVideo(t, bob)
	require.Eventually(t, func() bool {
		return len(alice.received("newConsumer")) == 1
	}, eventually, 10*time.Millisecond)

	require.NoError(t, bob.Close())

	require.Eventually(t, func() bool {
		return len(alice.notified("peerClosed")) == 1
	}, eventually, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(alice.notified("consumerClosed")) == 1
	}, eventually, 10*time.Millisecond)

	_, err := n.streams.GetByID(ctx, streamID)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	// The room survives while alice is still in it.
	_, err = n.rooms.GetByExternalID(ctx, "meeting-1")
	require.NoError(t, err)

	require.NoError(t, alice.Close())

	// Last peer gone: consumer domain released, and since this node hosts
	// the source domain with no foreign consumer domains left, the room
	// closes outright.
	require.Eventually(t, func() bool {
		_, err := n.rooms.GetByExternalID(ctx, "meeting-1")
		return errors.Is(err, domain.ErrRoomNotFound)
	}, eventually, 10*time.Millisecond)
}

func TestReconnect_EvictsPreviousSession(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	first := n.admit(t, "meeting-1", "alice")
	n.joinWithTransports(t, first, "Alice")

	second := n.admit(t, "meeting-1", "alice")

	// The replaced connection is closed, but its teardown must not evict
	// the new session's state.
	require.Eventually(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.closed
	}, eventually, 10*time.Millisecond)

	accepted, code, reason := second.call(t, "createTransport", map[string]interface{}{"consuming": true})
	require.Zerof(t, code, "createTransport rejected: %s", reason)
	require.NotNil(t, accepted)

	_, err := n.rooms.GetByExternalID(ctx, "meeting-1")
	assert.NoError(t, err)
}

func TestRemoteProducerEvent_CreatesLocalConsumers(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	require.NoError(t, n.roomSvc.Start(ctx))

	alice := n.admit(t, "meeting-1", "alice")
	n.joinWithTransports(t, alice, "Alice")

	room, err := n.rooms.GetByExternalID(ctx, "meeting-1")
	require.NoError(t, err)

	// A producer row written by another node of the mesh.
	remote := &domain.Stream{
		ID:        "stream-remote-1",
		RoomID:    room.ID,
		RouterID:  room.SourceRouterID,
		Direction: domain.DirectionProduce,
		Media:     domain.MediaVideo,
	}
	require.NoError(t, n.streams.Create(ctx, remote))

	require.NoError(t, n.bus.Publish(ctx, &ports.Event{
		Type:       ports.EventProducerAdded,
		InstanceID: "node-other",
		RoomID:     room.ID,
		PeerID:     "carol",
		StreamID:   remote.ID,
	}))

	require.Eventually(t, func() bool {
		return len(alice.received("newConsumer")) == 1
	}, eventually, 10*time.Millisecond)

	var consumer newConsumerData
	require.NoError(t, json.Unmarshal(alice.received("newConsumer")[0].data, &consumer))
	assert.Equal(t, "carol", consumer.PeerID)
	assert.Equal(t, string(remote.ID), consumer.ProducerID)
}

func TestOwnEventsAreIgnored(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	require.NoError(t, n.roomSvc.Start(ctx))

	alice := n.admit(t, "meeting-1", "alice")
	n.joinWithTransports(t, alice, "Alice")

	room, err := n.rooms.GetByExternalID(ctx, "meeting-1")
	require.NoError(t, err)

	require.NoError(t, n.bus.Publish(ctx, &ports.Event{
		Type:       ports.EventProducerAdded,
		InstanceID: n.node.InstanceID,
		RoomID:     room.ID,
		StreamID:   "stream-local-echo",
	}))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, alice.received("newConsumer"))
}
