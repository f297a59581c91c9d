package domain

import "time"

type RoomID string
type RouterID string

// Room is created lazily on the first join for an external room id. A room
// always has exactly one canonical source routing domain holding the real,
// client-produced streams.
type Room struct {
	ID             RoomID    `json:"id"`
	ExternalID     string    `json:"external_id"`
	WorkerID       WorkerID  `json:"worker_id"`
	SourceRouterID RouterID  `json:"source_router_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Router is a routing domain: a routing/mixing context on one worker that
// groups transports and streams for one room. RelayedStreamIDs and
// RelayedDataStreamIDs are the idempotency markers for the cross-node relay
// protocol; an id is added only after the mirrored stream is confirmed
// created on this domain.
type Router struct {
	ID                   RouterID   `json:"id"`
	RoomID               RoomID     `json:"room_id"`
	WorkerID             WorkerID   `json:"worker_id"`
	Role                 WorkerRole `json:"role"`
	RelayedStreamIDs     []StreamID `json:"relayed_stream_ids,omitempty"`
	RelayedDataStreamIDs []StreamID `json:"relayed_data_stream_ids,omitempty"`
}
