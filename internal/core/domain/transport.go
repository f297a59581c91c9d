package domain

type TransportID string
type StreamID string
type PeerID string

type TransportKind string

const (
	TransportProduce TransportKind = "produce"
	TransportConsume TransportKind = "consume"
	// TransportRelay is a private, non-client-facing transport used only to
	// mirror streams between routing domains on different workers.
	TransportRelay TransportKind = "relay"
)

// Transport is one session's transport in one direction, or a relay leg.
// Closing a transport cascades to its streams and releases one unit of the
// owning worker's load.
type Transport struct {
	ID       TransportID   `json:"id"`
	WorkerID WorkerID      `json:"worker_id"`
	RoomID   RoomID        `json:"room_id"`
	RouterID RouterID      `json:"router_id"`
	Kind     TransportKind `json:"kind"`
	OwnerID  PeerID        `json:"owner_id,omitempty"`
}
