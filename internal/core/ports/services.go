package ports

import (
	"context"
	"encoding/json"

	"streamgrid/internal/core/domain"
)

// PlacementService tracks worker registration, liveness and capacity-gated
// selection.
type PlacementService interface {
	// RegisterLocal purges stale rows for this node's host:port and inserts
	// one row per local engine process.
	RegisterLocal(ctx context.Context) error
	// DeregisterLocal removes this node's rows; called synchronously before
	// the process exits.
	DeregisterLocal(ctx context.Context) error
	SelectWorker(ctx context.Context, role domain.WorkerRole) (*domain.WorkerNode, error)
	MarkUnreachable(ctx context.Context, host string, port int) error
	// ObserveNodeError flips liveness for the failed node when err is a
	// connection-level NodeUnreachableError; API-level errors are ignored.
	ObserveNodeError(ctx context.Context, err error)
}

// RouterService owns routing-domain lifecycle: the canonical source domain of
// a room and the per-node consumer-side domains.
type RouterService interface {
	// GetOrCreateRoom returns the room for an external id, creating the room
	// row and its source routing domain on first touch. Idempotent.
	GetOrCreateRoom(ctx context.Context, externalRoomID string) (*domain.Room, error)
	// GetOrCreateConsumerDomain returns a consumer-side routing domain for
	// the room on this node, creating one on a relay worker if none exists.
	GetOrCreateConsumerDomain(ctx context.Context, room *domain.Room) (*domain.Router, error)
	CloseConsumerDomain(ctx context.Context, router *domain.Router) error
	// CloseRoom tears down every routing domain referencing the room and
	// deletes the room row. Deletion is unconditional even when a remote
	// release call fails.
	CloseRoom(ctx context.Context, room *domain.Room) error
}

// RelayService mirrors a stream from its origin routing domain into a
// consumer-side routing domain on another worker, at most once per
// (domain, stream) pair.
type RelayService interface {
	EnsureRelayed(ctx context.Context, room *domain.Room, dest *domain.Router, streamID domain.StreamID, data bool) error
}

// RoomService drives signaling sessions: admission, method dispatch and
// cross-node consumer fan-out.
type RoomService interface {
	// HandleSession admits a connection into a room and serves its RPC
	// methods until the connection closes. First-touch work is serialized
	// through the per-node admission queue.
	HandleSession(ctx context.Context, externalRoomID string, peerID domain.PeerID, conn SessionConn) error
	// Start begins consuming cross-node announcements; Stop drains.
	Start(ctx context.Context) error
	Stop()
}

// SessionConn is one client's signaling connection as seen by the core:
// outbound requests and notifications plus listener registration for inbound
// traffic and close.
type SessionConn interface {
	PeerID() domain.PeerID
	Request(ctx context.Context, method string, data interface{}) (json.RawMessage, error)
	Notify(method string, data interface{}) error
	OnRequest(handler func(req *IncomingRequest))
	OnNotification(handler func(method string, data json.RawMessage))
	OnClose(handler func())
	Close() error
}

// IncomingRequest carries one inbound RPC request with its response pair.
// Exactly one of Accept or Reject must be called.
type IncomingRequest struct {
	Method string
	Data   json.RawMessage
	Accept func(data interface{})
	Reject func(code int, reason string)
}

// DomainLocker is the distributed mutex guarding relay handshakes, keyed by
// routing domain id. Fixed TTL, no renewal: the TTL bounds worst-case
// staleness after a crash.
type DomainLocker interface {
	// TryAcquire never blocks. On contention it returns ok=false; the caller
	// retries the surrounding operation instead of waiting.
	TryAcquire(ctx context.Context, key string) (release func(ctx context.Context) error, ok bool, err error)
}

type EventType string

const (
	EventProducerAdded   EventType = "producer.added"
	EventProducerClosed  EventType = "producer.closed"
	EventProducerPaused  EventType = "producer.paused"
	EventProducerResumed EventType = "producer.resumed"
)

// Event is a cross-node announcement published when a room's producer set
// changes. Nodes use it to create or close local consumers for remote
// producers.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	RoomID     domain.RoomID   `json:"room_id"`
	PeerID     domain.PeerID   `json:"peer_id,omitempty"`
	StreamID   domain.StreamID `json:"stream_id,omitempty"`
	Data       bool            `json:"data,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type EventBus interface {
	Publish(ctx context.Context, event *Event) error
	// Subscribe delivers events from other instances until ctx is done.
	Subscribe(ctx context.Context, handler func(*Event)) error
}
