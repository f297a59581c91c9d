package ports

import (
	"context"
	"encoding/json"

	"streamgrid/internal/core/domain"
)

// WorkerGateway is the uniform surface for operating on a worker's routing
// domains, transports and streams, whether the worker lives on this node
// (direct engine calls plus local row writes) or on a remote node (the
// node-to-node control API). Row writes for an object always happen on the
// node owning its worker.
type WorkerGateway interface {
	CreateRouter(ctx context.Context, processID string) (domain.RouterID, json.RawMessage, error)
	RouterCapabilities(ctx context.Context, routerID domain.RouterID) (json.RawMessage, error)
	CloseRouter(ctx context.Context, routerID domain.RouterID) error

	CreateTransport(ctx context.Context, req *CreateTransportRequest) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID domain.TransportID, dtlsParameters json.RawMessage) error
	RestartICE(ctx context.Context, transportID domain.TransportID) (json.RawMessage, error)
	CloseTransport(ctx context.Context, transportID domain.TransportID) error
	TransportStats(ctx context.Context, transportID domain.TransportID) (json.RawMessage, error)

	Produce(ctx context.Context, req *ProduceRequest) (*domain.Stream, error)
	Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeInfo, error)
	CloseStream(ctx context.Context, streamID domain.StreamID) error
	PauseStream(ctx context.Context, streamID domain.StreamID) error
	ResumeStream(ctx context.Context, streamID domain.StreamID) error
	SetPreferredLayers(ctx context.Context, consumerID domain.StreamID, spatial, temporal int) error
	SetPriority(ctx context.Context, consumerID domain.StreamID, priority int) error
	RequestKeyFrame(ctx context.Context, consumerID domain.StreamID) error
	StreamStats(ctx context.Context, streamID domain.StreamID) (json.RawMessage, error)

	// CreateRelayDestination runs the origin side of the relay handshake:
	// create a relay transport on the origin domain, connect it to the
	// destination endpoint, and return the origin endpoint.
	CreateRelayDestination(ctx context.Context, routerID domain.RouterID, remote RelayEndpoint) (*RelayDestinationInfo, error)
	// RelayConsume attaches the origin's relay transport to the target
	// stream and returns what the destination needs to mirror it.
	RelayConsume(ctx context.Context, relayTransportID domain.TransportID, streamID domain.StreamID, data bool) (*ConsumeInfo, error)
}

// GatewayResolver picks the right gateway for a worker: the in-process one
// for workers registered by this node, a node API client otherwise.
type GatewayResolver interface {
	For(worker *domain.WorkerNode) WorkerGateway
}

// RelayHost is the destination side of the relay handshake. Consumer-side
// routing domains always live on this node's workers, so these operations
// never cross nodes.
type RelayHost interface {
	CreateRelayTransport(ctx context.Context, router *domain.Router) (*RelayTransportInfo, error)
	ConnectRelayTransport(ctx context.Context, transportID domain.TransportID, remote RelayEndpoint) error
	// RelayProduce mirrors an origin stream into the local routing domain
	// reusing the origin stream's id. The mirror is engine-level plumbing;
	// no stream row is written for it.
	RelayProduce(ctx context.Context, relayTransportID domain.TransportID, opts ProduceOptions, data bool) (domain.StreamID, error)
}

type CreateTransportRequest struct {
	WorkerID domain.WorkerID      `json:"workerId"`
	RouterID domain.RouterID      `json:"routerId"`
	RoomID   domain.RoomID        `json:"roomId"`
	Kind     domain.TransportKind `json:"kind"`
	OwnerID  domain.PeerID        `json:"ownerId,omitempty"`
	Options  TransportOptions     `json:"options"`
}

type ProduceRequest struct {
	TransportID domain.TransportID `json:"transportId"`
	RouterID    domain.RouterID    `json:"routerId"`
	RoomID      domain.RoomID      `json:"roomId"`
	Options     ProduceOptions     `json:"options"`
}

type ConsumeRequest struct {
	TransportID     domain.TransportID `json:"transportId"`
	RouterID        domain.RouterID    `json:"routerId"`
	RoomID          domain.RoomID      `json:"roomId"`
	ProducerID      domain.StreamID    `json:"producerId"`
	Data            bool               `json:"data,omitempty"`
	RTPCapabilities json.RawMessage    `json:"rtpCapabilities,omitempty"`
}

type RelayDestinationInfo struct {
	TransportID domain.TransportID `json:"transportId"`
	Endpoint    RelayEndpoint      `json:"endpoint"`
}
