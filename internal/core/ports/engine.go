package ports

import (
	"context"
	"encoding/json"
)

// MediaEngine is the opaque capability exposed by one node's native media
// engine processes. The control plane never looks inside codec or RTP
// behavior; it only creates routing domains, transports and streams and
// steers their lifecycle.
type MediaEngine interface {
	// CreateRouter creates a routing domain on the given engine process and
	// returns its id together with the domain's media capabilities.
	CreateRouter(ctx context.Context, processID string) (routerID string, capabilities json.RawMessage, err error)
	CloseRouter(ctx context.Context, routerID string) error
	RouterCapabilities(ctx context.Context, routerID string) (json.RawMessage, error)

	CreateTransport(ctx context.Context, routerID string, opts TransportOptions) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
	RestartICE(ctx context.Context, transportID string) (iceParameters json.RawMessage, err error)
	CloseTransport(ctx context.Context, transportID string) error
	TransportStats(ctx context.Context, transportID string) (json.RawMessage, error)

	// CreateRelayTransport creates a private transport used only to mirror
	// streams between routing domains; it is never handed to a client.
	CreateRelayTransport(ctx context.Context, routerID string) (*RelayTransportInfo, error)
	ConnectRelayTransport(ctx context.Context, transportID string, remote RelayEndpoint) error

	Produce(ctx context.Context, transportID string, opts ProduceOptions) (streamID string, err error)
	Consume(ctx context.Context, transportID string, producerID string, rtpCapabilities json.RawMessage) (*ConsumeInfo, error)
	ProduceData(ctx context.Context, transportID string, opts ProduceOptions) (streamID string, err error)
	ConsumeData(ctx context.Context, transportID string, dataProducerID string) (*ConsumeInfo, error)

	CloseStream(ctx context.Context, streamID string) error
	PauseStream(ctx context.Context, streamID string) error
	ResumeStream(ctx context.Context, streamID string) error
	SetPreferredLayers(ctx context.Context, consumerID string, spatial, temporal int) error
	SetPriority(ctx context.Context, consumerID string, priority int) error
	RequestKeyFrame(ctx context.Context, consumerID string) error
	StreamStats(ctx context.Context, streamID string) (json.RawMessage, error)
}

type TransportOptions struct {
	Producing bool `json:"producing"`
	Consuming bool `json:"consuming"`
	ForceTCP  bool `json:"forceTcp"`
	EnableSCTP bool `json:"enableSctp"`
}

type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
	SCTPParameters json.RawMessage `json:"sctpParameters,omitempty"`
}

// RelayEndpoint is the reachable address of one side's relay transport.
type RelayEndpoint struct {
	IP             string          `json:"ip"`
	Port           int             `json:"port"`
	SRTPParameters json.RawMessage `json:"srtpParameters,omitempty"`
}

type RelayTransportInfo struct {
	ID       string        `json:"id"`
	Endpoint RelayEndpoint `json:"endpoint"`
}

type ProduceOptions struct {
	// StreamID forces the produced stream's id; the relay protocol uses it
	// so the mirrored stream keeps the origin stream's id.
	StreamID      string          `json:"id,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	RTPParameters json.RawMessage `json:"rtpParameters,omitempty"`
	SCTPStreamParameters json.RawMessage `json:"sctpStreamParameters,omitempty"`
	Paused        bool            `json:"paused,omitempty"`
	AppData       json.RawMessage `json:"appData,omitempty"`
}

type ConsumeInfo struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters,omitempty"`
	SCTPStreamParameters json.RawMessage `json:"sctpStreamParameters,omitempty"`
	Paused        bool            `json:"paused"`
}
