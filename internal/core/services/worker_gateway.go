package services

import (
	"context"
	"encoding/json"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"go.uber.org/zap"
)

// localGateway serves gateway operations for workers registered by this
// node: it drives the local media engine and writes the rows owned by this
// node (transports and streams). Remote workers are reached through the node
// API client, which implements the same port.
type localGateway struct {
	engine     ports.MediaEngine
	routers    ports.RouterRepository
	transports ports.TransportRepository
	streams    ports.StreamRepository
	logger     *zap.SugaredLogger
}

// LocalGateway is the full local surface: the worker gateway shared with
// remote callers plus the destination-side relay operations.
type LocalGateway interface {
	ports.WorkerGateway
	ports.RelayHost
}

func NewLocalGateway(
	engine ports.MediaEngine,
	routers ports.RouterRepository,
	transports ports.TransportRepository,
	streams ports.StreamRepository,
	logger *zap.SugaredLogger,
) LocalGateway {
	return &localGateway{
		engine:     engine,
		routers:    routers,
		transports: transports,
		streams:    streams,
		logger:     logger,
	}
}

func (g *localGateway) CreateRouter(ctx context.Context, processID string) (domain.RouterID, json.RawMessage, error) {
	routerID, caps, err := g.engine.CreateRouter(ctx, processID)
	if err != nil {
		return "", nil, err
	}
	return domain.RouterID(routerID), caps, nil
}

func (g *localGateway) RouterCapabilities(ctx context.Context, routerID domain.RouterID) (json.RawMessage, error) {
	return g.engine.RouterCapabilities(ctx, string(routerID))
}

func (g *localGateway) CloseRouter(ctx context.Context, routerID domain.RouterID) error {
	return g.engine.CloseRouter(ctx, string(routerID))
}

// CreateTransport allocates the engine transport, then writes the row and
// bumps the worker's load in one repository operation.
func (g *localGateway) CreateTransport(ctx context.Context, req *ports.CreateTransportRequest) (*ports.TransportInfo, error) {
	info, err := g.engine.CreateTransport(ctx, string(req.RouterID), req.Options)
	if err != nil {
		return nil, err
	}

	transport := &domain.Transport{
		ID:       domain.TransportID(info.ID),
		WorkerID: req.WorkerID,
		RoomID:   req.RoomID,
		RouterID: req.RouterID,
		Kind:     req.Kind,
		OwnerID:  req.OwnerID,
	}
	if err := g.transports.Create(ctx, transport); err != nil {
		// The engine transport would leak without this close.
		if closeErr := g.engine.CloseTransport(ctx, info.ID); closeErr != nil {
			g.logger.Warnw("failed to close orphaned transport", "transport_id", info.ID, "error", closeErr)
		}
		return nil, err
	}
	return info, nil
}

func (g *localGateway) ConnectTransport(ctx context.Context, transportID domain.TransportID, dtlsParameters json.RawMessage) error {
	return g.engine.ConnectTransport(ctx, string(transportID), dtlsParameters)
}

func (g *localGateway) RestartICE(ctx context.Context, transportID domain.TransportID) (json.RawMessage, error) {
	return g.engine.RestartICE(ctx, string(transportID))
}

func (g *localGateway) CloseTransport(ctx context.Context, transportID domain.TransportID) error {
	if err := g.engine.CloseTransport(ctx, string(transportID)); err != nil {
		g.logger.Warnw("engine transport close failed", "transport_id", transportID, "error", err)
	}
	return g.transports.Delete(ctx, transportID)
}

func (g *localGateway) TransportStats(ctx context.Context, transportID domain.TransportID) (json.RawMessage, error) {
	return g.engine.TransportStats(ctx, string(transportID))
}

func (g *localGateway) Produce(ctx context.Context, req *ports.ProduceRequest) (*domain.Stream, error) {
	var (
		streamID string
		err      error
	)
	media := domain.MediaKind(req.Options.Kind)
	if req.Options.SCTPStreamParameters != nil {
		media = domain.MediaData
		streamID, err = g.engine.ProduceData(ctx, string(req.TransportID), req.Options)
	} else {
		streamID, err = g.engine.Produce(ctx, string(req.TransportID), req.Options)
	}
	if err != nil {
		return nil, err
	}

	stream := &domain.Stream{
		ID:            domain.StreamID(streamID),
		TransportID:   req.TransportID,
		RouterID:      req.RouterID,
		RoomID:        req.RoomID,
		Direction:     domain.DirectionProduce,
		Media:         media,
		Paused:        req.Options.Paused,
		RTPParameters: req.Options.RTPParameters,
		AppData:       req.Options.AppData,
	}
	if err := g.streams.Create(ctx, stream); err != nil {
		if closeErr := g.engine.CloseStream(ctx, streamID); closeErr != nil {
			g.logger.Warnw("failed to close orphaned stream", "stream_id", streamID, "error", closeErr)
		}
		return nil, err
	}
	return stream, nil
}

func (g *localGateway) Consume(ctx context.Context, req *ports.ConsumeRequest) (*ports.ConsumeInfo, error) {
	var (
		info *ports.ConsumeInfo
		err  error
	)
	if req.Data {
		info, err = g.engine.ConsumeData(ctx, string(req.TransportID), string(req.ProducerID))
	} else {
		info, err = g.engine.Consume(ctx, string(req.TransportID), string(req.ProducerID), req.RTPCapabilities)
	}
	if err != nil {
		return nil, err
	}

	media := domain.MediaKind(info.Kind)
	if req.Data {
		media = domain.MediaData
	}
	stream := &domain.Stream{
		ID:            domain.StreamID(info.ID),
		TransportID:   req.TransportID,
		RouterID:      req.RouterID,
		RoomID:        req.RoomID,
		Direction:     domain.DirectionConsume,
		Media:         media,
		SourceID:      req.ProducerID,
		Paused:        info.Paused,
		RTPParameters: info.RTPParameters,
	}
	if err := g.streams.Create(ctx, stream); err != nil {
		if closeErr := g.engine.CloseStream(ctx, info.ID); closeErr != nil {
			g.logger.Warnw("failed to close orphaned consumer", "consumer_id", info.ID, "error", closeErr)
		}
		return nil, err
	}
	return info, nil
}

func (g *localGateway) CloseStream(ctx context.Context, streamID domain.StreamID) error {
	if err := g.engine.CloseStream(ctx, string(streamID)); err != nil {
		g.logger.Warnw("engine stream close failed", "stream_id", streamID, "error", err)
	}
	return g.streams.Delete(ctx, streamID)
}

func (g *localGateway) PauseStream(ctx context.Context, streamID domain.StreamID) error {
	if err := g.engine.PauseStream(ctx, string(streamID)); err != nil {
		return err
	}
	return g.setPaused(ctx, streamID, true)
}

func (g *localGateway) ResumeStream(ctx context.Context, streamID domain.StreamID) error {
	if err := g.engine.ResumeStream(ctx, string(streamID)); err != nil {
		return err
	}
	return g.setPaused(ctx, streamID, false)
}

func (g *localGateway) setPaused(ctx context.Context, streamID domain.StreamID, paused bool) error {
	stream, err := g.streams.GetByID(ctx, streamID)
	if err != nil {
		return err
	}
	stream.Paused = paused
	return g.streams.Update(ctx, stream)
}

func (g *localGateway) SetPreferredLayers(ctx context.Context, consumerID domain.StreamID, spatial, temporal int) error {
	return g.engine.SetPreferredLayers(ctx, string(consumerID), spatial, temporal)
}

func (g *localGateway) SetPriority(ctx context.Context, consumerID domain.StreamID, priority int) error {
	return g.engine.SetPriority(ctx, string(consumerID), priority)
}

func (g *localGateway) RequestKeyFrame(ctx context.Context, consumerID domain.StreamID) error {
	return g.engine.RequestKeyFrame(ctx, string(consumerID))
}

func (g *localGateway) StreamStats(ctx context.Context, streamID domain.StreamID) (json.RawMessage, error) {
	return g.engine.StreamStats(ctx, string(streamID))
}

// CreateRelayDestination runs the origin side of the relay handshake: a
// relay transport is bound to the origin routing domain and connected to the
// destination's endpoint, and its own endpoint is returned.
func (g *localGateway) CreateRelayDestination(ctx context.Context, routerID domain.RouterID, remote ports.RelayEndpoint) (*ports.RelayDestinationInfo, error) {
	router, err := g.routers.GetByID(ctx, routerID)
	if err != nil {
		return nil, err
	}

	info, err := g.engine.CreateRelayTransport(ctx, string(routerID))
	if err != nil {
		return nil, err
	}
	if err := g.engine.ConnectRelayTransport(ctx, info.ID, remote); err != nil {
		if closeErr := g.engine.CloseTransport(ctx, info.ID); closeErr != nil {
			g.logger.Warnw("failed to close orphaned relay transport", "transport_id", info.ID, "error", closeErr)
		}
		return nil, err
	}

	transport := &domain.Transport{
		ID:       domain.TransportID(info.ID),
		WorkerID: router.WorkerID,
		RoomID:   router.RoomID,
		RouterID: routerID,
		Kind:     domain.TransportRelay,
	}
	if err := g.transports.Create(ctx, transport); err != nil {
		return nil, err
	}

	return &ports.RelayDestinationInfo{
		TransportID: domain.TransportID(info.ID),
		Endpoint:    info.Endpoint,
	}, nil
}

// CreateRelayTransport binds a new relay transport to a local routing domain
// without connecting it; the destination side of the handshake connects it
// once the origin's endpoint is known.
func (g *localGateway) CreateRelayTransport(ctx context.Context, router *domain.Router) (*ports.RelayTransportInfo, error) {
	info, err := g.engine.CreateRelayTransport(ctx, string(router.ID))
	if err != nil {
		return nil, err
	}
	transport := &domain.Transport{
		ID:       domain.TransportID(info.ID),
		WorkerID: router.WorkerID,
		RoomID:   router.RoomID,
		RouterID: router.ID,
		Kind:     domain.TransportRelay,
	}
	if err := g.transports.Create(ctx, transport); err != nil {
		if closeErr := g.engine.CloseTransport(ctx, info.ID); closeErr != nil {
			g.logger.Warnw("failed to close orphaned relay transport", "transport_id", info.ID, "error", closeErr)
		}
		return nil, err
	}
	return info, nil
}

func (g *localGateway) ConnectRelayTransport(ctx context.Context, transportID domain.TransportID, remote ports.RelayEndpoint) error {
	return g.engine.ConnectRelayTransport(ctx, string(transportID), remote)
}

// RelayProduce creates the mirrored stream inside the local routing domain
// using the origin stream's id, so local consumers can be created against it.
func (g *localGateway) RelayProduce(ctx context.Context, relayTransportID domain.TransportID, opts ports.ProduceOptions, data bool) (domain.StreamID, error) {
	var (
		streamID string
		err      error
	)
	if data {
		streamID, err = g.engine.ProduceData(ctx, string(relayTransportID), opts)
	} else {
		streamID, err = g.engine.Produce(ctx, string(relayTransportID), opts)
	}
	if err != nil {
		return "", err
	}
	return domain.StreamID(streamID), nil
}

// RelayConsume attaches the origin relay transport to the target stream and
// returns the parameters the destination needs to mirror it. The relay-side
// consumer is engine plumbing only, no row is written for it.
func (g *localGateway) RelayConsume(ctx context.Context, relayTransportID domain.TransportID, streamID domain.StreamID, data bool) (*ports.ConsumeInfo, error) {
	if _, err := g.streams.GetByID(ctx, streamID); err != nil {
		return nil, err
	}
	if data {
		return g.engine.ConsumeData(ctx, string(relayTransportID), string(streamID))
	}
	return g.engine.Consume(ctx, string(relayTransportID), string(streamID), nil)
}
