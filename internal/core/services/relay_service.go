package services

import (
	"context"
	"fmt"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"go.uber.org/zap"
)

type relayService struct {
	routers   ports.RouterRepository
	workers   ports.WorkerRepository
	placement ports.PlacementService
	gateways  ports.GatewayResolver
	relayHost ports.RelayHost
	locker    ports.DomainLocker
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
}

func NewRelayService(
	routers ports.RouterRepository,
	workers ports.WorkerRepository,
	placement ports.PlacementService,
	gateways ports.GatewayResolver,
	relayHost ports.RelayHost,
	locker ports.DomainLocker,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) ports.RelayService {
	return &relayService{
		routers:   routers,
		workers:   workers,
		placement: placement,
		gateways:  gateways,
		relayHost: relayHost,
		locker:    locker,
		metrics:   metrics,
		logger:    logger,
	}
}

// EnsureRelayed mirrors the stream into the destination routing domain at
// most once. The relayed-stream marker is the source of truth; the
// per-domain mutex covers the window between the membership check and the
// marker write. The marker is appended only after the mirrored stream is
// confirmed created, so a failed handshake can be retried.
func (s *relayService) EnsureRelayed(ctx context.Context, room *domain.Room, dest *domain.Router, streamID domain.StreamID, data bool) error {
	relayed, err := s.routers.IsStreamRelayed(ctx, dest.ID, streamID, data)
	if err != nil {
		return err
	}
	if relayed {
		return nil
	}

	release, ok, err := s.locker.TryAcquire(ctx, lockKey(dest.ID))
	if err != nil {
		return err
	}
	if !ok {
		// No blocking wait: the caller retries the surrounding operation.
		return domain.ErrLockNotAcquired
	}
	defer func() {
		if releaseErr := release(ctx); releaseErr != nil {
			s.logger.Warnw("failed to release relay lock", "router_id", dest.ID, "error", releaseErr)
		}
	}()

	// Another holder may have finished while we raced for the lock.
	relayed, err = s.routers.IsStreamRelayed(ctx, dest.ID, streamID, data)
	if err != nil {
		return err
	}
	if relayed {
		return nil
	}

	start := time.Now()
	if err := s.runHandshake(ctx, room, dest, streamID, data); err != nil {
		s.metrics.ObserveRelayHandshake("error", time.Since(start).Seconds())
		return err
	}
	s.metrics.ObserveRelayHandshake("ok", time.Since(start).Seconds())

	if err := s.routers.AddRelayedStream(ctx, dest.ID, streamID, data); err != nil {
		return err
	}
	s.logger.Infow("relayed stream into consumer domain",
		"room_id", room.ID,
		"router_id", dest.ID,
		"stream_id", streamID,
		"data", data,
	)
	return nil
}

// runHandshake is the destination-initiated, two-hop negotiation: a relay
// transport pair is created and cross-connected, then the origin side
// consumes the target stream over it and the destination side re-produces
// it locally under the same id.
func (s *relayService) runHandshake(ctx context.Context, room *domain.Room, dest *domain.Router, streamID domain.StreamID, data bool) error {
	local, err := s.relayHost.CreateRelayTransport(ctx, dest)
	if err != nil {
		return handshakeErr("create local relay transport", err)
	}

	originWorker, err := s.workers.GetByID(ctx, room.WorkerID)
	if err != nil {
		return handshakeErr("resolve origin worker", err)
	}
	origin := s.gateways.For(originWorker)

	originInfo, err := origin.CreateRelayDestination(ctx, room.SourceRouterID, local.Endpoint)
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return handshakeErr("create origin relay destination", err)
	}

	if err := s.relayHost.ConnectRelayTransport(ctx, domain.TransportID(local.ID), originInfo.Endpoint); err != nil {
		return handshakeErr("connect local relay transport", err)
	}

	consumeInfo, err := origin.RelayConsume(ctx, originInfo.TransportID, streamID, data)
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return handshakeErr("consume on origin relay transport", err)
	}

	opts := ports.ProduceOptions{
		StreamID:             string(streamID),
		Kind:                 consumeInfo.Kind,
		RTPParameters:        consumeInfo.RTPParameters,
		SCTPStreamParameters: consumeInfo.SCTPStreamParameters,
		Paused:               consumeInfo.Paused,
	}
	mirrored, err := s.relayHost.RelayProduce(ctx, domain.TransportID(local.ID), opts, data)
	if err != nil {
		return handshakeErr("produce mirrored stream", err)
	}
	if mirrored != streamID {
		return handshakeErr("produce mirrored stream", fmt.Errorf("mirror id %s does not match origin id %s", mirrored, streamID))
	}
	return nil
}

func lockKey(routerID domain.RouterID) string {
	return "relay:" + string(routerID)
}

func handshakeErr(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrRelayHandshakeFailed, step, err)
}
