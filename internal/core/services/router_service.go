package services

import (
	"context"
	"errors"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
	"streamgrid/pkg/utils"

	"go.uber.org/zap"
)

type routerService struct {
	rooms      ports.RoomRepository
	routers    ports.RouterRepository
	transports ports.TransportRepository
	workers    ports.WorkerRepository
	placement  ports.PlacementService
	gateways   ports.GatewayResolver
	node       domain.NodeInfo
	logger     *zap.SugaredLogger
}

func NewRouterService(
	rooms ports.RoomRepository,
	routers ports.RouterRepository,
	transports ports.TransportRepository,
	workers ports.WorkerRepository,
	placement ports.PlacementService,
	gateways ports.GatewayResolver,
	node domain.NodeInfo,
	logger *zap.SugaredLogger,
) ports.RouterService {
	return &routerService{
		rooms:      rooms,
		routers:    routers,
		transports: transports,
		workers:    workers,
		placement:  placement,
		gateways:   gateways,
		node:       node,
		logger:     logger,
	}
}

// GetOrCreateRoom looks the room up before creating; first touch places the
// source routing domain on a source worker and persists both rows.
func (s *routerService) GetOrCreateRoom(ctx context.Context, externalRoomID string) (*domain.Room, error) {
	room, err := s.rooms.GetByExternalID(ctx, externalRoomID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, domain.ErrRoomNotFound) {
		return nil, err
	}

	worker, err := s.placement.SelectWorker(ctx, domain.RoleSource)
	if err != nil {
		return nil, err
	}

	gw := s.gateways.For(worker)
	routerID, _, err := gw.CreateRouter(ctx, worker.ProcessID)
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return nil, err
	}

	room = &domain.Room{
		ID:             domain.RoomID(utils.NewRoomID()),
		ExternalID:     externalRoomID,
		WorkerID:       worker.ID,
		SourceRouterID: routerID,
		CreatedAt:      time.Now(),
	}
	router := &domain.Router{
		ID:       routerID,
		RoomID:   room.ID,
		WorkerID: worker.ID,
		Role:     domain.RoleSource,
	}

	if err := s.routers.Create(ctx, router); err != nil {
		s.compensateRouter(ctx, gw, routerID)
		return nil, err
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		s.compensateRouter(ctx, gw, routerID)
		if delErr := s.routers.Delete(ctx, routerID); delErr != nil {
			s.logger.Warnw("failed to delete router row after room create failure", "router_id", routerID, "error", delErr)
		}
		return nil, err
	}

	s.logger.Infow("created room",
		"room_id", room.ID,
		"external_id", externalRoomID,
		"source_router_id", routerID,
		"worker_id", worker.ID,
	)
	return room, nil
}

// GetOrCreateConsumerDomain returns this node's consumer-side routing domain
// for the room. An existing domain is only reused when its worker is still
// alive with spare capacity, and its identity is confirmed against the
// owning engine rather than trusted from the row alone.
func (s *routerService) GetOrCreateConsumerDomain(ctx context.Context, room *domain.Room) (*domain.Router, error) {
	existing, err := s.routers.FindByRoom(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	for _, router := range existing {
		if router.Role != domain.RoleRelay {
			continue
		}
		worker, err := s.workers.GetByID(ctx, router.WorkerID)
		if err != nil || worker.Host != s.node.Host || worker.Port != s.node.APIPort || !worker.HasCapacity() {
			continue
		}
		if _, err := s.gateways.For(worker).RouterCapabilities(ctx, router.ID); err != nil {
			s.logger.Warnw("stale consumer domain row", "router_id", router.ID, "error", err)
			continue
		}
		return router, nil
	}

	worker, err := s.selectLocalRelayWorker(ctx)
	if err != nil {
		return nil, err
	}

	gw := s.gateways.For(worker)
	routerID, _, err := gw.CreateRouter(ctx, worker.ProcessID)
	if err != nil {
		return nil, err
	}

	router := &domain.Router{
		ID:       routerID,
		RoomID:   room.ID,
		WorkerID: worker.ID,
		Role:     domain.RoleRelay,
	}
	if err := s.routers.Create(ctx, router); err != nil {
		s.compensateRouter(ctx, gw, routerID)
		return nil, err
	}

	// The room may have been closed while we allocated; compensate instead
	// of leaving an orphaned domain behind.
	if _, err := s.rooms.GetByID(ctx, room.ID); err != nil {
		s.compensateRouter(ctx, gw, routerID)
		if delErr := s.routers.Delete(ctx, routerID); delErr != nil {
			s.logger.Warnw("failed to delete orphaned router row", "router_id", routerID, "error", delErr)
		}
		return nil, domain.ErrRoomNotFound
	}

	s.logger.Infow("created consumer domain",
		"room_id", room.ID,
		"router_id", routerID,
		"worker_id", worker.ID,
	)
	return router, nil
}

func (s *routerService) CloseConsumerDomain(ctx context.Context, router *domain.Router) error {
	return s.closeDomain(ctx, router)
}

// CloseRoom tears down every routing domain referencing the room. The room
// row is deleted unconditionally even if a remote release fails.
func (s *routerService) CloseRoom(ctx context.Context, room *domain.Room) error {
	routers, err := s.routers.FindByRoom(ctx, room.ID)
	if err != nil {
		s.logger.Warnw("failed to list routers for room close", "room_id", room.ID, "error", err)
	}
	for _, router := range routers {
		if err := s.closeDomain(ctx, router); err != nil {
			s.logger.Warnw("failed to close routing domain", "router_id", router.ID, "error", err)
		}
	}

	if err := s.rooms.Delete(ctx, room.ID); err != nil {
		return err
	}
	s.logger.Infow("closed room", "room_id", room.ID, "external_id", room.ExternalID)
	return nil
}

// closeDomain releases the engine router on the owning node, drops every
// transport row it held (returning the load units) and deletes the row.
func (s *routerService) closeDomain(ctx context.Context, router *domain.Router) error {
	worker, err := s.workers.GetByID(ctx, router.WorkerID)
	if err == nil {
		if closeErr := s.gateways.For(worker).CloseRouter(ctx, router.ID); closeErr != nil {
			s.placement.ObserveNodeError(ctx, closeErr)
			s.logger.Warnw("remote router release failed", "router_id", router.ID, "error", closeErr)
		}
	}

	transports, err := s.transports.FindByRouter(ctx, router.ID)
	if err != nil {
		s.logger.Warnw("failed to list transports for domain close", "router_id", router.ID, "error", err)
	}
	for _, transport := range transports {
		if err := s.transports.Delete(ctx, transport.ID); err != nil {
			s.logger.Warnw("failed to delete transport row", "transport_id", transport.ID, "error", err)
		}
	}

	return s.routers.Delete(ctx, router.ID)
}

// selectLocalRelayWorker is placement scoped to this node: consumer-side
// domains are always hosted by a relay worker the local node registered.
func (s *routerService) selectLocalRelayWorker(ctx context.Context) (*domain.WorkerNode, error) {
	workers, err := s.workers.ListByAddress(ctx, s.node.Host, s.node.APIPort)
	if err != nil {
		return nil, err
	}
	for _, worker := range workers {
		if worker.Role == domain.RoleRelay && worker.HasCapacity() {
			return worker, nil
		}
	}
	return nil, domain.ErrNoCapacityAvailable
}

func (s *routerService) compensateRouter(ctx context.Context, gw ports.WorkerGateway, routerID domain.RouterID) {
	if err := gw.CloseRouter(ctx, routerID); err != nil {
		s.logger.Warnw("failed to release routing domain during compensation", "router_id", routerID, "error", err)
	}
}
