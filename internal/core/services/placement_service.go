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

// WorkerSpec describes one local engine process to register.
type WorkerSpec struct {
	ProcessID   string
	Role        domain.WorkerRole
	MaxCapacity int
}

type placementService struct {
	workers ports.WorkerRepository
	node    domain.NodeInfo
	specs   []WorkerSpec
	logger  *zap.SugaredLogger
}

func NewPlacementService(workers ports.WorkerRepository, node domain.NodeInfo, specs []WorkerSpec, logger *zap.SugaredLogger) ports.PlacementService {
	return &placementService{
		workers: workers,
		node:    node,
		specs:   specs,
		logger:  logger,
	}
}

// RegisterLocal purges any rows left behind by a prior crash of this node,
// then inserts one row per local engine process.
func (s *placementService) RegisterLocal(ctx context.Context) error {
	if err := s.workers.DeleteByAddress(ctx, s.node.Host, s.node.APIPort); err != nil {
		return err
	}

	for _, spec := range s.specs {
		worker := &domain.WorkerNode{
			ID:           domain.WorkerID(utils.NewWorkerID()),
			Host:         s.node.Host,
			Port:         s.node.APIPort,
			ProcessID:    spec.ProcessID,
			Role:         spec.Role,
			MaxCapacity:  spec.MaxCapacity,
			CurrentLoad:  0,
			Alive:        true,
			RegisteredAt: time.Now(),
		}
		if err := s.workers.Insert(ctx, worker); err != nil {
			return err
		}
		s.logger.Infow("registered worker",
			"worker_id", worker.ID,
			"process_id", worker.ProcessID,
			"role", worker.Role,
			"capacity", worker.MaxCapacity,
		)
	}
	return nil
}

func (s *placementService) DeregisterLocal(ctx context.Context) error {
	s.logger.Infow("deregistering local workers", "host", s.node.Host, "port", s.node.APIPort)
	return s.workers.DeleteByAddress(ctx, s.node.Host, s.node.APIPort)
}

// SelectWorker is capacity-gated, not least-loaded: any alive worker under
// its cap is equally eligible.
func (s *placementService) SelectWorker(ctx context.Context, role domain.WorkerRole) (*domain.WorkerNode, error) {
	worker, err := s.workers.SelectAvailable(ctx, role)
	if err != nil {
		if errors.Is(err, domain.ErrNoCapacityAvailable) {
			s.logger.Warnw("no worker capacity available", "role", role)
		}
		return nil, err
	}
	return worker, nil
}

func (s *placementService) MarkUnreachable(ctx context.Context, host string, port int) error {
	s.logger.Warnw("marking node workers unreachable", "host", host, "port", port)
	return s.workers.MarkUnreachable(ctx, host, port)
}

// ObserveNodeError inspects a node-call failure. Connection-level failures
// flip liveness for every worker on that host:port; API-level errors do not.
func (s *placementService) ObserveNodeError(ctx context.Context, err error) {
	var unreachable *domain.NodeUnreachableError
	if !errors.As(err, &unreachable) {
		return
	}
	if markErr := s.MarkUnreachable(ctx, unreachable.Host, unreachable.Port); markErr != nil {
		s.logger.Errorw("failed to mark node unreachable",
			"host", unreachable.Host,
			"port", unreachable.Port,
			"error", markErr,
		)
	}
}
