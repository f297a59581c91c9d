package memory

import (
	"context"
	"fmt"
	"sync"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
)

type MemoryWorkerRepository struct {
	workers map[domain.WorkerID]*domain.WorkerNode
	mu      sync.RWMutex
}

func NewMemoryWorkerRepository() ports.WorkerRepository {
	return &MemoryWorkerRepository{
		workers: make(map[domain.WorkerID]*domain.WorkerNode),
	}
}

func (r *MemoryWorkerRepository) Insert(ctx context.Context, worker *domain.WorkerNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[worker.ID]; exists {
		return fmt.Errorf("worker already exists: %s", worker.ID)
	}

	copied := *worker
	r.workers[worker.ID] = &copied
	return nil
}

func (r *MemoryWorkerRepository) GetByID(ctx context.Context, id domain.WorkerID) (*domain.WorkerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, exists := r.workers[id]
	if !exists {
		return nil, domain.ErrWorkerNotFound
	}

	copied := *worker
	return &copied, nil
}

func (r *MemoryWorkerRepository) Delete(ctx context.Context, id domain.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; !exists {
		return domain.ErrWorkerNotFound
	}

	delete(r.workers, id)
	return nil
}

func (r *MemoryWorkerRepository) DeleteByAddress(ctx context.Context, host string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, worker := range r.workers {
		if worker.Host == host && worker.Port == port {
			delete(r.workers, id)
		}
	}
	return nil
}

func (r *MemoryWorkerRepository) SelectAvailable(ctx context.Context, role domain.WorkerRole) (*domain.WorkerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, worker := range r.workers {
		if worker.Role == role && worker.Alive && worker.HasCapacity() {
			copied := *worker
			return &copied, nil
		}
	}
	return nil, domain.ErrNoCapacityAvailable
}

func (r *MemoryWorkerRepository) MarkUnreachable(ctx context.Context, host string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, worker := range r.workers {
		if worker.Host == host && worker.Port == port {
			worker.Alive = false
		}
	}
	return nil
}

func (r *MemoryWorkerRepository) ListByAddress(ctx context.Context, host string, port int) ([]*domain.WorkerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var workers []*domain.WorkerNode
	for _, worker := range r.workers {
		if worker.Host == host && worker.Port == port {
			copied := *worker
			workers = append(workers, &copied)
		}
	}
	return workers, nil
}

func (r *MemoryWorkerRepository) AdjustLoad(ctx context.Context, id domain.WorkerID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[id]
	if !exists {
		return domain.ErrWorkerNotFound
	}

	worker.CurrentLoad += delta
	if worker.CurrentLoad < 0 {
		worker.CurrentLoad = 0
	}
	return nil
}
