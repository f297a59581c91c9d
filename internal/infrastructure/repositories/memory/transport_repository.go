package memory

import (
	"context"
	"fmt"
	"sync"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
)

// MemoryTransportRepository keeps the load-accounting contract: creating a
// row bumps the owning worker's load, deleting it gives the unit back and
// cascades to the transport's streams.
type MemoryTransportRepository struct {
	transports map[domain.TransportID]*domain.Transport
	mu         sync.Mutex

	workers ports.WorkerRepository
	streams ports.StreamRepository
}

func NewMemoryTransportRepository(workers ports.WorkerRepository, streams ports.StreamRepository) ports.TransportRepository {
	return &MemoryTransportRepository{
		transports: make(map[domain.TransportID]*domain.Transport),
		workers:    workers,
		streams:    streams,
	}
}

func (r *MemoryTransportRepository) Create(ctx context.Context, transport *domain.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transports[transport.ID]; exists {
		return fmt.Errorf("transport already exists: %s", transport.ID)
	}

	if err := r.workers.AdjustLoad(ctx, transport.WorkerID, 1); err != nil {
		return err
	}

	copied := *transport
	r.transports[transport.ID] = &copied
	return nil
}

func (r *MemoryTransportRepository) GetByID(ctx context.Context, id domain.TransportID) (*domain.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	transport, exists := r.transports[id]
	if !exists {
		return nil, domain.ErrTransportNotFound
	}

	copied := *transport
	return &copied, nil
}

func (r *MemoryTransportRepository) Delete(ctx context.Context, id domain.TransportID) error {
	r.mu.Lock()
	transport, exists := r.transports[id]
	if !exists {
		r.mu.Unlock()
		return domain.ErrTransportNotFound
	}
	delete(r.transports, id)
	r.mu.Unlock()

	streams, err := r.streams.FindByTransport(ctx, id)
	if err == nil {
		for _, stream := range streams {
			r.streams.Delete(ctx, stream.ID)
		}
	}

	return r.workers.AdjustLoad(ctx, transport.WorkerID, -1)
}

func (r *MemoryTransportRepository) FindByRouter(ctx context.Context, routerID domain.RouterID) ([]*domain.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var transports []*domain.Transport
	for _, transport := range r.transports {
		if transport.RouterID == routerID {
			copied := *transport
			transports = append(transports, &copied)
		}
	}
	return transports, nil
}
