package memory

import (
	"context"
	"fmt"
	"sync"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
)

type MemoryRouterRepository struct {
	routers map[domain.RouterID]*domain.Router
	mu      sync.RWMutex
}

func NewMemoryRouterRepository() ports.RouterRepository {
	return &MemoryRouterRepository{
		routers: make(map[domain.RouterID]*domain.Router),
	}
}

func (r *MemoryRouterRepository) Create(ctx context.Context, router *domain.Router) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routers[router.ID]; exists {
		return fmt.Errorf("router already exists: %s", router.ID)
	}

	copied := cloneRouter(router)
	r.routers[router.ID] = copied
	return nil
}

func (r *MemoryRouterRepository) GetByID(ctx context.Context, id domain.RouterID) (*domain.Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	router, exists := r.routers[id]
	if !exists {
		return nil, domain.ErrRouterNotFound
	}
	return cloneRouter(router), nil
}

func (r *MemoryRouterRepository) Update(ctx context.Context, router *domain.Router) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routers[router.ID]; !exists {
		return domain.ErrRouterNotFound
	}
	r.routers[router.ID] = cloneRouter(router)
	return nil
}

func (r *MemoryRouterRepository) Delete(ctx context.Context, id domain.RouterID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routers[id]; !exists {
		return domain.ErrRouterNotFound
	}
	delete(r.routers, id)
	return nil
}

func (r *MemoryRouterRepository) FindByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var routers []*domain.Router
	for _, router := range r.routers {
		if router.RoomID == roomID {
			routers = append(routers, cloneRouter(router))
		}
	}
	return routers, nil
}

func (r *MemoryRouterRepository) AddRelayedStream(ctx context.Context, id domain.RouterID, streamID domain.StreamID, data bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	router, exists := r.routers[id]
	if !exists {
		return domain.ErrRouterNotFound
	}

	ids := &router.RelayedStreamIDs
	if data {
		ids = &router.RelayedDataStreamIDs
	}
	for _, existing := range *ids {
		if existing == streamID {
			return nil
		}
	}
	*ids = append(*ids, streamID)
	return nil
}

func (r *MemoryRouterRepository) IsStreamRelayed(ctx context.Context, id domain.RouterID, streamID domain.StreamID, data bool) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	router, exists := r.routers[id]
	if !exists {
		return false, domain.ErrRouterNotFound
	}

	ids := router.RelayedStreamIDs
	if data {
		ids = router.RelayedDataStreamIDs
	}
	for _, existing := range ids {
		if existing == streamID {
			return true, nil
		}
	}
	return false, nil
}

func cloneRouter(router *domain.Router) *domain.Router {
	copied := *router
	copied.RelayedStreamIDs = append([]domain.StreamID(nil), router.RelayedStreamIDs...)
	copied.RelayedDataStreamIDs = append([]domain.StreamID(nil), router.RelayedDataStreamIDs...)
	return &copied
}
