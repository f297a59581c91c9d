package memory

import (
	"context"
	"fmt"
	"sync"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms      map[domain.RoomID]*domain.Room
	byExternal map[string]domain.RoomID
	mu         sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms:      make(map[domain.RoomID]*domain.Room),
		byExternal: make(map[string]domain.RoomID),
	}
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return fmt.Errorf("room already exists: %s", room.ID)
	}
	if _, exists := r.byExternal[room.ExternalID]; exists {
		return fmt.Errorf("room already exists for external id: %s", room.ExternalID)
	}

	copied := *room
	r.rooms[room.ID] = &copied
	r.byExternal[room.ExternalID] = room.ID
	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	copied := *room
	return &copied, nil
}

func (r *MemoryRoomRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byExternal[externalID]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	copied := *r.rooms[id]
	return &copied, nil
}

func (r *MemoryRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; !exists {
		return domain.ErrRoomNotFound
	}

	copied := *room
	r.rooms[room.ID] = &copied
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}

	delete(r.byExternal, room.ExternalID)
	delete(r.rooms, id)
	return nil
}
