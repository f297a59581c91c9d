package memory

import (
	"context"
	"fmt"
	"sync"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
)

type MemoryStreamRepository struct {
	streams map[domain.StreamID]*domain.Stream
	mu      sync.RWMutex
}

func NewMemoryStreamRepository() ports.StreamRepository {
	return &MemoryStreamRepository{
		streams: make(map[domain.StreamID]*domain.Stream),
	}
}

func (r *MemoryStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; exists {
		return fmt.Errorf("stream already exists: %s", stream.ID)
	}

	copied := *stream
	r.streams[stream.ID] = &copied
	return nil
}

func (r *MemoryStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, exists := r.streams[id]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}

	copied := *stream
	return &copied, nil
}

func (r *MemoryStreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; !exists {
		return domain.ErrStreamNotFound
	}

	copied := *stream
	r.streams[stream.ID] = &copied
	return nil
}

func (r *MemoryStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[id]; !exists {
		return domain.ErrStreamNotFound
	}

	delete(r.streams, id)
	return nil
}

func (r *MemoryStreamRepository) FindByTransport(ctx context.Context, transportID domain.TransportID) ([]*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var streams []*domain.Stream
	for _, stream := range r.streams {
		if stream.TransportID == transportID {
			copied := *stream
			streams = append(streams, &copied)
		}
	}
	return streams, nil
}

func (r *MemoryStreamRepository) FindProducersByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var streams []*domain.Stream
	for _, stream := range r.streams {
		if stream.RoomID == roomID && stream.Direction == domain.DirectionProduce {
			copied := *stream
			streams = append(streams, &copied)
		}
	}
	return streams, nil
}
