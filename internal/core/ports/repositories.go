package ports

import (
	"context"

	"streamgrid/internal/core/domain"
)

type WorkerRepository interface {
	Insert(ctx context.Context, worker *domain.WorkerNode) error
	GetByID(ctx context.Context, id domain.WorkerID) (*domain.WorkerNode, error)
	Delete(ctx context.Context, id domain.WorkerID) error
	// DeleteByAddress purges every row registered for host:port, regardless
	// of which process wrote it. Used to clear stale state on startup.
	DeleteByAddress(ctx context.Context, host string, port int) error
	// SelectAvailable returns any alive worker of the given role with spare
	// capacity, or domain.ErrNoCapacityAvailable.
	SelectAvailable(ctx context.Context, role domain.WorkerRole) (*domain.WorkerNode, error)
	MarkUnreachable(ctx context.Context, host string, port int) error
	ListByAddress(ctx context.Context, host string, port int) ([]*domain.WorkerNode, error)
	AdjustLoad(ctx context.Context, id domain.WorkerID, delta int) error
}

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
	Delete(ctx context.Context, id domain.RoomID) error
}

type RouterRepository interface {
	Create(ctx context.Context, router *domain.Router) error
	GetByID(ctx context.Context, id domain.RouterID) (*domain.Router, error)
	Update(ctx context.Context, router *domain.Router) error
	Delete(ctx context.Context, id domain.RouterID) error
	FindByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Router, error)
	// AddRelayedStream records that streamID has been mirrored into the
	// domain. The underlying set never holds the same id twice.
	AddRelayedStream(ctx context.Context, id domain.RouterID, streamID domain.StreamID, data bool) error
	IsStreamRelayed(ctx context.Context, id domain.RouterID, streamID domain.StreamID, data bool) (bool, error)
}

type TransportRepository interface {
	// Create writes the transport row and increments the owning worker's
	// load in the same repository operation.
	Create(ctx context.Context, transport *domain.Transport) error
	GetByID(ctx context.Context, id domain.TransportID) (*domain.Transport, error)
	// Delete removes the row, cascades to child streams and decrements the
	// owning worker's load.
	Delete(ctx context.Context, id domain.TransportID) error
	FindByRouter(ctx context.Context, routerID domain.RouterID) ([]*domain.Transport, error)
}

type StreamRepository interface {
	Create(ctx context.Context, stream *domain.Stream) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	Update(ctx context.Context, stream *domain.Stream) error
	Delete(ctx context.Context, id domain.StreamID) error
	FindByTransport(ctx context.Context, transportID domain.TransportID) ([]*domain.Stream, error)
	FindProducersByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Stream, error)
}
