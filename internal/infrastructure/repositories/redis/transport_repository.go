package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisTransportRepository writes the transport row and the worker load
// adjustment in one transaction, so a crash between the two cannot leave
// capacity accounting out of step with the rows.
type RedisTransportRepository struct {
	client  *redis.Client
	streams ports.StreamRepository
}

func NewRedisTransportRepository(client *redis.Client, streams ports.StreamRepository) ports.TransportRepository {
	return &RedisTransportRepository{client: client, streams: streams}
}

func (r *RedisTransportRepository) transportKey(id domain.TransportID) string {
	return keyPrefix + "transport:" + string(id)
}

func (r *RedisTransportRepository) routerTransportsKey(routerID domain.RouterID) string {
	return keyPrefix + "router:" + string(routerID) + ":transports"
}

func (r *RedisTransportRepository) workerLoadKey(id domain.WorkerID) string {
	return keyPrefix + "worker:" + string(id) + ":load"
}

func (r *RedisTransportRepository) Create(ctx context.Context, transport *domain.Transport) error {
	data, err := json.Marshal(transport)
	if err != nil {
		return fmt.Errorf("failed to marshal transport: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.transportKey(transport.ID), data, 0)
	pipe.SAdd(ctx, r.routerTransportsKey(transport.RouterID), string(transport.ID))
	pipe.IncrBy(ctx, r.workerLoadKey(transport.WorkerID), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set transport in Redis: %w", err)
	}
	return nil
}

func (r *RedisTransportRepository) GetByID(ctx context.Context, id domain.TransportID) (*domain.Transport, error) {
	data, err := r.client.Get(ctx, r.transportKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrTransportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transport from Redis: %w", err)
	}

	var transport domain.Transport
	if err := json.Unmarshal([]byte(data), &transport); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transport: %w", err)
	}
	return &transport, nil
}

func (r *RedisTransportRepository) Delete(ctx context.Context, id domain.TransportID) error {
	transport, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	// Child stream rows go first so a failure midway leaves the transport
	// row discoverable for a retried delete.
	streams, err := r.streams.FindByTransport(ctx, id)
	if err == nil {
		for _, stream := range streams {
			r.streams.Delete(ctx, stream.ID)
		}
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.transportKey(id))
	pipe.SRem(ctx, r.routerTransportsKey(transport.RouterID), string(id))
	pipe.DecrBy(ctx, r.workerLoadKey(transport.WorkerID), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete transport from Redis: %w", err)
	}
	return nil
}

func (r *RedisTransportRepository) FindByRouter(ctx context.Context, routerID domain.RouterID) ([]*domain.Transport, error) {
	ids, err := r.client.SMembers(ctx, r.routerTransportsKey(routerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list router transports from Redis: %w", err)
	}

	var transports []*domain.Transport
	for _, id := range ids {
		transport, err := r.GetByID(ctx, domain.TransportID(id))
		if err != nil {
			continue
		}
		transports = append(transports, transport)
	}
	return transports, nil
}
