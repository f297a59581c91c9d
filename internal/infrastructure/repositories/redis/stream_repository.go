package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisStreamRepository struct {
	client *redis.Client
}

func NewRedisStreamRepository(client *redis.Client) ports.StreamRepository {
	return &RedisStreamRepository{client: client}
}

func (r *RedisStreamRepository) streamKey(id domain.StreamID) string {
	return keyPrefix + "stream:" + string(id)
}

func (r *RedisStreamRepository) transportStreamsKey(transportID domain.TransportID) string {
	return keyPrefix + "transport:" + string(transportID) + ":streams"
}

func (r *RedisStreamRepository) roomProducersKey(roomID domain.RoomID) string {
	return keyPrefix + "room:" + string(roomID) + ":producers"
}

func (r *RedisStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.streamKey(stream.ID), data, 0)
	pipe.SAdd(ctx, r.transportStreamsKey(stream.TransportID), string(stream.ID))
	if stream.Direction == domain.DirectionProduce {
		pipe.SAdd(ctx, r.roomProducersKey(stream.RoomID), string(stream.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set stream in Redis: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	data, err := r.client.Get(ctx, r.streamKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	var stream domain.Stream
	if err := json.Unmarshal([]byte(data), &stream); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return &stream, nil
}

func (r *RedisStreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	exists, err := r.client.Exists(ctx, r.streamKey(stream.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check stream in Redis: %w", err)
	}
	if exists == 0 {
		return domain.ErrStreamNotFound
	}

	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}
	if err := r.client.Set(ctx, r.streamKey(stream.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update stream in Redis: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	stream, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.streamKey(id))
	pipe.SRem(ctx, r.transportStreamsKey(stream.TransportID), string(id))
	if stream.Direction == domain.DirectionProduce {
		pipe.SRem(ctx, r.roomProducersKey(stream.RoomID), string(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete stream from Redis: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) FindByTransport(ctx context.Context, transportID domain.TransportID) ([]*domain.Stream, error) {
	ids, err := r.client.SMembers(ctx, r.transportStreamsKey(transportID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transport streams from Redis: %w", err)
	}
	return r.fetch(ctx, ids)
}

func (r *RedisStreamRepository) FindProducersByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Stream, error) {
	ids, err := r.client.SMembers(ctx, r.roomProducersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list room producers from Redis: %w", err)
	}
	return r.fetch(ctx, ids)
}

func (r *RedisStreamRepository) fetch(ctx context.Context, ids []string) ([]*domain.Stream, error) {
	var streams []*domain.Stream
	for _, id := range ids {
		stream, err := r.GetByID(ctx, domain.StreamID(id))
		if err != nil {
			continue
		}
		streams = append(streams, stream)
	}
	return streams, nil
}
