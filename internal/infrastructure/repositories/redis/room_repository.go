package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisRoomRepository struct {
	client *redis.Client
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{client: client}
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return keyPrefix + "room:" + string(id)
}

func (r *RedisRoomRepository) externalKey(externalID string) string {
	return keyPrefix + "room:ext:" + externalID
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	// SetNX on the external-id index makes concurrent first-touch creates
	// collide visibly instead of silently overwriting each other.
	ok, err := r.client.SetNX(ctx, r.externalKey(room.ExternalID), string(room.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to index room in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("room already exists for external id: %s", room.ExternalID)
	}

	if err := r.client.Set(ctx, r.roomKey(room.ID), data, 0).Err(); err != nil {
		r.client.Del(ctx, r.externalKey(room.ExternalID))
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

func (r *RedisRoomRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Room, error) {
	id, err := r.client.Get(ctx, r.externalKey(externalID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve room from Redis: %w", err)
	}
	return r.GetByID(ctx, domain.RoomID(id))
}

func (r *RedisRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	exists, err := r.client.Exists(ctx, r.roomKey(room.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check room in Redis: %w", err)
	}
	if exists == 0 {
		return domain.ErrRoomNotFound
	}

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	if err := r.client.Set(ctx, r.roomKey(room.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.roomKey(id))
	pipe.Del(ctx, r.externalKey(room.ExternalID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	return nil
}
