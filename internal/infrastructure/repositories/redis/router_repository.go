package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRouterRepository keeps routing-domain rows plus the relayed-stream
// markers. The markers are Redis sets: membership is naturally exactly-once
// no matter how many times the same id is added.
type RedisRouterRepository struct {
	client *redis.Client
}

func NewRedisRouterRepository(client *redis.Client) ports.RouterRepository {
	return &RedisRouterRepository{client: client}
}

func (r *RedisRouterRepository) routerKey(id domain.RouterID) string {
	return keyPrefix + "router:" + string(id)
}

func (r *RedisRouterRepository) roomRoutersKey(roomID domain.RoomID) string {
	return keyPrefix + "room:" + string(roomID) + ":routers"
}

func (r *RedisRouterRepository) relayedKey(id domain.RouterID, data bool) string {
	if data {
		return keyPrefix + "router:" + string(id) + ":relayed:data"
	}
	return keyPrefix + "router:" + string(id) + ":relayed"
}

func (r *RedisRouterRepository) Create(ctx context.Context, router *domain.Router) error {
	data, err := json.Marshal(router)
	if err != nil {
		return fmt.Errorf("failed to marshal router: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.routerKey(router.ID), data, 0)
	pipe.SAdd(ctx, r.roomRoutersKey(router.RoomID), string(router.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set router in Redis: %w", err)
	}
	return nil
}

func (r *RedisRouterRepository) GetByID(ctx context.Context, id domain.RouterID) (*domain.Router, error) {
	data, err := r.client.Get(ctx, r.routerKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRouterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get router from Redis: %w", err)
	}

	var router domain.Router
	if err := json.Unmarshal([]byte(data), &router); err != nil {
		return nil, fmt.Errorf("failed to unmarshal router: %w", err)
	}
	return &router, nil
}

func (r *RedisRouterRepository) Update(ctx context.Context, router *domain.Router) error {
	exists, err := r.client.Exists(ctx, r.routerKey(router.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check router in Redis: %w", err)
	}
	if exists == 0 {
		return domain.ErrRouterNotFound
	}

	data, err := json.Marshal(router)
	if err != nil {
		return fmt.Errorf("failed to marshal router: %w", err)
	}
	if err := r.client.Set(ctx, r.routerKey(router.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update router in Redis: %w", err)
	}
	return nil
}

func (r *RedisRouterRepository) Delete(ctx context.Context, id domain.RouterID) error {
	router, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.routerKey(id), r.relayedKey(id, false), r.relayedKey(id, true))
	pipe.SRem(ctx, r.roomRoutersKey(router.RoomID), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete router from Redis: %w", err)
	}
	return nil
}

func (r *RedisRouterRepository) FindByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Router, error) {
	ids, err := r.client.SMembers(ctx, r.roomRoutersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list room routers from Redis: %w", err)
	}

	var routers []*domain.Router
	for _, id := range ids {
		router, err := r.GetByID(ctx, domain.RouterID(id))
		if err != nil {
			continue
		}
		routers = append(routers, router)
	}
	return routers, nil
}

func (r *RedisRouterRepository) AddRelayedStream(ctx context.Context, id domain.RouterID, streamID domain.StreamID, data bool) error {
	if err := r.client.SAdd(ctx, r.relayedKey(id, data), string(streamID)).Err(); err != nil {
		return fmt.Errorf("failed to add relayed stream marker in Redis: %w", err)
	}
	return nil
}

func (r *RedisRouterRepository) IsStreamRelayed(ctx context.Context, id domain.RouterID, streamID domain.StreamID, data bool) (bool, error) {
	relayed, err := r.client.SIsMember(ctx, r.relayedKey(id, data), string(streamID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check relayed stream marker in Redis: %w", err)
	}
	return relayed, nil
}
