package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisWorkerRepository stores worker rows as JSON blobs. The load counter
// lives in a separate integer key so concurrent increments never race
// through a read-modify-write of the blob.
type RedisWorkerRepository struct {
	client *redis.Client
}

func NewRedisWorkerRepository(client *redis.Client) ports.WorkerRepository {
	return &RedisWorkerRepository{client: client}
}

func (r *RedisWorkerRepository) workerKey(id domain.WorkerID) string {
	return keyPrefix + "worker:" + string(id)
}

func (r *RedisWorkerRepository) loadKey(id domain.WorkerID) string {
	return keyPrefix + "worker:" + string(id) + ":load"
}

func (r *RedisWorkerRepository) allKey() string {
	return keyPrefix + "workers"
}

func (r *RedisWorkerRepository) nodeKey(host string, port int) string {
	return fmt.Sprintf("%snode:%s:%d:workers", keyPrefix, host, port)
}

func (r *RedisWorkerRepository) Insert(ctx context.Context, worker *domain.WorkerNode) error {
	data, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("failed to marshal worker: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.workerKey(worker.ID), data, 0)
	pipe.Set(ctx, r.loadKey(worker.ID), worker.CurrentLoad, 0)
	pipe.SAdd(ctx, r.allKey(), string(worker.ID))
	pipe.SAdd(ctx, r.nodeKey(worker.Host, worker.Port), string(worker.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert worker in Redis: %w", err)
	}
	return nil
}

func (r *RedisWorkerRepository) GetByID(ctx context.Context, id domain.WorkerID) (*domain.WorkerNode, error) {
	data, err := r.client.Get(ctx, r.workerKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker from Redis: %w", err)
	}

	var worker domain.WorkerNode
	if err := json.Unmarshal([]byte(data), &worker); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker: %w", err)
	}

	load, err := r.client.Get(ctx, r.loadKey(id)).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get worker load from Redis: %w", err)
	}
	worker.CurrentLoad = load
	return &worker, nil
}

func (r *RedisWorkerRepository) Delete(ctx context.Context, id domain.WorkerID) error {
	worker, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.workerKey(id), r.loadKey(id))
	pipe.SRem(ctx, r.allKey(), string(id))
	pipe.SRem(ctx, r.nodeKey(worker.Host, worker.Port), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete worker from Redis: %w", err)
	}
	return nil
}

func (r *RedisWorkerRepository) DeleteByAddress(ctx context.Context, host string, port int) error {
	ids, err := r.client.SMembers(ctx, r.nodeKey(host, port)).Result()
	if err != nil {
		return fmt.Errorf("failed to list node workers from Redis: %w", err)
	}

	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.workerKey(domain.WorkerID(id)), r.loadKey(domain.WorkerID(id)))
		pipe.SRem(ctx, r.allKey(), id)
	}
	pipe.Del(ctx, r.nodeKey(host, port))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to purge node workers from Redis: %w", err)
	}
	return nil
}

func (r *RedisWorkerRepository) SelectAvailable(ctx context.Context, role domain.WorkerRole) (*domain.WorkerNode, error) {
	ids, err := r.client.SMembers(ctx, r.allKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers from Redis: %w", err)
	}

	for _, id := range ids {
		worker, err := r.GetByID(ctx, domain.WorkerID(id))
		if err != nil {
			continue
		}
		if worker.Role == role && worker.Alive && worker.HasCapacity() {
			return worker, nil
		}
	}
	return nil, domain.ErrNoCapacityAvailable
}

func (r *RedisWorkerRepository) MarkUnreachable(ctx context.Context, host string, port int) error {
	workers, err := r.ListByAddress(ctx, host, port)
	if err != nil {
		return err
	}
	for _, worker := range workers {
		worker.Alive = false
		data, err := json.Marshal(worker)
		if err != nil {
			return fmt.Errorf("failed to marshal worker: %w", err)
		}
		if err := r.client.Set(ctx, r.workerKey(worker.ID), data, 0).Err(); err != nil {
			return fmt.Errorf("failed to mark worker unreachable in Redis: %w", err)
		}
	}
	return nil
}

func (r *RedisWorkerRepository) ListByAddress(ctx context.Context, host string, port int) ([]*domain.WorkerNode, error) {
	ids, err := r.client.SMembers(ctx, r.nodeKey(host, port)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list node workers from Redis: %w", err)
	}

	var workers []*domain.WorkerNode
	for _, id := range ids {
		worker, err := r.GetByID(ctx, domain.WorkerID(id))
		if err != nil {
			continue
		}
		workers = append(workers, worker)
	}
	return workers, nil
}

func (r *RedisWorkerRepository) AdjustLoad(ctx context.Context, id domain.WorkerID, delta int) error {
	exists, err := r.client.Exists(ctx, r.workerKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check worker in Redis: %w", err)
	}
	if exists == 0 {
		return domain.ErrWorkerNotFound
	}
	if err := r.client.IncrBy(ctx, r.loadKey(id), int64(delta)).Err(); err != nil {
		return fmt.Errorf("failed to adjust worker load in Redis: %w", err)
	}
	return nil
}
