package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"streamgrid/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventsChannel = "streamgrid:events"

// RedisEventBus fans producer lifecycle announcements out to every node in
// the mesh over one pub/sub channel. Subscribers filter out their own
// instance's events by id.
type RedisEventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

func NewRedisEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) ports.EventBus {
	return &RedisEventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (eb *RedisEventBus) Publish(ctx context.Context, event *ports.Event) error {
	event.InstanceID = eb.instanceID

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"stream_id", event.StreamID,
	)
	return nil
}

func (eb *RedisEventBus) Subscribe(ctx context.Context, handler func(*ports.Event)) error {
	pubsub := eb.client.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			var event ports.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("dropping malformed event", "error", err)
				continue
			}
			handler(&event)
		}
	}
}
