package distributed

import (
	"context"
	"sync"

	"streamgrid/internal/core/ports"
)

// MemoryEventBus is the single-node stand-in: publish delivers synchronously
// to subscribers in the same process. Single node means every event comes
// from this instance, so subscribers' own-instance filter drops them all,
// which is exactly the single-node semantics.
type MemoryEventBus struct {
	mu       sync.RWMutex
	handlers []func(*ports.Event)
}

func NewMemoryEventBus() ports.EventBus {
	return &MemoryEventBus{}
}

func (eb *MemoryEventBus) Publish(ctx context.Context, event *ports.Event) error {
	eb.mu.RLock()
	handlers := append(([]func(*ports.Event))(nil), eb.handlers...)
	eb.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
	return nil
}

func (eb *MemoryEventBus) Subscribe(ctx context.Context, handler func(*ports.Event)) error {
	eb.mu.Lock()
	eb.handlers = append(eb.handlers, handler)
	eb.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}
