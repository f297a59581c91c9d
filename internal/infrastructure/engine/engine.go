package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"go.uber.org/zap"
)

// Options configures the local engine process fleet.
type Options struct {
	Binary      string
	AnnouncedIP string
	RTCPortMin  uint16
	RTCPortMax  uint16
}

// Engine drives the node's native media engine processes and satisfies the
// media engine port. Routing domains, transports and streams created on a
// process are remembered so later calls reach the owning process without
// the caller naming it.
type Engine struct {
	opts   Options
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	workers map[string]*Worker // by process id
	objects map[string]*Worker // engine object id -> owning process
}

func New(opts Options, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		opts:    opts,
		logger:  logger,
		workers: make(map[string]*Worker),
		objects: make(map[string]*Worker),
	}
}

// StartWorkers spawns count processes, slicing the RTC port range evenly
// between them, and returns their process ids.
func (e *Engine) StartWorkers(ctx context.Context, prefix string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}

	var span uint16
	if e.opts.RTCPortMax > e.opts.RTCPortMin {
		span = (e.opts.RTCPortMax - e.opts.RTCPortMin) / uint16(count)
	}

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		args := []string{"--id", id}
		if span > 0 {
			min := e.opts.RTCPortMin + uint16(i)*span
			args = append(args,
				fmt.Sprintf("--rtc-min-port=%d", min),
				fmt.Sprintf("--rtc-max-port=%d", min+span-1),
			)
		}
		if e.opts.AnnouncedIP != "" {
			args = append(args, "--announced-ip="+e.opts.AnnouncedIP)
		}

		worker, err := SpawnWorker(ctx, id, e.opts.Binary, args, e.logger)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to spawn engine process %s: %w", id, err)
		}

		e.mu.Lock()
		e.workers[id] = worker
		e.mu.Unlock()
		ids = append(ids, id)
		e.logger.Infow("spawned engine process", "process_id", id)
	}
	return ids, nil
}

// Close terminates every engine process.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, worker := range e.workers {
		if err := worker.Close(); err != nil {
			e.logger.Warnw("failed to close engine process", "process_id", id, "error", err)
		}
		delete(e.workers, id)
	}
}

func (e *Engine) process(id string) (*Worker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	worker, ok := e.workers[id]
	if !ok {
		return nil, fmt.Errorf("unknown engine process: %s", id)
	}
	return worker, nil
}

func (e *Engine) owner(objectID string, missing error) (*Worker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	worker, ok := e.objects[objectID]
	if !ok {
		return nil, missing
	}
	return worker, nil
}

func (e *Engine) bind(objectID string, worker *Worker) {
	e.mu.Lock()
	e.objects[objectID] = worker
	e.mu.Unlock()
}

func (e *Engine) unbind(objectID string) {
	e.mu.Lock()
	delete(e.objects, objectID)
	e.mu.Unlock()
}

func (e *Engine) CreateRouter(ctx context.Context, processID string) (string, json.RawMessage, error) {
	worker, err := e.process(processID)
	if err != nil {
		return "", nil, err
	}

	data, err := worker.Call(ctx, "router.create", nil)
	if err != nil {
		return "", nil, err
	}

	var resp struct {
		ID              string          `json:"id"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nil, fmt.Errorf("failed to decode router.create response: %w", err)
	}
	e.bind(resp.ID, worker)
	return resp.ID, resp.RTPCapabilities, nil
}

func (e *Engine) CloseRouter(ctx context.Context, routerID string) error {
	worker, err := e.owner(routerID, domain.ErrRouterNotFound)
	if err != nil {
		return err
	}
	defer e.unbind(routerID)
	_, err = worker.Call(ctx, "router.close", map[string]string{"routerId": routerID})
	return err
}

func (e *Engine) RouterCapabilities(ctx context.Context, routerID string) (json.RawMessage, error) {
	worker, err := e.owner(routerID, domain.ErrRouterNotFound)
	if err != nil {
		return nil, err
	}
	return worker.Call(ctx, "router.capabilities", map[string]string{"routerId": routerID})
}

func (e *Engine) CreateTransport(ctx context.Context, routerID string, opts ports.TransportOptions) (*ports.TransportInfo, error) {
	worker, err := e.owner(routerID, domain.ErrRouterNotFound)
	if err != nil {
		return nil, err
	}

	data, err := worker.Call(ctx, "transport.create", map[string]interface{}{
		"routerId": routerID,
		"options":  opts,
	})
	if err != nil {
		return nil, err
	}

	var info ports.TransportInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode transport.create response: %w", err)
	}
	e.bind(info.ID, worker)
	return &info, nil
}

func (e *Engine) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	worker, err := e.owner(transportID, domain.ErrTransportNotFound)
	if err != nil {
		return err
	}
	_, err = worker.Call(ctx, "transport.connect", map[string]interface{}{
		"transportId":    transportID,
		"dtlsParameters": dtlsParameters,
	})
	return err
}

func (e *Engine) RestartICE(ctx context.Context, transportID string) (json.RawMessage, error) {
	worker, err := e.owner(transportID, domain.ErrTransportNotFound)
	if err != nil {
		return nil, err
	}
	return worker.Call(ctx, "transport.restartIce", map[string]string{"transportId": transportID})
}

func (e *Engine) CloseTransport(ctx context.Context, transportID string) error {
	worker, err := e.owner(transportID, domain.ErrTransportNotFound)
	if err != nil {
		return err
	}
	defer e.unbind(transportID)
	_, err = worker.Call(ctx, "transport.close", map[string]string{"transportId": transportID})
	return err
}

func (e *Engine) TransportStats(ctx context.Context, transportID string) (json.RawMessage, error) {
	worker, err := e.owner(transportID, domain.ErrTransportNotFound)
	if err != nil {
		return nil, err
	}
	return worker.Call(ctx, "transport.stats", map[string]string{"transportId": transportID})
}

func (e *Engine) CreateRelayTransport(ctx context.Context, routerID string) (*ports.RelayTransportInfo, error) {
	worker, err := e.owner(routerID, domain.ErrRouterNotFound)
	if err != nil {
		return nil, err
	}

	data, err := worker.Call(ctx, "relayTransport.create", map[string]string{"routerId": routerID})
	if err != nil {
		return nil, err
	}

	var info ports.RelayTransportInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode relayTransport.create response: %w", err)
	}
	e.bind(info.ID, worker)
	return &info, nil
}

func (e *Engine) ConnectRelayTransport(ctx context.Context, transportID string, remote ports.RelayEndpoint) error {
	worker, err := e.owner(transportID, domain.ErrTransportNotFound)
	if err != nil {
		return err
	}
	_, err = worker.Call(ctx, "relayTransport.connect", map[string]interface{}{
		"transportId": transportID,
		"endpoint":    remote,
	})
	return err
}

func (e *Engine) Produce(ctx context.Context, transportID string, opts ports.ProduceOptions) (string, error) {
	return e.produce(ctx, "produce", transportID, opts)
}

func (e *Engine) ProduceData(ctx context.Context, transportID string, opts ports.ProduceOptions) (string, error) {
	return e.produce(ctx, "produceData", transportID, opts)
}

func (e *Engine) produce(ctx context.Context, method, transportID string, opts ports.ProduceOptions) (string, error) {
	worker, err := e.owner(transportID, domain.ErrTransportNotFound)
	if err != nil {
		return "", err
	}

	data, err := worker.Call(ctx, method, map[string]interface{}{
		"transportId": transportID,
		"options":     opts,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	e.bind(resp.ID, worker)
	return resp.ID, nil
}

func (e *Engine) Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*ports.ConsumeInfo, error) {
	return e.consume(ctx, "consume", transportID, map[string]interface{}{
		"transportId":     transportID,
		"producerId":      producerID,
		"rtpCapabilities": rtpCapabilities,
	})
}

func (e *Engine) ConsumeData(ctx context.Context, transportID, dataProducerID string) (*ports.ConsumeInfo, error) {
	return e.consume(ctx, "consumeData", transportID, map[string]interface{}{
		"transportId":    transportID,
		"dataProducerId": dataProducerID,
	})
}

func (e *Engine) consume(ctx context.Context, method, transportID string, payload map[string]interface{}) (*ports.ConsumeInfo, error) {
	worker, err := e.owner(transportID, domain.ErrTransportNotFound)
	if err != nil {
		return nil, err
	}

	data, err := worker.Call(ctx, method, payload)
	if err != nil {
		return nil, err
	}

	var info ports.ConsumeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	e.bind(info.ID, worker)
	return &info, nil
}

func (e *Engine) CloseStream(ctx context.Context, streamID string) error {
	worker, err := e.owner(streamID, domain.ErrStreamNotFound)
	if err != nil {
		return err
	}
	defer e.unbind(streamID)
	_, err = worker.Call(ctx, "stream.close", map[string]string{"streamId": streamID})
	return err
}

func (e *Engine) PauseStream(ctx context.Context, streamID string) error {
	return e.streamOp(ctx, "stream.pause", streamID)
}

func (e *Engine) ResumeStream(ctx context.Context, streamID string) error {
	return e.streamOp(ctx, "stream.resume", streamID)
}

func (e *Engine) streamOp(ctx context.Context, method, streamID string) error {
	worker, err := e.owner(streamID, domain.ErrStreamNotFound)
	if err != nil {
		return err
	}
	_, err = worker.Call(ctx, method, map[string]string{"streamId": streamID})
	return err
}

func (e *Engine) SetPreferredLayers(ctx context.Context, consumerID string, spatial, temporal int) error {
	worker, err := e.owner(consumerID, domain.ErrStreamNotFound)
	if err != nil {
		return err
	}
	_, err = worker.Call(ctx, "consumer.setPreferredLayers", map[string]interface{}{
		"consumerId":    consumerID,
		"spatialLayer":  spatial,
		"temporalLayer": temporal,
	})
	return err
}

func (e *Engine) SetPriority(ctx context.Context, consumerID string, priority int) error {
	worker, err := e.owner(consumerID, domain.ErrStreamNotFound)
	if err != nil {
		return err
	}
	_, err = worker.Call(ctx, "consumer.setPriority", map[string]interface{}{
		"consumerId": consumerID,
		"priority":   priority,
	})
	return err
}

func (e *Engine) RequestKeyFrame(ctx context.Context, consumerID string) error {
	worker, err := e.owner(consumerID, domain.ErrStreamNotFound)
	if err != nil {
		return err
	}
	_, err = worker.Call(ctx, "consumer.requestKeyFrame", map[string]string{"consumerId": consumerID})
	return err
}

func (e *Engine) StreamStats(ctx context.Context, streamID string) (json.RawMessage, error) {
	worker, err := e.owner(streamID, domain.ErrStreamNotFound)
	if err != nil {
		return nil, err
	}
	return worker.Call(ctx, "stream.stats", map[string]string{"streamId": streamID})
}
