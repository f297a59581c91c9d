package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
	eventbus "streamgrid/internal/infrastructure/distributed"
	"streamgrid/internal/infrastructure/monitoring"
	"streamgrid/internal/infrastructure/repositories/memory"
	lockpkg "streamgrid/pkg/distributed"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeEngine is an in-memory stand-in for the media engine processes. Every
// call succeeds with deterministic ids unless a one-shot failure was armed
// for its method.
type fakeEngine struct {
	mu       sync.Mutex
	seq      int
	failures map[string]error
	calls    map[string]int

	// loseMirrorID makes mirrored produce calls ignore the forced stream
	// id, to exercise the mirror identity check.
	loseMirrorID bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (e *fakeEngine) failOnce(method string, err error) {
	e.mu.Lock()
	e.failures[method] = err
	e.mu.Unlock()
}

func (e *fakeEngine) count(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

func (e *fakeEngine) begin(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[method]++
	if err, ok := e.failures[method]; ok {
		delete(e.failures, method)
		return err
	}
	return nil
}

func (e *fakeEngine) nextID(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

func (e *fakeEngine) CreateRouter(ctx context.Context, processID string) (string, json.RawMessage, error) {
	if err := e.begin("createRouter"); err != nil {
		return "", nil, err
	}
	return e.nextID("router"), json.RawMessage(`{"codecs":[]}`), nil
}

func (e *fakeEngine) CloseRouter(ctx context.Context, routerID string) error {
	return e.begin("closeRouter")
}

func (e *fakeEngine) RouterCapabilities(ctx context.Context, routerID string) (json.RawMessage, error) {
	if err := e.begin("routerCapabilities"); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"codecs":[]}`), nil
}

func (e *fakeEngine) CreateTransport(ctx context.Context, routerID string, opts ports.TransportOptions) (*ports.TransportInfo, error) {
	if err := e.begin("createTransport"); err != nil {
		return nil, err
	}
	return &ports.TransportInfo{
		ID:             e.nextID("transport"),
		ICEParameters:  json.RawMessage(`{}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{}`),
	}, nil
}

func (e *fakeEngine) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	return e.begin("connectTransport")
}

func (e *fakeEngine) RestartICE(ctx context.Context, transportID string) (json.RawMessage, error) {
	if err := e.begin("restartIce"); err != nil {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}

func (e *fakeEngine) CloseTransport(ctx context.Context, transportID string) error {
	return e.begin("closeTransport")
}

func (e *fakeEngine) TransportStats(ctx context.Context, transportID string) (json.RawMessage, error) {
	if err := e.begin("transportStats"); err != nil {
		return nil, err
	}
	return json.RawMessage(`[]`), nil
}

func (e *fakeEngine) CreateRelayTransport(ctx context.Context, routerID string) (*ports.RelayTransportInfo, error) {
	if err := e.begin("createRelayTransport"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	port := 40000 + e.seq
	e.mu.Unlock()
	return &ports.RelayTransportInfo{
		ID:       e.nextID("relay-transport"),
		Endpoint: ports.RelayEndpoint{IP: "127.0.0.1", Port: port},
	}, nil
}

func (e *fakeEngine) ConnectRelayTransport(ctx context.Context, transportID string, remote ports.RelayEndpoint) error {
	return e.begin("connectRelayTransport")
}

func (e *fakeEngine) Produce(ctx context.Context, transportID string, opts ports.ProduceOptions) (string, error) {
	if err := e.begin("produce"); err != nil {
		return "", err
	}
	if opts.StreamID != "" && !e.loseMirrorID {
		return opts.StreamID, nil
	}
	return e.nextID("stream"), nil
}

func (e *fakeEngine) ProduceData(ctx context.Context, transportID string, opts ports.ProduceOptions) (string, error) {
	if err := e.begin("produceData"); err != nil {
		return "", err
	}
	if opts.StreamID != "" && !e.loseMirrorID {
		return opts.StreamID, nil
	}
	return e.nextID("stream"), nil
}

func (e *fakeEngine) Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*ports.ConsumeInfo, error) {
	if err := e.begin("consume"); err != nil {
		return nil, err
	}
	return &ports.ConsumeInfo{
		ID:            e.nextID("consumer"),
		ProducerID:    producerID,
		Kind:          "video",
		RTPParameters: json.RawMessage(`{}`),
		Paused:        true,
	}, nil
}

func (e *fakeEngine) ConsumeData(ctx context.Context, transportID, dataProducerID string) (*ports.ConsumeInfo, error) {
	if err := e.begin("consumeData"); err != nil {
		return nil, err
	}
	return &ports.ConsumeInfo{
		ID:                   e.nextID("consumer"),
		ProducerID:           dataProducerID,
		Kind:                 "data",
		SCTPStreamParameters: json.RawMessage(`{}`),
	}, nil
}

func (e *fakeEngine) CloseStream(ctx context.Context, streamID string) error {
	return e.begin("closeStream")
}

func (e *fakeEngine) PauseStream(ctx context.Context, streamID string) error {
	return e.begin("pauseStream")
}

func (e *fakeEngine) ResumeStream(ctx context.Context, streamID string) error {
	return e.begin("resumeStream")
}

func (e *fakeEngine) SetPreferredLayers(ctx context.Context, consumerID string, spatial, temporal int) error {
	return e.begin("setPreferredLayers")
}

func (e *fakeEngine) SetPriority(ctx context.Context, consumerID string, priority int) error {
	return e.begin("setPriority")
}

func (e *fakeEngine) RequestKeyFrame(ctx context.Context, consumerID string) error {
	return e.begin("requestKeyFrame")
}

func (e *fakeEngine) StreamStats(ctx context.Context, streamID string) (json.RawMessage, error) {
	if err := e.begin("streamStats"); err != nil {
		return nil, err
	}
	return json.RawMessage(`[]`), nil
}

// fakeConn is an in-process session connection: server-initiated requests
// and notifications are recorded, and inbound requests are driven directly
// through the registered handler.
type fakeConn struct {
	peerID domain.PeerID

	mu             sync.Mutex
	onRequest      func(*ports.IncomingRequest)
	onNotification func(method string, data json.RawMessage)
	onClose        func()
	requests       []outboundMsg
	notifications  []outboundMsg
	requestErr     error
	closed         bool
}

type outboundMsg struct {
	method string
	data   json.RawMessage
}

func newFakeConn(peerID domain.PeerID) *fakeConn {
	return &fakeConn{peerID: peerID}
}

func (c *fakeConn) PeerID() domain.PeerID { return c.peerID }

func (c *fakeConn) Request(ctx context.Context, method string, data interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.requests = append(c.requests, outboundMsg{method: method, data: raw})
	failErr := c.requestErr
	c.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	return json.RawMessage(`{}`), nil
}

func (c *fakeConn) Notify(method string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.notifications = append(c.notifications, outboundMsg{method: method, data: raw})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) OnRequest(handler func(req *ports.IncomingRequest)) {
	c.mu.Lock()
	c.onRequest = handler
	c.mu.Unlock()
}

func (c *fakeConn) OnNotification(handler func(method string, data json.RawMessage)) {
	c.mu.Lock()
	c.onNotification = handler
	c.mu.Unlock()
}

func (c *fakeConn) OnClose(handler func()) {
	c.mu.Lock()
	c.onClose = handler
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handler := c.onClose
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

// call drives one client request through the session handler and returns
// whatever side of the response pair fired.
func (c *fakeConn) call(t *testing.T, method string, payload interface{}) (json.RawMessage, int, string) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}

	c.mu.Lock()
	handler := c.onRequest
	c.mu.Unlock()
	require.NotNil(t, handler, "no request handler registered")

	var accepted json.RawMessage
	code := 0
	reason := ""
	handler(&ports.IncomingRequest{
		Method: method,
		Data:   raw,
		Accept: func(data interface{}) {
			b, err := json.Marshal(data)
			require.NoError(t, err)
			accepted = b
		},
		Reject: func(rejectCode int, rejectReason string) {
			code = rejectCode
			reason = rejectReason
		},
	})
	return accepted, code, reason
}

func (c *fakeConn) received(method string) []outboundMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []outboundMsg
	for _, req := range c.requests {
		if req.method == method {
			out = append(out, req)
		}
	}
	return out
}

func (c *fakeConn) notified(method string) []outboundMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []outboundMsg
	for _, n := range c.notifications {
		if n.method == method {
			out = append(out, n)
		}
	}
	return out
}

// testNode wires one complete node out of the in-memory infrastructure and
// the fake engine.
type testNode struct {
	engine     *fakeEngine
	node       domain.NodeInfo
	workers    ports.WorkerRepository
	rooms      ports.RoomRepository
	routers    ports.RouterRepository
	streams    ports.StreamRepository
	transports ports.TransportRepository
	bus        ports.EventBus
	locker     *lockpkg.MemoryLockManager
	placement  ports.PlacementService
	local      LocalGateway
	gateways   ports.GatewayResolver
	routerSvc  ports.RouterService
	relaySvc   ports.RelayService
	roomSvc    ports.RoomService
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	engine := newFakeEngine()

	workers := memory.NewMemoryWorkerRepository()
	rooms := memory.NewMemoryRoomRepository()
	routers := memory.NewMemoryRouterRepository()
	streams := memory.NewMemoryStreamRepository()
	transports := memory.NewMemoryTransportRepository(workers, streams)

	node := domain.NodeInfo{InstanceID: "node-test", Host: "127.0.0.1", APIPort: 4443}
	placement := NewPlacementService(workers, node, []WorkerSpec{
		{ProcessID: "source-0", Role: domain.RoleSource, MaxCapacity: 16},
		{ProcessID: "relay-0", Role: domain.RoleRelay, MaxCapacity: 16},
	}, logger)
	require.NoError(t, placement.RegisterLocal(context.Background()))

	local := NewLocalGateway(engine, routers, transports, streams, logger)
	gateways := NewGatewayResolver(node, local, func(addr string) ports.WorkerGateway { return local })
	routerSvc := NewRouterService(rooms, routers, transports, workers, placement, gateways, node, logger)

	locker := lockpkg.NewMemoryLockManager(5 * time.Second)
	metrics := monitoring.NewNoopMetrics()
	relaySvc := NewRelayService(routers, workers, placement, gateways, local, locker, metrics, logger)

	bus := eventbus.NewMemoryEventBus()
	roomSvc := NewRoomService(node, routerSvc, relaySvc, placement, gateways, workers, routers, streams, bus, nil, metrics, logger)
	t.Cleanup(roomSvc.Stop)

	return &testNode{
		engine:     engine,
		node:       node,
		workers:    workers,
		rooms:      rooms,
		routers:    routers,
		streams:    streams,
		transports: transports,
		bus:        bus,
		locker:     locker,
		placement:  placement,
		local:      local,
		gateways:   gateways,
		routerSvc:  routerSvc,
		relaySvc:   relaySvc,
		roomSvc:    roomSvc,
	}
}

// admit connects a fake session for peerID into the room.
func (n *testNode) admit(t *testing.T, externalRoomID string, peerID domain.PeerID) *fakeConn {
	t.Helper()
	conn := newFakeConn(peerID)
	require.NoError(t, n.roomSvc.HandleSession(context.Background(), externalRoomID, peerID, conn))
	return conn
}

// joinWithTransports runs the usual client bootstrap: one consuming
// transport, then join with media capabilities.
func (n *testNode) joinWithTransports(t *testing.T, conn *fakeConn, displayName string) {
	t.Helper()
	accepted, code, reason := conn.call(t, "createTransport", map[string]interface{}{"consuming": true})
	require.Zerof(t, code, "createTransport rejected: %s", reason)
	require.NotNil(t, accepted)

	_, code, reason = conn.call(t, "join", map[string]interface{}{
		"displayName":     displayName,
		"rtpCapabilities": map[string]interface{}{"codecs": []string{"vp8"}},
	})
	require.Zerof(t, code, "join rejected: %s", reason)
}

// produceVideo creates a producing transport and produces one video stream,
// returning the stream id.
func (n *testNode) produceVideo(t *testing.T, conn *fakeConn) domain.StreamID {
	t.Helper()
	accepted, code, reason := conn.call(t, "createTransport", map[string]interface{}{"producing": true})
	require.Zerof(t, code, "createTransport rejected: %s", reason)
	var transport struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(accepted, &transport))

	accepted, code, reason = conn.call(t, "produce", map[string]interface{}{
		"transportId":   transport.ID,
		"kind":          "video",
		"rtpParameters": map[string]interface{}{},
	})
	require.Zerof(t, code, "produce rejected: %s", reason)
	var produced struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(accepted, &produced))
	require.NotEmpty(t, produced.ID)
	return domain.StreamID(produced.ID)
}
