package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
	"streamgrid/pkg/queue"
	"streamgrid/pkg/retry"
	"streamgrid/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	dispatchTimeout = 30 * time.Second
	admissionBuffer = 256
	consumerBuffer  = 1024
)

// relayRetry governs retries of consumer creation when the relay mutex for
// the destination domain is held by a concurrent handshake.
var relayRetry = retry.Config{
	MaxAttempts:  5,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
	RetryOn:      []error{domain.ErrLockNotAcquired},
}

type roomService struct {
	node       domain.NodeInfo
	routerSvc  ports.RouterService
	relaySvc   ports.RelayService
	placement  ports.PlacementService
	gateways   ports.GatewayResolver
	workers    ports.WorkerRepository
	routers    ports.RouterRepository
	streams    ports.StreamRepository
	bus        ports.EventBus
	iceServers []webrtc.ICEServer
	metrics    ports.Metrics
	logger     *zap.SugaredLogger

	// admission serializes first-touch room and domain allocation;
	// consumers serializes server-initiated consumer creation.
	admission *queue.Serial
	consumers *queue.Serial

	mu     sync.RWMutex
	local  map[domain.RoomID]*roomState
	cancel context.CancelFunc
	done   chan struct{}
}

// roomState is this node's live view of one room: its consumer-side routing
// domain and the peers connected here. Peers are never persisted.
type roomState struct {
	room   *domain.Room
	router *domain.Router

	mu    sync.RWMutex
	peers map[domain.PeerID]*peerState
}

type peerState struct {
	conn       ports.SessionConn
	info       domain.PeerInfo
	transports map[domain.TransportID]*domain.Transport
	producers  map[domain.StreamID]*domain.Stream
	consumers  map[domain.StreamID]*consumerRef
}

// consumerRef ties a peer's consumer to the produced stream it mirrors and
// the peer that owns that producer.
type consumerRef struct {
	producerID   domain.StreamID
	producerPeer domain.PeerID
	data         bool
}

func NewRoomService(
	node domain.NodeInfo,
	routerSvc ports.RouterService,
	relaySvc ports.RelayService,
	placement ports.PlacementService,
	gateways ports.GatewayResolver,
	workers ports.WorkerRepository,
	routers ports.RouterRepository,
	streams ports.StreamRepository,
	bus ports.EventBus,
	iceServers []webrtc.ICEServer,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) ports.RoomService {
	return &roomService{
		node:       node,
		routerSvc:  routerSvc,
		relaySvc:   relaySvc,
		placement:  placement,
		gateways:   gateways,
		workers:    workers,
		routers:    routers,
		streams:    streams,
		bus:        bus,
		iceServers: iceServers,
		metrics:    metrics,
		logger:     logger,
		admission:  queue.NewSerial(admissionBuffer),
		consumers:  queue.NewSerial(consumerBuffer),
		local:      make(map[domain.RoomID]*roomState),
		done:       make(chan struct{}),
	}
}

func (s *roomService) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		if err := s.bus.Subscribe(subCtx, s.handleEvent); err != nil && subCtx.Err() == nil {
			s.logger.Errorw("event bus subscription ended", "error", err)
		}
	}()
	return nil
}

func (s *roomService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.consumers.Close()
	s.admission.Close()
}

// HandleSession admits the connection into the room and wires its request
// and close handlers. Admission runs on the serial queue so two first
// sessions of the same room cannot allocate duplicate domains.
func (s *roomService) HandleSession(ctx context.Context, externalRoomID string, peerID domain.PeerID, conn ports.SessionConn) error {
	var state *roomState
	var peer *peerState

	err := s.admission.Do(ctx, func() error {
		room, err := s.routerSvc.GetOrCreateRoom(ctx, externalRoomID)
		if err != nil {
			return err
		}
		router, err := s.routerSvc.GetOrCreateConsumerDomain(ctx, room)
		if err != nil {
			return err
		}

		s.mu.Lock()
		st, ok := s.local[room.ID]
		if !ok {
			st = &roomState{
				room:   room,
				router: router,
				peers:  make(map[domain.PeerID]*peerState),
			}
			s.local[room.ID] = st
			s.metrics.RoomOpened()
		}
		s.mu.Unlock()

		st.mu.Lock()
		defer st.mu.Unlock()
		if old, ok := st.peers[peerID]; ok {
			// A reconnect with the same id evicts the previous session.
			go old.conn.Close()
		}
		peer = &peerState{
			conn:       conn,
			info:       domain.PeerInfo{ID: peerID},
			transports: make(map[domain.TransportID]*domain.Transport),
			producers:  make(map[domain.StreamID]*domain.Stream),
			consumers:  make(map[domain.StreamID]*consumerRef),
		}
		st.peers[peerID] = peer
		state = st
		return nil
	})
	if err != nil {
		return err
	}

	conn.OnRequest(func(req *ports.IncomingRequest) {
		reqCtx, cancelReq := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancelReq()
		s.dispatch(reqCtx, state, peer, req)
	})
	conn.OnNotification(func(method string, data json.RawMessage) {
		s.logger.Debugw("ignoring client notification", "method", method, "peer_id", peerID)
	})
	conn.OnClose(func() {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancelClose()
		s.handlePeerClose(closeCtx, state, peer)
	})

	s.metrics.SessionOpened()
	s.logger.Infow("session admitted",
		"room_id", state.room.ID,
		"external_id", externalRoomID,
		"peer_id", peerID,
	)
	return nil
}

func (s *roomService) dispatch(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) {
	start := time.Now()
	var err error
	switch req.Method {
	case "getRoutingCapabilities":
		err = s.handleGetRoutingCapabilities(ctx, state, req)
	case "createTransport":
		err = s.handleCreateTransport(ctx, state, peer, req)
	case "join":
		err = s.handleJoin(ctx, state, peer, req)
	case "connectTransport":
		err = s.handleConnectTransport(ctx, state, peer, req)
	case "restartIce":
		err = s.handleRestartICE(ctx, state, peer, req)
	case "produce":
		err = s.handleProduce(ctx, state, peer, req)
	case "produceData":
		err = s.handleProduceData(ctx, state, peer, req)
	case "closeProducer":
		err = s.handleCloseProducer(ctx, state, peer, req)
	case "pauseProducer":
		err = s.handleProducerPause(ctx, state, peer, req, true)
	case "resumeProducer":
		err = s.handleProducerPause(ctx, state, peer, req, false)
	case "pauseConsumer":
		err = s.handleConsumerPause(ctx, state, peer, req, true)
	case "resumeConsumer":
		err = s.handleConsumerPause(ctx, state, peer, req, false)
	case "setConsumerPreferredLayers":
		err = s.handleSetPreferredLayers(ctx, state, peer, req)
	case "setConsumerPriority":
		err = s.handleSetPriority(ctx, state, peer, req)
	case "requestConsumerKeyFrame":
		err = s.handleRequestKeyFrame(ctx, state, peer, req)
	case "changeDisplayName":
		err = s.handleChangeDisplayName(ctx, state, peer, req)
	case "getTransportStats":
		err = s.handleTransportStats(ctx, state, peer, req)
	case "getProducerStats":
		err = s.handleProducerStats(ctx, state, peer, req)
	case "getConsumerStats":
		err = s.handleConsumerStats(ctx, state, peer, req)
	default:
		req.Reject(http.StatusInternalServerError, fmt.Sprintf("unknown method %q", req.Method))
		s.metrics.ObserveSignalRequest(req.Method, "unknown", time.Since(start).Seconds())
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Warnw("request failed",
			"method", req.Method,
			"room_id", state.room.ID,
			"peer_id", peer.info.ID,
			"error", err,
		)
		req.Reject(rejectionStatus(err), err.Error())
	}
	s.metrics.ObserveSignalRequest(req.Method, outcome, time.Since(start).Seconds())
}

func rejectionStatus(err error) int {
	switch {
	case isNotFound(err):
		return http.StatusNotFound
	case isInvalid(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool {
	for _, target := range []error{
		domain.ErrRoomNotFound, domain.ErrRouterNotFound,
		domain.ErrTransportNotFound, domain.ErrStreamNotFound,
		domain.ErrWorkerNotFound, domain.ErrPeerNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type invalidRequestError struct{ msg string }

func (e *invalidRequestError) Error() string { return e.msg }

func invalidf(format string, args ...interface{}) error {
	return &invalidRequestError{msg: fmt.Sprintf(format, args...)}
}

func isInvalid(err error) bool {
	var inv *invalidRequestError
	return errors.As(err, &inv)
}

func (s *roomService) handleGetRoutingCapabilities(ctx context.Context, state *roomState, req *ports.IncomingRequest) error {
	worker, err := s.workers.GetByID(ctx, state.router.WorkerID)
	if err != nil {
		return err
	}
	caps, err := s.gateways.For(worker).RouterCapabilities(ctx, state.router.ID)
	if err != nil {
		return err
	}
	req.Accept(caps)
	return nil
}

func (s *roomService) handleCreateTransport(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data createTransportData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed createTransport data: %v", err)
	}
	if data.Producing == data.Consuming {
		return invalidf("transport must be either producing or consuming")
	}

	var workerID domain.WorkerID
	var routerID domain.RouterID
	var kind domain.TransportKind
	if data.Producing {
		// Producing transports land on the room's source domain, which may
		// live on another node.
		workerID = state.room.WorkerID
		routerID = state.room.SourceRouterID
		kind = domain.TransportProduce
	} else {
		workerID = state.router.WorkerID
		routerID = state.router.ID
		kind = domain.TransportConsume
	}

	worker, err := s.workers.GetByID(ctx, workerID)
	if err != nil {
		return err
	}
	gw := s.gateways.For(worker)
	info, err := gw.CreateTransport(ctx, &ports.CreateTransportRequest{
		WorkerID: workerID,
		RouterID: routerID,
		RoomID:   state.room.ID,
		Kind:     kind,
		OwnerID:  peer.info.ID,
		Options: ports.TransportOptions{
			Producing:  data.Producing,
			Consuming:  data.Consuming,
			ForceTCP:   data.ForceTCP,
			EnableSCTP: data.EnableSCTP,
		},
	})
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return err
	}

	transportID := domain.TransportID(info.ID)
	state.mu.Lock()
	peer.transports[transportID] = &domain.Transport{
		ID:       transportID,
		WorkerID: workerID,
		RoomID:   state.room.ID,
		RouterID: routerID,
		Kind:     kind,
		OwnerID:  peer.info.ID,
	}
	state.mu.Unlock()

	req.Accept(map[string]interface{}{
		"id":             info.ID,
		"iceParameters":  info.ICEParameters,
		"iceCandidates":  info.ICECandidates,
		"dtlsParameters": info.DTLSParameters,
		"sctpParameters": info.SCTPParameters,
		"iceServers":     s.iceServers,
	})
	return nil
}

func (s *roomService) handleJoin(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data joinData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed join data: %v", err)
	}
	if err := validation.DisplayName(data.DisplayName); err != nil {
		return invalidf("%v", err)
	}

	state.mu.Lock()
	if peer.info.Joined {
		state.mu.Unlock()
		return invalidf("peer already joined")
	}
	peer.info.DisplayName = data.DisplayName
	peer.info.Device = data.Device
	peer.info.RTPCapabilities = data.RTPCapabilities
	peer.info.Joined = true

	others := make([]peerSummary, 0, len(state.peers))
	for id, other := range state.peers {
		if id == peer.info.ID || !other.info.Joined {
			continue
		}
		others = append(others, peerSummary{
			ID:          string(id),
			DisplayName: other.info.DisplayName,
			Device:      other.info.Device,
		})
	}
	state.mu.Unlock()

	req.Accept(map[string]interface{}{"peers": others})

	s.notifyOthers(state, peer.info.ID, "newPeer", peerSummary{
		ID:          string(peer.info.ID),
		DisplayName: peer.info.DisplayName,
		Device:      peer.info.Device,
	})

	// Attach the new peer to every producer already in the room, local or
	// remote, through the serialized consumer pipeline.
	producers, err := s.streams.FindProducersByRoom(ctx, state.room.ID)
	if err != nil {
		s.logger.Warnw("failed to list room producers on join", "room_id", state.room.ID, "error", err)
		return nil
	}
	for _, producer := range producers {
		if producer.SourceID != "" {
			continue
		}
		s.enqueueConsumer(state, peer.info.ID, producer, s.producerOwner(state, producer))
	}
	return nil
}

func (s *roomService) handleConnectTransport(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data connectTransportData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed connectTransport data: %v", err)
	}
	transport, gw, err := s.peerTransport(ctx, state, peer, domain.TransportID(data.TransportID))
	if err != nil {
		return err
	}
	if err := gw.ConnectTransport(ctx, transport.ID, data.DTLSParameters); err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return err
	}
	req.Accept(nil)
	return nil
}

func (s *roomService) handleRestartICE(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data restartICEData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed restartIce data: %v", err)
	}
	transport, gw, err := s.peerTransport(ctx, state, peer, domain.TransportID(data.TransportID))
	if err != nil {
		return err
	}
	iceParameters, err := gw.RestartICE(ctx, transport.ID)
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return err
	}
	req.Accept(map[string]interface{}{"iceParameters": iceParameters})
	return nil
}

func (s *roomService) handleProduce(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data produceData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed produce data: %v", err)
	}
	if data.Kind != string(domain.MediaAudio) && data.Kind != string(domain.MediaVideo) {
		return invalidf("unsupported media kind %q", data.Kind)
	}
	transport, gw, err := s.peerTransport(ctx, state, peer, domain.TransportID(data.TransportID))
	if err != nil {
		return err
	}
	if transport.Kind != domain.TransportProduce {
		return invalidf("transport %s is not a producing transport", transport.ID)
	}

	stream, err := gw.Produce(ctx, &ports.ProduceRequest{
		TransportID: transport.ID,
		RouterID:    transport.RouterID,
		RoomID:      state.room.ID,
		Options: ports.ProduceOptions{
			Kind:          data.Kind,
			RTPParameters: data.RTPParameters,
			Paused:        data.Paused,
			AppData:       data.AppData,
		},
	})
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return err
	}

	state.mu.Lock()
	peer.producers[stream.ID] = stream
	state.mu.Unlock()

	req.Accept(map[string]interface{}{"id": stream.ID})
	s.fanOutProducer(state, peer.info.ID, stream)
	return nil
}

func (s *roomService) handleProduceData(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data produceDataStreamData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed produceData data: %v", err)
	}
	transport, gw, err := s.peerTransport(ctx, state, peer, domain.TransportID(data.TransportID))
	if err != nil {
		return err
	}
	if transport.Kind != domain.TransportProduce {
		return invalidf("transport %s is not a producing transport", transport.ID)
	}

	appData := data.AppData
	if data.Label != "" || data.Protocol != "" {
		merged, err := json.Marshal(map[string]interface{}{
			"label":    data.Label,
			"protocol": data.Protocol,
		})
		if err == nil && appData == nil {
			appData = merged
		}
	}
	stream, err := gw.Produce(ctx, &ports.ProduceRequest{
		TransportID: transport.ID,
		RouterID:    transport.RouterID,
		RoomID:      state.room.ID,
		Options: ports.ProduceOptions{
			Kind:                 string(domain.MediaData),
			SCTPStreamParameters: data.SCTPStreamParameters,
			AppData:              appData,
		},
	})
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return err
	}

	state.mu.Lock()
	peer.producers[stream.ID] = stream
	state.mu.Unlock()

	req.Accept(map[string]interface{}{"id": stream.ID})
	s.fanOutProducer(state, peer.info.ID, stream)
	return nil
}

// fanOutProducer attaches every other local joined peer to the new producer
// and announces it to the other nodes of the mesh.
func (s *roomService) fanOutProducer(state *roomState, producerPeer domain.PeerID, stream *domain.Stream) {
	s.metrics.ProducerAdded()
	state.mu.RLock()
	targets := make([]domain.PeerID, 0, len(state.peers))
	for id, other := range state.peers {
		if id == producerPeer || !other.info.Joined {
			continue
		}
		targets = append(targets, id)
	}
	state.mu.RUnlock()

	for _, target := range targets {
		s.enqueueConsumer(state, target, stream, producerPeer)
	}

	event := &ports.Event{
		Type:       ports.EventProducerAdded,
		InstanceID: s.node.InstanceID,
		RoomID:     state.room.ID,
		PeerID:     producerPeer,
		StreamID:   stream.ID,
		Data:       stream.IsData(),
	}
	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(pubCtx, event); err != nil {
		s.logger.Warnw("failed to announce producer", "stream_id", stream.ID, "error", err)
	}
}

// enqueueConsumer schedules creation of one consumer on the serialized
// pipeline. Failures are logged, never surfaced to the producing peer.
func (s *roomService) enqueueConsumer(state *roomState, target domain.PeerID, producer *domain.Stream, producerPeer domain.PeerID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		err := s.consumers.Do(ctx, func() error {
			return s.createConsumer(ctx, state, target, producer, producerPeer)
		})
		if err != nil {
			s.logger.Warnw("consumer creation failed",
				"room_id", state.room.ID,
				"peer_id", target,
				"producer_id", producer.ID,
				"error", err,
			)
		}
	}()
}

// createConsumer mirrors the produced stream into the local consumer domain
// if needed, creates the consumer on the peer's consuming transport and
// completes the client handshake with a server-initiated newConsumer
// request. The consumer starts paused and is resumed once the client
// acknowledges.
func (s *roomService) createConsumer(ctx context.Context, state *roomState, target domain.PeerID, producer *domain.Stream, producerPeer domain.PeerID) error {
	state.mu.RLock()
	peer, ok := state.peers[target]
	if !ok {
		state.mu.RUnlock()
		return nil
	}
	if !producerIsData(producer) && peer.info.RTPCapabilities == nil {
		state.mu.RUnlock()
		return nil
	}
	var consuming *domain.Transport
	for _, transport := range peer.transports {
		if transport.Kind == domain.TransportConsume {
			consuming = transport
			break
		}
	}
	conn := peer.conn
	state.mu.RUnlock()
	if consuming == nil {
		return nil
	}

	// The stream must exist in the local consumer domain before it can be
	// consumed there; EnsureRelayed is idempotent, so this is safe for
	// local producers racing remote announcements too.
	err := retry.Do(ctx, relayRetry, func() error {
		return s.relaySvc.EnsureRelayed(ctx, state.room, state.router, producer.ID, producerIsData(producer))
	})
	if err != nil {
		return err
	}

	worker, err := s.workers.GetByID(ctx, state.router.WorkerID)
	if err != nil {
		return err
	}
	gw := s.gateways.For(worker)
	info, err := gw.Consume(ctx, &ports.ConsumeRequest{
		TransportID:     consuming.ID,
		RouterID:        state.router.ID,
		RoomID:          state.room.ID,
		ProducerID:      producer.ID,
		Data:            producerIsData(producer),
		RTPCapabilities: peerCapabilities(state, target),
	})
	if err != nil {
		return err
	}
	consumerID := domain.StreamID(info.ID)

	state.mu.Lock()
	if _, still := state.peers[target]; still {
		peer.consumers[consumerID] = &consumerRef{
			producerID:   producer.ID,
			producerPeer: producerPeer,
			data:         producerIsData(producer),
		}
	}
	state.mu.Unlock()

	_, err = conn.Request(ctx, "newConsumer", newConsumerData{
		PeerID:               string(producerPeer),
		ProducerID:           string(producer.ID),
		ID:                   info.ID,
		Kind:                 info.Kind,
		RTPParameters:        info.RTPParameters,
		SCTPStreamParameters: info.SCTPStreamParameters,
		ProducerPaused:       producer.Paused,
		AppData:              producer.AppData,
	})
	if err != nil {
		// The client never learned about this consumer; drop it.
		if closeErr := gw.CloseStream(ctx, consumerID); closeErr != nil {
			s.logger.Warnw("failed to drop unacknowledged consumer", "consumer_id", consumerID, "error", closeErr)
		}
		state.mu.Lock()
		delete(peer.consumers, consumerID)
		state.mu.Unlock()
		return err
	}

	if !producerIsData(producer) && !producer.Paused {
		if err := gw.ResumeStream(ctx, consumerID); err != nil {
			s.logger.Warnw("failed to resume consumer", "consumer_id", consumerID, "error", err)
		}
	}
	s.metrics.ConsumerAdded()
	return nil
}

func (s *roomService) handleCloseProducer(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data producerRefData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed closeProducer data: %v", err)
	}
	producerID := domain.StreamID(data.ProducerID)

	state.mu.Lock()
	producer, ok := peer.producers[producerID]
	if ok {
		delete(peer.producers, producerID)
	}
	state.mu.Unlock()
	if !ok {
		return domain.ErrStreamNotFound
	}

	if err := s.closeProducerEverywhere(ctx, state, peer.info.ID, producer); err != nil {
		return err
	}
	req.Accept(nil)
	return nil
}

// closeProducerEverywhere closes the produced stream on its owning worker,
// tears down local consumers of it and announces the close to other nodes.
func (s *roomService) closeProducerEverywhere(ctx context.Context, state *roomState, owner domain.PeerID, producer *domain.Stream) error {
	s.metrics.ProducerRemoved()
	worker, err := s.workers.GetByID(ctx, state.room.WorkerID)
	if err == nil {
		if closeErr := s.gateways.For(worker).CloseStream(ctx, producer.ID); closeErr != nil {
			s.placement.ObserveNodeError(ctx, closeErr)
			s.logger.Warnw("failed to close producer on origin", "producer_id", producer.ID, "error", closeErr)
		}
	}

	s.closeLocalConsumersOf(ctx, state, producer.ID)

	event := &ports.Event{
		Type:       ports.EventProducerClosed,
		InstanceID: s.node.InstanceID,
		RoomID:     state.room.ID,
		PeerID:     owner,
		StreamID:   producer.ID,
		Data:       producer.IsData(),
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warnw("failed to announce producer close", "producer_id", producer.ID, "error", err)
	}
	return nil
}

// closeLocalConsumersOf drops every local consumer mirroring the producer
// and notifies the owning peers.
func (s *roomService) closeLocalConsumersOf(ctx context.Context, state *roomState, producerID domain.StreamID) {
	type victim struct {
		peer       *peerState
		consumerID domain.StreamID
	}
	state.mu.Lock()
	var victims []victim
	for _, peer := range state.peers {
		for consumerID, ref := range peer.consumers {
			if ref.producerID == producerID {
				victims = append(victims, victim{peer: peer, consumerID: consumerID})
				delete(peer.consumers, consumerID)
			}
		}
	}
	state.mu.Unlock()

	worker, err := s.workers.GetByID(ctx, state.router.WorkerID)
	if err != nil {
		s.logger.Warnw("failed to resolve consumer domain worker", "router_id", state.router.ID, "error", err)
		return
	}
	gw := s.gateways.For(worker)
	for _, v := range victims {
		s.metrics.ConsumerRemoved()
		if err := gw.CloseStream(ctx, v.consumerID); err != nil {
			s.logger.Warnw("failed to close consumer", "consumer_id", v.consumerID, "error", err)
		}
		if err := v.peer.conn.Notify("consumerClosed", consumerRefData{ConsumerID: string(v.consumerID)}); err != nil {
			s.logger.Debugw("failed to notify consumerClosed", "peer_id", v.peer.info.ID, "error", err)
		}
	}
}

func (s *roomService) handleProducerPause(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest, pause bool) error {
	var data producerRefData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed request data: %v", err)
	}
	producerID := domain.StreamID(data.ProducerID)

	state.mu.Lock()
	producer, ok := peer.producers[producerID]
	if ok {
		producer.Paused = pause
	}
	state.mu.Unlock()
	if !ok {
		return domain.ErrStreamNotFound
	}

	worker, err := s.workers.GetByID(ctx, state.room.WorkerID)
	if err != nil {
		return err
	}
	gw := s.gateways.For(worker)
	if pause {
		err = gw.PauseStream(ctx, producerID)
	} else {
		err = gw.ResumeStream(ctx, producerID)
	}
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return err
	}

	req.Accept(nil)
	s.notifyConsumersOf(state, producerID, pause)

	eventType := ports.EventProducerResumed
	if pause {
		eventType = ports.EventProducerPaused
	}
	event := &ports.Event{
		Type:       eventType,
		InstanceID: s.node.InstanceID,
		RoomID:     state.room.ID,
		PeerID:     peer.info.ID,
		StreamID:   producerID,
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warnw("failed to announce producer pause state", "producer_id", producerID, "error", err)
	}
	return nil
}

// notifyConsumersOf tells every local peer consuming the producer about its
// new pause state.
func (s *roomService) notifyConsumersOf(state *roomState, producerID domain.StreamID, paused bool) {
	method := "consumerResumed"
	if paused {
		method = "consumerPaused"
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	for _, peer := range state.peers {
		for consumerID, ref := range peer.consumers {
			if ref.producerID != producerID {
				continue
			}
			if err := peer.conn.Notify(method, consumerRefData{ConsumerID: string(consumerID)}); err != nil {
				s.logger.Debugw("failed to notify pause state", "peer_id", peer.info.ID, "error", err)
			}
		}
	}
}

func (s *roomService) handleConsumerPause(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest, pause bool) error {
	consumerID, gw, err := s.peerConsumer(ctx, state, peer, req.Data)
	if err != nil {
		return err
	}
	if pause {
		err = gw.PauseStream(ctx, consumerID)
	} else {
		err = gw.ResumeStream(ctx, consumerID)
	}
	if err != nil {
		return err
	}
	req.Accept(nil)
	return nil
}

func (s *roomService) handleSetPreferredLayers(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data preferredLayersData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed setConsumerPreferredLayers data: %v", err)
	}
	consumerID, gw, err := s.ownedConsumer(ctx, state, peer, domain.StreamID(data.ConsumerID))
	if err != nil {
		return err
	}
	if err := gw.SetPreferredLayers(ctx, consumerID, data.SpatialLayer, data.TemporalLayer); err != nil {
		return err
	}
	req.Accept(nil)
	return nil
}

func (s *roomService) handleSetPriority(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data consumerPriorityData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed setConsumerPriority data: %v", err)
	}
	consumerID, gw, err := s.ownedConsumer(ctx, state, peer, domain.StreamID(data.ConsumerID))
	if err != nil {
		return err
	}
	if err := gw.SetPriority(ctx, consumerID, data.Priority); err != nil {
		return err
	}
	req.Accept(nil)
	return nil
}

func (s *roomService) handleRequestKeyFrame(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data consumerRefData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed requestConsumerKeyFrame data: %v", err)
	}
	consumerID, gw, err := s.ownedConsumer(ctx, state, peer, domain.StreamID(data.ConsumerID))
	if err != nil {
		return err
	}
	if err := gw.RequestKeyFrame(ctx, consumerID); err != nil {
		return err
	}
	req.Accept(nil)
	return nil
}

func (s *roomService) handleChangeDisplayName(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data changeDisplayNameData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed changeDisplayName data: %v", err)
	}
	if err := validation.DisplayName(data.DisplayName); err != nil {
		return invalidf("%v", err)
	}

	state.mu.Lock()
	oldName := peer.info.DisplayName
	peer.info.DisplayName = data.DisplayName
	state.mu.Unlock()

	req.Accept(nil)
	s.notifyOthers(state, peer.info.ID, "peerDisplayNameChanged", map[string]interface{}{
		"peerId":         peer.info.ID,
		"displayName":    data.DisplayName,
		"oldDisplayName": oldName,
	})
	return nil
}

func (s *roomService) handleTransportStats(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data restartICEData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed getTransportStats data: %v", err)
	}
	transport, gw, err := s.peerTransport(ctx, state, peer, domain.TransportID(data.TransportID))
	if err != nil {
		return err
	}
	stats, err := gw.TransportStats(ctx, transport.ID)
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return err
	}
	req.Accept(stats)
	return nil
}

func (s *roomService) handleProducerStats(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data producerRefData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed getProducerStats data: %v", err)
	}
	producerID := domain.StreamID(data.ProducerID)

	state.mu.RLock()
	_, ok := peer.producers[producerID]
	state.mu.RUnlock()
	if !ok {
		return domain.ErrStreamNotFound
	}

	worker, err := s.workers.GetByID(ctx, state.room.WorkerID)
	if err != nil {
		return err
	}
	stats, err := s.gateways.For(worker).StreamStats(ctx, producerID)
	if err != nil {
		s.placement.ObserveNodeError(ctx, err)
		return err
	}
	req.Accept(stats)
	return nil
}

func (s *roomService) handleConsumerStats(ctx context.Context, state *roomState, peer *peerState, req *ports.IncomingRequest) error {
	var data consumerRefData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return invalidf("malformed getConsumerStats data: %v", err)
	}
	consumerID, gw, err := s.ownedConsumer(ctx, state, peer, domain.StreamID(data.ConsumerID))
	if err != nil {
		return err
	}
	stats, err := gw.StreamStats(ctx, consumerID)
	if err != nil {
		return err
	}
	req.Accept(stats)
	return nil
}

// handlePeerClose runs the disconnect cascade: transports (and their
// streams) are released on their owning workers, producers are announced
// closed, and emptied rooms give their local consumer domain back.
func (s *roomService) handlePeerClose(ctx context.Context, state *roomState, peer *peerState) {
	state.mu.Lock()
	current, ok := state.peers[peer.info.ID]
	if !ok || current != peer {
		// Already evicted by a reconnect; nothing to tear down here beyond
		// the stale session itself.
		state.mu.Unlock()
		return
	}
	delete(state.peers, peer.info.ID)
	transports := make([]*domain.Transport, 0, len(peer.transports))
	for _, transport := range peer.transports {
		transports = append(transports, transport)
	}
	producers := make([]*domain.Stream, 0, len(peer.producers))
	for _, producer := range peer.producers {
		producers = append(producers, producer)
	}
	empty := len(state.peers) == 0
	state.mu.Unlock()

	for _, producer := range producers {
		if err := s.closeProducerEverywhere(ctx, state, peer.info.ID, producer); err != nil {
			s.logger.Warnw("failed to close producer on disconnect", "producer_id", producer.ID, "error", err)
		}
	}
	for _, transport := range transports {
		worker, err := s.workers.GetByID(ctx, transport.WorkerID)
		if err != nil {
			continue
		}
		if err := s.gateways.For(worker).CloseTransport(ctx, transport.ID); err != nil {
			s.placement.ObserveNodeError(ctx, err)
			s.logger.Warnw("failed to close transport on disconnect", "transport_id", transport.ID, "error", err)
		}
	}

	s.notifyOthers(state, peer.info.ID, "peerClosed", map[string]interface{}{"peerId": peer.info.ID})
	s.metrics.SessionClosed()
	s.logger.Infow("session closed", "room_id", state.room.ID, "peer_id", peer.info.ID)

	if empty {
		s.releaseIfIdle(ctx, state)
	}
}

// releaseIfIdle gives the local consumer domain back once no local peer
// remains, and closes the room outright when this node hosts the source
// domain and no other node still holds a consumer domain.
func (s *roomService) releaseIfIdle(ctx context.Context, state *roomState) {
	err := s.admission.Do(ctx, func() error {
		state.mu.RLock()
		stillEmpty := len(state.peers) == 0
		state.mu.RUnlock()
		if !stillEmpty {
			return nil
		}

		s.mu.Lock()
		delete(s.local, state.room.ID)
		s.mu.Unlock()
		s.metrics.RoomClosed()

		if err := s.routerSvc.CloseConsumerDomain(ctx, state.router); err != nil {
			s.logger.Warnw("failed to close consumer domain", "router_id", state.router.ID, "error", err)
		}

		sourceWorker, err := s.workers.GetByID(ctx, state.room.WorkerID)
		hostsSource := err == nil && sourceWorker.Host == s.node.Host && sourceWorker.Port == s.node.APIPort
		if !hostsSource {
			return nil
		}
		remaining, err := s.routers.FindByRoom(ctx, state.room.ID)
		if err != nil {
			return err
		}
		for _, router := range remaining {
			if router.Role == domain.RoleRelay {
				// Another node still consumes from this room.
				return nil
			}
		}
		return s.routerSvc.CloseRoom(ctx, state.room)
	})
	if err != nil {
		s.logger.Warnw("room idle release failed", "room_id", state.room.ID, "error", err)
	}
}

// handleEvent reacts to announcements from other nodes for rooms this node
// participates in.
func (s *roomService) handleEvent(event *ports.Event) {
	if event.InstanceID == s.node.InstanceID {
		return
	}
	s.mu.RLock()
	state, ok := s.local[event.RoomID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch event.Type {
	case ports.EventProducerAdded:
		producer, err := s.streams.GetByID(ctx, event.StreamID)
		if err != nil {
			s.logger.Warnw("announced producer not found", "stream_id", event.StreamID, "error", err)
			return
		}
		state.mu.RLock()
		targets := make([]domain.PeerID, 0, len(state.peers))
		for id, peer := range state.peers {
			if peer.info.Joined {
				targets = append(targets, id)
			}
		}
		state.mu.RUnlock()
		for _, target := range targets {
			s.enqueueConsumer(state, target, producer, event.PeerID)
		}

	case ports.EventProducerClosed:
		s.closeLocalConsumersOf(ctx, state, event.StreamID)

	case ports.EventProducerPaused:
		s.pauseLocalConsumersOf(ctx, state, event.StreamID, true)

	case ports.EventProducerResumed:
		s.pauseLocalConsumersOf(ctx, state, event.StreamID, false)
	}
}

// pauseLocalConsumersOf pauses or resumes local consumers mirroring a remote
// producer and notifies their peers.
func (s *roomService) pauseLocalConsumersOf(ctx context.Context, state *roomState, producerID domain.StreamID, pause bool) {
	worker, err := s.workers.GetByID(ctx, state.router.WorkerID)
	if err != nil {
		return
	}
	gw := s.gateways.For(worker)

	state.mu.RLock()
	type target struct {
		peer       *peerState
		consumerID domain.StreamID
	}
	var targets []target
	for _, peer := range state.peers {
		for consumerID, ref := range peer.consumers {
			if ref.producerID == producerID {
				targets = append(targets, target{peer: peer, consumerID: consumerID})
			}
		}
	}
	state.mu.RUnlock()

	for _, t := range targets {
		var opErr error
		if pause {
			opErr = gw.PauseStream(ctx, t.consumerID)
		} else {
			opErr = gw.ResumeStream(ctx, t.consumerID)
		}
		if opErr != nil {
			s.logger.Warnw("failed to apply remote pause state", "consumer_id", t.consumerID, "error", opErr)
			continue
		}
		method := "consumerResumed"
		if pause {
			method = "consumerPaused"
		}
		if err := t.peer.conn.Notify(method, consumerRefData{ConsumerID: string(t.consumerID)}); err != nil {
			s.logger.Debugw("failed to notify pause state", "peer_id", t.peer.info.ID, "error", err)
		}
	}
}

func (s *roomService) notifyOthers(state *roomState, exclude domain.PeerID, method string, data interface{}) {
	state.mu.RLock()
	defer state.mu.RUnlock()
	for id, peer := range state.peers {
		if id == exclude || !peer.info.Joined {
			continue
		}
		if err := peer.conn.Notify(method, data); err != nil {
			s.logger.Debugw("failed to notify peer", "method", method, "peer_id", id, "error", err)
		}
	}
}

// peerTransport resolves a transport owned by the peer together with the
// gateway of its worker.
func (s *roomService) peerTransport(ctx context.Context, state *roomState, peer *peerState, id domain.TransportID) (*domain.Transport, ports.WorkerGateway, error) {
	state.mu.RLock()
	transport, ok := peer.transports[id]
	state.mu.RUnlock()
	if !ok {
		return nil, nil, domain.ErrTransportNotFound
	}
	worker, err := s.workers.GetByID(ctx, transport.WorkerID)
	if err != nil {
		return nil, nil, err
	}
	return transport, s.gateways.For(worker), nil
}

// ownedConsumer resolves a consumer owned by the peer together with the
// local consumer domain's gateway.
func (s *roomService) ownedConsumer(ctx context.Context, state *roomState, peer *peerState, id domain.StreamID) (domain.StreamID, ports.WorkerGateway, error) {
	state.mu.RLock()
	_, ok := peer.consumers[id]
	state.mu.RUnlock()
	if !ok {
		return "", nil, domain.ErrStreamNotFound
	}
	worker, err := s.workers.GetByID(ctx, state.router.WorkerID)
	if err != nil {
		return "", nil, err
	}
	return id, s.gateways.For(worker), nil
}

func (s *roomService) peerConsumer(ctx context.Context, state *roomState, peer *peerState, raw json.RawMessage) (domain.StreamID, ports.WorkerGateway, error) {
	var data consumerRefData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", nil, invalidf("malformed request data: %v", err)
	}
	return s.ownedConsumer(ctx, state, peer, domain.StreamID(data.ConsumerID))
}

// producerOwner best-effort maps a produced stream back to a local peer; a
// remote owner yields an empty id and the client treats the consumer as
// belonging to an unknown peer until the roster catches up.
func (s *roomService) producerOwner(state *roomState, producer *domain.Stream) domain.PeerID {
	state.mu.RLock()
	defer state.mu.RUnlock()
	for id, peer := range state.peers {
		if _, ok := peer.producers[producer.ID]; ok {
			return id
		}
	}
	return ""
}

func peerCapabilities(state *roomState, id domain.PeerID) json.RawMessage {
	state.mu.RLock()
	defer state.mu.RUnlock()
	if peer, ok := state.peers[id]; ok {
		return peer.info.RTPCapabilities
	}
	return nil
}

func producerIsData(stream *domain.Stream) bool {
	return stream.IsData()
}
