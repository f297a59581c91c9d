package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// Session is one client's signaling connection. It multiplexes concurrent
// outbound requests over the socket, correlates responses by id and feeds
// inbound traffic to the registered handlers.
type Session struct {
	conn   *websocket.Conn
	peerID domain.PeerID

	baseTimeout  time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration

	// nextID is the monotonic request id counter; ids are unique for the
	// lifetime of the session, never reused.
	nextID uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan *Message
	closed   bool
	done     chan struct{}
	handlers struct {
		request      func(*ports.IncomingRequest)
		notification func(method string, data json.RawMessage)
		close        func()
	}

	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

func NewSession(conn *websocket.Conn, peerID domain.PeerID, baseTimeout, pingInterval, pongTimeout time.Duration, logger *zap.SugaredLogger) *Session {
	return &Session{
		conn:         conn,
		peerID:       peerID,
		baseTimeout:  baseTimeout,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		pending:      make(map[uint64]chan *Message),
		done:         make(chan struct{}),
		logger:       logger,
	}
}

func (s *Session) PeerID() domain.PeerID {
	return s.peerID
}

// Request sends one RPC request and blocks until the matching response, the
// adaptive timeout, context cancellation or session close.
func (s *Session) Request(ctx context.Context, method string, data interface{}) (json.RawMessage, error) {
	payload, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	id := atomic.AddUint64(&s.nextID, 1)
	ch := make(chan *Message, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	s.pending[id] = ch
	timeout := s.adaptiveTimeout(len(s.pending))
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.writeMessage(NewRequest(id, method, payload)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			return nil, fmt.Errorf("request %q rejected with code %d: %s", method, resp.ErrorCode, resp.ErrorReason)
		}
		return resp.Data, nil
	case <-s.done:
		return nil, domain.ErrSessionClosed
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", domain.ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// adaptiveTimeout scales the base unit with the number of in-flight
// requests, so a busy session tolerates slower round trips instead of
// timing out in bulk.
func (s *Session) adaptiveTimeout(pending int) time.Duration {
	return time.Duration(float64(s.baseTimeout) * (15 + 0.1*float64(pending)))
}

func (s *Session) Notify(method string, data interface{}) error {
	payload, err := marshalData(data)
	if err != nil {
		return err
	}
	return s.writeMessage(NewNotification(method, payload))
}

func (s *Session) OnRequest(handler func(req *ports.IncomingRequest)) {
	s.mu.Lock()
	s.handlers.request = handler
	s.mu.Unlock()
}

func (s *Session) OnNotification(handler func(method string, data json.RawMessage)) {
	s.mu.Lock()
	s.handlers.notification = handler
	s.mu.Unlock()
}

func (s *Session) OnClose(handler func()) {
	s.mu.Lock()
	s.handlers.close = handler
	s.mu.Unlock()
}

// Close tears the session down: every pending request fails with
// ErrSessionClosed and the close handler fires exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		// Drop the pending map instead of closing the channels: route may
		// hold one of them for a send. Waiters unblock through s.done.
		s.pending = nil
		closeHandler := s.handlers.close
		close(s.done)
		s.mu.Unlock()

		s.conn.Close()
		if closeHandler != nil {
			closeHandler()
		}
	})
	return nil
}

// Serve runs the read and keepalive loops until the connection drops or ctx
// is cancelled. It always leaves the session closed.
func (s *Session) Serve(ctx context.Context) {
	defer s.Close()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(ctx, stopPing)

	s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnw("websocket read failed", "peer_id", s.peerID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			// The protocol is JSON text frames only.
			s.logger.Warnw("dropping non-text frame", "peer_id", s.peerID, "type", msgType)
			continue
		}

		msg, err := Parse(raw)
		if err != nil {
			s.logger.Warnw("dropping malformed message", "peer_id", s.peerID, "error", err)
			continue
		}
		s.route(msg)
	}
}

func (s *Session) route(msg *Message) {
	switch {
	case msg.Request:
		s.handleInboundRequest(msg)
	case msg.Response:
		// Claim the entry under the lock so a duplicate id is an
		// unknown-id drop, then deliver without blocking the read loop.
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		if ok {
			delete(s.pending, msg.ID)
		}
		s.mu.Unlock()
		if !ok {
			s.logger.Debugw("response for unknown request id", "peer_id", s.peerID, "id", msg.ID)
			return
		}
		select {
		case ch <- msg:
		default:
		}
	case msg.Notification:
		s.mu.Lock()
		handler := s.handlers.notification
		s.mu.Unlock()
		if handler != nil {
			handler(msg.Method, msg.Data)
		}
	}
}

// handleInboundRequest builds the response pair for one client request.
// Whichever of Accept or Reject runs first wins; later calls are ignored.
func (s *Session) handleInboundRequest(msg *Message) {
	s.mu.Lock()
	handler := s.handlers.request
	s.mu.Unlock()
	if handler == nil {
		s.respond(NewErrorResponse(msg.ID, 503, "not ready"))
		return
	}

	var respondOnce sync.Once
	handler(&ports.IncomingRequest{
		Method: msg.Method,
		Data:   msg.Data,
		Accept: func(data interface{}) {
			respondOnce.Do(func() {
				payload, err := marshalData(data)
				if err != nil {
					s.logger.Errorw("failed to marshal response data", "method", msg.Method, "error", err)
					s.respond(NewErrorResponse(msg.ID, 500, "response serialization failed"))
					return
				}
				s.respond(NewSuccessResponse(msg.ID, payload))
			})
		},
		Reject: func(code int, reason string) {
			respondOnce.Do(func() {
				s.respond(NewErrorResponse(msg.ID, code, reason))
			})
		},
	})
}

func (s *Session) respond(msg *Message) {
	if err := s.writeMessage(msg); err != nil {
		s.logger.Warnw("failed to write response", "peer_id", s.peerID, "error", err)
	}
}

func (s *Session) pingLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// writeMessage serializes writes; gorilla allows one concurrent writer.
func (s *Session) writeMessage(msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrTransportClosed
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func marshalData(data interface{}) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message data: %w", err)
	}
	return raw, nil
}
