package signal

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
	"streamgrid/pkg/config"
	"streamgrid/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketServer accepts signaling connections, authenticates them and
// hands each admitted session to the room service.
type WebSocketServer struct {
	roomService ports.RoomService
	validator   *TokenValidator

	pingInterval time.Duration
	pongTimeout  time.Duration
	baseTimeout  time.Duration

	limiters *limiterStore

	mu       sync.Mutex
	sessions map[*Session]struct{}

	logger *zap.SugaredLogger
}

// limiterStore keeps one upgrade-rate limiter per client IP.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newLimiterStore(r rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (s *limiterStore) allow(key string) bool {
	s.mu.Lock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(s.rate, s.burst)
		s.limiters[key] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func NewWebSocketServer(roomService ports.RoomService, cfg *config.Config, logger *zap.SugaredLogger) *WebSocketServer {
	server := &WebSocketServer{
		roomService:  roomService,
		validator:    NewTokenValidator(cfg.Auth.JWTSecret),
		pingInterval: cfg.Signal.PingInterval,
		pongTimeout:  cfg.Signal.PongTimeout,
		baseTimeout:  cfg.Signal.BaseRequestTimeout,
		sessions:     make(map[*Session]struct{}),
		logger:       logger,
	}
	if cfg.RateLimiting.Enabled {
		server.limiters = newLimiterStore(rate.Limit(cfg.RateLimiting.MessagesPerSecond), cfg.RateLimiting.Burst)
	}
	return server
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limiters != nil && !s.limiters.allow(clientIP(r)) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	query := r.URL.Query()
	roomID := query.Get("roomId")
	peerID := query.Get("peerId")
	token := query.Get("token")

	if err := validation.RoomID(roomID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.PeerID(peerID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validator.Validate(token, roomID, peerID); err != nil {
		s.logger.Warnw("rejecting unauthenticated session", "room_id", roomID, "peer_id", peerID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	session := NewSession(conn, domain.PeerID(peerID), s.baseTimeout, s.pingInterval, s.pongTimeout, s.logger)

	ctx := r.Context()
	if err := s.roomService.HandleSession(context.WithoutCancel(ctx), roomID, domain.PeerID(peerID), session); err != nil {
		s.logger.Errorw("session admission failed",
			"room_id", roomID,
			"peer_id", peerID,
			"error", err,
		)
		session.Close()
		return
	}

	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
	}()

	session.Serve(ctx)
}

// Shutdown closes every live session; their close handlers run the normal
// disconnect cascade.
func (s *WebSocketServer) Shutdown(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := net.ParseIP(xff); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
