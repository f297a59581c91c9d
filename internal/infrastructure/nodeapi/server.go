package nodeapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
	apperrors "streamgrid/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server exposes this node's local worker gateway to the other nodes of the
// mesh. Every route body mirrors one gateway operation; the remote client
// is the other half of the pair.
type Server struct {
	gateway ports.WorkerGateway
	logger  *zap.SugaredLogger
}

func NewServer(gateway ports.WorkerGateway, logger *zap.SugaredLogger) *Server {
	return &Server{gateway: gateway, logger: logger}
}

// Register mounts the control API routes on the engine.
func (s *Server) Register(router gin.IRouter) {
	v1 := router.Group("/v1")

	v1.POST("/routers", s.createRouter)
	v1.GET("/routers/:id/capabilities", s.routerCapabilities)
	v1.DELETE("/routers/:id", s.closeRouter)
	v1.POST("/routers/:id/relay-destinations", s.createRelayDestination)

	v1.POST("/transports", s.createTransport)
	v1.POST("/transports/:id/connect", s.connectTransport)
	v1.POST("/transports/:id/restart-ice", s.restartICE)
	v1.GET("/transports/:id/stats", s.transportStats)
	v1.DELETE("/transports/:id", s.closeTransport)
	v1.POST("/transports/:id/relay-consume", s.relayConsume)

	v1.POST("/streams", s.produce)
	v1.POST("/streams/consume", s.consume)
	v1.DELETE("/streams/:id", s.closeStream)
	v1.POST("/streams/:id/pause", s.pauseStream)
	v1.POST("/streams/:id/resume", s.resumeStream)
	v1.POST("/streams/:id/preferred-layers", s.setPreferredLayers)
	v1.POST("/streams/:id/priority", s.setPriority)
	v1.POST("/streams/:id/keyframe", s.requestKeyFrame)
	v1.GET("/streams/:id/stats", s.streamStats)
}

type createRouterRequest struct {
	ProcessID string `json:"processId" binding:"required"`
}

type createRouterResponse struct {
	RouterID     domain.RouterID `json:"routerId"`
	Capabilities json.RawMessage `json:"capabilities"`
}

func (s *Server) createRouter(c *gin.Context) {
	var req createRouterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.NewInvalidInput(err.Error()))
		return
	}
	routerID, caps, err := s.gateway.CreateRouter(c.Request.Context(), req.ProcessID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createRouterResponse{RouterID: routerID, Capabilities: caps})
}

func (s *Server) routerCapabilities(c *gin.Context) {
	caps, err := s.gateway.RouterCapabilities(c.Request.Context(), domain.RouterID(c.Param("id")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", caps)
}

func (s *Server) closeRouter(c *gin.Context) {
	if err := s.gateway.CloseRouter(c.Request.Context(), domain.RouterID(c.Param("id"))); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type relayDestinationRequest struct {
	Endpoint ports.RelayEndpoint `json:"endpoint" binding:"required"`
}

func (s *Server) createRelayDestination(c *gin.Context) {
	var req relayDestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.NewInvalidInput(err.Error()))
		return
	}
	info, err := s.gateway.CreateRelayDestination(c.Request.Context(), domain.RouterID(c.Param("id")), req.Endpoint)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) createTransport(c *gin.Context) {
	var req ports.CreateTransportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.NewInvalidInput(err.Error()))
		return
	}
	info, err := s.gateway.CreateTransport(c.Request.Context(), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

type connectTransportRequest struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters" binding:"required"`
}

func (s *Server) connectTransport(c *gin.Context) {
	var req connectTransportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.NewInvalidInput(err.Error()))
		return
	}
	if err := s.gateway.ConnectTransport(c.Request.Context(), domain.TransportID(c.Param("id")), req.DTLSParameters); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) restartICE(c *gin.Context) {
	iceParameters, err := s.gateway.RestartICE(c.Request.Context(), domain.TransportID(c.Param("id")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"iceParameters": iceParameters})
}

func (s *Server) transportStats(c *gin.Context) {
	stats, err := s.gateway.TransportStats(c.Request.Context(), domain.TransportID(c.Param("id")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", stats)
}

func (s *Server) closeTransport(c *gin.Context) {
	if err := s.gateway.CloseTransport(c.Request.Context(), domain.TransportID(c.Param("id"))); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type relayConsumeRequest struct {
	StreamID domain.StreamID `json:"streamId" binding:"required"`
	Data     bool            `json:"data"`
}

func (s *Server) relayConsume(c *gin.Context) {
	var req relayConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.NewInvalidInput(err.Error()))
		return
	}
	info, err := s.gateway.RelayConsume(c.Request.Context(), domain.TransportID(c.Param("id")), req.StreamID, req.Data)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) produce(c *gin.Context) {
	var req ports.ProduceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.NewInvalidInput(err.Error()))
		return
	}
	stream, err := s.gateway.Produce(c.Request.Context(), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stream)
}

func (s *Server) consume(c *gin.Context) {
	var req ports.ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.NewInvalidInput(err.Error()))
		return
	}
	info, err := s.gateway.Consume(c.Request.Context(), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) closeStream(c *gin.Context) {
	if err := s.gateway.CloseStream(c.Request.Context(), domain.StreamID(c.Param("id"))); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseStream(c *gin.Context) {
	if err := s.gateway.PauseStream(c.Request.Context(), domain.StreamID(c.Param("id"))); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resumeStream(c *gin.Context) {
	if err := s.gateway.ResumeStream(c.Request.Context(), domain.StreamID(c.Param("id"))); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type preferredLayersRequest struct {
	SpatialLayer  int `json:"spatialLayer"`
	TemporalLayer int `json:"temporalLayer"`
}

func (s *Server) setPreferredLayers(c *gin.Context) {
	var req preferredLayersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.NewInvalidInput(err.Error()))
		return
	}
	if err := s.gateway.SetPreferredLayers(c.Request.Context(), domain.StreamID(c.Param("id")), req.SpatialLayer, req.TemporalLayer); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) setPriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.NewInvalidInput(err.Error()))
		return
	}
	if err := s.gateway.SetPriority(c.Request.Context(), domain.StreamID(c.Param("id")), req.Priority); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) requestKeyFrame(c *gin.Context) {
	if err := s.gateway.RequestKeyFrame(c.Request.Context(), domain.StreamID(c.Param("id"))); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) streamStats(c *gin.Context) {
	stats, err := s.gateway.StreamStats(c.Request.Context(), domain.StreamID(c.Param("id")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", stats)
}

type errorResponse struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// respondError maps domain sentinels and AppErrors to wire errors. Unknown
// errors surface as 500 INTERNAL_ERROR without leaking internals.
func (s *Server) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, errorResponse{Code: appErr.Code, Message: appErr.Message})
		return
	}

	switch {
	case errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrRouterNotFound),
		errors.Is(err, domain.ErrTransportNotFound),
		errors.Is(err, domain.ErrStreamNotFound),
		errors.Is(err, domain.ErrWorkerNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: apperrors.ErrCodeNotFound, Message: err.Error()})
	case errors.Is(err, domain.ErrNoCapacityAvailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: apperrors.ErrCodeNoCapacity, Message: err.Error()})
	case errors.Is(err, domain.ErrLockNotAcquired):
		c.JSON(http.StatusConflict, errorResponse{Code: apperrors.ErrCodeLocked, Message: err.Error()})
	default:
		s.logger.Errorw("control API request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: apperrors.ErrCodeInternal, Message: "internal error"})
	}
}
