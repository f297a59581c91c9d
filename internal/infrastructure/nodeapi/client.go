package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
	"streamgrid/internal/core/services"
	"streamgrid/pkg/circuitbreaker"
	apperrors "streamgrid/pkg/errors"
	"streamgrid/pkg/retry"
	"streamgrid/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const clientTimeout = 10 * time.Second

// idempotentRetry re-runs reads and deletes that failed at the connection
// level; mutating POSTs are never retried to avoid duplicate objects.
var idempotentRetry = retry.Config{
	MaxAttempts:  2,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       true,
}

// Client talks to another node's control API and satisfies the same worker
// gateway port as the in-process implementation. Connection-level failures
// are wrapped in NodeUnreachableError so placement can flip the node's
// worker liveness; API-level errors pass through untouched.
type Client struct {
	baseURL string
	host    string
	port    int
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewClient(addr string, logger *zap.SugaredLogger) *Client {
	host, portStr, err := net.SplitHostPort(addr)
	port := 0
	if err == nil {
		port, _ = strconv.Atoi(portStr)
	} else {
		host = addr
	}
	return &Client{
		baseURL: "http://" + addr,
		host:    host,
		port:    port,
		http:    &http.Client{Timeout: clientTimeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:  logger,
	}
}

// NewDialer returns a dialer that caches one client per remote address, so
// circuit breaker state survives across calls.
func NewDialer(logger *zap.SugaredLogger) services.RemoteDialer {
	var clients sync.Map
	return func(addr string) ports.WorkerGateway {
		if client, ok := clients.Load(addr); ok {
			return client.(*Client)
		}
		client, _ := clients.LoadOrStore(addr, NewClient(addr, logger))
		return client.(*Client)
	}
}

func (c *Client) CreateRouter(ctx context.Context, processID string) (domain.RouterID, json.RawMessage, error) {
	var resp createRouterResponse
	err := c.do(ctx, http.MethodPost, "/v1/routers", createRouterRequest{ProcessID: processID}, &resp)
	if err != nil {
		return "", nil, err
	}
	return resp.RouterID, resp.Capabilities, nil
}

func (c *Client) RouterCapabilities(ctx context.Context, routerID domain.RouterID) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/v1/routers/"+string(routerID)+"/capabilities", nil, &raw)
	return raw, err
}

func (c *Client) CloseRouter(ctx context.Context, routerID domain.RouterID) error {
	return c.do(ctx, http.MethodDelete, "/v1/routers/"+string(routerID), nil, nil)
}

func (c *Client) CreateRelayDestination(ctx context.Context, routerID domain.RouterID, remote ports.RelayEndpoint) (*ports.RelayDestinationInfo, error) {
	var info ports.RelayDestinationInfo
	err := c.do(ctx, http.MethodPost, "/v1/routers/"+string(routerID)+"/relay-destinations", relayDestinationRequest{Endpoint: remote}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) CreateTransport(ctx context.Context, req *ports.CreateTransportRequest) (*ports.TransportInfo, error) {
	var info ports.TransportInfo
	if err := c.do(ctx, http.MethodPost, "/v1/transports", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) ConnectTransport(ctx context.Context, transportID domain.TransportID, dtlsParameters json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/v1/transports/"+string(transportID)+"/connect", connectTransportRequest{DTLSParameters: dtlsParameters}, nil)
}

func (c *Client) RestartICE(ctx context.Context, transportID domain.TransportID) (json.RawMessage, error) {
	var resp struct {
		ICEParameters json.RawMessage `json:"iceParameters"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/transports/"+string(transportID)+"/restart-ice", nil, &resp)
	return resp.ICEParameters, err
}

func (c *Client) CloseTransport(ctx context.Context, transportID domain.TransportID) error {
	return c.do(ctx, http.MethodDelete, "/v1/transports/"+string(transportID), nil, nil)
}

func (c *Client) TransportStats(ctx context.Context, transportID domain.TransportID) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/v1/transports/"+string(transportID)+"/stats", nil, &raw)
	return raw, err
}

func (c *Client) RelayConsume(ctx context.Context, relayTransportID domain.TransportID, streamID domain.StreamID, data bool) (*ports.ConsumeInfo, error) {
	var info ports.ConsumeInfo
	err := c.do(ctx, http.MethodPost, "/v1/transports/"+string(relayTransportID)+"/relay-consume", relayConsumeRequest{StreamID: streamID, Data: data}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Produce(ctx context.Context, req *ports.ProduceRequest) (*domain.Stream, error) {
	var stream domain.Stream
	if err := c.do(ctx, http.MethodPost, "/v1/streams", req, &stream); err != nil {
		return nil, err
	}
	return &stream, nil
}

func (c *Client) Consume(ctx context.Context, req *ports.ConsumeRequest) (*ports.ConsumeInfo, error) {
	var info ports.ConsumeInfo
	if err := c.do(ctx, http.MethodPost, "/v1/streams/consume", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) CloseStream(ctx context.Context, streamID domain.StreamID) error {
	return c.do(ctx, http.MethodDelete, "/v1/streams/"+string(streamID), nil, nil)
}

func (c *Client) PauseStream(ctx context.Context, streamID domain.StreamID) error {
	return c.do(ctx, http.MethodPost, "/v1/streams/"+string(streamID)+"/pause", nil, nil)
}

func (c *Client) ResumeStream(ctx context.Context, streamID domain.StreamID) error {
	return c.do(ctx, http.MethodPost, "/v1/streams/"+string(streamID)+"/resume", nil, nil)
}

func (c *Client) SetPreferredLayers(ctx context.Context, consumerID domain.StreamID, spatial, temporal int) error {
	return c.do(ctx, http.MethodPost, "/v1/streams/"+string(consumerID)+"/preferred-layers", preferredLayersRequest{SpatialLayer: spatial, TemporalLayer: temporal}, nil)
}

func (c *Client) SetPriority(ctx context.Context, consumerID domain.StreamID, priority int) error {
	return c.do(ctx, http.MethodPost, "/v1/streams/"+string(consumerID)+"/priority", priorityRequest{Priority: priority}, nil)
}

func (c *Client) RequestKeyFrame(ctx context.Context, consumerID domain.StreamID) error {
	return c.do(ctx, http.MethodPost, "/v1/streams/"+string(consumerID)+"/keyframe", nil, nil)
}

func (c *Client) StreamStats(ctx context.Context, streamID domain.StreamID) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/v1/streams/"+string(streamID)+"/stats", nil, &raw)
	return raw, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	call := func() error {
		return c.breaker.Execute(func() error {
			return c.roundTrip(ctx, method, path, body, out)
		})
	}
	if method == http.MethodGet || method == http.MethodDelete {
		cfg := idempotentRetry
		cfg.RetryOn = []error{&domain.NodeUnreachableError{}}
		return retry.Do(ctx, cfg, call)
	}
	return call()
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, span := tracing.StartSpan(ctx, "nodeapi.client",
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("net.peer.name", c.host),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	var reader io.Reader
	if body != nil {
		payload, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			err = fmt.Errorf("failed to marshal request body: %w", marshalErr)
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, doErr := c.http.Do(req)
	if doErr != nil {
		err = &domain.NodeUnreachableError{Host: c.host, Port: c.port, Err: doErr}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err = c.decodeError(resp)
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		err = fmt.Errorf("failed to decode response from %s %s: %w", method, path, err)
		return err
	}
	return nil
}

// decodeError maps wire error codes back to the sentinels callers test for.
func (c *Client) decodeError(resp *http.Response) error {
	var wire errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return apperrors.New(apperrors.ErrCodeInternal, fmt.Sprintf("remote returned status %d", resp.StatusCode), resp.StatusCode)
	}
	switch wire.Code {
	case apperrors.ErrCodeNoCapacity:
		return domain.ErrNoCapacityAvailable
	case apperrors.ErrCodeLocked:
		return domain.ErrLockNotAcquired
	default:
		return apperrors.New(wire.Code, wire.Message, resp.StatusCode)
	}
}
