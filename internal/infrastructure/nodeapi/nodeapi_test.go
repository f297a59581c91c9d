package nodeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
	apperrors "streamgrid/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubGateway overrides only the methods a test exercises; calling anything
// else panics on the embedded nil interface, which is what we want.
type stubGateway struct {
	ports.WorkerGateway

	createRouter func(ctx context.Context, processID string) (domain.RouterID, json.RawMessage, error)
	capabilities func(ctx context.Context, routerID domain.RouterID) (json.RawMessage, error)
	produce      func(ctx context.Context, req *ports.ProduceRequest) (*domain.Stream, error)
	relayConsume func(ctx context.Context, relayTransportID domain.TransportID, streamID domain.StreamID, data bool) (*ports.ConsumeInfo, error)
	closeStream  func(ctx context.Context, streamID domain.StreamID) error
}

func (g *stubGateway) CreateRouter(ctx context.Context, processID string) (domain.RouterID, json.RawMessage, error) {
	return g.createRouter(ctx, processID)
}

func (g *stubGateway) RouterCapabilities(ctx context.Context, routerID domain.RouterID) (json.RawMessage, error) {
	return g.capabilities(ctx, routerID)
}

func (g *stubGateway) Produce(ctx context.Context, req *ports.ProduceRequest) (*domain.Stream, error) {
	return g.produce(ctx, req)
}

func (g *stubGateway) RelayConsume(ctx context.Context, relayTransportID domain.TransportID, streamID domain.StreamID, data bool) (*ports.ConsumeInfo, error) {
	return g.relayConsume(ctx, relayTransportID, streamID, data)
}

func (g *stubGateway) CloseStream(ctx context.Context, streamID domain.StreamID) error {
	return g.closeStream(ctx, streamID)
}

func newClientServerPair(t *testing.T, gateway ports.WorkerGateway) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	NewServer(gateway, zaptest.NewLogger(t).Sugar()).Register(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return NewClient(strings.TrimPrefix(srv.URL, "http://"), zaptest.NewLogger(t).Sugar())
}

func TestCreateRouter_RoundTrip(t *testing.T) {
	gateway := &stubGateway{
		createRouter: func(ctx context.Context, processID string) (domain.RouterID, json.RawMessage, error) {
			assert.Equal(t, "source-0", processID)
			return "router-1", json.RawMessage(`{"codecs":[]}`), nil
		},
	}
	client := newClientServerPair(t, gateway)

	routerID, caps, err := client.CreateRouter(context.Background(), "source-0")
	require.NoError(t, err)
	assert.Equal(t, domain.RouterID("router-1"), routerID)
	assert.JSONEq(t, `{"codecs":[]}`, string(caps))
}

func TestRouterCapabilities_NotFoundMapsToAppError(t *testing.T) {
	gateway := &stubGateway{
		capabilities: func(ctx context.Context, routerID domain.RouterID) (json.RawMessage, error) {
			return nil, domain.ErrRouterNotFound
		},
	}
	client := newClientServerPair(t, gateway)

	_, err := client.RouterCapabilities(context.Background(), "router-missing")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeNotFound, appErr.Code)
	assert.Equal(t, 404, appErr.HTTPStatus)
}

func TestProduce_NoCapacitySurvivesTheWire(t *testing.T) {
	gateway := &stubGateway{
		produce: func(ctx context.Context, req *ports.ProduceRequest) (*domain.Stream, error) {
			return nil, domain.ErrNoCapacityAvailable
		},
	}
	client := newClientServerPair(t, gateway)

	_, err := client.Produce(context.Background(), &ports.ProduceRequest{})
	assert.ErrorIs(t, err, domain.ErrNoCapacityAvailable)
}

func TestRelayConsume_LockedSurvivesTheWire(t *testing.T) {
	gateway := &stubGateway{
		relayConsume: func(ctx context.Context, relayTransportID domain.TransportID, streamID domain.StreamID, data bool) (*ports.ConsumeInfo, error) {
			return nil, domain.ErrLockNotAcquired
		},
	}
	client := newClientServerPair(t, gateway)

	_, err := client.RelayConsume(context.Background(), "relay-transport-1", "stream-1", false)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)
}

func TestRelayConsume_RoundTrip(t *testing.T) {
	gateway := &stubGateway{
		relayConsume: func(ctx context.Context, relayTransportID domain.TransportID, streamID domain.StreamID, data bool) (*ports.ConsumeInfo, error) {
			assert.Equal(t, domain.TransportID("relay-transport-1"), relayTransportID)
			assert.Equal(t, domain.StreamID("stream-1"), streamID)
			assert.True(t, data)
			return &ports.ConsumeInfo{ID: "consumer-1", ProducerID: "stream-1", Kind: "data"}, nil
		},
	}
	client := newClientServerPair(t, gateway)

	info, err := client.RelayConsume(context.Background(), "relay-transport-1", "stream-1", true)
	require.NoError(t, err)
	assert.Equal(t, "consumer-1", info.ID)
	assert.Equal(t, "data", info.Kind)
}

func TestCreateRouter_RejectsMissingProcessID(t *testing.T) {
	client := newClientServerPair(t, &stubGateway{})

	_, _, err := client.CreateRouter(context.Background(), "")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, appErr.Code)
}

func TestClient_ConnectionFailureWrapsNodeUnreachable(t *testing.T) {
	// Nothing listens here; the dial fails at the connection level.
	client := NewClient("127.0.0.1:1", zaptest.NewLogger(t).Sugar())

	err := client.CloseStream(context.Background(), "stream-1")
	require.Error(t, err)

	var unreachable *domain.NodeUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "127.0.0.1", unreachable.Host)
	assert.Equal(t, 1, unreachable.Port)
}

func TestDialer_CachesClientPerAddress(t *testing.T) {
	dial := NewDialer(zaptest.NewLogger(t).Sugar())

	a := dial("10.0.0.1:4443")
	b := dial("10.0.0.1:4443")
	c := dial("10.0.0.2:4443")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestUnknownErrorsDoNotLeakDetails(t *testing.T) {
	gateway := &stubGateway{
		capabilities: func(ctx context.Context, routerID domain.RouterID) (json.RawMessage, error) {
			return nil, errors.New("worker exploded: /var/run/secret")
		},
	}
	client := newClientServerPair(t, gateway)

	_, err := client.RouterCapabilities(context.Background(), "router-1")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInternal, appErr.Code)
	assert.NotContains(t, appErr.Message, "secret")
}
