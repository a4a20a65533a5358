package handlers //nolint:testpackage // Tests exercise unexported helpers alongside the handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/antinvestor/service-collab/internal/health"
	"github.com/antinvestor/service-collab/service/business"
	"github.com/antinvestor/service-collab/service/models"
)

// staticVerifier resolves tokens from a fixed table.
type staticVerifier struct {
	tokens map[string]*security.AuthenticationClaims
}

func (v *staticVerifier) Verify(
	_ context.Context,
	token string,
) (*security.AuthenticationClaims, error) {
	if token == "" {
		return nil, business.ErrTokenMissing
	}
	claims, ok := v.tokens[token]
	if !ok {
		return nil, business.ErrTokenInvalid
	}
	return claims, nil
}

func wsClaims(subject string) *security.AuthenticationClaims {
	return &security.AuthenticationClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
}

// stubSnapshotBackend satisfies the snapshot store without persistence.
type stubSnapshotBackend struct{}

func (stubSnapshotBackend) Save(_ context.Context, _ *models.Snapshot) error {
	return nil
}

func (stubSnapshotBackend) GetLatest(_ context.Context, _ string) (*models.Snapshot, error) {
	return nil, gorm.ErrRecordNotFound
}

func (stubSnapshotBackend) ListBefore(
	_ context.Context,
	_, _ string,
	_ int,
) ([]*models.Snapshot, error) {
	return nil, nil
}

// newGatewayServer runs a full gateway over in-memory backends.
func newGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()

	verifier := &staticVerifier{tokens: map[string]*security.AuthenticationClaims{
		"token-alice": wsClaims("alice"),
		"token-bob":   wsClaims("bob"),
	}}
	presence := business.NewPresenceTracker(cache.NewInMemoryCache(), time.Minute, nil)
	snapshots := business.NewSnapshotStore(stubSnapshotBackend{}, 20, 100)

	cm := business.NewConnectionManager(context.Background(), business.ManagerOptions{
		Verifier:             verifier,
		Presence:             presence,
		Snapshots:            snapshots,
		ConnectionTimeoutSec: 300,
		HeartbeatIntervalSec: 30,
		PresenceTTL:          time.Minute,
		Limits: business.RateLimits{
			CursorCap:     60,
			CursorPerTick: 10,
			OpCap:         120,
			OpPerTick:     20,
		},
	})
	t.Cleanup(func() { _ = cm.Shutdown(context.Background()) })

	gateway := NewGatewayHandler(nil, cm, verifier)
	retrieval := NewRetrievalHandler(nil, presence, snapshots)
	server := httptest.NewServer(NewRouter(gateway, retrieval, health.NewHandler()))
	t.Cleanup(server.Close)

	return server
}

func dialGateway(t *testing.T, server *httptest.Server, projectID, token string) *websocket.Conn {
	t.Helper()

	target := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + projectID + "?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readServerFrame(t *testing.T, ws *websocket.Conn) *business.ServerFrame {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame := &business.ServerFrame{}
	require.NoError(t, ws.ReadJSON(frame))
	return frame
}

func TestBearerToken(t *testing.T) {
	t.Run("authorization header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/proj1", nil)
		r.Header.Set("Authorization", "Bearer secret-token")
		assert.Equal(t, "secret-token", bearerToken(r))
	})

	t.Run("query parameter fallback", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/proj1?token=query-token", nil)
		assert.Equal(t, "query-token", bearerToken(r))
	})

	t.Run("header wins over query", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/proj1?token=query-token", nil)
		r.Header.Set("Authorization", "Bearer header-token")
		assert.Equal(t, "header-token", bearerToken(r))
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/proj1", nil)
		assert.Empty(t, bearerToken(r))
	})
}

func TestConnect_RejectsBadTokenBeforeUpgrade(t *testing.T) {
	server := newGatewayServer(t)

	target := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/proj1?token=forged"
	ws, resp, err := websocket.DefaultDialer.Dial(target, nil)
	require.Error(t, err)
	require.Nil(t, ws)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnect_SendsConnectedAck(t *testing.T) {
	server := newGatewayServer(t)

	ws := dialGateway(t, server, "proj1", "token-alice")

	frame := readServerFrame(t, ws)
	require.Equal(t, business.EventTypeConnected, frame.Type)
	assert.Equal(t, "proj1", frame.ProjectID)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	assert.NotEmpty(t, ack["connection_id"])
	assert.NotEmpty(t, ack["gateway_id"])
	assert.InDelta(t, 30, ack["heartbeat_interval_sec"], 0.1)
}

func TestConnect_PresenceVisibleOverHTTP(t *testing.T) {
	server := newGatewayServer(t)

	ws := dialGateway(t, server, "proj1", "token-alice")
	_ = readServerFrame(t, ws)

	require.Eventually(t, func() bool {
		resp, err := server.Client().Get(server.URL + "/v1/projects/proj1/presence")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()

		var body presenceResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr != nil {
			return false
		}
		return len(body.Users) == 1 && body.Users[0] == "alice"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConnect_BroadcastBetweenCollaborators(t *testing.T) {
	server := newGatewayServer(t)

	alice := dialGateway(t, server, "proj1", "token-alice")
	bob := dialGateway(t, server, "proj1", "token-bob")

	require.Equal(t, business.EventTypeConnected, readServerFrame(t, alice).Type)
	require.Equal(t, business.EventTypeConnected, readServerFrame(t, bob).Type)

	err := alice.WriteJSON(&business.ClientFrame{
		Type:    business.EventTypeOp,
		Payload: json.RawMessage(`{"insert":"hello"}`),
	})
	require.NoError(t, err)

	frame := readServerFrame(t, bob)
	require.Equal(t, business.EventTypeOp, frame.Type)
	assert.Equal(t, "proj1", frame.ProjectID)
	assert.Equal(t, "alice", frame.SenderID)
	assert.JSONEq(t, `{"insert":"hello"}`, string(frame.Payload))
}
