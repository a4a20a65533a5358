package business

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/frame/security"
)

// Event types accepted from clients.
const (
	EventTypeCursor       = "cursor"
	EventTypeOp           = "op"
	EventTypeSnapshot     = "snapshot"
	EventTypeRefreshToken = "refresh_token"
	EventTypeHeartbeat    = "heartbeat"
)

// Event types emitted to clients.
const (
	EventTypeConnected = "connected"
	EventTypeAck       = "ack"
)

// ClientFrame is a single JSON message received from a collaborator.
type ClientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is a single JSON message sent to a collaborator.
type ServerFrame struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    int64           `json:"sent_at,omitempty"` // Unix timestamp
}

// RoomEnvelope is the wire format for events travelling between gateway
// instances over the broadcast bus.
type RoomEnvelope struct {
	ProjectID          string          `json:"project_id"`
	SenderID           string          `json:"sender_id"`
	EventType          string          `json:"event_type"`
	OriginGatewayID    string          `json:"origin_gateway_id"`
	OriginConnectionID string          `json:"origin_connection_id"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	SentAt             int64           `json:"sent_at"` // Unix timestamp
}

// Metadata represents connection metadata.
type Metadata struct {
	ConnectionID  string `json:"connection_id"`
	ProjectID     string `json:"project_id"`
	ProfileID     string `json:"profile_id"`
	GatewayID     string `json:"gateway_id"` // Which gateway instance owns this connection
	Connected     int64  `json:"connected"`  // Unix timestamp
	LastActive    int64  `json:"last_active"`
	LastHeartbeat int64  `json:"last_heartbeat"`
}

func (m *Metadata) Key() string {
	return m.ConnectionID
}

// ClientStream abstracts the bidirectional transport for a collaborator.
type ClientStream interface {
	Receive() (*ClientFrame, error)
	Send(*ServerFrame) error
	Close() error
}

// Connection represents an active collaborator connection.
type Connection interface {
	Metadata() *Metadata
	Stream() ClientStream

	Claims() *security.AuthenticationClaims
	SetClaims(claims *security.AuthenticationClaims)

	Dispatch(frame *ServerFrame) bool
	ConsumeDispatch(ctx context.Context) *ServerFrame

	AllowCursor() bool
	AllowOp() bool

	Heartbeat()
	LastHeartbeat() int64

	Close()
}

// ConnectionManager manages the lifecycle of collaborator connections.
type ConnectionManager interface {
	HandleConnection(
		ctx context.Context,
		projectID string,
		claims *security.AuthenticationClaims,
		stream ClientStream,
	) error

	// DeliverEnvelope fans a broadcast envelope out to local members of the
	// project's room, skipping the originating connection. Returns the number
	// of connections the event was dispatched to.
	DeliverEnvelope(ctx context.Context, envelope *RoomEnvelope) int

	DrainConnections(ctx context.Context)
	Shutdown(ctx context.Context) error
}

// RoomBus carries room events to every gateway instance serving a project.
type RoomBus interface {
	Publish(ctx context.Context, envelope *RoomEnvelope) error
}

// TokenVerifier validates bearer tokens and resolves collaborator claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*security.AuthenticationClaims, error)
}
