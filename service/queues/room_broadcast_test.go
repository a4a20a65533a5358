package queues

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/service-collab/config"
	"github.com/antinvestor/service-collab/service/business"
)

// fakeManager records envelopes handed to it.
type fakeManager struct {
	business.ConnectionManager
	envelopes []*business.RoomEnvelope
}

func (f *fakeManager) DeliverEnvelope(_ context.Context, envelope *business.RoomEnvelope) int {
	f.envelopes = append(f.envelopes, envelope)
	return 1
}

func TestRoomBroadcastQueueHandler_DeliversEnvelope(t *testing.T) {
	manager := &fakeManager{}
	handler := NewRoomBroadcastQueueHandler(&config.CollabConfig{}, manager)

	envelope := &business.RoomEnvelope{
		ProjectID:          "proj1",
		SenderID:           "alice",
		EventType:          business.EventTypeOp,
		OriginGatewayID:    "collab-gateway-1",
		OriginConnectionID: "conn-a",
		Payload:            json.RawMessage(`{"insert":"x"}`),
		SentAt:             1700000000,
	}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)

	err = handler.Handle(context.Background(), map[string]string{}, payload)
	require.NoError(t, err)

	require.Len(t, manager.envelopes, 1)
	got := manager.envelopes[0]
	assert.Equal(t, "proj1", got.ProjectID)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, business.EventTypeOp, got.EventType)
	assert.Equal(t, "conn-a", got.OriginConnectionID)
	assert.JSONEq(t, `{"insert":"x"}`, string(got.Payload))
}

func TestRoomBroadcastQueueHandler_DropsMalformedPayload(t *testing.T) {
	manager := &fakeManager{}
	handler := NewRoomBroadcastQueueHandler(&config.CollabConfig{}, manager)

	err := handler.Handle(context.Background(), map[string]string{}, []byte("{broken"))
	require.NoError(t, err, "malformed payloads are dropped, not requeued")
	assert.Empty(t, manager.envelopes)
}
