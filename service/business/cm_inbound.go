package business

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
)

// snapshotRequest is the payload of a client snapshot frame.
type snapshotRequest struct {
	Content  string       `json:"content"`
	Metadata data.JSONMap `json:"metadata,omitempty"`
}

// refreshRequest is the payload of a client refresh_token frame.
type refreshRequest struct {
	Token string `json:"token"`
}

// handleInboundFrame is the entry point for all client-originated frames.
//
// Rate limited cursor and op frames are dropped silently: the client is not
// notified and the connection stays open, matching the contract that rate
// limiting sheds load without breaking sessions.
func (cm *connectionManager) handleInboundFrame(
	ctx context.Context,
	projectID string,
	conn Connection,
	frame *ClientFrame,
) error {
	if frame == nil {
		return nil
	}

	switch frame.Type {
	case EventTypeHeartbeat:
		conn.Heartbeat()
		cm.announcePresence(ctx, projectID, conn.Metadata().ProfileID)
		return nil

	case EventTypeCursor:
		if !conn.AllowCursor() {
			cm.noteRateLimited(ctx, conn, frame.Type)
			return nil
		}
		conn.Heartbeat()
		return cm.broadcast(ctx, projectID, conn, frame.Type, frame.Payload)

	case EventTypeOp:
		if !conn.AllowOp() {
			cm.noteRateLimited(ctx, conn, frame.Type)
			return nil
		}
		conn.Heartbeat()
		return cm.broadcast(ctx, projectID, conn, frame.Type, frame.Payload)

	case EventTypeSnapshot:
		conn.Heartbeat()
		return cm.processSnapshot(ctx, projectID, conn, frame.Payload)

	case EventTypeRefreshToken:
		conn.Heartbeat()
		return cm.processTokenRefresh(ctx, conn, frame.Payload)

	default:
		util.Log(ctx).WithField("frame_type", frame.Type).
			Debug("received unknown frame type")
		return nil
	}
}

// broadcast publishes a room event to the bus so every gateway instance
// serving the project delivers it. When the bus is unavailable the event is
// delivered to local room members directly, degrading to single-instance
// behaviour instead of losing the event.
func (cm *connectionManager) broadcast(
	ctx context.Context,
	projectID string,
	conn Connection,
	eventType string,
	payload json.RawMessage,
) error {
	envelope := &RoomEnvelope{
		ProjectID:          projectID,
		SenderID:           conn.Metadata().ProfileID,
		EventType:          eventType,
		OriginGatewayID:    cm.gatewayID,
		OriginConnectionID: conn.Metadata().ConnectionID,
		Payload:            payload,
		SentAt:             time.Now().Unix(),
	}

	if cm.bus != nil {
		err := cm.bus.Publish(ctx, envelope)
		if err == nil {
			eventsBroadcastCounter.Add(ctx, 1)
			return nil
		}

		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"project_id": projectID,
			"event_type": eventType,
		}).Warn("broadcast publish failed, delivering locally")
	}

	cm.DeliverEnvelope(ctx, envelope)
	return nil
}

// processSnapshot persists a snapshot and acks the author with the stored
// snapshot's identity. Snapshots are never broadcast: readers fetch them
// through the retrieval API when they need one.
func (cm *connectionManager) processSnapshot(
	ctx context.Context,
	projectID string,
	conn Connection,
	payload json.RawMessage,
) error {
	var req snapshotRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		cm.sendAck(ctx, conn, EventTypeSnapshot, map[string]any{
			"accepted": false,
			"reason":   "malformed snapshot payload",
		})
		return err
	}

	stored, err := cm.snapshots.Append(ctx, projectID, conn.Metadata().ProfileID, req.Content, req.Metadata)
	if err != nil {
		cm.sendAck(ctx, conn, EventTypeSnapshot, map[string]any{
			"accepted": false,
			"reason":   err.Error(),
		})
		return err
	}

	cm.sendAck(ctx, conn, EventTypeSnapshot, map[string]any{
		"accepted":    true,
		"snapshot_id": stored.ID,
	})

	return nil
}

// processTokenRefresh swaps the connection's claims for freshly verified
// ones. The refreshed token must belong to the same collaborator; on any
// failure the existing claims stay in force and the client is told.
func (cm *connectionManager) processTokenRefresh(
	ctx context.Context,
	conn Connection,
	payload json.RawMessage,
) error {
	var req refreshRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		cm.sendAck(ctx, conn, EventTypeRefreshToken, map[string]any{
			"refreshed": false,
			"reason":    "malformed refresh payload",
		})
		return err
	}

	claims, err := cm.verifier.Verify(ctx, req.Token)
	if err != nil {
		cm.sendAck(ctx, conn, EventTypeRefreshToken, map[string]any{
			"refreshed": false,
			"reason":    err.Error(),
		})
		return err
	}

	subject, err := subjectOf(claims)
	if err != nil {
		cm.sendAck(ctx, conn, EventTypeRefreshToken, map[string]any{
			"refreshed": false,
			"reason":    err.Error(),
		})
		return err
	}

	if subject != conn.Metadata().ProfileID {
		util.Log(ctx).WithFields(map[string]any{
			"connection_id":   conn.Metadata().ConnectionID,
			"claimed_subject": subject,
			"actual_subject":  conn.Metadata().ProfileID,
		}).Warn("refresh token subject mismatch")
		cm.sendAck(ctx, conn, EventTypeRefreshToken, map[string]any{
			"refreshed": false,
			"reason":    ErrTokenSubjectMismatch.Error(),
		})
		return ErrTokenSubjectMismatch
	}

	conn.SetClaims(claims)

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": conn.Metadata().ConnectionID,
		"profile_id":    subject,
	}).Debug("session token refreshed")

	cm.sendAck(ctx, conn, EventTypeRefreshToken, map[string]any{
		"refreshed": true,
	})
	return nil
}

// sendAck queues an acknowledgment frame back to the connection.
func (cm *connectionManager) sendAck(ctx context.Context, conn Connection, about string, body map[string]any) {
	body["ack_for"] = about

	payload, err := json.Marshal(body)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not marshal ack payload")
		return
	}

	frame := &ServerFrame{
		Type:      EventTypeAck,
		ProjectID: conn.Metadata().ProjectID,
		Payload:   payload,
		SentAt:    time.Now().Unix(),
	}

	if !conn.Dispatch(frame) {
		util.Log(ctx).WithField("connection_id", conn.Metadata().ConnectionID).
			Debug("ack dropped, dispatch buffer full")
	}
}

func (cm *connectionManager) noteRateLimited(ctx context.Context, conn Connection, eventType string) {
	atomic.AddUint64(&cm.droppedEvents, 1)
	eventsDroppedCounter.Add(ctx, 1)

	util.Log(ctx).WithFields(map[string]any{
		"project_id":    conn.Metadata().ProjectID,
		"connection_id": conn.Metadata().ConnectionID,
		"event_type":    eventType,
	}).Debug("event dropped by rate limit")
}
