package queues

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-collab/config"
	"github.com/antinvestor/service-collab/internal"
	"github.com/antinvestor/service-collab/service/business"
)

// RoomBroadcastPublisher publishes room envelopes onto the sharded
// broadcast topics. The shard for a project is derived from its ID so all
// instances agree on where a room's traffic flows.
type RoomBroadcastPublisher struct {
	cfg      *config.CollabConfig
	qManager queue.Manager
}

// NewRoomBroadcastPublisher creates the bus side of the gateway.
func NewRoomBroadcastPublisher(cfg *config.CollabConfig, qManager queue.Manager) business.RoomBus {
	return &RoomBroadcastPublisher{
		cfg:      cfg,
		qManager: qManager,
	}
}

// Publish sends an envelope to the broadcast topic for its project's shard.
func (p *RoomBroadcastPublisher) Publish(ctx context.Context, envelope *business.RoomEnvelope) error {
	shard := internal.ShardForKey(envelope.ProjectID, p.cfg.BroadcastShardCount)
	topicName := fmt.Sprintf(p.cfg.QueueRoomBroadcastName, shard)

	topic, err := p.qManager.GetPublisher(topicName)
	if err != nil {
		return fmt.Errorf("broadcast publisher %s unavailable: %w", topicName, err)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("could not marshal broadcast envelope: %w", err)
	}

	headers := map[string]string{
		internal.HeaderProjectID:    envelope.ProjectID,
		internal.HeaderProfileID:    envelope.SenderID,
		internal.HeaderEventType:    envelope.EventType,
		internal.HeaderGatewayID:    envelope.OriginGatewayID,
		internal.HeaderConnectionID: envelope.OriginConnectionID,
		internal.HeaderShardID:      strconv.Itoa(shard),
	}

	return topic.Publish(ctx, payload, headers)
}

// RoomBroadcastQueueHandler consumes broadcast envelopes from a shard's
// topic and fans them out to local room members. Every gateway instance
// subscribes to all shards.
type RoomBroadcastQueueHandler struct {
	cfg               *config.CollabConfig
	connectionManager business.ConnectionManager
}

// NewRoomBroadcastQueueHandler creates the subscribe worker for one shard topic.
func NewRoomBroadcastQueueHandler(
	cfg *config.CollabConfig,
	cm business.ConnectionManager,
) queue.SubscribeWorker {
	return &RoomBroadcastQueueHandler{
		cfg:               cfg,
		connectionManager: cm,
	}
}

func (h *RoomBroadcastQueueHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	envelope := &business.RoomEnvelope{}
	if err := json.Unmarshal(payload, envelope); err != nil {
		// Malformed messages can never succeed; drop instead of requeueing
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"project_id": headers[internal.HeaderProjectID],
			"event_type": headers[internal.HeaderEventType],
		}).Warn("discarding malformed broadcast envelope")
		return nil
	}

	delivered := h.connectionManager.DeliverEnvelope(ctx, envelope)

	util.Log(ctx).WithFields(map[string]any{
		"project_id": envelope.ProjectID,
		"event_type": envelope.EventType,
		"delivered":  delivered,
	}).Debug("broadcast envelope handled")

	return nil
}
