// Package business provides the core business logic for the collaboration
// gateway: connection lifecycle, per-connection rate limiting, room
// broadcast fan-out, shared presence and the snapshot store.
//
// Connection lifecycle:
//  1. Token verification happens before the transport is accepted, so a
//     connection enters HandleConnection already authenticated.
//  2. The connection joins its project room and is announced in presence.
//  3. Two worker goroutines pump the stream: inbound (client frames) and
//     outbound (dispatch buffer to client). A third renews presence.
//  4. On any worker error, context cancellation or shutdown, the
//     connection leaves the room, its presence entry is removed and the
//     stream is closed.
//
// Concurrency model:
//   - Each connection runs its own workers; no shared state between
//     connections beyond the sharded pool and room registry.
//   - Error propagation via a buffered channel, pooled across connections.
//   - Graceful shutdown via closing shutdownCh, coordinated with WaitGroup.
package business

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pitabwire/frame/security"
	"github.com/pitabwire/frame/telemetry"
	"github.com/pitabwire/util"
)

const (
	errorChannelBufferSize = 2     // Buffer for inbound/outbound workers
	defaultRoomPoolSize    = 1000  // Default number of projects to support
	minPoolSize            = 10000 // Minimum pool size
	maxInt32               = 2147483647

	// Timeouts and intervals.
	staleCheckInterval    = 30 * time.Second
	metricsReportInterval = 10 * time.Second
	healthCheckInterval   = 60 * time.Second
	shutdownWaitTimeout   = 30 * time.Second
	presenceCallTimeout   = 3 * time.Second

	// Thresholds.
	staleThresholdMultiplier = 3   // Multiplier for heartbeat interval to determine staleness
	utilizationThreshold     = 80  // Pool utilization threshold percentage
	utilizationScaleFactor   = 100 // Scale factor for utilization percentage
)

//nolint:gochecknoglobals // Global pool for efficient channel reuse across connections
var errorChanPool = sync.Pool{
	New: func() any {
		return make(chan error, errorChannelBufferSize)
	},
}

//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	connectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"collab.connections.active",
		"Current number of active connections",
	)
	connectionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"collab.connections.total",
		"Total connection attempts",
	)
	connectionsFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"collab.connections.failed",
		"Failed connection attempts",
	)
	connectionsDisconnectedCounter = telemetry.DimensionlessMeasure(
		"",
		"collab.connections.disconnected",
		"Total disconnections",
	)
	connectionsCleanedCounter = telemetry.DimensionlessMeasure(
		"",
		"collab.connections.cleaned",
		"Stale connections cleaned",
	)
	eventsDroppedCounter = telemetry.DimensionlessMeasure(
		"",
		"collab.events.dropped",
		"Events dropped by rate limiting or full dispatch buffers",
	)
	eventsBroadcastCounter = telemetry.DimensionlessMeasure(
		"",
		"collab.events.broadcast",
		"Events published to the room broadcast bus",
	)
)

// ManagerOptions configures a connection manager.
type ManagerOptions struct {
	Verifier  TokenVerifier
	Presence  *PresenceTracker
	Snapshots *SnapshotStore
	Bus       RoomBus

	ConnectionTimeoutSec int
	HeartbeatIntervalSec int
	PresenceTTL          time.Duration
	Limits               RateLimits

	// MaxConnections caps the local pool. Zero picks a sensible default.
	MaxConnections int32

	// Clock drives presence renewal and rate limit refills. Nil means wall clock.
	Clock clock.Clock
}

// connectionManager coordinates the local pool, the room registry and the
// shared presence and broadcast backends.
type connectionManager struct {
	connPool *connectionPool
	rooms    *roomRegistry

	verifier  TokenVerifier
	presence  *PresenceTracker
	snapshots *SnapshotStore
	bus       RoomBus

	// Gateway instance ID, unique across restarts
	gatewayID string

	connectionTimeoutSec int
	heartbeatIntervalSec int
	presenceTTL          time.Duration
	limits               RateLimits
	clk                  clock.Clock

	// Shutdown coordination
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	// Metrics tracking (atomic access for lock-free reads)
	activeConns       int32
	totalConns        uint64
	failedConns       uint64
	disconnectedConns uint64
	droppedEvents     uint64
}

// NewConnectionManager creates a connection manager and starts its
// background maintenance tasks (stale cleanup, metrics, health checks).
func NewConnectionManager(ctx context.Context, opts ManagerOptions) ConnectionManager {
	gatewayID := fmt.Sprintf("collab-gateway-%d", time.Now().UnixNano())

	poolSize := opts.MaxConnections
	if poolSize <= 0 {
		size := defaultRoomPoolSize * 10
		if size > maxInt32 {
			size = maxInt32
		}
		poolSize = int32(size)
	}
	if poolSize < minPoolSize {
		poolSize = minPoolSize
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	if opts.Limits.Clock == nil {
		opts.Limits.Clock = clk
	}

	cm := &connectionManager{
		connPool: newConnectionPool(poolSize),
		rooms:    newRoomRegistry(),

		verifier:  opts.Verifier,
		presence:  opts.Presence,
		snapshots: opts.Snapshots,
		bus:       opts.Bus,

		gatewayID: gatewayID,

		connectionTimeoutSec: opts.ConnectionTimeoutSec,
		heartbeatIntervalSec: opts.HeartbeatIntervalSec,
		presenceTTL:          opts.PresenceTTL,
		limits:               opts.Limits,
		clk:                  clk,

		shutdownCh: make(chan struct{}),
	}

	cm.startBackgroundTasks(ctx)

	return cm
}

// startBackgroundTasks initializes monitoring and cleanup routines.
// All tasks are tracked via cm.wg for graceful shutdown.
func (cm *connectionManager) startBackgroundTasks(ctx context.Context) {
	cm.wg.Add(1)
	go cm.cleanupStaleConnections(ctx)

	cm.wg.Add(1)
	go cm.reportMetrics(ctx)

	cm.wg.Add(1)
	go cm.monitorHealth(ctx)
}

// HandleConnection runs the full lifecycle of an authenticated collaborator
// connection and blocks until the connection ends.
//
// The claims must come from TokenVerifier.Verify; the connection is bound
// to the claims' subject for its lifetime, refreshed tokens included.
//
//nolint:funlen // Connection lifecycle coordinates workers and cleanup in one place
func (cm *connectionManager) HandleConnection(
	ctx context.Context,
	projectID string,
	claims *security.AuthenticationClaims,
	stream ClientStream,
) error {
	if projectID == "" {
		atomic.AddUint64(&cm.failedConns, 1)
		connectionsFailedCounter.Add(ctx, 1)
		return ErrProjectRequired
	}

	profileID, err := subjectOf(claims)
	if err != nil {
		atomic.AddUint64(&cm.failedConns, 1)
		connectionsFailedCounter.Add(ctx, 1)
		return err
	}

	select {
	case <-cm.shutdownCh:
		return ErrShuttingDown
	default:
	}

	atomic.AddUint64(&cm.totalConns, 1)
	atomic.AddInt32(&cm.activeConns, 1)
	defer atomic.AddInt32(&cm.activeConns, -1)

	connectionsTotalCounter.Add(ctx, 1)
	connectionsActiveGauge.Add(ctx, 1)
	defer connectionsActiveGauge.Add(ctx, -1)

	now := time.Now()
	metadata := &Metadata{
		ConnectionID:  util.IDString(),
		ProjectID:     projectID,
		ProfileID:     profileID,
		GatewayID:     cm.gatewayID,
		Connected:     now.Unix(),
		LastActive:    now.Unix(),
		LastHeartbeat: now.Unix(),
	}

	conn := NewConnection(stream, metadata, claims, cm.limits)

	if poolErr := cm.connPool.add(conn); poolErr != nil {
		atomic.AddUint64(&cm.failedConns, 1)
		connectionsFailedCounter.Add(ctx, 1)
		return poolErr
	}

	cm.rooms.join(projectID, conn)

	util.Log(ctx).WithFields(map[string]any{
		"project_id":    projectID,
		"profile_id":    profileID,
		"connection_id": metadata.ConnectionID,
		"gateway_id":    cm.gatewayID,
		"room_size":     cm.rooms.memberCount(projectID),
		"pool_size":     cm.connPool.size(),
	}).Debug("collaborator connected")

	// Announce presence immediately so the collaborator shows up online
	// without waiting for the first heartbeat. Presence is best effort.
	cm.announcePresence(ctx, projectID, profileID)

	// Cleanup on disconnect
	defer func() {
		cm.withdrawPresence(projectID, profileID)
		cm.rooms.leave(projectID, metadata.ConnectionID)

		c := cm.connPool.remove(metadata.Key())

		atomic.AddUint64(&cm.disconnectedConns, 1)
		connectionsDisconnectedCounter.Add(ctx, 1)

		util.Log(ctx).WithFields(map[string]any{
			"project_id":    projectID,
			"profile_id":    profileID,
			"connection_id": metadata.ConnectionID,
			"duration":      time.Since(now).String(),
		}).Debug("collaborator disconnected")

		if c != nil {
			c.Close()
		}
	}()

	// Use pooled error channel for efficiency
	errChanInterface := errorChanPool.Get()
	errChan, ok := errChanInterface.(chan error)
	if !ok {
		errChan = make(chan error, errorChannelBufferSize)
	}
	defer func() {
		for len(errChan) > 0 {
			<-errChan
		}
		errorChanPool.Put(errChan)
	}()

	doneCh := make(chan struct{})
	var workerWg sync.WaitGroup

	// Inbound worker (client -> server)
	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		if inErr := cm.handleInboundStream(ctx, projectID, conn, stream, errChan, doneCh); inErr != nil {
			util.Log(ctx).WithError(inErr).Error("inbound stream worker error")
		}
	}()

	// Outbound worker (dispatch buffer -> client)
	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		if outErr := cm.handleOutboundStream(ctx, conn, stream, errChan, doneCh); outErr != nil {
			util.Log(ctx).WithError(outErr).Error("outbound stream worker error")
		}
	}()

	// Presence renewal worker. Renewing at half the TTL keeps the entry
	// alive through one missed renewal.
	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		cm.renewPresence(ctx, projectID, profileID, doneCh)
	}()

	var result error
	select {
	case workerErr := <-errChan:
		result = workerErr
	case <-ctx.Done():
		result = ctx.Err()
	case <-cm.shutdownCh:
		result = ErrShuttingDown
	}

	// Closing the connection closes the stream, which unblocks a worker
	// still parked in Receive.
	close(doneCh)
	conn.Close()
	workerWg.Wait()
	return result
}

// GetConnection looks up a local connection by its ID.
func (cm *connectionManager) GetConnection(connectionID string) (Connection, bool) {
	return cm.connPool.get(connectionID)
}

// handleInboundStream pumps frames from the client until the connection
// ends. Stream errors are fatal; frame processing errors are logged and
// the connection continues.
func (cm *connectionManager) handleInboundStream(
	ctx context.Context,
	projectID string,
	conn Connection,
	stream ClientStream,
	errChan chan error,
	doneCh chan struct{},
) error {
	for {
		select {
		case <-doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := stream.Receive()
		if err != nil {
			select {
			case errChan <- fmt.Errorf("%w: %w", ErrStreamReceiveFailed, err):
			default:
			}
			return err
		}

		if err = cm.handleInboundFrame(ctx, projectID, conn, frame); err != nil {
			util.Log(ctx).
				WithError(err).
				WithField("error_type", "inbound.processing.error").
				Warn("inbound frame processing error")
		}
	}
}

// handleOutboundStream delivers queued frames to the client, starting with
// the connected acknowledgment the client waits for.
func (cm *connectionManager) handleOutboundStream(
	ctx context.Context,
	conn Connection,
	stream ClientStream,
	errChan chan error,
	doneCh chan struct{},
) error {
	if err := cm.sendConnectedAck(ctx, conn, stream); err != nil {
		select {
		case errChan <- err:
		default:
		}
		return err
	}

	for {
		select {
		case <-doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()

		default:
			frame := conn.ConsumeDispatch(ctx)
			if frame == nil {
				continue
			}

			if err := stream.Send(frame); err != nil {
				util.Log(ctx).
					WithError(err).
					WithField("error_type", "outbound.send.error").
					Error("outbound send failed")
				select {
				case errChan <- fmt.Errorf("%w: %w", ErrStreamSendFailed, err):
				default:
				}
				return err
			}
		}
	}
}

// sendConnectedAck tells the client its connection is active and which
// parameters govern the session.
func (cm *connectionManager) sendConnectedAck(ctx context.Context, conn Connection, stream ClientStream) error {
	payload, err := json.Marshal(map[string]any{
		"connection_id":          conn.Metadata().ConnectionID,
		"gateway_id":             cm.gatewayID,
		"heartbeat_interval_sec": cm.heartbeatIntervalSec,
	})
	if err != nil {
		return err
	}

	ack := &ServerFrame{
		Type:      EventTypeConnected,
		ProjectID: conn.Metadata().ProjectID,
		Payload:   payload,
		SentAt:    time.Now().Unix(),
	}

	if err = stream.Send(ack); err != nil {
		util.Log(ctx).WithError(err).WithField("error_type", "connection.ack.failed").
			Error("connected ack failed")
		return fmt.Errorf("connected ack failed: %w", err)
	}
	return nil
}

// DeliverEnvelope fans a broadcast envelope out to local members of the
// project's room, skipping the originating connection so senders never see
// their own events echoed back.
func (cm *connectionManager) DeliverEnvelope(ctx context.Context, envelope *RoomEnvelope) int {
	if envelope == nil || envelope.ProjectID == "" {
		return 0
	}

	frame := &ServerFrame{
		Type:      envelope.EventType,
		ProjectID: envelope.ProjectID,
		SenderID:  envelope.SenderID,
		Payload:   envelope.Payload,
		SentAt:    envelope.SentAt,
	}

	delivered := 0
	for _, conn := range cm.rooms.members(envelope.ProjectID) {
		if conn.Metadata().Key() == envelope.OriginConnectionID {
			continue
		}

		if conn.Dispatch(frame) {
			delivered++
			continue
		}

		atomic.AddUint64(&cm.droppedEvents, 1)
		eventsDroppedCounter.Add(ctx, 1)
		util.Log(ctx).WithFields(map[string]any{
			"project_id":    envelope.ProjectID,
			"connection_id": conn.Metadata().ConnectionID,
			"event_type":    envelope.EventType,
		}).Warn("dropped event for slow connection")
	}

	return delivered
}

// Presence helpers. All presence calls are best effort with a bounded
// timeout so a degraded cache never stalls the connection.

func (cm *connectionManager) announcePresence(ctx context.Context, projectID, profileID string) {
	if cm.presence == nil {
		return
	}

	presenceCtx, cancel := context.WithTimeout(ctx, presenceCallTimeout)
	defer cancel()

	if err := cm.presence.Heartbeat(presenceCtx, projectID, profileID); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"project_id": projectID,
			"profile_id": profileID,
		}).Warn("presence announce failed, continuing without presence")
	}
}

func (cm *connectionManager) withdrawPresence(projectID, profileID string) {
	if cm.presence == nil {
		return
	}

	presenceCtx, cancel := context.WithTimeout(context.Background(), presenceCallTimeout)
	defer cancel()

	if err := cm.presence.Remove(presenceCtx, projectID, profileID); err != nil {
		util.Log(presenceCtx).WithError(err).WithFields(map[string]any{
			"project_id": projectID,
			"profile_id": profileID,
		}).Debug("presence withdraw failed, entry will lapse via TTL")
	}
}

func (cm *connectionManager) renewPresence(ctx context.Context, projectID, profileID string, doneCh chan struct{}) {
	if cm.presence == nil || cm.presenceTTL <= 0 {
		return
	}

	ticker := cm.clk.Ticker(cm.presenceTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-doneCh:
			return
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.announcePresence(ctx, projectID, profileID)
		}
	}
}

// cleanupStaleConnections periodically removes connections whose clients
// stopped heartbeating without a clean close.
func (cm *connectionManager) cleanupStaleConnections(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.performCleanup(ctx)
		}
	}
}

// performCleanup checks and removes stale connections. A connection is
// stale when no heartbeat arrived for three heartbeat intervals, which
// tolerates up to two missed beats before declaring the client gone. The
// connection timeout caps that window so a generous heartbeat cadence can
// never keep a silent connection alive past the hard cutoff.
func (cm *connectionManager) performCleanup(ctx context.Context) {
	now := time.Now().Unix()
	staleThreshold := int64(cm.heartbeatIntervalSec * staleThresholdMultiplier)
	if cm.connectionTimeoutSec > 0 && int64(cm.connectionTimeoutSec) < staleThreshold {
		staleThreshold = int64(cm.connectionTimeoutSec)
	}

	staleCount := 0
	cm.connPool.forEach(func(conn Connection) {
		if now-conn.LastHeartbeat() <= staleThreshold {
			return
		}

		meta := conn.Metadata()
		util.Log(ctx).WithFields(map[string]any{
			"project_id":     meta.ProjectID,
			"profile_id":     meta.ProfileID,
			"connection_id":  meta.ConnectionID,
			"last_heartbeat": conn.LastHeartbeat(),
			"age_seconds":    now - conn.LastHeartbeat(),
		}).Warn("removing stale connection")

		cm.rooms.leave(meta.ProjectID, meta.ConnectionID)
		if removed := cm.connPool.remove(meta.Key()); removed != nil {
			removed.Close()
		}
		staleCount++
	})

	if staleCount > 0 {
		connectionsCleanedCounter.Add(ctx, int64(staleCount))

		util.Log(ctx).WithFields(map[string]any{
			"count":      staleCount,
			"gateway_id": cm.gatewayID,
		}).Info("cleaned stale connections")
	}
}

// reportMetrics periodically logs connection statistics.
func (cm *connectionManager) reportMetrics(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.publishMetrics(ctx)
		}
	}
}

func (cm *connectionManager) publishMetrics(ctx context.Context) {
	activeConns := atomic.LoadInt32(&cm.activeConns)
	poolSize := cm.connPool.size()
	utilization := float64(poolSize) / float64(cm.connPool.maxSize) * utilizationScaleFactor

	util.Log(ctx).WithFields(map[string]any{
		"metric_type":              "connection_stats",
		"gateway_id":               cm.gatewayID,
		"connections_active":       activeConns,
		"connections_total":        atomic.LoadUint64(&cm.totalConns),
		"connections_failed":       atomic.LoadUint64(&cm.failedConns),
		"connections_disconnected": atomic.LoadUint64(&cm.disconnectedConns),
		"events_dropped":           atomic.LoadUint64(&cm.droppedEvents),
		"rooms":                    cm.rooms.roomCount(),
		"pool_size":                poolSize,
		"pool_utilization":         utilization,
	}).Debug("connection metrics")
}

// monitorHealth watches pool utilization and warns when headroom runs low.
func (cm *connectionManager) monitorHealth(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.performHealthCheck(ctx)
		}
	}
}

func (cm *connectionManager) performHealthCheck(ctx context.Context) {
	poolSize := cm.connPool.size()
	utilization := float64(poolSize) / float64(cm.connPool.maxSize) * utilizationScaleFactor

	if utilization > utilizationThreshold {
		util.Log(ctx).WithFields(map[string]any{
			"pool_size":   poolSize,
			"max_size":    cm.connPool.maxSize,
			"utilization": utilization,
		}).Warn("connection pool utilization high")
	}

	util.Log(ctx).WithFields(map[string]any{
		"active_conns":       atomic.LoadInt32(&cm.activeConns),
		"pool_size":          poolSize,
		"pool_utilization":   fmt.Sprintf("%.2f%%", utilization),
		"total_conns":        atomic.LoadUint64(&cm.totalConns),
		"failed_conns":       atomic.LoadUint64(&cm.failedConns),
		"disconnected_conns": atomic.LoadUint64(&cm.disconnectedConns),
		"rooms":              cm.rooms.roomCount(),
	}).Debug("connection manager health check")
}

// DrainConnections closes every local connection, typically ahead of a
// restart so clients reconnect to another instance.
func (cm *connectionManager) DrainConnections(ctx context.Context) {
	drained := 0
	cm.connPool.forEach(func(conn Connection) {
		meta := conn.Metadata()
		cm.rooms.leave(meta.ProjectID, meta.ConnectionID)
		if removed := cm.connPool.remove(meta.Key()); removed != nil {
			removed.Close()
			drained++
		}
	})

	util.Log(ctx).WithFields(map[string]any{
		"count":      drained,
		"gateway_id": cm.gatewayID,
	}).Info("drained connections")
}

// Shutdown stops background tasks and rejects new connections. Active
// connections end through their own contexts or DrainConnections.
func (cm *connectionManager) Shutdown(ctx context.Context) error {
	cm.shutdownOnce.Do(func() {
		util.Log(ctx).Info("shutting down connection manager")
		close(cm.shutdownCh)

		done := make(chan struct{})
		go func() {
			cm.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			util.Log(ctx).Info("connection manager shutdown complete")
		case <-time.After(shutdownWaitTimeout):
			util.Log(ctx).Warn("connection manager shutdown timed out")
		}
	})

	return nil
}

// subjectOf extracts the profile ID from verified claims.
func subjectOf(claims *security.AuthenticationClaims) (string, error) {
	if claims == nil {
		return "", ErrTokenInvalid
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrTokenMalformed
	}
	return subject, nil
}
