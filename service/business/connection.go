package business

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pitabwire/frame/security"
)

const (
	// dispatchChannelSize buffers outbound frames per connection. A slow
	// reader fills its own buffer without blocking the broadcasting peer.
	dispatchChannelSize = 256

	// dispatchTimeout bounds how long a broadcast waits on a full buffer
	// before dropping the frame for that connection.
	dispatchTimeout = 10 * time.Millisecond
)

// RateLimits carries the per-connection token bucket configuration.
// Cursor and operation events are limited independently so a flood of
// cursor moves cannot starve document edits.
type RateLimits struct {
	CursorCap     int
	CursorPerTick int
	OpCap         int
	OpPerTick     int

	// Clock is used by the buckets for refill accounting. Nil means wall clock.
	Clock clock.Clock
}

// connection is the gateway-local state for one active collaborator.
type connection struct {
	metadata *Metadata
	stream   ClientStream

	claimsMu sync.RWMutex
	claims   *security.AuthenticationClaims

	cursorBucket *tokenBucket
	opBucket     *tokenBucket

	dispatchCh chan *ServerFrame
	closedCh   chan struct{}
	closeOnce  sync.Once

	lastActive    atomic.Int64
	lastHeartbeat atomic.Int64

	// Counters (atomic access for lock-free reads)
	dispatched  atomic.Uint64
	dropped     atomic.Uint64
	rateLimited atomic.Uint64
}

// NewConnection creates connection state for an authenticated stream.
func NewConnection(
	stream ClientStream,
	metadata *Metadata,
	claims *security.AuthenticationClaims,
	limits RateLimits,
) Connection {
	c := &connection{
		metadata:     metadata,
		stream:       stream,
		claims:       claims,
		cursorBucket: newTokenBucket(limits.Clock, limits.CursorCap, limits.CursorPerTick),
		opBucket:     newTokenBucket(limits.Clock, limits.OpCap, limits.OpPerTick),
		dispatchCh:   make(chan *ServerFrame, dispatchChannelSize),
		closedCh:     make(chan struct{}),
	}

	c.lastActive.Store(metadata.LastActive)
	c.lastHeartbeat.Store(metadata.LastHeartbeat)

	return c
}

func (c *connection) Metadata() *Metadata {
	return c.metadata
}

func (c *connection) Stream() ClientStream {
	return c.stream
}

// Claims returns the claims currently bound to the connection. The value
// changes when the client refreshes its token mid-session.
func (c *connection) Claims() *security.AuthenticationClaims {
	c.claimsMu.RLock()
	defer c.claimsMu.RUnlock()
	return c.claims
}

func (c *connection) SetClaims(claims *security.AuthenticationClaims) {
	c.claimsMu.Lock()
	c.claims = claims
	c.claimsMu.Unlock()
}

// Dispatch queues a frame for delivery to this connection. Returns false
// when the connection is closed or its buffer stayed full past the
// dispatch timeout, in which case the frame is dropped.
func (c *connection) Dispatch(frame *ServerFrame) bool {
	select {
	case <-c.closedCh:
		return false
	default:
	}

	select {
	case c.dispatchCh <- frame:
		c.dispatched.Add(1)
		return true
	case <-time.After(dispatchTimeout):
		c.dropped.Add(1)
		return false
	}
}

// ConsumeDispatch blocks until a queued frame is available, the context is
// cancelled, or the connection closes. Returns nil on cancellation or close.
func (c *connection) ConsumeDispatch(ctx context.Context) *ServerFrame {
	select {
	case frame := <-c.dispatchCh:
		return frame
	case <-c.closedCh:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// AllowCursor consumes a cursor-event token.
func (c *connection) AllowCursor() bool {
	if !c.cursorBucket.Take() {
		c.rateLimited.Add(1)
		return false
	}
	return true
}

// AllowOp consumes an operation-event token.
func (c *connection) AllowOp() bool {
	if !c.opBucket.Take() {
		c.rateLimited.Add(1)
		return false
	}
	return true
}

// Heartbeat records client liveness.
func (c *connection) Heartbeat() {
	now := time.Now().Unix()
	c.lastActive.Store(now)
	c.lastHeartbeat.Store(now)
}

func (c *connection) LastHeartbeat() int64 {
	return c.lastHeartbeat.Load()
}

// Close releases the connection. Safe to call multiple times.
func (c *connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		if c.stream != nil {
			_ = c.stream.Close()
		}
	})
}

// Counter accessors for metrics and tests.

func (c *connection) DispatchedFrames() uint64 {
	return c.dispatched.Load()
}

func (c *connection) DroppedFrames() uint64 {
	return c.dropped.Load()
}

func (c *connection) RateLimitedCount() uint64 {
	return c.rateLimited.Load()
}

// ChannelUtilization reports how full the dispatch buffer is, 0.0 to 1.0.
func (c *connection) ChannelUtilization() float64 {
	return float64(len(c.dispatchCh)) / float64(cap(c.dispatchCh))
}
