package business

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// tokenBucket is a tick-quantized token bucket. Tokens refill in whole
// per-second increments based on elapsed time and never exceed capacity.
// A bucket starts full so a fresh connection gets its burst allowance.
type tokenBucket struct {
	mu       sync.Mutex
	clk      clock.Clock
	capacity int
	perTick  int
	tokens   int
	lastTick time.Time
}

func newTokenBucket(clk clock.Clock, capacity, perTick int) *tokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &tokenBucket{
		clk:      clk,
		capacity: capacity,
		perTick:  perTick,
		tokens:   capacity,
		lastTick: clk.Now(),
	}
}

// Take consumes one token. Returns false when the bucket is empty, in which
// case the event should be dropped without closing the connection.
func (tb *tokenBucket) Take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// Available returns the token count after accounting for elapsed refills.
func (tb *tokenBucket) Available() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// refill credits whole elapsed ticks since the last refill. Partial ticks
// carry over so slow drips are not lost to rounding.
// Must be called with tb.mu held.
func (tb *tokenBucket) refill() {
	now := tb.clk.Now()
	elapsed := int(now.Sub(tb.lastTick) / time.Second)
	if elapsed <= 0 {
		return
	}

	tb.tokens += elapsed * tb.perTick
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTick = tb.lastTick.Add(time.Duration(elapsed) * time.Second)
}
