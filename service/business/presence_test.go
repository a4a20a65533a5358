package business //nolint:testpackage // Tests trip the unexported circuit breaker directly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pitabwire/frame/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, ttl time.Duration, clk clock.Clock) *PresenceTracker {
	t.Helper()
	return NewPresenceTracker(cache.NewInMemoryCache(), ttl, clk)
}

func TestPresenceTracker_HeartbeatAndList(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	tracker := newTestTracker(t, 60*time.Second, mc)

	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "alice"))
	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "bob"))

	online, err := tracker.ListOnline(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, online)
}

func TestPresenceTracker_ProjectsAreIsolated(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	tracker := newTestTracker(t, 60*time.Second, mc)

	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "alice"))
	require.NoError(t, tracker.Heartbeat(ctx, "proj2", "bob"))

	online, err := tracker.ListOnline(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)
}

func TestPresenceTracker_ExpiredEntriesFiltered(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	tracker := newTestTracker(t, 60*time.Second, mc)

	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "alice"))

	// Advance past the TTL without a renewing heartbeat. The cache entry
	// may still exist but the collaborator must not be reported.
	mc.Add(61 * time.Second)

	online, err := tracker.ListOnline(ctx, "proj1")
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestPresenceTracker_HeartbeatExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	tracker := newTestTracker(t, 60*time.Second, mc)

	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "alice"))

	mc.Add(45 * time.Second)
	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "alice"))

	// 45s + 30s exceeds the original expiry but not the renewed one
	mc.Add(30 * time.Second)

	online, err := tracker.ListOnline(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)
}

func TestPresenceTracker_Remove(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	tracker := newTestTracker(t, 60*time.Second, mc)

	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "alice"))
	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "bob"))
	require.NoError(t, tracker.Remove(ctx, "proj1", "alice"))

	online, err := tracker.ListOnline(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, online)
}

func TestPresenceTracker_RemoveUnknownIsNoOp(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, 60*time.Second, clock.NewMock())

	assert.NoError(t, tracker.Remove(ctx, "proj1", "nobody"))
}

func TestPresenceTracker_LastWriterWinsPerProfile(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	tracker := newTestTracker(t, 60*time.Second, mc)

	// Two connections for the same collaborator share one presence entry,
	// so removing one removes the profile entirely.
	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "alice"))
	require.NoError(t, tracker.Heartbeat(ctx, "proj1", "alice"))
	require.NoError(t, tracker.Remove(ctx, "proj1", "alice"))

	online, err := tracker.ListOnline(ctx, "proj1")
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestPresenceTracker_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	raw := cache.NewInMemoryCache()
	first := NewPresenceTracker(raw, 60*time.Second, mc)
	second := NewPresenceTracker(raw, 60*time.Second, mc)

	require.NoError(t, first.Heartbeat(ctx, "proj1", "alice"))
	require.NoError(t, second.Heartbeat(ctx, "proj1", "bob"))

	for _, tracker := range []*PresenceTracker{first, second} {
		online, err := tracker.ListOnline(ctx, "proj1")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, online)
	}
}

func TestPresenceTracker_RemoveSurvivesStaleIndexWrite(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	raw := cache.NewInMemoryCache()
	first := NewPresenceTracker(raw, 60*time.Second, mc)
	second := NewPresenceTracker(raw, 60*time.Second, mc)

	require.NoError(t, first.Heartbeat(ctx, "proj1", "alice"))
	require.NoError(t, second.Heartbeat(ctx, "proj1", "bob"))
	require.NoError(t, first.Remove(ctx, "proj1", "alice"))

	// Another instance rewrites the membership index from a read taken
	// before the removal, so alice shows up in it again.
	stale := presenceIndex{
		"alice": mc.Now().Add(60 * time.Second).Unix(),
		"bob":   mc.Now().Add(60 * time.Second).Unix(),
	}
	require.NoError(t, second.index.Set(ctx, "proj1", stale, 60*time.Second))

	// The removed collaborator stays offline: her entry key is gone and
	// the index alone cannot resurrect her.
	for _, tracker := range []*PresenceTracker{first, second} {
		online, err := tracker.ListOnline(ctx, "proj1")
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, online)
	}
}

func TestPresenceTracker_ConcurrentRenewalsAreNotLost(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	raw := cache.NewInMemoryCache()
	first := NewPresenceTracker(raw, 60*time.Second, mc)
	second := NewPresenceTracker(raw, 60*time.Second, mc)

	const collaborators = 10
	for i := range collaborators {
		require.NoError(t, first.Heartbeat(ctx, "proj1", fmt.Sprintf("user-%02d", i)))
	}

	mc.Add(45 * time.Second)

	// Both instances renew every collaborator at once. Renewals are
	// single-key writes, so none of them can clobber another.
	var wg sync.WaitGroup
	for i := range collaborators {
		profileID := fmt.Sprintf("user-%02d", i)
		for _, tracker := range []*PresenceTracker{first, second} {
			wg.Add(1)
			go func(tr *PresenceTracker) {
				defer wg.Done()
				_ = tr.Heartbeat(ctx, "proj1", profileID)
			}(tracker)
		}
	}
	wg.Wait()

	// Past the original expiry but within the renewed window
	mc.Add(30 * time.Second)

	online, err := second.ListOnline(ctx, "proj1")
	require.NoError(t, err)
	assert.Len(t, online, collaborators)
}

func TestPresenceTracker_OpenBreakerFailsFast(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, 60*time.Second, clock.NewMock())

	// Trip the breaker with repeated store failures
	storeErr := errors.New("store down")
	for range 5 {
		_ = tracker.breaker.Execute(func() error { return storeErr })
	}

	_, err := tracker.ListOnline(ctx, "proj1")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	err = tracker.Heartbeat(ctx, "proj1", "alice")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
