package business

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-collab/internal/resilience"
)

// presenceIndex lists the collaborators recently seen in a project, mapping
// profile ID to the expiry their last writer advertised. The index is a
// membership hint: liveness is decided by the per-collaborator entry key,
// never by the index value.
type presenceIndex map[string]int64

// PresenceTracker maintains who is online per project in a shared cache so
// every gateway instance reports the same set of collaborators.
//
// Each collaborator holds one entry key per project, written in a single
// atomic Set on every heartbeat. Concurrent renewals on different instances
// therefore never clobber each other, and Remove deletes the entry key so a
// racing index write on another instance cannot resurrect the collaborator.
// Presence is last-writer-wins per profile: a collaborator connected twice
// holds a single entry refreshed by whichever connection heartbeats last.
// All cache calls run through a circuit breaker so an unreachable cache
// fails fast instead of stalling connection event loops.
type PresenceTracker struct {
	entries cache.Cache[string, int64]
	index   cache.Cache[string, presenceIndex]
	breaker *resilience.CircuitBreaker
	ttl     time.Duration
	clk     clock.Clock
}

// NewPresenceTracker creates a tracker over the given cache backend.
func NewPresenceTracker(rawCache cache.RawCache, ttl time.Duration, clk clock.Clock) *PresenceTracker {
	if clk == nil {
		clk = clock.New()
	}

	return &PresenceTracker{
		entries: cache.NewGenericCache[string, int64](rawCache, func(entryKey string) string {
			return "presence:entry:" + entryKey
		}),
		index: cache.NewGenericCache[string, presenceIndex](rawCache, func(projectID string) string {
			return "presence:room:" + projectID
		}),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultSettings("presence")),
		ttl:     ttl,
		clk:     clk,
	}
}

func presenceEntryKey(projectID, profileID string) string {
	return projectID + ":" + profileID
}

// Heartbeat marks a collaborator online for the project, extending their
// entry by the presence TTL. The entry write is a single Set so concurrent
// heartbeats for different collaborators never lose a renewal.
func (pt *PresenceTracker) Heartbeat(ctx context.Context, projectID, profileID string) error {
	err := pt.breaker.Execute(func() error {
		expiresAt := pt.clk.Now().Add(pt.ttl).Unix()

		setErr := pt.entries.Set(ctx, presenceEntryKey(projectID, profileID), expiresAt, pt.ttl)
		if setErr != nil {
			return setErr
		}

		return pt.advertise(ctx, projectID, profileID, expiresAt)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// advertise records the collaborator in the project's membership index.
// The index write is read-modify-write, but it only gates discovery:
// a lost update delays first visibility until the next renewal at TTL/2.
func (pt *PresenceTracker) advertise(ctx context.Context, projectID, profileID string, expiresAt int64) error {
	room, _, getErr := pt.index.Get(ctx, projectID)
	if getErr != nil {
		return getErr
	}
	if room == nil {
		room = make(presenceIndex)
	}

	room[profileID] = expiresAt

	return pt.index.Set(ctx, projectID, room, pt.ttl)
}

// Remove clears a collaborator's presence entry, typically on disconnect.
// Deleting the entry key takes the collaborator offline immediately; a
// concurrent heartbeat for someone else rewriting the index cannot bring
// them back because reads validate against the entry key.
func (pt *PresenceTracker) Remove(ctx context.Context, projectID, profileID string) error {
	err := pt.breaker.Execute(func() error {
		if delErr := pt.entries.Delete(ctx, presenceEntryKey(projectID, profileID)); delErr != nil {
			return delErr
		}

		room, ok, getErr := pt.index.Get(ctx, projectID)
		if getErr != nil {
			return getErr
		}
		if !ok || room == nil {
			return nil
		}

		delete(room, profileID)

		if len(room) == 0 {
			return pt.index.Delete(ctx, projectID)
		}
		return pt.index.Set(ctx, projectID, room, pt.ttl)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// ListOnline returns the profile IDs currently online for a project, sorted
// for stable output. The index supplies candidates; each one is confirmed
// against its entry key so removed or lapsed collaborators are never
// reported even when the index still mentions them.
func (pt *PresenceTracker) ListOnline(ctx context.Context, projectID string) ([]string, error) {
	var online []string

	err := pt.breaker.Execute(func() error {
		room, ok, getErr := pt.index.Get(ctx, projectID)
		if getErr != nil {
			return getErr
		}
		if !ok {
			return nil
		}

		now := pt.clk.Now().Unix()
		for profileID := range room {
			expiresAt, found, entryErr := pt.entries.Get(ctx, presenceEntryKey(projectID, profileID))
			if entryErr != nil {
				return entryErr
			}
			if found && expiresAt > now {
				online = append(online, profileID)
			}
		}
		return nil
	})
	if err != nil {
		util.Log(ctx).WithError(err).WithField("project_id", projectID).
			Warn("presence lookup failed")
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	sort.Strings(online)
	return online, nil
}
