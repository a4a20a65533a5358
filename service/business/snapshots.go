package business

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/pitabwire/frame/data"

	"github.com/antinvestor/service-collab/internal/resilience"
	"github.com/antinvestor/service-collab/service/models"
)

// SnapshotBackend is the subset of the snapshot repository the store needs.
type SnapshotBackend interface {
	Save(ctx context.Context, snapshot *models.Snapshot) error
	GetLatest(ctx context.Context, projectID string) (*models.Snapshot, error)
	ListBefore(ctx context.Context, projectID, beforeID string, limit int) ([]*models.Snapshot, error)
}

// HistoryPage is one page of snapshot history, newest first.
type HistoryPage struct {
	Items []*models.APISnapshot `json:"items"`
	// NextCursor is an opaque token for the next (older) page.
	// Empty when there are no further snapshots.
	NextCursor string `json:"next_cursor,omitempty"`
}

// SnapshotStore provides append-only snapshot persistence with cursor-based
// history pagination. Snapshot IDs are time-sorted, so paging walks IDs
// downward: the cursor encodes the last ID of the previous page.
type SnapshotStore struct {
	backend      SnapshotBackend
	breaker      *resilience.CircuitBreaker
	defaultLimit int
	maxLimit     int
}

// NewSnapshotStore creates a snapshot store over the given backend.
func NewSnapshotStore(backend SnapshotBackend, defaultLimit, maxLimit int) *SnapshotStore {
	return &SnapshotStore{
		backend:      backend,
		breaker:      resilience.NewCircuitBreaker(resilience.DefaultSettings("snapshots")),
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// Append persists a new snapshot for a project.
func (s *SnapshotStore) Append(
	ctx context.Context,
	projectID, authorID, content string,
	properties data.JSONMap,
) (*models.APISnapshot, error) {
	if projectID == "" {
		return nil, ErrProjectRequired
	}
	if content == "" {
		return nil, fmt.Errorf("%w: snapshot content is required", ErrInvalidArgument)
	}

	snapshot := &models.Snapshot{
		ProjectID:  projectID,
		AuthorID:   authorID,
		Content:    content,
		Properties: properties,
	}

	err := s.breaker.Execute(func() error {
		return s.backend.Save(ctx, snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return snapshot.ToAPI(), nil
}

// Latest returns the most recent snapshot for a project.
// Returns ErrSnapshotNotFound when the project has no snapshots.
func (s *SnapshotStore) Latest(ctx context.Context, projectID string) (*models.APISnapshot, error) {
	if projectID == "" {
		return nil, ErrProjectRequired
	}

	var snapshot *models.Snapshot

	err := s.breaker.Execute(func() error {
		latest, getErr := s.backend.GetLatest(ctx, projectID)
		if getErr != nil {
			if data.ErrorIsNoRows(getErr) {
				snapshot = nil
				return nil
			}
			return getErr
		}
		snapshot = latest
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if snapshot == nil {
		return nil, ErrSnapshotNotFound
	}
	return snapshot.ToAPI(), nil
}

// History returns a page of snapshots, newest first. A zero limit uses the
// default page size; limits outside [1, max] are rejected. The returned
// cursor resumes from where the page ended.
func (s *SnapshotStore) History(
	ctx context.Context,
	projectID, cursor string,
	limit int,
) (*HistoryPage, error) {
	if projectID == "" {
		return nil, ErrProjectRequired
	}

	if limit == 0 {
		limit = s.defaultLimit
	}
	if limit < 1 || limit > s.maxLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidArgument, s.maxLimit)
	}

	beforeID, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	var snapshots []*models.Snapshot

	err = s.breaker.Execute(func() error {
		// Fetch one extra row to learn whether another page exists
		listed, listErr := s.backend.ListBefore(ctx, projectID, beforeID, limit+1)
		if listErr != nil {
			return listErr
		}
		snapshots = listed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	page := &HistoryPage{Items: make([]*models.APISnapshot, 0, limit)}

	hasMore := len(snapshots) > limit
	if hasMore {
		snapshots = snapshots[:limit]
	}

	for _, snapshot := range snapshots {
		page.Items = append(page.Items, snapshot.ToAPI())
	}

	if hasMore {
		page.NextCursor = encodeCursor(snapshots[len(snapshots)-1].GetID())
	}

	return page, nil
}

// encodeCursor wraps a snapshot ID in an opaque pagination token.
func encodeCursor(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// decodeCursor unwraps a pagination token back to a snapshot ID.
// An empty cursor means the first page.
func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}

	id, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	return string(id), nil
}
