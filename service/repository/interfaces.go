package repository

import (
	"context"

	"github.com/antinvestor/service-collab/service/models"
	"github.com/pitabwire/frame/datastore"
)

// SnapshotRepository defines the interface for snapshot data access operations.
type SnapshotRepository interface {
	datastore.BaseRepository[*models.Snapshot]
	Save(ctx context.Context, snapshot *models.Snapshot) error
	GetByID(ctx context.Context, id string) (*models.Snapshot, error)
	// GetLatest returns the most recent snapshot for a project.
	GetLatest(ctx context.Context, projectID string) (*models.Snapshot, error)
	// ListBefore returns up to limit snapshots for a project with IDs strictly
	// less than beforeID, newest first. An empty beforeID starts from the top.
	ListBefore(ctx context.Context, projectID, beforeID string, limit int) ([]*models.Snapshot, error)
	CountByProjectID(ctx context.Context, projectID string) (int64, error)
}
