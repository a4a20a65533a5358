package repository

import (
	"context"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/datastore"

	"github.com/antinvestor/service-collab/service/models"
)

type snapshotRepository struct {
	datastore.BaseRepository[*models.Snapshot]
}

// GetByID retrieves a snapshot by its ID.
func (sr *snapshotRepository) GetByID(ctx context.Context, id string) (*models.Snapshot, error) {
	snapshot := &models.Snapshot{}
	err := sr.Svc().DB(ctx, true).First(snapshot, "id = ?", id).Error
	return snapshot, err
}

// Save creates a snapshot. Snapshots are append-only so this is always an insert.
func (sr *snapshotRepository) Save(ctx context.Context, snapshot *models.Snapshot) error {
	return sr.Svc().DB(ctx, false).Create(snapshot).Error
}

// GetLatest retrieves the most recent snapshot for a project.
// IDs are time-sorted so the highest ID is the newest snapshot.
func (sr *snapshotRepository) GetLatest(ctx context.Context, projectID string) (*models.Snapshot, error) {
	snapshot := &models.Snapshot{}
	err := sr.Svc().DB(ctx, true).
		Where("project_id = ?", projectID).
		Order("id DESC").
		First(snapshot).Error
	return snapshot, err
}

// ListBefore retrieves snapshots older than beforeID, newest first.
// An empty beforeID starts from the most recent snapshot.
func (sr *snapshotRepository) ListBefore(
	ctx context.Context,
	projectID, beforeID string,
	limit int,
) ([]*models.Snapshot, error) {
	var snapshots []*models.Snapshot
	query := sr.Svc().DB(ctx, true).Where("project_id = ?", projectID)

	if beforeID != "" {
		query = query.Where("id < ?", beforeID)
	}

	query = query.Order("id DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Find(&snapshots).Error
	return snapshots, err
}

// CountByProjectID returns the number of snapshots stored for a project.
func (sr *snapshotRepository) CountByProjectID(ctx context.Context, projectID string) (int64, error) {
	var count int64
	err := sr.Svc().DB(ctx, true).
		Model(&models.Snapshot{}).
		Where("project_id = ?", projectID).
		Count(&count).Error
	return count, err
}

// NewSnapshotRepository creates a new snapshot repository instance.
func NewSnapshotRepository(service *frame.Service) SnapshotRepository {
	return &snapshotRepository{
		BaseRepository: datastore.NewBaseRepository[*models.Snapshot](service, func() *models.Snapshot { return &models.Snapshot{} }),
	}
}
