package models

import (
	"time"

	"github.com/pitabwire/frame/data"
)

// Snapshot is a point-in-time capture of a project's collaborative document
// state. Snapshots are append-only, never updated in place.
// The ID field (from BaseModel) is naturally time-sorted and used for ordering.
type Snapshot struct {
	data.BaseModel
	ProjectID  string `gorm:"type:varchar(50);index:idx_snapshot_project_id"`
	AuthorID   string `gorm:"type:varchar(50)"`
	Content    string `gorm:"type:text"`
	Properties data.JSONMap
}

// APISnapshot is the wire representation of a snapshot returned to clients.
type APISnapshot struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	AuthorID  string         `json:"author_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToAPI converts a Snapshot model to its API representation.
func (s *Snapshot) ToAPI() *APISnapshot {
	if s == nil {
		return nil
	}

	return &APISnapshot{
		ID:        s.GetID(),
		ProjectID: s.ProjectID,
		AuthorID:  s.AuthorID,
		Content:   s.Content,
		Metadata:  s.Properties,
		CreatedAt: s.CreatedAt,
	}
}
