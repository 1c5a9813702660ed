package database

import (
	"context"

	"github.com/andi/reelflow/backend/models"
	"github.com/google/uuid"
)

// LogRepo handles project log operations
type LogRepo struct {
	db *DB
}

// NewLogRepo creates a new log repository
func NewLogRepo(db *DB) *LogRepo {
	return &LogRepo{db: db}
}

// Append stores the entry and fills in its ID and Seq
func (r *LogRepo) Append(ctx context.Context, entry *models.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	model := &LogModel{
		ID:        entry.ID,
		ProjectID: entry.ProjectID,
		Level:     entry.Level,
		StepID:    entry.StepID,
		Source:    entry.Source,
		Message:   entry.Message,
		CreatedAt: entry.CreatedAt,
	}
	if err := r.db.conn.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	entry.Seq = model.Seq
	entry.CreatedAt = model.CreatedAt
	return nil
}

// List returns up to limit entries of a project with seq greater than after
func (r *LogRepo) List(ctx context.Context, projectID string, after int64, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	var modelList []LogModel
	err := r.db.conn.WithContext(ctx).
		Where("project_id = ? AND seq > ?", projectID, after).
		Order("seq").
		Limit(limit).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	entries := make([]*models.LogEntry, len(modelList))
	for i := range modelList {
		entries[i] = modelList[i].ToLogEntry()
	}
	return entries, nil
}
