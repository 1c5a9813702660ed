package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andi/reelflow/backend/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("record not found")

// ProjectRepo handles project database operations
type ProjectRepo struct {
	db *DB
}

// NewProjectRepo creates a new project repository
func NewProjectRepo(db *DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

// Create creates a new project
func (r *ProjectRepo) Create(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.Status == "" {
		project.Status = models.ProjectStatusConfig
	}

	model, err := FromProject(project)
	if err != nil {
		return fmt.Errorf("failed to encode project config: %w", err)
	}
	if err := r.db.conn.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}

	created, err := model.ToProject()
	if err != nil {
		return err
	}
	*project = *created
	return nil
}

// GetByID retrieves a project by ID
func (r *ProjectRepo) GetByID(ctx context.Context, id string) (*models.Project, error) {
	var model ProjectModel
	err := r.db.conn.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToProject()
}

// List retrieves projects with an optional status filter, newest first
func (r *ProjectRepo) List(ctx context.Context, status string, limit, offset int) ([]*models.Project, error) {
	query := r.db.conn.WithContext(ctx).Model(&ProjectModel{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var modelList []ProjectModel
	err := query.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}
	return toProjects(modelList)
}

// ListByStatus returns every project in one of the statuses, oldest first
func (r *ProjectRepo) ListByStatus(ctx context.Context, statuses ...string) ([]*models.Project, error) {
	var modelList []ProjectModel
	err := r.db.conn.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at").
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}
	return toProjects(modelList)
}

// Count counts projects with an optional status filter
func (r *ProjectRepo) Count(ctx context.Context, status string) (int, error) {
	query := r.db.conn.WithContext(ctx).Model(&ProjectModel{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var count int64
	err := query.Count(&count).Error
	return int(count), err
}

// UpdateStatus sets the project status. Entering running stamps started_at once;
// entering completed or failed stamps completed_at, any other status clears it.
func (r *ProjectRepo) UpdateStatus(ctx context.Context, id, status string) error {
	now := time.Now()
	return r.db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ProjectModel
		if err := tx.Select("id", "started_at").Where("id = ?", id).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		updates := map[string]interface{}{"status": status}
		switch status {
		case models.ProjectStatusRunning:
			if model.StartedAt == nil {
				updates["started_at"] = now
			}
			updates["completed_at"] = nil
		case models.ProjectStatusCompleted, models.ProjectStatusFailed:
			updates["completed_at"] = now
		default:
			updates["completed_at"] = nil
		}
		return tx.Model(&ProjectModel{}).Where("id = ?", id).Updates(updates).Error
	})
}

// UpdateConfig replaces the project configuration and priority
func (r *ProjectRepo) UpdateConfig(ctx context.Context, project *models.Project) error {
	model, err := FromProject(project)
	if err != nil {
		return fmt.Errorf("failed to encode project config: %w", err)
	}
	result := r.db.conn.WithContext(ctx).Model(&ProjectModel{}).Where("id = ?", project.ID).Updates(map[string]interface{}{
		"name":     model.Name,
		"priority": model.Priority,
		"config":   model.ConfigJSON,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a project together with its step runs, logs and scene variants
func (r *ProjectRepo) Delete(ctx context.Context, id string) error {
	return r.db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&StepRunModel{}, &LogModel{}, &SceneVariantModel{}} {
			if err := tx.Delete(model, "project_id = ?", id).Error; err != nil {
				return err
			}
		}
		result := tx.Delete(&ProjectModel{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func toProjects(modelList []ProjectModel) ([]*models.Project, error) {
	projects := make([]*models.Project, len(modelList))
	for i := range modelList {
		p, err := modelList[i].ToProject()
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", modelList[i].ID, err)
		}
		projects[i] = p
	}
	return projects, nil
}
