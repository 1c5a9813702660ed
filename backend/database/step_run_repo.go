package database

import (
	"context"
	"errors"

	"github.com/andi/reelflow/backend/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StepRunRepo handles step run database operations
type StepRunRepo struct {
	db *DB
}

// NewStepRunRepo creates a new step run repository
func NewStepRunRepo(db *DB) *StepRunRepo {
	return &StepRunRepo{db: db}
}

// Apply writes the non-nil fields of update, creating the row in waiting state first if needed
func (r *StepRunRepo) Apply(ctx context.Context, projectID string, stepID int, update models.StepRunUpdate) error {
	return r.db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model StepRunModel
		err := tx.Select("id").Where("project_id = ? AND step_id = ?", projectID, stepID).First(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			model = StepRunModel{
				ID:        uuid.New().String(),
				ProjectID: projectID,
				StepID:    stepID,
				Status:    models.StepStatusWaiting,
			}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		fields := updateFields(update)
		if len(fields) == 0 {
			return nil
		}
		return tx.Model(&StepRunModel{}).Where("id = ?", model.ID).Updates(fields).Error
	})
}

func updateFields(u models.StepRunUpdate) map[string]interface{} {
	fields := make(map[string]interface{})
	if u.Status != nil {
		fields["status"] = *u.Status
	}
	if u.RetryCount != nil {
		fields["retry_count"] = *u.RetryCount
	}
	if u.AttemptNumber != nil {
		fields["attempt_number"] = *u.AttemptNumber
	}
	if u.FirstAttemptAt != nil {
		fields["first_attempt_at"] = *u.FirstAttemptAt
	}
	if u.StartedAt != nil {
		fields["started_at"] = *u.StartedAt
	}
	if u.CompletedAt != nil {
		fields["completed_at"] = *u.CompletedAt
	}
	if u.DurationMs != nil {
		fields["duration_ms"] = *u.DurationMs
	}
	if u.Error != nil {
		fields["error"] = *u.Error
	}
	if u.ClearResult {
		fields["result"] = nil
	}
	if len(u.Result) > 0 {
		fields["result"] = u.Result
	}
	if u.Feedback != nil {
		fields["feedback"] = *u.Feedback
	}
	return fields
}

// GetByProjectID retrieves all step runs of a project ordered by step id
func (r *StepRunRepo) GetByProjectID(ctx context.Context, projectID string) ([]*models.StepRun, error) {
	var modelList []StepRunModel
	err := r.db.conn.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("step_id").
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	runs := make([]*models.StepRun, len(modelList))
	for i := range modelList {
		runs[i] = modelList[i].ToStepRun()
	}
	return runs, nil
}

// DeleteByProjectID deletes all step runs of a project
func (r *StepRunRepo) DeleteByProjectID(ctx context.Context, projectID string) error {
	return r.db.conn.WithContext(ctx).Delete(&StepRunModel{}, "project_id = ?", projectID).Error
}
