package database

import (
	"context"

	"github.com/andi/reelflow/backend/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VariantRepo handles scene variant operations
type VariantRepo struct {
	db *DB
}

// NewVariantRepo creates a new scene variant repository
func NewVariantRepo(db *DB) *VariantRepo {
	return &VariantRepo{db: db}
}

// Replace drops the scene's variants and stores the new set in one transaction
func (r *VariantRepo) Replace(ctx context.Context, projectID, sceneID string, variants []*models.SceneVariant) error {
	return r.db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SceneVariantModel{}, "project_id = ? AND scene_id = ?", projectID, sceneID).Error; err != nil {
			return err
		}
		for _, v := range variants {
			if v.ID == "" {
				v.ID = uuid.New().String()
			}
			v.ProjectID = projectID
			v.SceneID = sceneID
			if err := tx.Create(FromSceneVariant(v)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns a project's variants ordered by scene and variant index
func (r *VariantRepo) List(ctx context.Context, projectID string) ([]*models.SceneVariant, error) {
	var modelList []SceneVariantModel
	err := r.db.conn.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("scene_id, variant").
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	variants := make([]*models.SceneVariant, len(modelList))
	for i := range modelList {
		variants[i] = modelList[i].ToSceneVariant()
	}
	return variants, nil
}

// Select marks one variant of a scene as chosen and clears the others
func (r *VariantRepo) Select(ctx context.Context, projectID, sceneID string, variant int) error {
	return r.db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&SceneVariantModel{}).
			Where("project_id = ? AND scene_id = ? AND variant = ?", projectID, sceneID, variant).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}

		err = tx.Model(&SceneVariantModel{}).
			Where("project_id = ? AND scene_id = ?", projectID, sceneID).
			Update("selected", false).Error
		if err != nil {
			return err
		}
		return tx.Model(&SceneVariantModel{}).
			Where("project_id = ? AND scene_id = ? AND variant = ?", projectID, sceneID, variant).
			Update("selected", true).Error
	})
}
