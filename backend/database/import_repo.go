package database

import (
	"context"
	"errors"

	"github.com/andi/reelflow/backend/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ImportRepo records project files picked up from the inbox
type ImportRepo struct {
	db *DB
}

// NewImportRepo creates a new import repository
func NewImportRepo(db *DB) *ImportRepo {
	return &ImportRepo{db: db}
}

// Create creates a new import record
func (r *ImportRepo) Create(ctx context.Context, imp *models.Import) error {
	if imp.ID == "" {
		imp.ID = uuid.New().String()
	}
	model := &ImportModel{
		ID:        imp.ID,
		FilePath:  imp.FilePath,
		FileMD5:   imp.FileMD5,
		FileSize:  imp.FileSize,
		ProjectID: imp.ProjectID,
	}
	if err := r.db.conn.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*imp = *model.ToImport()
	return nil
}

// GetByMD5 returns the import with the given content hash, or nil when there is none
func (r *ImportRepo) GetByMD5(ctx context.Context, md5 string) (*models.Import, error) {
	var model ImportModel
	err := r.db.conn.WithContext(ctx).Where("file_md5 = ?", md5).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToImport(), nil
}

// List retrieves imports, newest first
func (r *ImportRepo) List(ctx context.Context, limit, offset int) ([]*models.Import, error) {
	var modelList []ImportModel
	err := r.db.conn.WithContext(ctx).
		Order("imported_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	imports := make([]*models.Import, len(modelList))
	for i := range modelList {
		imports[i] = modelList[i].ToImport()
	}
	return imports, nil
}
