package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// PipelineRecord is a stored pipeline definition
type PipelineRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	YAMLContent string `json:"yaml_content"`
}

// PipelineRepo keeps the pipeline definitions projects were run with
type PipelineRepo struct {
	db *DB
}

// NewPipelineRepo creates a new pipeline repository
func NewPipelineRepo(db *DB) *PipelineRepo {
	return &PipelineRepo{db: db}
}

// Record stores the definition unless the same name and version already exist
func (r *PipelineRepo) Record(ctx context.Context, yamlContent string) (*PipelineRecord, error) {
	var def struct {
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		Description string `yaml:"description"`
	}
	if err := yaml.Unmarshal([]byte(yamlContent), &def); err != nil {
		return nil, fmt.Errorf("invalid pipeline YAML: %w", err)
	}
	if def.Name == "" || def.Version == "" {
		return nil, fmt.Errorf("pipeline YAML must include name and version")
	}

	var model PipelineModel
	err := r.db.conn.WithContext(ctx).Where("name = ? AND version = ?", def.Name, def.Version).First(&model).Error
	if err == nil {
		return model.toRecord(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	model = PipelineModel{
		ID:          uuid.New().String(),
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		YAMLContent: yamlContent,
	}
	if err := r.db.conn.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, err
	}
	return model.toRecord(), nil
}

// List retrieves all stored pipeline versions
func (r *PipelineRepo) List(ctx context.Context) ([]*PipelineRecord, error) {
	var modelList []PipelineModel
	if err := r.db.conn.WithContext(ctx).Order("created_at DESC").Find(&modelList).Error; err != nil {
		return nil, err
	}
	records := make([]*PipelineRecord, len(modelList))
	for i := range modelList {
		records[i] = modelList[i].toRecord()
	}
	return records, nil
}

func (m *PipelineModel) toRecord() *PipelineRecord {
	return &PipelineRecord{
		ID:          m.ID,
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		YAMLContent: m.YAMLContent,
	}
}
