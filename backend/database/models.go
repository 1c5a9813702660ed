package database

import (
	"encoding/json"
	"time"

	"github.com/andi/reelflow/backend/models"
)

// PipelineModel stores every pipeline definition the server has run with
type PipelineModel struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	Name        string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_pipeline_version"`
	Version     string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_pipeline_version"`
	Description string    `gorm:"type:text"`
	YAMLContent string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (PipelineModel) TableName() string {
	return "pipelines"
}

// ProjectModel represents a project row. Config is stored as JSON.
type ProjectModel struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	Name        string `gorm:"type:varchar(255);not null"`
	Pipeline    string `gorm:"type:varchar(255)"`
	Status      string `gorm:"type:varchar(20);not null;default:'config';index"`
	Priority    int    `gorm:"not null;default:0"`
	ConfigJSON  string `gorm:"column:config;type:text"`
	SourcePath  string `gorm:"type:varchar(1024)"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (ProjectModel) TableName() string {
	return "projects"
}

// StepRunModel is the persisted state of one step in one project
type StepRunModel struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	ProjectID      string `gorm:"type:varchar(36);not null;uniqueIndex:idx_project_step"`
	StepID         int    `gorm:"not null;uniqueIndex:idx_project_step"`
	Status         string `gorm:"type:varchar(20);not null;default:'waiting'"`
	RetryCount     int    `gorm:"not null;default:0"`
	AttemptNumber  int    `gorm:"not null;default:0"`
	FirstAttemptAt *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DurationMs     int64     `gorm:"not null;default:0"`
	Error          string    `gorm:"type:text"`
	Result         []byte    `gorm:"type:longblob"`
	Feedback       string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (StepRunModel) TableName() string {
	return "step_runs"
}

// LogModel is one project log line. Seq gives a total order for streaming.
type LogModel struct {
	Seq       int64     `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"type:varchar(36);uniqueIndex"`
	ProjectID string    `gorm:"type:varchar(36);not null;index"`
	Level     string    `gorm:"type:varchar(10);not null"`
	StepID    *int      `gorm:"index"`
	Source    string    `gorm:"type:varchar(100)"`
	Message   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (LogModel) TableName() string {
	return "logs"
}

// SceneVariantModel is one candidate image of a scene
type SceneVariantModel struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	ProjectID string    `gorm:"type:varchar(36);not null;index:idx_variant_scene"`
	SceneID   string    `gorm:"type:varchar(255);not null;index:idx_variant_scene"`
	Variant   int       `gorm:"not null"`
	ImagePath string    `gorm:"type:varchar(1024);not null"`
	Selected  bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (SceneVariantModel) TableName() string {
	return "scene_variants"
}

// ImportModel records a project file imported from the inbox
type ImportModel struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)"`
	FilePath   string    `gorm:"type:varchar(1024);not null"`
	FileMD5    string    `gorm:"type:varchar(32);not null;uniqueIndex"`
	FileSize   int64     `gorm:"not null"`
	ProjectID  string    `gorm:"type:varchar(36)"`
	ImportedAt time.Time `gorm:"autoCreateTime"`
}

func (ImportModel) TableName() string {
	return "imports"
}

// ToProject converts ProjectModel to models.Project
func (m *ProjectModel) ToProject() (*models.Project, error) {
	p := &models.Project{
		ID:          m.ID,
		Name:        m.Name,
		Pipeline:    m.Pipeline,
		Status:      m.Status,
		Priority:    m.Priority,
		SourcePath:  m.SourcePath,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(m.ConfigJSON), &p.Config); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// FromProject converts models.Project to ProjectModel
func FromProject(p *models.Project) (*ProjectModel, error) {
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return nil, err
	}
	return &ProjectModel{
		ID:          p.ID,
		Name:        p.Name,
		Pipeline:    p.Pipeline,
		Status:      p.Status,
		Priority:    p.Priority,
		ConfigJSON:  string(cfg),
		SourcePath:  p.SourcePath,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}, nil
}

// ToStepRun converts StepRunModel to models.StepRun
func (m *StepRunModel) ToStepRun() *models.StepRun {
	return &models.StepRun{
		ID:             m.ID,
		ProjectID:      m.ProjectID,
		StepID:         m.StepID,
		Status:         m.Status,
		RetryCount:     m.RetryCount,
		AttemptNumber:  m.AttemptNumber,
		FirstAttemptAt: m.FirstAttemptAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
		DurationMs:     m.DurationMs,
		Error:          m.Error,
		Result:         m.Result,
		Feedback:       m.Feedback,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// ToLogEntry converts LogModel to models.LogEntry
func (m *LogModel) ToLogEntry() *models.LogEntry {
	return &models.LogEntry{
		ID:        m.ID,
		Seq:       m.Seq,
		ProjectID: m.ProjectID,
		Level:     m.Level,
		StepID:    m.StepID,
		Source:    m.Source,
		Message:   m.Message,
		CreatedAt: m.CreatedAt,
	}
}

// ToSceneVariant converts SceneVariantModel to models.SceneVariant
func (m *SceneVariantModel) ToSceneVariant() *models.SceneVariant {
	return &models.SceneVariant{
		ID:        m.ID,
		ProjectID: m.ProjectID,
		SceneID:   m.SceneID,
		Variant:   m.Variant,
		ImagePath: m.ImagePath,
		Selected:  m.Selected,
		CreatedAt: m.CreatedAt,
	}
}

// FromSceneVariant converts models.SceneVariant to SceneVariantModel
func FromSceneVariant(v *models.SceneVariant) *SceneVariantModel {
	return &SceneVariantModel{
		ID:        v.ID,
		ProjectID: v.ProjectID,
		SceneID:   v.SceneID,
		Variant:   v.Variant,
		ImagePath: v.ImagePath,
		Selected:  v.Selected,
		CreatedAt: v.CreatedAt,
	}
}

// ToImport converts ImportModel to models.Import
func (m *ImportModel) ToImport() *models.Import {
	return &models.Import{
		ID:         m.ID,
		FilePath:   m.FilePath,
		FileMD5:    m.FileMD5,
		FileSize:   m.FileSize,
		ProjectID:  m.ProjectID,
		ImportedAt: m.ImportedAt,
	}
}
