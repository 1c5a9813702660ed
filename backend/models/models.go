package models

import (
	"time"
)

// Project represents one unit of production work driven through the pipeline
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Pipeline    string        `json:"pipeline"`
	Status      string        `json:"status"` // config, queued, running, paused, review, completed, failed
	Priority    int           `json:"priority"`
	Config      ProjectConfig `json:"config"`
	SourcePath  string        `json:"source_path,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ProjectConfig is the editable configuration a project carries between scheduler iterations
type ProjectConfig struct {
	CheckpointSteps []int             `json:"checkpoint_steps,omitempty" yaml:"checkpoint_steps"`
	Features        map[string]bool   `json:"features,omitempty" yaml:"features"`
	Scenes          []Scene           `json:"scenes,omitempty" yaml:"scenes"`
	SceneMode       string            `json:"scene_mode,omitempty" yaml:"scene_mode"` // auto, manual
	Params          map[string]string `json:"params,omitempty" yaml:"params"`
}

// FeatureEnabled reports whether a feature toggle is on. Missing toggles count as enabled.
func (c ProjectConfig) FeatureEnabled(name string) bool {
	if c.Features == nil {
		return true
	}
	enabled, ok := c.Features[name]
	if !ok {
		return true
	}
	return enabled
}

// IsCheckpoint reports whether the step id is listed as an explicit checkpoint
func (c ProjectConfig) IsCheckpoint(stepID int) bool {
	for _, id := range c.CheckpointSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// ManualScenes reports whether scene images require human selection
func (c ProjectConfig) ManualScenes() bool {
	return c.SceneMode == SceneModeManual
}

// ProjectSnapshot is the read-only view of a project handed to predicates and step logic
type ProjectSnapshot struct {
	Project
	// Results holds the persisted result blob of every step that produced one
	Results map[int][]byte `json:"-"`
}

// Result returns the stored result of a step, or nil
func (s *ProjectSnapshot) Result(stepID int) []byte {
	if s == nil || s.Results == nil {
		return nil
	}
	return s.Results[stepID]
}

// Scene is one visual segment that needs an image and then a video
type Scene struct {
	ID     string `json:"id" yaml:"id"`
	Prompt string `json:"prompt,omitempty" yaml:"prompt"`
	Motion string `json:"motion,omitempty" yaml:"motion"`
}

// StepRun represents the persisted state of one step within one project
type StepRun struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	StepID         int        `json:"step_id"`
	Status         string     `json:"status"` // waiting, running, completed, skipped, failed, review
	RetryCount     int        `json:"retry_count"`
	AttemptNumber  int        `json:"attempt_number"`
	FirstAttemptAt *time.Time `json:"first_attempt_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	Error          string     `json:"error,omitempty"`
	Result         []byte     `json:"result,omitempty"`
	Feedback       string     `json:"feedback,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the run is completed or skipped
func (r *StepRun) Terminal() bool {
	return r.Status == StepStatusCompleted || r.Status == StepStatusSkipped
}

// StepRunUpdate lists the fields of a StepRun to change; nil fields are left untouched
type StepRunUpdate struct {
	Status         *string
	RetryCount     *int
	AttemptNumber  *int
	FirstAttemptAt *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DurationMs     *int64
	Error          *string
	Result         []byte
	ClearResult    bool
	Feedback       *string
}

// LogEntry is one line of a project's execution log
type LogEntry struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	ProjectID string    `json:"project_id"`
	Level     string    `json:"level"`
	StepID    *int      `json:"step_id,omitempty"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// SceneVariant is one candidate image generated for a scene in manual mode
type SceneVariant struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	SceneID   string    `json:"scene_id"`
	Variant   int       `json:"variant"`
	ImagePath string    `json:"image_path"`
	Selected  bool      `json:"selected"`
	CreatedAt time.Time `json:"created_at"`
}

// Import records a project file picked up from the inbox
type Import struct {
	ID         string    `json:"id"`
	FilePath   string    `json:"file_path"`
	FileMD5    string    `json:"file_md5"`
	FileSize   int64     `json:"file_size"`
	ProjectID  string    `json:"project_id"`
	ImportedAt time.Time `json:"imported_at"`
}

// ProjectStatus constants
const (
	ProjectStatusConfig    = "config"
	ProjectStatusQueued    = "queued"
	ProjectStatusRunning   = "running"
	ProjectStatusPaused    = "paused"
	ProjectStatusReview    = "review"
	ProjectStatusCompleted = "completed"
	ProjectStatusFailed    = "failed"
)

// StepStatus constants
const (
	StepStatusWaiting   = "waiting"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusSkipped   = "skipped"
	StepStatusFailed    = "failed"
	StepStatusReview    = "review"
)

// SceneMode constants
const (
	SceneModeAuto   = "auto"
	SceneModeManual = "manual"
)

// Log levels used for persisted log entries
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Ptr returns a pointer to v; handy for building StepRunUpdate values
func Ptr[T any](v T) *T {
	return &v
}
