package database

import (
	"context"
	"errors"

	"github.com/andi/reelflow/backend/engine"
	"github.com/andi/reelflow/backend/models"
)

// Store adapts the repositories to the engine and scene ports
type Store struct {
	Projects  *ProjectRepo
	StepRuns  *StepRunRepo
	Logs      *LogRepo
	Variants  *VariantRepo
	Imports   *ImportRepo
	Pipelines *PipelineRepo
}

// NewStore creates a Store with every repository
func NewStore(db *DB) *Store {
	return &Store{
		Projects:  NewProjectRepo(db),
		StepRuns:  NewStepRunRepo(db),
		Logs:      NewLogRepo(db),
		Variants:  NewVariantRepo(db),
		Imports:   NewImportRepo(db),
		Pipelines: NewPipelineRepo(db),
	}
}

// LoadProject implements engine.Store
func (s *Store) LoadProject(ctx context.Context, projectID string) (*models.ProjectSnapshot, error) {
	project, err := s.Projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	runs, err := s.StepRuns.GetByProjectID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	snap := &models.ProjectSnapshot{Project: *project, Results: make(map[int][]byte)}
	for _, run := range runs {
		if len(run.Result) > 0 {
			snap.Results[run.StepID] = run.Result
		}
	}
	return snap, nil
}

// LoadStepRuns implements engine.Store
func (s *Store) LoadStepRuns(ctx context.Context, projectID string) ([]*models.StepRun, error) {
	return s.StepRuns.GetByProjectID(ctx, projectID)
}

// WriteStepRun implements engine.Store
func (s *Store) WriteStepRun(ctx context.Context, projectID string, stepID int, update models.StepRunUpdate) error {
	return s.StepRuns.Apply(ctx, projectID, stepID, update)
}

// WriteProjectStatus implements engine.Store
func (s *Store) WriteProjectStatus(ctx context.Context, projectID, status string) error {
	return mapNotFound(s.Projects.UpdateStatus(ctx, projectID, status))
}

// AppendLog implements engine.Store
func (s *Store) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	return s.Logs.Append(ctx, entry)
}

// ListProjectsByStatus implements engine.Store
func (s *Store) ListProjectsByStatus(ctx context.Context, statuses ...string) ([]*models.Project, error) {
	return s.Projects.ListByStatus(ctx, statuses...)
}

// ReplaceVariants implements scenes.VariantStore
func (s *Store) ReplaceVariants(ctx context.Context, projectID, sceneID string, variants []*models.SceneVariant) error {
	return s.Variants.Replace(ctx, projectID, sceneID, variants)
}

// ListVariants implements scenes.VariantStore
func (s *Store) ListVariants(ctx context.Context, projectID string) ([]*models.SceneVariant, error) {
	return s.Variants.List(ctx, projectID)
}

func mapNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return engine.ErrProjectNotFound
	}
	return err
}
