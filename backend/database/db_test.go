package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andi/reelflow/backend/engine"
	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
)

func setupTestDB(t *testing.T) *DB {
	dbPath := filepath.Join(t.TempDir(), "reelflow.db")
	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func createProject(t *testing.T, repo *ProjectRepo, name string, priority int) *models.Project {
	t.Helper()
	project := &models.Project{
		Name:     name,
		Priority: priority,
		Config: models.ProjectConfig{
			CheckpointSteps: []int{1, 2},
			Features:        map[string]bool{"music": false},
			Scenes:          []models.Scene{{ID: "s1", Prompt: "sunrise"}},
		},
	}
	if err := repo.Create(context.Background(), project); err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	return project
}

func TestProjectCRUD(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProjectRepo(db)
	ctx := context.Background()

	project := createProject(t, repo, "launch-video", 3)
	if project.ID == "" {
		t.Error("Project ID should be set after creation")
	}
	if project.Status != models.ProjectStatusConfig {
		t.Errorf("Expected status 'config', got '%s'", project.Status)
	}

	retrieved, err := repo.GetByID(ctx, project.ID)
	if err != nil {
		t.Fatalf("Failed to get project: %v", err)
	}
	if retrieved.Config.FeatureEnabled("music") || !retrieved.Config.IsCheckpoint(2) {
		t.Errorf("Config did not round-trip: %+v", retrieved.Config)
	}
	if len(retrieved.Config.Scenes) != 1 || retrieved.Config.Scenes[0].Prompt != "sunrise" {
		t.Errorf("Expected scenes to round-trip, got %+v", retrieved.Config.Scenes)
	}

	retrieved.Priority = 9
	if err := repo.UpdateConfig(ctx, retrieved); err != nil {
		t.Fatalf("Failed to update config: %v", err)
	}

	projects, err := repo.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("Failed to list projects: %v", err)
	}
	if len(projects) != 1 || projects[0].Priority != 9 {
		t.Errorf("Unexpected list %+v", projects)
	}

	count, err := repo.Count(ctx, models.ProjectStatusConfig)
	if err != nil || count != 1 {
		t.Errorf("Expected count 1, got %d (%v)", count, err)
	}

	if err := repo.Delete(ctx, project.ID); err != nil {
		t.Fatalf("Failed to delete project: %v", err)
	}
	if _, err := repo.GetByID(ctx, project.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestProjectStatusTimestamps(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProjectRepo(db)
	ctx := context.Background()
	project := createProject(t, repo, "p", 0)

	if err := repo.UpdateStatus(ctx, project.ID, models.ProjectStatusRunning); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	running, _ := repo.GetByID(ctx, project.ID)
	if running.StartedAt == nil || running.CompletedAt != nil {
		t.Fatalf("Expected started_at only, got %+v", running)
	}

	time.Sleep(5 * time.Millisecond)
	if err := repo.UpdateStatus(ctx, project.ID, models.ProjectStatusFailed); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := repo.UpdateStatus(ctx, project.ID, models.ProjectStatusRunning); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	restarted, _ := repo.GetByID(ctx, project.ID)
	if !restarted.StartedAt.Equal(*running.StartedAt) {
		t.Errorf("Expected started_at kept, got %v want %v", restarted.StartedAt, running.StartedAt)
	}
	if restarted.CompletedAt != nil {
		t.Error("Expected completed_at cleared on restart")
	}

	if err := repo.UpdateStatus(ctx, "missing", models.ProjectStatusRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStoreStepRuns(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	project := createProject(t, store.Projects, "p", 0)

	now := time.Now()
	err := store.WriteStepRun(ctx, project.ID, 3, models.StepRunUpdate{
		Status:         models.Ptr(models.StepStatusRunning),
		FirstAttemptAt: &now,
		StartedAt:      &now,
	})
	if err != nil {
		t.Fatalf("WriteStepRun failed: %v", err)
	}
	err = store.WriteStepRun(ctx, project.ID, 3, models.StepRunUpdate{
		Status:     models.Ptr(models.StepStatusCompleted),
		Result:     []byte(`{"script":"hello"}`),
		DurationMs: models.Ptr(int64(1200)),
	})
	if err != nil {
		t.Fatalf("WriteStepRun failed: %v", err)
	}

	runs, err := store.LoadStepRuns(ctx, project.ID)
	if err != nil {
		t.Fatalf("LoadStepRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected a single row per step, got %d", len(runs))
	}
	run := runs[0]
	if run.Status != models.StepStatusCompleted || run.DurationMs != 1200 || run.FirstAttemptAt == nil {
		t.Errorf("Unexpected run %+v", run)
	}

	snap, err := store.LoadProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("LoadProject failed: %v", err)
	}
	if string(snap.Result(3)) != `{"script":"hello"}` {
		t.Errorf("Expected result in snapshot, got %q", snap.Result(3))
	}

	if err := store.WriteStepRun(ctx, project.ID, 3, models.StepRunUpdate{ClearResult: true}); err != nil {
		t.Fatalf("WriteStepRun failed: %v", err)
	}
	snap, _ = store.LoadProject(ctx, project.ID)
	if snap.Result(3) != nil {
		t.Error("Expected result cleared")
	}

	if _, err := store.LoadProject(ctx, "missing"); !errors.Is(err, engine.ErrProjectNotFound) {
		t.Errorf("Expected engine.ErrProjectNotFound, got %v", err)
	}
}

func TestStoreConcurrentWrites(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	project := createProject(t, store.Projects, "p", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := store.WriteStepRun(ctx, project.ID, step, models.StepRunUpdate{RetryCount: models.Ptr(j)}); err != nil {
					t.Errorf("WriteStepRun failed: %v", err)
				}
				if err := store.AppendLog(ctx, &models.LogEntry{ProjectID: project.ID, Level: models.LogLevelInfo, Message: "tick"}); err != nil {
					t.Errorf("AppendLog failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	runs, _ := store.LoadStepRuns(ctx, project.ID)
	if len(runs) != 8 {
		t.Errorf("Expected 8 step rows, got %d", len(runs))
	}
	logs, _ := store.Logs.List(ctx, project.ID, 0, 100)
	if len(logs) != 40 {
		t.Fatalf("Expected 40 log entries, got %d", len(logs))
	}
	for i := 1; i < len(logs); i++ {
		if logs[i].Seq <= logs[i-1].Seq {
			t.Fatalf("Expected increasing seq, got %d after %d", logs[i].Seq, logs[i-1].Seq)
		}
	}

	tail, _ := store.Logs.List(ctx, project.ID, logs[35].Seq, 100)
	if len(tail) != 4 {
		t.Errorf("Expected 4 entries after seq %d, got %d", logs[35].Seq, len(tail))
	}
}

func TestListProjectsByStatus(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := createProject(t, store.Projects, "a", 1)
	b := createProject(t, store.Projects, "b", 5)
	createProject(t, store.Projects, "c", 9)
	store.WriteProjectStatus(ctx, a.ID, models.ProjectStatusQueued)
	store.WriteProjectStatus(ctx, b.ID, models.ProjectStatusQueued)

	queued, err := store.ListProjectsByStatus(ctx, models.ProjectStatusQueued)
	if err != nil {
		t.Fatalf("ListProjectsByStatus failed: %v", err)
	}
	engine.SortQueue(queued)
	if len(queued) != 2 || queued[0].ID != b.ID {
		t.Errorf("Expected b first among queued, got %+v", queued)
	}
}

func TestVariantSelection(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	project := createProject(t, store.Projects, "p", 0)

	variants := []*models.SceneVariant{
		{Variant: 0, ImagePath: "a0.png"},
		{Variant: 1, ImagePath: "a1.png"},
	}
	if err := store.ReplaceVariants(ctx, project.ID, "s1", variants); err != nil {
		t.Fatalf("ReplaceVariants failed: %v", err)
	}
	// regenerating replaces the previous set
	if err := store.ReplaceVariants(ctx, project.ID, "s1", variants); err != nil {
		t.Fatalf("ReplaceVariants failed: %v", err)
	}

	if err := store.Variants.Select(ctx, project.ID, "s1", 1); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if err := store.Variants.Select(ctx, project.ID, "s1", 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown variant, got %v", err)
	}

	list, err := store.ListVariants(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListVariants failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 variants, got %d", len(list))
	}
	if list[0].Selected || !list[1].Selected {
		t.Errorf("Expected only variant 1 selected, got %+v %+v", list[0], list[1])
	}
}

func TestImportDedupe(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportRepo(db)
	ctx := context.Background()

	if existing, err := repo.GetByMD5(ctx, "abc123"); err != nil || existing != nil {
		t.Fatalf("Expected no import yet, got %v %v", existing, err)
	}
	if err := repo.Create(ctx, &models.Import{FilePath: "/inbox/a.yaml", FileMD5: "abc123", FileSize: 42, ProjectID: "p1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, &models.Import{FilePath: "/inbox/copy.yaml", FileMD5: "abc123", FileSize: 42}); err == nil {
		t.Error("Expected duplicate md5 to be rejected")
	}

	existing, err := repo.GetByMD5(ctx, "abc123")
	if err != nil || existing == nil || existing.ProjectID != "p1" {
		t.Errorf("Expected recorded import, got %+v %v", existing, err)
	}
}

func TestPipelineRecord(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPipelineRepo(db)
	ctx := context.Background()

	first, err := repo.Record(ctx, pipeline.DefaultYAML())
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	second, err := repo.Record(ctx, pipeline.DefaultYAML())
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if first.ID != second.ID {
		t.Error("Expected the same version to be recorded once")
	}

	if _, err := repo.Record(ctx, "description: no name"); err == nil {
		t.Error("Expected error for pipeline without name")
	}
}
