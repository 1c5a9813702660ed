package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
	"github.com/rs/zerolog"
)

// memStore is an in-memory Store that also checks the cross-project invariants
type memStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	runs     map[string]map[int]*models.StepRun
	logs     []*models.LogEntry
	seq      int64

	maxRunningProjects int
	doubleRuns         []string
	firstAttemptWrites map[string]int
	statusHistory      map[string][]string
}

func newMemStore() *memStore {
	return &memStore{
		projects:           make(map[string]*models.Project),
		runs:               make(map[string]map[int]*models.StepRun),
		firstAttemptWrites: make(map[string]int),
		statusHistory:      make(map[string][]string),
	}
}

func (s *memStore) addProject(id string, priority int, cfg models.ProjectConfig) *models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &models.Project{
		ID:        id,
		Name:      id,
		Status:    models.ProjectStatusConfig,
		Priority:  priority,
		Config:    cfg,
		CreatedAt: time.Now().Add(time.Duration(len(s.projects)) * time.Millisecond),
	}
	s.projects[id] = p
	s.runs[id] = make(map[int]*models.StepRun)
	return p
}

func (s *memStore) setRun(projectID string, stepID int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[projectID][stepID] = &models.StepRun{ProjectID: projectID, StepID: stepID, Status: status}
}

func (s *memStore) LoadProject(ctx context.Context, projectID string) (*models.ProjectSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, ErrProjectNotFound
	}
	snap := &models.ProjectSnapshot{Project: *p, Results: make(map[int][]byte)}
	for id, run := range s.runs[projectID] {
		if len(run.Result) > 0 {
			snap.Results[id] = append([]byte(nil), run.Result...)
		}
	}
	return snap, nil
}

func (s *memStore) LoadStepRuns(ctx context.Context, projectID string) ([]*models.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.StepRun
	for _, run := range s.runs[projectID] {
		copied := *run
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memStore) WriteStepRun(ctx context.Context, projectID string, stepID int, u models.StepRunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return ErrProjectNotFound
	}
	run, ok := s.runs[projectID][stepID]
	if !ok {
		run = &models.StepRun{ProjectID: projectID, StepID: stepID, Status: models.StepStatusWaiting}
		s.runs[projectID][stepID] = run
	}
	if u.Status != nil {
		if *u.Status == models.StepStatusRunning && run.Status == models.StepStatusRunning {
			s.doubleRuns = append(s.doubleRuns, fmt.Sprintf("%s/%d", projectID, stepID))
		}
		run.Status = *u.Status
	}
	if u.RetryCount != nil {
		run.RetryCount = *u.RetryCount
	}
	if u.AttemptNumber != nil {
		run.AttemptNumber = *u.AttemptNumber
	}
	if u.FirstAttemptAt != nil {
		s.firstAttemptWrites[fmt.Sprintf("%s/%d", projectID, stepID)]++
		run.FirstAttemptAt = u.FirstAttemptAt
	}
	if u.StartedAt != nil {
		run.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		run.CompletedAt = u.CompletedAt
	}
	if u.DurationMs != nil {
		run.DurationMs = *u.DurationMs
	}
	if u.Error != nil {
		run.Error = *u.Error
	}
	if u.ClearResult {
		run.Result = nil
	}
	if len(u.Result) > 0 {
		run.Result = append([]byte(nil), u.Result...)
	}
	if u.Feedback != nil {
		run.Feedback = *u.Feedback
	}
	return nil
}

func (s *memStore) WriteProjectStatus(ctx context.Context, projectID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrProjectNotFound
	}
	p.Status = status
	s.statusHistory[projectID] = append(s.statusHistory[projectID], status)

	running := 0
	for _, other := range s.projects {
		if other.Status == models.ProjectStatusRunning {
			running++
		}
	}
	if running > s.maxRunningProjects {
		s.maxRunningProjects = running
	}
	return nil
}

func (s *memStore) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.Seq = s.seq
	entry.ID = fmt.Sprintf("log-%d", s.seq)
	s.logs = append(s.logs, entry)
	return nil
}

func (s *memStore) ListProjectsByStatus(ctx context.Context, statuses ...string) ([]*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Project
	for _, p := range s.projects {
		for _, status := range statuses {
			if p.Status == status {
				copied := *p
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) projectStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[id].Status
}

func (s *memStore) stepStatus(projectID string, stepID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[projectID][stepID]
	if !ok {
		return ""
	}
	return run.Status
}

func (s *memStore) run(projectID string, stepID int) models.StepRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[projectID][stepID]; ok {
		return *run
	}
	return models.StepRun{}
}

func (s *memStore) invariants() (maxRunning int, doubleRuns []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunningProjects, append([]string(nil), s.doubleRuns...)
}

func (s *memStore) firstAttemptWriteCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstAttemptWrites[key]
}

func (s *memStore) logContains(projectID, fragment string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.logs {
		if entry.ProjectID == projectID && strings.Contains(entry.Message, fragment) {
			return true
		}
	}
	return false
}

// recordingNotifier collects notifications
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) contains(fragment string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, msg := range n.messages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// recordingSleep records requested delays without sleeping
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func mustRegistry(t *testing.T, steps []*pipeline.Step, composite *pipeline.CompositeStep) *pipeline.Registry {
	t.Helper()
	registry, err := pipeline.NewRegistry("test", "1", steps, composite)
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	return registry
}

type testEngineOptions struct {
	handlers map[int]StepFunc
	scenes   SceneRunner
	notifier Notifier
	sleep    SleepFunc
}

func newTestEngine(t *testing.T, store Store, registry *pipeline.Registry, opts testEngineOptions) *Engine {
	t.Helper()
	sleep := opts.sleep
	if sleep == nil {
		sleep = (&recordingSleep{}).Sleep
	}
	e, err := New(Config{
		Registry:       registry,
		Store:          store,
		Notifier:       opts.notifier,
		Handlers:       opts.handlers,
		Scenes:         opts.scenes,
		SettleInterval: 5 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		NotifyTimeout:  time.Second,
		Sleep:          sleep,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func returns(result string) StepFunc {
	return func(ctx context.Context, inv *Invocation) ([]byte, error) {
		return []byte(result), nil
	}
}
