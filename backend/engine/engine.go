package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
	"github.com/rs/zerolog"
)

// Config wires the engine to its collaborators
type Config struct {
	Registry *pipeline.Registry
	Store    Store
	Notifier Notifier
	// Handlers implement steps by id; steps without a handler fall back to Fallback when they define a command
	Handlers map[int]StepFunc
	Fallback StepFunc
	Scenes   SceneRunner

	// SettleInterval bounds how long an iteration waits for the steps it launched
	SettleInterval time.Duration
	// PollInterval bounds the idle wait when nothing is ready
	PollInterval  time.Duration
	NotifyTimeout time.Duration
	Sleep         SleepFunc

	LogListener LogListener
	Logger      zerolog.Logger
}

// Engine is the control surface over the queue and the per-project scheduler loops
type Engine struct {
	registry *pipeline.Registry
	store    Store
	executor *Executor
	retry    *RetryController
	scenes   SceneRunner
	events   *events
	runners  *SchedulerRegistry
	queue    *QueueManager
	settle   time.Duration
	poll     time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// ProjectStatus is the full view of one project
type ProjectStatus struct {
	Project *models.Project   `json:"project"`
	Steps   []*models.StepRun `json:"steps"`
	Active  bool              `json:"active"`
	Runtime *RuntimeSnapshot  `json:"runtime,omitempty"`
}

// New creates an engine
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: pipeline registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "engine").Logger()
	ev := &events{
		store:         cfg.Store,
		notifier:      cfg.Notifier,
		listener:      cfg.LogListener,
		notifyTimeout: cfg.NotifyTimeout,
		logger:        logger,
	}
	executor := NewExecutor(cfg.Handlers, cfg.Fallback)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry: cfg.Registry,
		store:    cfg.Store,
		executor: executor,
		retry:    NewRetryController(cfg.Store, executor, ev, cfg.Sleep),
		scenes:   cfg.Scenes,
		events:   ev,
		runners:  NewSchedulerRegistry(),
		settle:   cfg.SettleInterval,
		poll:     cfg.PollInterval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.queue = NewQueueManager(cfg.Store, e.startRunner, cfg.Logger)
	return e, nil
}

// Registry returns the pipeline the engine runs
func (e *Engine) Registry() *pipeline.Registry {
	return e.registry
}

// Queue returns the queue manager
func (e *Engine) Queue() *QueueManager {
	return e.queue
}

func (e *Engine) startRunner(ctx context.Context, projectID, status string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.runners.Remove(projectID)
			err = fmt.Errorf("failed to start project %s: panic: %v", projectID, rec)
		}
	}()

	runner := newRunner(e.ctx, projectID, runnerOptions{
		registry:       e.registry,
		store:          e.store,
		retry:          e.retry,
		scenes:         e.scenes,
		events:         e.events,
		settleInterval: e.settle,
		pollInterval:   e.poll,
		logger:         e.logger,
		onTerminal:     e.onProjectTerminal,
	})
	if err := runner.Prepare(ctx); err != nil {
		return err
	}

	e.runners.Put(projectID, runner)
	if err := runner.Launch(ctx, status); err != nil {
		e.runners.Remove(projectID)
		return err
	}
	return nil
}

// onProjectTerminal runs on the finished loop's goroutine
func (e *Engine) onProjectTerminal(projectID, status string) {
	e.runners.Remove(projectID)
	e.logger.Info().Str("project", projectID).Str("status", status).Msg("project finished")
	if e.ctx.Err() != nil {
		return
	}
	e.queue.OnProjectTerminal(e.ctx, projectID)
}

// RequestStart starts the project or queues it behind the active one.
// Completed projects are rejected; a failed project starts again from its failed steps.
func (e *Engine) RequestStart(ctx context.Context, projectID string) (bool, error) {
	snap, err := e.store.LoadProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if snap.Status == models.ProjectStatusCompleted {
		return false, invalidStatef("project %s already completed", projectID)
	}
	return e.queue.RequestStart(ctx, projectID)
}

// Recover restores the project that held the active slot before a restart and then drains the queue
func (e *Engine) Recover(ctx context.Context) error {
	projects, err := e.store.ListProjectsByStatus(ctx,
		models.ProjectStatusRunning, models.ProjectStatusReview, models.ProjectStatusPaused)
	if err != nil {
		return fmt.Errorf("failed to list interrupted projects: %w", err)
	}

	sort.SliceStable(projects, func(i, j int) bool {
		ri := projects[i].Status == models.ProjectStatusRunning
		rj := projects[j].Status == models.ProjectStatusRunning
		if ri != rj {
			return ri
		}
		if projects[i].Priority != projects[j].Priority {
			return projects[i].Priority > projects[j].Priority
		}
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})

	for i, project := range projects {
		if i == 0 {
			e.logger.Info().Str("project", project.ID).Str("status", project.Status).Msg("recovering project")
			if err := e.queue.Adopt(ctx, project.ID, project.Status); err != nil {
				e.logger.Error().Err(err).Str("project", project.ID).Msg("failed to recover project")
				if werr := e.store.WriteProjectStatus(ctx, project.ID, models.ProjectStatusFailed); werr != nil {
					return werr
				}
			}
			continue
		}
		e.logger.Warn().Str("project", project.ID).Msg("second active project found at boot, re-queueing")
		if err := e.store.WriteProjectStatus(ctx, project.ID, models.ProjectStatusQueued); err != nil {
			return err
		}
	}

	e.queue.Promote(ctx)
	return nil
}

// Pause pauses the active project, or takes a queued project out of the queue
func (e *Engine) Pause(ctx context.Context, projectID string) error {
	if runner := e.runners.Get(projectID); runner != nil {
		return runner.Pause(ctx)
	}
	project, err := e.store.LoadProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != models.ProjectStatusQueued {
		return invalidStatef("project %s is %s", projectID, project.Status)
	}
	return e.store.WriteProjectStatus(ctx, projectID, models.ProjectStatusPaused)
}

// Resume continues the active project or asks the queue to start an inactive one
func (e *Engine) Resume(ctx context.Context, projectID string) error {
	if runner := e.runners.Get(projectID); runner != nil {
		return runner.Resume(ctx)
	}
	project, err := e.store.LoadProject(ctx, projectID)
	if err != nil {
		return err
	}
	switch project.Status {
	case models.ProjectStatusPaused, models.ProjectStatusReview, models.ProjectStatusFailed:
		_, err := e.queue.RequestStart(ctx, projectID)
		return err
	default:
		return invalidStatef("project %s is %s", projectID, project.Status)
	}
}

// ApproveCheckpoint completes a step waiting in review. Repeated calls are no-ops.
func (e *Engine) ApproveCheckpoint(ctx context.Context, projectID string, stepID int) error {
	if runner := e.runners.Get(projectID); runner != nil {
		return runner.Approve(ctx, stepID)
	}
	return e.controlInactive(ctx, projectID, stepID, func(run *models.StepRun) (models.StepRunUpdate, bool, error) {
		if run.Status == models.StepStatusCompleted {
			return models.StepRunUpdate{}, false, nil
		}
		if run.Status != models.StepStatusReview {
			return models.StepRunUpdate{}, false, invalidStatef("step %d is not awaiting review", stepID)
		}
		now := time.Now()
		return models.StepRunUpdate{Status: models.Ptr(models.StepStatusCompleted), CompletedAt: &now}, true, nil
	})
}

// SubmitFeedback stores feedback and re-runs the step
func (e *Engine) SubmitFeedback(ctx context.Context, projectID string, stepID int, text string) error {
	if runner := e.runners.Get(projectID); runner != nil {
		return runner.SubmitFeedback(ctx, stepID, text)
	}
	return e.controlInactive(ctx, projectID, stepID, func(run *models.StepRun) (models.StepRunUpdate, bool, error) {
		return models.StepRunUpdate{
			Status:        models.Ptr(models.StepStatusWaiting),
			RetryCount:    models.Ptr(0),
			AttemptNumber: models.Ptr(run.AttemptNumber + 1),
			Feedback:      &text,
			Error:         models.Ptr(""),
		}, true, nil
	})
}

// SkipStep marks a step skipped by hand
func (e *Engine) SkipStep(ctx context.Context, projectID string, stepID int) error {
	if runner := e.runners.Get(projectID); runner != nil {
		return runner.SkipStep(ctx, stepID)
	}
	return e.controlInactive(ctx, projectID, stepID, func(run *models.StepRun) (models.StepRunUpdate, bool, error) {
		now := time.Now()
		return models.StepRunUpdate{Status: models.Ptr(models.StepStatusSkipped), CompletedAt: &now}, true, nil
	})
}

// RetryStep resets a step (both halves of the composite pair) for another run
func (e *Engine) RetryStep(ctx context.Context, projectID string, stepID int) error {
	if runner := e.runners.Get(projectID); runner != nil {
		return runner.RetryStep(ctx, stepID)
	}
	return e.controlInactive(ctx, projectID, stepID, func(run *models.StepRun) (models.StepRunUpdate, bool, error) {
		return models.StepRunUpdate{
			Status:      models.Ptr(models.StepStatusWaiting),
			RetryCount:  models.Ptr(0),
			Error:       models.Ptr(""),
			ClearResult: true,
		}, true, nil
	})
}

// controlInactive applies a control call to a project without a runner. The update is computed
// from the target step's row and written to every id the reset applies to; a project that has
// already been started is then handed to the queue.
func (e *Engine) controlInactive(ctx context.Context, projectID string, stepID int, change func(run *models.StepRun) (models.StepRunUpdate, bool, error)) error {
	if _, err := e.registry.Get(stepID); err != nil {
		return fmt.Errorf("%w: %d", ErrStepNotFound, stepID)
	}
	project, err := e.store.LoadProject(ctx, projectID)
	if err != nil {
		return err
	}
	runs, err := e.store.LoadStepRuns(ctx, projectID)
	if err != nil {
		return err
	}

	run := &models.StepRun{ProjectID: projectID, StepID: stepID, Status: models.StepStatusWaiting}
	for _, existing := range runs {
		if existing.StepID == stepID {
			run = existing
		}
	}

	update, changed, err := change(run)
	if err != nil || !changed {
		return err
	}

	ids := []int{stepID}
	if update.Status != nil && *update.Status == models.StepStatusWaiting {
		ids = resetIDs(e.registry, stepID)
	}
	for _, id := range ids {
		u := update
		if id != stepID {
			u.AttemptNumber = nil
			u.Feedback = nil
		}
		if err := e.store.WriteStepRun(ctx, projectID, id, u); err != nil {
			return err
		}
	}

	switch project.Status {
	case models.ProjectStatusConfig, models.ProjectStatusQueued:
		return nil
	default:
		_, err := e.queue.RequestStart(ctx, projectID)
		return err
	}
}

// Status returns the project, its step runs and, for the active project, the runtime sets
func (e *Engine) Status(ctx context.Context, projectID string) (*ProjectStatus, error) {
	snap, err := e.store.LoadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	runs, err := e.store.LoadStepRuns(ctx, projectID)
	if err != nil {
		return nil, err
	}

	project := snap.Project
	status := &ProjectStatus{Project: &project, Steps: runs}
	if runner := e.runners.Get(projectID); runner != nil {
		rt := runner.State().Snapshot()
		status.Active = true
		status.Runtime = &rt
	}
	return status, nil
}

// QueueStatus returns the active project and the queued ones in promotion order
func (e *Engine) QueueStatus(ctx context.Context) (*QueueSnapshot, error) {
	queued, err := e.queue.Queued(ctx)
	if err != nil {
		return nil, err
	}
	snap := &QueueSnapshot{Active: e.queue.Active(), Queued: queued}
	if snap.Active != "" {
		if runner := e.runners.Get(snap.Active); runner != nil {
			snap.ActiveStatus = runner.State().Status()
		}
		switch snap.ActiveStatus {
		case models.ProjectStatusPaused, models.ProjectStatusReview:
			snap.Stalled = len(queued) > 0
		}
	}
	return snap, nil
}

// IsActive reports whether the project holds the active slot
func (e *Engine) IsActive(projectID string) bool {
	return e.queue.Active() == projectID
}

// Shutdown stops every loop without changing persisted project status, so Recover can pick
// the work up again on the next start.
func (e *Engine) Shutdown() {
	e.cancel()
	for _, id := range e.runners.IDs() {
		if runner := e.runners.Get(id); runner != nil {
			runner.Close()
		}
	}
}
