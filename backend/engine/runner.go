package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
	"github.com/rs/zerolog"
)

// Runner is the scheduler loop of one project. It owns the project's RuntimeState;
// control calls are safe to make while the loop runs.
type Runner struct {
	projectID string
	registry  *pipeline.Registry
	store     Store
	retry     *RetryController
	scenes    SceneRunner
	events    *events
	state     *RuntimeState
	settle    time.Duration
	poll      time.Duration
	logger    zerolog.Logger

	// onTerminal is called once after the project completed or failed
	onTerminal func(projectID, status string)

	baseCtx context.Context

	mu         sync.Mutex
	sessionCtx context.Context
	cancel     context.CancelFunc
	looping    bool
	finished   bool
	loopWG     sync.WaitGroup
	stepWG     sync.WaitGroup
	wake       chan struct{}
}

type runnerOptions struct {
	registry       *pipeline.Registry
	store          Store
	retry          *RetryController
	scenes         SceneRunner
	events         *events
	settleInterval time.Duration
	pollInterval   time.Duration
	logger         zerolog.Logger
	onTerminal     func(projectID, status string)
}

func newRunner(baseCtx context.Context, projectID string, opts runnerOptions) *Runner {
	return &Runner{
		projectID:  projectID,
		registry:   opts.registry,
		store:      opts.store,
		retry:      opts.retry,
		scenes:     opts.scenes,
		events:     opts.events,
		state:      NewRuntimeState(models.ProjectStatusQueued),
		settle:     opts.settleInterval,
		poll:       opts.pollInterval,
		logger:     opts.logger.With().Str("project", projectID).Logger(),
		onTerminal: opts.onTerminal,
		baseCtx:    baseCtx,
		wake:       make(chan struct{}, 1),
	}
}

// State exposes the runtime state for status reporting
func (r *Runner) State() *RuntimeState {
	return r.state
}

func (r *Runner) logf(ctx context.Context, level string, stepID *int, format string, args ...interface{}) {
	r.events.log(ctx, r.projectID, level, stepID, "scheduler", fmt.Sprintf(format, args...))
}

// Prepare rebuilds the runtime state from persisted step runs. Runs left in running or
// failed are reset to waiting, then skip predicates are applied.
func (r *Runner) Prepare(ctx context.Context) error {
	runs, err := r.store.LoadStepRuns(ctx, r.projectID)
	if err != nil {
		return fmt.Errorf("failed to load step runs: %w", err)
	}

	for _, run := range runs {
		if _, err := r.registry.Get(run.StepID); err != nil {
			r.logger.Warn().Int("step", run.StepID).Msg("ignoring step run unknown to the pipeline")
			continue
		}
		if run.Status != models.StepStatusRunning && run.Status != models.StepStatusFailed {
			continue
		}
		prev := run.Status
		if err := r.store.WriteStepRun(ctx, r.projectID, run.StepID, models.StepRunUpdate{
			Status: models.Ptr(models.StepStatusWaiting),
			Error:  models.Ptr(""),
		}); err != nil {
			return fmt.Errorf("failed to reset step %d: %w", run.StepID, err)
		}
		run.Status = models.StepStatusWaiting
		stepID := run.StepID
		r.logf(ctx, models.LogLevelInfo, &stepID, "reset step %d from %s to waiting", stepID, prev)
	}
	r.state.Seed(runs)

	snap, err := r.store.LoadProject(ctx, r.projectID)
	if err != nil {
		return err
	}
	return r.applySkips(ctx, snap)
}

// applySkips marks every step whose skip predicate holds and that has not been started
func (r *Runner) applySkips(ctx context.Context, snap *models.ProjectSnapshot) error {
	for _, id := range r.registry.OrderedIDs() {
		step, _ := r.registry.Get(id)
		if r.state.Known(id) || !step.ShouldSkip(snap) {
			continue
		}
		now := time.Now()
		if err := r.store.WriteStepRun(ctx, r.projectID, id, models.StepRunUpdate{
			Status:      models.Ptr(models.StepStatusSkipped),
			CompletedAt: &now,
		}); err != nil {
			return fmt.Errorf("failed to skip step %d: %w", id, err)
		}
		r.state.Skip(id)
		r.logf(ctx, models.LogLevelInfo, &id, "skipping %s", step.Label())
	}
	return nil
}

// Launch puts the runner into its first status. A running project starts looping at once;
// paused and review projects wait for a control call.
func (r *Runner) Launch(ctx context.Context, status string) error {
	_, reviewing, _ := r.state.Counts()
	if status == models.ProjectStatusRunning && reviewing > 0 {
		status = models.ProjectStatusReview
	}

	switch status {
	case models.ProjectStatusPaused, models.ProjectStatusReview:
		r.state.SetStatus(status)
		if err := r.store.WriteProjectStatus(ctx, r.projectID, status); err != nil {
			return err
		}
		r.logf(ctx, models.LogLevelInfo, nil, "project restored in %s", status)
		return nil
	default:
		r.state.SetStatus(models.ProjectStatusPaused)
		return r.Resume(ctx)
	}
}

// Resume flips a paused project back to running and restarts the loop if it is not looping
func (r *Runner) Resume(ctx context.Context) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return invalidStatef("project %s already finished", r.projectID)
	}
	status := r.state.Status()
	if status == models.ProjectStatusRunning {
		r.mu.Unlock()
		return nil
	}
	_, reviewing, _ := r.state.Counts()
	if reviewing > 0 {
		prev := r.state.SetStatus(models.ProjectStatusReview)
		r.mu.Unlock()
		if prev == models.ProjectStatusReview {
			return invalidStatef("project %s has steps awaiting review", r.projectID)
		}
		return r.store.WriteProjectStatus(ctx, r.projectID, models.ProjectStatusReview)
	}

	r.state.SetStatus(models.ProjectStatusRunning)
	if r.sessionCtx == nil || r.sessionCtx.Err() != nil {
		r.sessionCtx, r.cancel = context.WithCancel(r.baseCtx)
	}
	start := !r.looping
	r.looping = true
	if start {
		r.loopWG.Add(1)
	}
	r.mu.Unlock()

	if err := r.store.WriteProjectStatus(ctx, r.projectID, models.ProjectStatusRunning); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist running status")
	}
	r.logf(ctx, models.LogLevelInfo, nil, "project running")

	if start {
		go r.loop()
	} else {
		r.kick()
	}
	return nil
}

// Pause stops new work and cancels in-flight steps. Interrupted steps go back to waiting.
func (r *Runner) Pause(ctx context.Context) error {
	r.mu.Lock()
	if !r.state.CompareAndSetStatus(models.ProjectStatusPaused, models.ProjectStatusRunning, models.ProjectStatusReview) {
		status := r.state.Status()
		r.mu.Unlock()
		if status == models.ProjectStatusPaused {
			return nil
		}
		return invalidStatef("cannot pause project in status %s", status)
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	if err := r.store.WriteProjectStatus(ctx, r.projectID, models.ProjectStatusPaused); err != nil {
		return err
	}
	r.logf(ctx, models.LogLevelInfo, nil, "project paused")
	return nil
}

// Close cancels the loop without touching persisted state and waits for it to exit
func (r *Runner) Close() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.loopWG.Wait()
	r.stepWG.Wait()
}

func (r *Runner) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// nextIteration returns the session context while the loop should keep going
func (r *Runner) nextIteration() (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.state.Status() != models.ProjectStatusRunning || r.sessionCtx.Err() != nil {
		r.looping = false
		return nil, false
	}
	return r.sessionCtx, true
}

func (r *Runner) loop() {
	defer r.loopWG.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.looping = false
			r.mu.Unlock()
			r.logger.Error().Interface("panic", rec).Msg("scheduler loop crashed")
			r.terminate(r.baseCtx, models.ProjectStatusFailed, fmt.Sprintf("scheduler crashed: %v", rec))
		}
	}()

	for {
		ctx, ok := r.nextIteration()
		if !ok {
			return
		}

		snap, err := r.store.LoadProject(ctx, r.projectID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error().Err(err).Msg("failed to load project")
			if errors.Is(err, ErrProjectNotFound) {
				r.terminate(ctx, models.ProjectStatusFailed, err.Error())
				return
			}
			r.wait(ctx, r.poll)
			continue
		}

		if err := r.applySkips(ctx, snap); err != nil {
			r.logger.Error().Err(err).Msg("failed to apply skip predicates")
		}

		ready, composite := r.readySet(snap)
		if len(ready) == 0 && !composite {
			if done := r.settleIdle(ctx); done {
				return
			}
			continue
		}

		var batch sync.WaitGroup
		for _, id := range ready {
			step, _ := r.registry.Get(id)
			if !r.state.TryActivate(id) {
				continue
			}
			batch.Add(1)
			r.stepWG.Add(1)
			go func() {
				defer batch.Done()
				defer r.stepWG.Done()
				r.runStep(ctx, step)
			}()
		}
		if composite {
			c := r.registry.Composite()
			if r.state.TryActivate(c.IDs()...) {
				batch.Add(1)
				r.stepWG.Add(1)
				go func() {
					defer batch.Done()
					defer r.stepWG.Done()
					r.runComposite(ctx, c)
				}()
			}
		}

		batchDone := make(chan struct{})
		go func() {
			batch.Wait()
			close(batchDone)
		}()
		timer := time.NewTimer(r.settle)
		select {
		case <-batchDone:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

// settleIdle handles an iteration with nothing ready. It returns true when the project reached
// a terminal status.
func (r *Runner) settleIdle(ctx context.Context) bool {
	active, reviewing, failed := r.state.Counts()
	switch {
	case active > 0 || reviewing > 0:
		r.wait(ctx, r.poll)
		return false
	case r.state.AllTerminal(r.registry.OrderedIDs()):
		r.terminate(ctx, models.ProjectStatusCompleted, "")
		return true
	case failed > 0:
		r.terminate(ctx, models.ProjectStatusFailed, r.failureSummary())
		return true
	default:
		var pending []int
		for _, id := range r.registry.OrderedIDs() {
			if !r.state.Known(id) {
				pending = append(pending, id)
			}
		}
		err := &DependencyUnsatisfiableError{Pending: pending}
		r.logf(ctx, models.LogLevelError, nil, "%v", err)
		r.terminate(ctx, models.ProjectStatusFailed, err.Error())
		return true
	}
}

func (r *Runner) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.wake:
	case <-ctx.Done():
	}
}

// readySet lists every generic step whose dependencies are satisfied. The composite pair never
// appears in the list; composite reports whether the pair as a whole may start. When the image
// half already completed on its own, the video half is returned as a regular step.
func (r *Runner) readySet(snap *models.ProjectSnapshot) (ready []int, composite bool) {
	for _, id := range r.registry.OrderedIDs() {
		if r.registry.IsComposite(id) || r.state.Known(id) {
			continue
		}
		step, _ := r.registry.Get(id)
		if step.ShouldSkip(snap) {
			continue
		}
		if r.depsSatisfied(step) {
			ready = append(ready, id)
		}
	}

	c := r.registry.Composite()
	if c == nil {
		return ready, false
	}
	imageID, videoID := c.Image.ID, c.Video.ID
	switch {
	case r.state.Satisfied(c.Upstream) && !r.state.Known(imageID) && !r.state.Known(videoID):
		composite = !c.Image.ShouldSkip(snap)
	case r.state.IsCompleted(imageID) && !r.state.Known(videoID) && !c.Video.ShouldSkip(snap):
		ready = append(ready, videoID)
	}
	return ready, composite
}

func (r *Runner) depsSatisfied(step *pipeline.Step) bool {
	for _, dep := range step.DependsOn {
		if !r.state.Satisfied(dep) {
			return false
		}
	}
	return true
}

func (r *Runner) runStep(ctx context.Context, step *pipeline.Step) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("panic: %v", rec)
			r.state.Fail(step.ID, msg)
			_ = r.store.WriteStepRun(context.WithoutCancel(ctx), r.projectID, step.ID, models.StepRunUpdate{
				Status: models.Ptr(models.StepStatusFailed),
				Error:  &msg,
			})
		}
		r.kick()
	}()

	outcome := r.retry.Run(ctx, r.projectID, step, r.state)
	switch {
	case outcome.Success && outcome.Checkpoint:
		r.state.Review(step.ID)
		r.enterReview(ctx, step)
	case outcome.Success:
		r.state.Complete(step.ID)
	case errors.Is(outcome.Err, ErrNotRunning):
		r.releaseToWaiting(ctx, step.ID)
	default:
		r.state.Fail(step.ID, errorText(outcome.Err))
	}
}

func (r *Runner) runComposite(ctx context.Context, c *pipeline.CompositeStep) {
	defer r.kick()

	snap, err := r.store.LoadProject(ctx, r.projectID)
	if err != nil {
		r.releaseToWaiting(ctx, c.Image.ID)
		r.releaseToWaiting(ctx, c.Video.ID)
		return
	}
	runs, err := r.store.LoadStepRuns(ctx, r.projectID)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to load step runs for the composite step")
		r.releaseToWaiting(ctx, c.Image.ID)
		r.releaseToWaiting(ctx, c.Video.ID)
		return
	}
	feedback, attemptNumber := compositeFeedback(runs, c)

	now := time.Now()
	for _, part := range []*pipeline.Step{c.Image, c.Video} {
		update := models.StepRunUpdate{
			Status:     models.Ptr(models.StepStatusRunning),
			RetryCount: models.Ptr(0),
			StartedAt:  &now,
			Error:      models.Ptr(""),
		}
		if !hasFirstAttempt(runs, part.ID) {
			update.FirstAttemptAt = &now
		}
		if err := r.store.WriteStepRun(ctx, r.projectID, part.ID, update); err != nil {
			r.logger.Error().Err(err).Int("step", part.ID).Msg("failed to mark composite step running")
		}
	}
	r.logf(ctx, models.LogLevelInfo, &c.Image.ID, "starting scene generation (%s + %s)", c.Image.Label(), c.Video.Label())

	var result CompositeResult
	if r.scenes == nil {
		cfgErr := &ConfigurationError{Message: "no scene runner configured for the composite step"}
		result = CompositeResult{ImageErr: cfgErr, VideoErr: cfgErr}
	} else {
		runCtx := ctx
		if c.Image.Timeout > 0 && c.Video.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, c.Image.Timeout+c.Video.Timeout)
			defer cancel()
		}
		result = r.invokeScenes(runCtx, c, snap, feedback, attemptNumber)
	}
	duration := time.Since(now)

	// A pause cancels the session; a resume may already have flipped the status back
	if ctx.Err() != nil || errors.Is(result.ImageErr, context.Canceled) || errors.Is(result.VideoErr, context.Canceled) {
		r.logf(ctx, models.LogLevelWarn, &c.Image.ID, "scene generation interrupted after %v", duration.Round(time.Millisecond))
		r.releaseToWaiting(ctx, c.Image.ID)
		r.releaseToWaiting(ctx, c.Video.ID)
		return
	}

	if result.ImageErr != nil {
		r.failComposite(ctx, c.Image, result.ImageErr, duration)
	} else {
		r.finishCompositeHalf(ctx, c.Image, snap, result.ImageResult, duration, result.AwaitingSelection)
	}

	switch {
	case result.AwaitingSelection:
		r.releaseToWaiting(ctx, c.Video.ID)
	case result.VideoErr != nil:
		r.failComposite(ctx, c.Video, result.VideoErr, duration)
	default:
		r.finishCompositeHalf(ctx, c.Video, snap, result.VideoResult, duration, false)
	}
}

func (r *Runner) invokeScenes(ctx context.Context, c *pipeline.CompositeStep, snap *models.ProjectSnapshot, feedback string, attemptNumber int) (result CompositeResult) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("scene runner panic: %v", rec)
			result = CompositeResult{ImageErr: err, VideoErr: err}
		}
	}()
	inv := &CompositeInvocation{
		ProjectID:     r.projectID,
		Composite:     c,
		Snapshot:      snap,
		Feedback:      feedback,
		AttemptNumber: attemptNumber,
		log: func(level, message string) {
			r.events.log(ctx, r.projectID, level, &c.Video.ID, "scenes", message)
		},
	}
	return r.scenes.RunComposite(ctx, inv)
}

// compositeFeedback returns the pending feedback of the pair, image half first
func compositeFeedback(runs []*models.StepRun, c *pipeline.CompositeStep) (string, int) {
	var feedback string
	attempt := 0
	for _, id := range []int{c.Image.ID, c.Video.ID} {
		for _, run := range runs {
			if run.StepID != id {
				continue
			}
			if feedback == "" && run.Feedback != "" {
				feedback = run.Feedback
			}
			if run.AttemptNumber > attempt {
				attempt = run.AttemptNumber
			}
		}
	}
	return feedback, attempt
}

func (r *Runner) finishCompositeHalf(ctx context.Context, step *pipeline.Step, snap *models.ProjectSnapshot, result []byte, duration time.Duration, forceReview bool) {
	checkpoint := forceReview || snap.Config.IsCheckpoint(step.ID) || step.IsCheckpoint(snap)
	update := models.StepRunUpdate{
		DurationMs:  models.Ptr(duration.Milliseconds()),
		Result:      result,
		ClearResult: len(result) == 0,
		Feedback:    models.Ptr(""),
		Error:       models.Ptr(""),
	}
	if checkpoint {
		update.Status = models.Ptr(models.StepStatusReview)
	} else {
		now := time.Now()
		update.Status = models.Ptr(models.StepStatusCompleted)
		update.CompletedAt = &now
	}
	if err := r.store.WriteStepRun(context.WithoutCancel(ctx), r.projectID, step.ID, update); err != nil {
		r.logger.Error().Err(err).Int("step", step.ID).Msg("failed to persist composite result")
	}

	if checkpoint {
		r.state.Review(step.ID)
		r.logf(ctx, models.LogLevelInfo, &step.ID, "%s finished in %v and awaits review", step.Label(), duration.Round(time.Millisecond))
		r.enterReview(ctx, step)
		return
	}
	r.state.Complete(step.ID)
	r.logf(ctx, models.LogLevelInfo, &step.ID, "%s completed in %v", step.Label(), duration.Round(time.Millisecond))
}

func (r *Runner) failComposite(ctx context.Context, step *pipeline.Step, err error, duration time.Duration) {
	msg := err.Error()
	if werr := r.store.WriteStepRun(context.WithoutCancel(ctx), r.projectID, step.ID, models.StepRunUpdate{
		Status:     models.Ptr(models.StepStatusFailed),
		Error:      &msg,
		DurationMs: models.Ptr(duration.Milliseconds()),
	}); werr != nil {
		r.logger.Error().Err(werr).Int("step", step.ID).Msg("failed to persist composite failure")
	}
	r.state.Fail(step.ID, msg)
	r.logf(ctx, models.LogLevelError, &step.ID, "%s failed: %s", step.Label(), msg)
	r.events.notify(r.projectID, fmt.Sprintf("Project %s: step %s failed: %s", r.projectID, step.Label(), msg))
}

// enterReview pauses the whole project until the checkpoint is approved
func (r *Runner) enterReview(ctx context.Context, step *pipeline.Step) {
	if !r.state.CompareAndSetStatus(models.ProjectStatusReview, models.ProjectStatusRunning) {
		return
	}
	if err := r.store.WriteProjectStatus(context.WithoutCancel(ctx), r.projectID, models.ProjectStatusReview); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist review status")
	}
	r.logf(ctx, models.LogLevelInfo, &step.ID, "checkpoint reached at %s", step.Label())
	r.events.notify(r.projectID, fmt.Sprintf("Project %s is waiting for review of %s", r.projectID, step.Label()))
}

func (r *Runner) releaseToWaiting(ctx context.Context, stepID int) {
	r.state.Release(stepID)
	if err := r.store.WriteStepRun(context.WithoutCancel(ctx), r.projectID, stepID, models.StepRunUpdate{
		Status: models.Ptr(models.StepStatusWaiting),
	}); err != nil {
		r.logger.Error().Err(err).Int("step", stepID).Msg("failed to reset interrupted step")
	}
}

// terminate records completed or failed and hands control back to the queue
func (r *Runner) terminate(ctx context.Context, status, reason string) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.looping = false
	r.mu.Unlock()

	r.state.SetStatus(status)
	ctx = context.WithoutCancel(ctx)
	if err := r.store.WriteProjectStatus(ctx, r.projectID, status); err != nil {
		r.logger.Error().Err(err).Str("status", status).Msg("failed to persist terminal status")
	}

	if status == models.ProjectStatusCompleted {
		r.logf(ctx, models.LogLevelInfo, nil, "project completed")
		r.events.notify(r.projectID, fmt.Sprintf("Project %s completed", r.projectID))
	} else {
		r.logf(ctx, models.LogLevelError, nil, "project failed: %s", reason)
		r.events.notify(r.projectID, fmt.Sprintf("Project %s failed: %s", r.projectID, reason))
	}

	if r.onTerminal != nil {
		r.onTerminal(r.projectID, status)
	}
}

// failureSummary lists failed steps by name with their errors
func (r *Runner) failureSummary() string {
	failures := r.state.Failures()
	ids := make([]int, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		label := fmt.Sprintf("#%d", id)
		if step, err := r.registry.Get(id); err == nil {
			label = step.Label()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", label, failures[id]))
	}
	return strings.Join(parts, "; ")
}

func hasFirstAttempt(runs []*models.StepRun, stepID int) bool {
	for _, run := range runs {
		if run.StepID == stepID {
			return run.FirstAttemptAt != nil
		}
	}
	return false
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
