package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome is the result of one attempt chain
type Outcome struct {
	Success    bool
	Result     []byte
	Checkpoint bool
	Attempts   int
	Err        error
}

// RetryController wraps the Executor with bounded retries and persists every transition
type RetryController struct {
	store    Store
	executor *Executor
	events   *events
	sleep    SleepFunc
}

// NewRetryController creates a retry controller
func NewRetryController(store Store, executor *Executor, ev *events, sleep SleepFunc) *RetryController {
	if sleep == nil {
		sleep = Sleep
	}
	return &RetryController{store: store, executor: executor, events: ev, sleep: sleep}
}

// Run executes the step at most MaxRetries+1 times. It returns ErrNotRunning as soon as the
// project stops running between attempts.
func (rc *RetryController) Run(ctx context.Context, projectID string, step *pipeline.Step, state *RuntimeState) Outcome {
	stepID := step.ID
	logf := func(level, format string, args ...interface{}) {
		rc.events.log(ctx, projectID, level, &stepID, "scheduler", fmt.Sprintf(format, args...))
	}

	run, err := rc.findRun(ctx, projectID, stepID)
	if err != nil {
		return Outcome{Err: err}
	}
	firstAttemptAt := run.FirstAttemptAt

	snap, err := rc.store.LoadProject(ctx, projectID)
	if err != nil {
		return Outcome{Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		if !state.IsRunning() || ctx.Err() != nil {
			return Outcome{Attempts: attempt, Err: ErrNotRunning}
		}

		if attempt > 0 {
			delay := step.RetryDelay(attempt)
			logf(models.LogLevelWarn, "retrying %s in %v (attempt %d/%d): %v", step.Label(), delay, attempt+1, step.MaxRetries+1, lastErr)
			if err := rc.sleep(ctx, delay); err != nil {
				return Outcome{Attempts: attempt, Err: ErrNotRunning}
			}
			if !state.IsRunning() {
				return Outcome{Attempts: attempt, Err: ErrNotRunning}
			}
			if fresh, err := rc.store.LoadProject(ctx, projectID); err == nil {
				snap = fresh
			}
		}

		now := time.Now()
		update := models.StepRunUpdate{
			Status:     models.Ptr(models.StepStatusRunning),
			RetryCount: models.Ptr(attempt),
			StartedAt:  &now,
			Error:      models.Ptr(""),
		}
		if firstAttemptAt == nil {
			firstAttemptAt = &now
			update.FirstAttemptAt = &now
		}
		if err := rc.store.WriteStepRun(ctx, projectID, stepID, update); err != nil {
			return Outcome{Attempts: attempt, Err: fmt.Errorf("failed to mark step running: %w", err)}
		}
		logf(models.LogLevelInfo, "starting %s (attempt %d/%d)", step.Label(), attempt+1, step.MaxRetries+1)

		inv := &Invocation{
			ProjectID:     projectID,
			Step:          step,
			Snapshot:      snap,
			Attempt:       attempt,
			AttemptNumber: run.AttemptNumber,
			Feedback:      run.Feedback,
			log: func(level, message string) {
				rc.events.log(ctx, projectID, level, &stepID, step.Name, message)
			},
		}
		result, err := rc.executor.Execute(ctx, inv)
		duration := time.Since(now)

		if err == nil {
			return rc.succeed(ctx, projectID, step, snap, result, duration, attempt+1, logf)
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || (ctx.Err() != nil && !state.IsRunning()) {
			logf(models.LogLevelWarn, "%s interrupted after %v", step.Label(), duration.Round(time.Millisecond))
			return Outcome{Attempts: attempt + 1, Err: ErrNotRunning}
		}

		var cfgErr *ConfigurationError
		fatal := errors.As(err, &cfgErr)

		if attempt == step.MaxRetries || fatal {
			msg := err.Error()
			failUpdate := models.StepRunUpdate{
				Status:     models.Ptr(models.StepStatusFailed),
				Error:      &msg,
				DurationMs: models.Ptr(duration.Milliseconds()),
			}
			if werr := rc.store.WriteStepRun(context.WithoutCancel(ctx), projectID, stepID, failUpdate); werr != nil {
				logf(models.LogLevelError, "failed to persist failure of %s: %v", step.Label(), werr)
			}
			logf(models.LogLevelError, "%s failed after %d attempt(s) in %v: %v", step.Label(), attempt+1, duration.Round(time.Millisecond), err)
			rc.events.notify(projectID, fmt.Sprintf("Project %s: step %s failed after %d attempt(s): %s", projectID, step.Label(), attempt+1, msg))
			return Outcome{Attempts: attempt + 1, Err: err}
		}

		if IsTimeout(err) {
			logf(models.LogLevelWarn, "%s timed out after %v", step.Label(), step.Timeout)
		} else {
			logf(models.LogLevelWarn, "%s attempt %d failed in %v: %v", step.Label(), attempt+1, duration.Round(time.Millisecond), err)
		}
	}

	// unreachable: the loop returns on its last attempt
	return Outcome{Err: lastErr}
}

func (rc *RetryController) succeed(ctx context.Context, projectID string, step *pipeline.Step, snap *models.ProjectSnapshot, result []byte, duration time.Duration, attempts int, logf func(level, format string, args ...interface{})) Outcome {
	checkpoint := snap.Config.IsCheckpoint(step.ID) || step.IsCheckpoint(snap)

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
	if err := rc.store.WriteStepRun(context.WithoutCancel(ctx), projectID, step.ID, update); err != nil {
		return Outcome{Attempts: attempts, Err: fmt.Errorf("failed to persist result: %w", err)}
	}

	if checkpoint {
		logf(models.LogLevelInfo, "%s finished in %v and awaits review", step.Label(), duration.Round(time.Millisecond))
	} else {
		logf(models.LogLevelInfo, "%s completed in %v (attempt %d)", step.Label(), duration.Round(time.Millisecond), attempts)
	}
	return Outcome{Success: true, Result: result, Checkpoint: checkpoint, Attempts: attempts}
}

func (rc *RetryController) findRun(ctx context.Context, projectID string, stepID int) (*models.StepRun, error) {
	runs, err := rc.store.LoadStepRuns(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step runs: %w", err)
	}
	for _, run := range runs {
		if run.StepID == stepID {
			return run, nil
		}
	}
	return &models.StepRun{ProjectID: projectID, StepID: stepID, Status: models.StepStatusWaiting}, nil
}
