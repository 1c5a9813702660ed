package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
)

func (r *Runner) step(stepID int) (*pipeline.Step, error) {
	step, err := r.registry.Get(stepID)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrStepNotFound, stepID)
	}
	return step, nil
}

// resetIDs returns the ids a reset of stepID applies to; the composite pair shares a lifecycle
func resetIDs(registry *pipeline.Registry, stepID int) []int {
	if c := registry.Composite(); c != nil && c.Contains(stepID) {
		return c.IDs()
	}
	return []int{stepID}
}

// Approve completes a step waiting in review. Approving a completed step does nothing.
func (r *Runner) Approve(ctx context.Context, stepID int) error {
	step, err := r.step(stepID)
	if err != nil {
		return err
	}
	if r.state.IsCompleted(stepID) {
		return nil
	}
	if !r.state.InReview(stepID) {
		return invalidStatef("step %s is not awaiting review", step.Label())
	}

	now := time.Now()
	if err := r.store.WriteStepRun(ctx, r.projectID, stepID, models.StepRunUpdate{
		Status:      models.Ptr(models.StepStatusCompleted),
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	r.state.Complete(stepID)
	r.logf(ctx, models.LogLevelInfo, &stepID, "%s approved", step.Label())
	return r.continueAfterControl(ctx, true)
}

// SubmitFeedback resets the step to waiting with the feedback stored for its next run
func (r *Runner) SubmitFeedback(ctx context.Context, stepID int, text string) error {
	step, err := r.step(stepID)
	if err != nil {
		return err
	}
	ids := resetIDs(r.registry, stepID)
	for _, id := range ids {
		if r.state.IsActive(id) {
			return invalidStatef("step %d is running", id)
		}
	}

	runs, err := r.store.LoadStepRuns(ctx, r.projectID)
	if err != nil {
		return err
	}
	attemptNumber := 1
	for _, run := range runs {
		if run.StepID == stepID {
			attemptNumber = run.AttemptNumber + 1
		}
	}

	for _, id := range ids {
		update := models.StepRunUpdate{
			Status:     models.Ptr(models.StepStatusWaiting),
			RetryCount: models.Ptr(0),
			Error:      models.Ptr(""),
		}
		if id == stepID {
			update.AttemptNumber = &attemptNumber
			update.Feedback = &text
		}
		if err := r.store.WriteStepRun(ctx, r.projectID, id, update); err != nil {
			return err
		}
		r.state.Reset(id)
	}
	r.logf(ctx, models.LogLevelInfo, &stepID, "feedback received for %s, re-running as attempt %d", step.Label(), attemptNumber)
	return r.continueAfterControl(ctx, true)
}

// SkipStep marks a step skipped by hand
func (r *Runner) SkipStep(ctx context.Context, stepID int) error {
	step, err := r.step(stepID)
	if err != nil {
		return err
	}
	if r.state.IsActive(stepID) {
		return invalidStatef("step %s is running", step.Label())
	}

	now := time.Now()
	if err := r.store.WriteStepRun(ctx, r.projectID, stepID, models.StepRunUpdate{
		Status:      models.Ptr(models.StepStatusSkipped),
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	r.state.Skip(stepID)
	r.logf(ctx, models.LogLevelInfo, &stepID, "%s skipped by operator", step.Label())
	return r.continueAfterControl(ctx, false)
}

// RetryStep resets a step (both halves for the composite pair) to waiting
func (r *Runner) RetryStep(ctx context.Context, stepID int) error {
	step, err := r.step(stepID)
	if err != nil {
		return err
	}
	ids := resetIDs(r.registry, stepID)
	for _, id := range ids {
		if r.state.IsActive(id) {
			return invalidStatef("step %d is running", id)
		}
	}

	for _, id := range ids {
		if err := r.store.WriteStepRun(ctx, r.projectID, id, models.StepRunUpdate{
			Status:      models.Ptr(models.StepStatusWaiting),
			RetryCount:  models.Ptr(0),
			Error:       models.Ptr(""),
			ClearResult: true,
		}); err != nil {
			return err
		}
		r.state.Reset(id)
	}
	r.logf(ctx, models.LogLevelInfo, &stepID, "%s reset for retry", step.Label())
	return r.continueAfterControl(ctx, false)
}

// continueAfterControl wakes a running loop, leaves review once nothing awaits approval and
// optionally resumes a paused project.
func (r *Runner) continueAfterControl(ctx context.Context, resumePaused bool) error {
	_, reviewing, _ := r.state.Counts()
	switch r.state.Status() {
	case models.ProjectStatusRunning:
		r.kick()
		return nil
	case models.ProjectStatusReview:
		if reviewing > 0 {
			return nil
		}
		return r.Resume(ctx)
	case models.ProjectStatusPaused:
		if !resumePaused || reviewing > 0 {
			return nil
		}
		return r.Resume(ctx)
	default:
		return nil
	}
}
