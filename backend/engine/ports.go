package engine

import (
	"context"
	"fmt"

	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
)

// Store is the persistence boundary of the engine
type Store interface {
	// LoadProject returns the project with every stored step result, or ErrProjectNotFound
	LoadProject(ctx context.Context, projectID string) (*models.ProjectSnapshot, error)
	LoadStepRuns(ctx context.Context, projectID string) ([]*models.StepRun, error)
	// WriteStepRun creates the row on first write
	WriteStepRun(ctx context.Context, projectID string, stepID int, update models.StepRunUpdate) error
	WriteProjectStatus(ctx context.Context, projectID, status string) error
	// AppendLog fills in the entry's ID and Seq
	AppendLog(ctx context.Context, entry *models.LogEntry) error
	ListProjectsByStatus(ctx context.Context, statuses ...string) ([]*models.Project, error)
}

// Notifier delivers human-facing messages. Errors are logged and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LogListener receives every persisted log entry
type LogListener func(entry *models.LogEntry)

// Invocation is everything a step implementation gets for one attempt
type Invocation struct {
	ProjectID string
	Step      *pipeline.Step
	Snapshot  *models.ProjectSnapshot
	// Attempt is the retry index within the current chain, starting at 0
	Attempt int
	// AttemptNumber counts feedback-triggered re-runs
	AttemptNumber int
	Feedback      string
	log           func(level, message string)
}

// Logf appends a line to the project log
func (inv *Invocation) Logf(format string, args ...interface{}) {
	if inv.log != nil {
		inv.log(models.LogLevelInfo, fmt.Sprintf(format, args...))
	}
}

// Warnf appends a warning to the project log
func (inv *Invocation) Warnf(format string, args ...interface{}) {
	if inv.log != nil {
		inv.log(models.LogLevelWarn, fmt.Sprintf(format, args...))
	}
}

// StepFunc implements the business logic of one step
type StepFunc func(ctx context.Context, inv *Invocation) ([]byte, error)

// CompositeInvocation is handed to the scene sub-engine for the image/video pair
type CompositeInvocation struct {
	ProjectID string
	Composite *pipeline.CompositeStep
	Snapshot  *models.ProjectSnapshot
	// Feedback left on either half of the pair, consumed by this run
	Feedback      string
	AttemptNumber int
	log           func(level, message string)
}

// Logf appends a line to the project log
func (inv *CompositeInvocation) Logf(format string, args ...interface{}) {
	if inv.log != nil {
		inv.log(models.LogLevelInfo, fmt.Sprintf(format, args...))
	}
}

// Warnf appends a warning to the project log
func (inv *CompositeInvocation) Warnf(format string, args ...interface{}) {
	if inv.log != nil {
		inv.log(models.LogLevelWarn, fmt.Sprintf(format, args...))
	}
}

// CompositeResult reports both halves of the pair separately
type CompositeResult struct {
	ImageResult []byte
	ImageErr    error
	VideoResult []byte
	VideoErr    error
	// AwaitingSelection is set in manual mode: images are in review and the video half
	// runs later through the normal step path.
	AwaitingSelection bool
}

// SceneRunner runs the composite image/video pair
type SceneRunner interface {
	RunComposite(ctx context.Context, inv *CompositeInvocation) CompositeResult
}
