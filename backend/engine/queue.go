package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/andi/reelflow/backend/models"
	"github.com/rs/zerolog"
)

// StartFunc launches a scheduler loop for the project in the given status
type StartFunc func(ctx context.Context, projectID, status string) error

// QueueManager keeps a single project in the active slot and promotes queued ones in
// priority order (higher first, then oldest first).
type QueueManager struct {
	store  Store
	start  StartFunc
	logger zerolog.Logger

	mu     sync.Mutex
	active string
}

// QueueSnapshot describes the active slot and the waiting line
type QueueSnapshot struct {
	Active       string            `json:"active,omitempty"`
	ActiveStatus string            `json:"active_status,omitempty"`
	Queued       []*models.Project `json:"queued"`
	// Stalled is set while queued projects wait behind a paused or review project
	Stalled bool `json:"stalled"`
}

// NewQueueManager creates a queue manager
func NewQueueManager(store Store, start StartFunc, logger zerolog.Logger) *QueueManager {
	return &QueueManager{
		store:  store,
		start:  start,
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

// Active returns the project holding the slot, or ""
func (q *QueueManager) Active() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// RequestStart starts the project when the slot is free and queues it otherwise.
// It reports whether the project holds the slot afterwards.
func (q *QueueManager) RequestStart(ctx context.Context, projectID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active == projectID {
		return true, nil
	}
	if q.active != "" {
		if err := q.store.WriteProjectStatus(ctx, projectID, models.ProjectStatusQueued); err != nil {
			return false, fmt.Errorf("failed to queue project: %w", err)
		}
		q.logger.Info().Str("project", projectID).Str("active", q.active).Msg("project queued")
		return false, nil
	}

	if err := q.startLocked(ctx, projectID, models.ProjectStatusRunning); err != nil {
		if werr := q.store.WriteProjectStatus(ctx, projectID, models.ProjectStatusFailed); werr != nil {
			q.logger.Error().Err(werr).Str("project", projectID).Msg("failed to mark unstartable project failed")
		}
		return false, err
	}
	return true, nil
}

// Adopt gives the slot to a project restored at boot in the given status
func (q *QueueManager) Adopt(ctx context.Context, projectID, status string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active != "" && q.active != projectID {
		return invalidStatef("project %s already holds the active slot", q.active)
	}
	return q.startLocked(ctx, projectID, status)
}

// OnProjectTerminal frees the slot held by projectID and promotes the next queued project
func (q *QueueManager) OnProjectTerminal(ctx context.Context, projectID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == projectID {
		q.active = ""
	}
	if q.active != "" {
		return
	}
	q.promoteLocked(ctx)
}

// Promote starts the next queued project when the slot is free
func (q *QueueManager) Promote(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == "" {
		q.promoteLocked(ctx)
	}
}

// Release frees the slot without promoting; used when a project is removed
func (q *QueueManager) Release(projectID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == projectID {
		q.active = ""
	}
}

func (q *QueueManager) startLocked(ctx context.Context, projectID, status string) error {
	q.active = projectID
	if err := q.start(ctx, projectID, status); err != nil {
		q.active = ""
		q.logger.Error().Err(err).Str("project", projectID).Msg("failed to start project")
		return err
	}
	q.logger.Info().Str("project", projectID).Str("status", status).Msg("project holds the active slot")
	return nil
}

func (q *QueueManager) promoteLocked(ctx context.Context) {
	for {
		queued, err := q.Queued(ctx)
		if err != nil {
			q.logger.Error().Err(err).Msg("failed to list queued projects")
			return
		}
		if len(queued) == 0 {
			return
		}

		next := queued[0]
		if err := q.startLocked(ctx, next.ID, models.ProjectStatusRunning); err != nil {
			if werr := q.store.WriteProjectStatus(ctx, next.ID, models.ProjectStatusFailed); werr != nil {
				q.logger.Error().Err(werr).Str("project", next.ID).Msg("failed to mark unstartable project failed")
				return
			}
			continue
		}
		return
	}
}

// Queued returns queued projects in promotion order
func (q *QueueManager) Queued(ctx context.Context) ([]*models.Project, error) {
	projects, err := q.store.ListProjectsByStatus(ctx, models.ProjectStatusQueued)
	if err != nil {
		return nil, err
	}
	SortQueue(projects)
	return projects, nil
}

// SortQueue orders projects by priority descending, then creation time ascending
func SortQueue(projects []*models.Project) {
	sort.SliceStable(projects, func(i, j int) bool {
		if projects[i].Priority != projects[j].Priority {
			return projects[i].Priority > projects[j].Priority
		}
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
}
