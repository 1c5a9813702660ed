package engine

import (
	"sort"
	"sync"
)

// SchedulerRegistry tracks the runners of projects currently holding the active slot.
// The process entry point owns it; tests create their own.
type SchedulerRegistry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

// NewSchedulerRegistry creates an empty registry
func NewSchedulerRegistry() *SchedulerRegistry {
	return &SchedulerRegistry{runners: make(map[string]*Runner)}
}

// Put stores the runner for a project
func (r *SchedulerRegistry) Put(projectID string, runner *Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[projectID] = runner
}

// Get returns the project's runner or nil
func (r *SchedulerRegistry) Get(projectID string) *Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[projectID]
}

// Remove drops the runner, returning it if present
func (r *SchedulerRegistry) Remove(projectID string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	runner := r.runners[projectID]
	delete(r.runners, projectID)
	return runner
}

// IDs lists project ids with a runner, sorted
func (r *SchedulerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
