package engine

import (
	"sort"
	"sync"

	"github.com/andi/reelflow/backend/models"
)

// RuntimeState is the in-memory driver of one executing project.
// It is rebuilt from step runs whenever the project is started or recovered.
type RuntimeState struct {
	mu        sync.Mutex
	status    string
	active    map[int]bool
	completed map[int]bool
	skipped   map[int]bool
	reviewing map[int]bool
	failed    map[int]string
}

// RuntimeSnapshot is a copy of RuntimeState for status reporting
type RuntimeSnapshot struct {
	Status    string         `json:"status"`
	Active    []int          `json:"active"`
	Completed []int          `json:"completed"`
	Skipped   []int          `json:"skipped"`
	Review    []int          `json:"review"`
	Failed    map[int]string `json:"failed"`
}

// NewRuntimeState creates an empty state with the given status
func NewRuntimeState(status string) *RuntimeState {
	return &RuntimeState{
		status:    status,
		active:    make(map[int]bool),
		completed: make(map[int]bool),
		skipped:   make(map[int]bool),
		reviewing: make(map[int]bool),
		failed:    make(map[int]string),
	}
}

// Status returns the current project status
func (s *RuntimeState) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsRunning reports whether new work may start
func (s *RuntimeState) IsRunning() bool {
	return s.Status() == models.ProjectStatusRunning
}

// SetStatus replaces the status and returns the previous one
func (s *RuntimeState) SetStatus(status string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.status
	s.status = status
	return prev
}

// CompareAndSetStatus switches to next only when the status is one of from
func (s *RuntimeState) CompareAndSetStatus(next string, from ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, status := range from {
		if s.status == status {
			s.status = next
			return true
		}
	}
	return false
}

// Seed loads persisted rows. Rows still marked running or failed must already be reset.
func (s *RuntimeState) Seed(runs []*models.StepRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range runs {
		switch run.Status {
		case models.StepStatusCompleted:
			s.completed[run.StepID] = true
		case models.StepStatusSkipped:
			s.skipped[run.StepID] = true
		case models.StepStatusReview:
			s.reviewing[run.StepID] = true
		case models.StepStatusFailed:
			s.failed[run.StepID] = run.Error
		}
	}
}

// known reports whether the step has been started or reached any outcome
func (s *RuntimeState) known(id int) bool {
	if s.active[id] || s.completed[id] || s.skipped[id] || s.reviewing[id] {
		return true
	}
	_, failed := s.failed[id]
	return failed
}

// Known is the locked form of known
func (s *RuntimeState) Known(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known(id)
}

// Satisfied reports whether id counts as a met dependency
func (s *RuntimeState) Satisfied(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[id] || s.skipped[id]
}

// IsCompleted reports whether the step completed
func (s *RuntimeState) IsCompleted(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[id]
}

// IsActive reports whether the step is in flight
func (s *RuntimeState) IsActive(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

// InReview reports whether the step waits for approval
func (s *RuntimeState) InReview(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reviewing[id]
}

// TryActivate marks the steps active. It fails without changes if any of them is already known.
func (s *RuntimeState) TryActivate(ids ...int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.known(id) {
			return false
		}
	}
	for _, id := range ids {
		s.active[id] = true
	}
	return true
}

// Release drops the step from the active set without recording an outcome
func (s *RuntimeState) Release(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// Complete records success
func (s *RuntimeState) Complete(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(id)
	s.completed[id] = true
}

// Skip records a skipped step
func (s *RuntimeState) Skip(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(id)
	s.skipped[id] = true
}

// Review records a checkpoint hit
func (s *RuntimeState) Review(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(id)
	s.reviewing[id] = true
}

// Fail records an exhausted step
func (s *RuntimeState) Fail(id int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(id)
	s.failed[id] = message
}

// Reset forgets everything about the step so it becomes schedulable again
func (s *RuntimeState) Reset(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(id)
}

func (s *RuntimeState) clear(id int) {
	delete(s.active, id)
	delete(s.completed, id)
	delete(s.skipped, id)
	delete(s.reviewing, id)
	delete(s.failed, id)
}

// Counts returns the sizes of the active, reviewing and failed sets
func (s *RuntimeState) Counts() (active, reviewing, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), len(s.reviewing), len(s.failed)
}

// AllTerminal reports whether every id completed or was skipped
func (s *RuntimeState) AllTerminal(ids []int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if !s.completed[id] && !s.skipped[id] {
			return false
		}
	}
	return true
}

// Failures returns a copy of the failed set
func (s *RuntimeState) Failures() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.failed))
	for id, msg := range s.failed {
		out[id] = msg
	}
	return out
}

// Snapshot copies the state
func (s *RuntimeState) Snapshot() RuntimeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := RuntimeSnapshot{
		Status:    s.status,
		Active:    sortedKeys(s.active),
		Completed: sortedKeys(s.completed),
		Skipped:   sortedKeys(s.skipped),
		Review:    sortedKeys(s.reviewing),
		Failed:    make(map[int]string, len(s.failed)),
	}
	for id, msg := range s.failed {
		snap.Failed[id] = msg
	}
	return snap
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
