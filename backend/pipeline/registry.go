package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/andi/reelflow/backend/models"
)

// SkipFunc decides whether a step can be skipped for the given project
type SkipFunc func(snap *models.ProjectSnapshot) bool

// CheckpointFunc decides whether a successful step pauses the project for review
type CheckpointFunc func(snap *models.ProjectSnapshot) bool

// ConfigurationError reports an unknown step id or a malformed step graph.
// It is never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "pipeline configuration: " + e.Message
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// Step is an immutable step definition
type Step struct {
	ID            int
	Name          string
	DependsOn     []int
	ParallelGroup string
	Timeout       time.Duration
	MaxRetries    int
	RetryDelays   []time.Duration
	CanSkip       SkipFunc
	Checkpoint    CheckpointFunc
	// Run is an optional command template executed when no handler is registered for the step
	Run string
}

// RetryDelay returns the backoff before the given attempt (attempt >= 1).
// The last configured delay is reused once the list is exhausted.
func (s *Step) RetryDelay(attempt int) time.Duration {
	if attempt <= 0 || len(s.RetryDelays) == 0 {
		return 0
	}
	if attempt > len(s.RetryDelays) {
		return s.RetryDelays[len(s.RetryDelays)-1]
	}
	return s.RetryDelays[attempt-1]
}

// ShouldSkip evaluates the skip predicate
func (s *Step) ShouldSkip(snap *models.ProjectSnapshot) bool {
	return s.CanSkip != nil && s.CanSkip(snap)
}

// IsCheckpoint evaluates the checkpoint predicate
func (s *Step) IsCheckpoint(snap *models.ProjectSnapshot) bool {
	return s.Checkpoint != nil && s.Checkpoint(snap)
}

// Label returns "name (#id)" for logs and notifications
func (s *Step) Label() string {
	return fmt.Sprintf("%s (#%d)", s.Name, s.ID)
}

// CompositeStep is the image-generation / video-generation pair scheduled as one unit
// once its single upstream step completes.
type CompositeStep struct {
	Upstream int
	Image    *Step
	Video    *Step
}

// Contains reports whether id is one of the pair
func (c *CompositeStep) Contains(id int) bool {
	return c != nil && (id == c.Image.ID || id == c.Video.ID)
}

// IDs returns both ids, image first
func (c *CompositeStep) IDs() []int {
	return []int{c.Image.ID, c.Video.ID}
}

// Registry is the static lookup table of step definitions for one pipeline version
type Registry struct {
	name      string
	version   string
	steps     map[int]*Step
	order     []int
	composite *CompositeStep
}

// NewRegistry builds and validates a registry. Steps keep the given order for display;
// the composite pair is placed right after its upstream step.
func NewRegistry(name, version string, steps []*Step, composite *CompositeStep) (*Registry, error) {
	r := &Registry{
		name:      name,
		version:   version,
		steps:     make(map[int]*Step, len(steps)+2),
		composite: composite,
	}

	for _, step := range steps {
		if step == nil {
			return nil, configErrorf("nil step definition")
		}
		if _, exists := r.steps[step.ID]; exists {
			return nil, configErrorf("duplicate step id %d", step.ID)
		}
		r.steps[step.ID] = step
		r.order = append(r.order, step.ID)
	}

	if composite != nil {
		if composite.Image == nil || composite.Video == nil {
			return nil, configErrorf("composite step needs both an image and a video step")
		}
		if composite.Image.ID == composite.Video.ID {
			return nil, configErrorf("composite image and video steps share id %d", composite.Image.ID)
		}
		// the pair starts and skips as one unit
		if (composite.Image.CanSkip == nil) != (composite.Video.CanSkip == nil) {
			return nil, configErrorf("composite image and video steps must both be skippable or neither")
		}
		for _, part := range []*Step{composite.Image, composite.Video} {
			if _, exists := r.steps[part.ID]; exists {
				return nil, configErrorf("composite step id %d collides with a regular step", part.ID)
			}
		}
		if _, ok := r.steps[composite.Upstream]; !ok {
			return nil, configErrorf("composite upstream step %d does not exist", composite.Upstream)
		}
		composite.Image.DependsOn = []int{composite.Upstream}
		composite.Video.DependsOn = []int{composite.Image.ID}
		r.steps[composite.Image.ID] = composite.Image
		r.steps[composite.Video.ID] = composite.Video

		order := make([]int, 0, len(r.order)+2)
		for _, id := range r.order {
			order = append(order, id)
			if id == composite.Upstream {
				order = append(order, composite.Image.ID, composite.Video.ID)
			}
		}
		r.order = order
	}

	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// validate checks dependencies and rejects cycles
func (r *Registry) validate() error {
	if len(r.steps) == 0 {
		return configErrorf("at least one step is required")
	}
	for _, id := range r.order {
		step := r.steps[id]
		if step.Name == "" {
			return configErrorf("step %d: name is required", id)
		}
		if step.MaxRetries < 0 {
			return configErrorf("step %d: max_retries must not be negative", id)
		}
		for _, dep := range step.DependsOn {
			if dep == id {
				return configErrorf("step %d depends on itself", id)
			}
			if _, ok := r.steps[dep]; !ok {
				return configErrorf("step %d depends on unknown step %d", id, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[int]int, len(r.steps))
	var visit func(id int, path []int) error
	visit = func(id int, path []int) error {
		switch marks[id] {
		case visiting:
			return configErrorf("dependency cycle through steps %v", append(path, id))
		case done:
			return nil
		}
		marks[id] = visiting
		for _, dep := range r.steps[id].DependsOn {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		marks[id] = done
		return nil
	}
	for _, id := range r.order {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the pipeline name
func (r *Registry) Name() string {
	return r.name
}

// Version returns the pipeline version
func (r *Registry) Version() string {
	return r.version
}

// Get returns the definition for id or a ConfigurationError
func (r *Registry) Get(id int) (*Step, error) {
	step, ok := r.steps[id]
	if !ok {
		return nil, configErrorf("unknown step id %d", id)
	}
	return step, nil
}

// OrderedIDs returns display order (not execution order)
func (r *Registry) OrderedIDs() []int {
	ids := make([]int, len(r.order))
	copy(ids, r.order)
	return ids
}

// Composite returns the composite pair, or nil when the pipeline has none
func (r *Registry) Composite() *CompositeStep {
	return r.composite
}

// IsComposite reports whether id belongs to the composite pair
func (r *Registry) IsComposite(id int) bool {
	return r.composite.Contains(id)
}

// Dependents returns the ids of steps that depend directly on id, sorted
func (r *Registry) Dependents(id int) []int {
	var out []int
	for stepID, step := range r.steps {
		for _, dep := range step.DependsOn {
			if dep == id {
				out = append(out, stepID)
				break
			}
		}
	}
	sort.Ints(out)
	return out
}

// Len returns the number of step ids, composite pair included
func (r *Registry) Len() int {
	return len(r.steps)
}
