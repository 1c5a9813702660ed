package pipeline

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/andi/reelflow/backend/models"
)

func TestRegistryGetUnknown(t *testing.T) {
	registry, err := NewRegistry("t", "1", []*Step{{ID: 0, Name: "a"}}, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	_, err = registry.Get(42)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
	if registry.Composite() != nil || registry.IsComposite(0) {
		t.Error("Expected no composite pair")
	}
}

func TestRegistryValidation(t *testing.T) {
	tests := []struct {
		name      string
		steps     []*Step
		composite *CompositeStep
		wantErr   string
	}{
		{
			name:    "duplicate id",
			steps:   []*Step{{ID: 0, Name: "a"}, {ID: 0, Name: "b"}},
			wantErr: "duplicate step id",
		},
		{
			name:    "unknown dependency",
			steps:   []*Step{{ID: 0, Name: "a", DependsOn: []int{5}}},
			wantErr: "unknown step 5",
		},
		{
			name:    "self dependency",
			steps:   []*Step{{ID: 0, Name: "a", DependsOn: []int{0}}},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			steps: []*Step{
				{ID: 0, Name: "a", DependsOn: []int{2}},
				{ID: 1, Name: "b", DependsOn: []int{0}},
				{ID: 2, Name: "c", DependsOn: []int{1}},
			},
			wantErr: "cycle",
		},
		{
			name:      "composite collides",
			steps:     []*Step{{ID: 0, Name: "a"}, {ID: 1, Name: "b"}},
			composite: &CompositeStep{Upstream: 0, Image: &Step{ID: 1, Name: "img"}, Video: &Step{ID: 2, Name: "vid"}},
			wantErr:   "collides",
		},
		{
			name:      "composite unknown upstream",
			steps:     []*Step{{ID: 0, Name: "a"}},
			composite: &CompositeStep{Upstream: 3, Image: &Step{ID: 1, Name: "img"}, Video: &Step{ID: 2, Name: "vid"}},
			wantErr:   "upstream step 3",
		},
		{
			name:      "composite same ids",
			steps:     []*Step{{ID: 0, Name: "a"}},
			composite: &CompositeStep{Upstream: 0, Image: &Step{ID: 1, Name: "img"}, Video: &Step{ID: 1, Name: "vid"}},
			wantErr:   "share id",
		},
		{
			name:  "composite half skippable",
			steps: []*Step{{ID: 0, Name: "a"}},
			composite: &CompositeStep{
				Upstream: 0,
				Image:    &Step{ID: 1, Name: "img", CanSkip: func(*models.ProjectSnapshot) bool { return true }},
				Video:    &Step{ID: 2, Name: "vid"},
			},
			wantErr: "skippable",
		},
		{
			name:    "negative retries",
			steps:   []*Step{{ID: 0, Name: "a", MaxRetries: -1}},
			wantErr: "max_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry("t", "1", tt.steps, tt.composite)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	step := &Step{RetryDelays: []time.Duration{time.Second, 5 * time.Second}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 5 * time.Second},
		{9, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := step.RetryDelay(tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if (&Step{}).RetryDelay(2) != 0 {
		t.Error("Expected no delay when list is empty")
	}
}

func TestDependents(t *testing.T) {
	registry, err := NewRegistry("t", "1", []*Step{
		{ID: 0, Name: "a"},
		{ID: 1, Name: "b", DependsOn: []int{0}},
		{ID: 2, Name: "c", DependsOn: []int{0}},
		{ID: 3, Name: "d", DependsOn: []int{1, 2}},
	}, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	deps := registry.Dependents(0)
	if len(deps) != 2 || deps[0] != 1 || deps[1] != 2 {
		t.Errorf("Expected [1 2], got %v", deps)
	}
}
