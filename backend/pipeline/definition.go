package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andi/reelflow/backend/models"
	"gopkg.in/yaml.v3"
)

//go:embed default-pipeline.yaml
var defaultPipelineYAML string

// Definition represents a parsed pipeline YAML file
type Definition struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Defaults    StepDefaults      `yaml:"defaults"`
	Steps       []StepDef         `yaml:"steps"`
	Composite   *CompositeDef     `yaml:"composite"`
	Env         map[string]string `yaml:"env"`
}

// StepDefaults are applied to every step that leaves the field empty
type StepDefaults struct {
	Timeout     time.Duration   `yaml:"timeout"`
	MaxRetries  *int            `yaml:"max_retries"`
	RetryDelays []time.Duration `yaml:"retry_delays"`
}

// StepDef represents one step entry in the YAML file
type StepDef struct {
	ID               int             `yaml:"id"`
	Name             string          `yaml:"name"`
	DependsOn        []int           `yaml:"depends_on"`
	ParallelGroup    string          `yaml:"parallel_group"`
	Timeout          time.Duration   `yaml:"timeout"`
	MaxRetries       *int            `yaml:"max_retries"`
	RetryDelays      []time.Duration `yaml:"retry_delays"`
	SkipWhenDisabled string          `yaml:"skip_when_disabled"`
	Checkpoint       string          `yaml:"checkpoint"` // never, always, feature:<name>
	Run              string          `yaml:"run"`
}

// CompositeDef declares the image/video pair
type CompositeDef struct {
	DependsOn int     `yaml:"depends_on"`
	Image     StepDef `yaml:"image"`
	Video     StepDef `yaml:"video"`
}

// Parse parses a YAML pipeline definition
func Parse(yamlContent string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(yamlContent), &def); err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("failed to parse pipeline YAML: %v", err)}
	}

	// Set defaults
	if def.Defaults.Timeout == 0 {
		def.Defaults.Timeout = 10 * time.Minute
	}
	if def.Defaults.MaxRetries == nil {
		def.Defaults.MaxRetries = models.Ptr(2)
	}
	if def.Version == "" {
		def.Version = "1"
	}

	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the fields the registry cannot infer
func Validate(def *Definition) error {
	if def.Name == "" {
		return configErrorf("pipeline name is required")
	}
	if len(def.Steps) == 0 {
		return configErrorf("at least one step is required")
	}
	for i, step := range def.Steps {
		if step.Name == "" {
			return configErrorf("step %d: name is required", i+1)
		}
		if _, err := checkpointFunc(step.Checkpoint); err != nil {
			return fmt.Errorf("step %d (%s): %w", step.ID, step.Name, err)
		}
	}
	if def.Composite != nil {
		if def.Composite.Image.Name == "" || def.Composite.Video.Name == "" {
			return configErrorf("composite image and video steps need names")
		}
		imageSkip := strings.TrimSpace(def.Composite.Image.SkipWhenDisabled)
		videoSkip := strings.TrimSpace(def.Composite.Video.SkipWhenDisabled)
		if imageSkip != videoSkip {
			return configErrorf("composite image and video steps must use the same skip_when_disabled (%q vs %q)", imageSkip, videoSkip)
		}
	}
	return nil
}

// Build turns the definition into a validated Registry
func (d *Definition) Build() (*Registry, error) {
	steps := make([]*Step, 0, len(d.Steps))
	for _, sd := range d.Steps {
		step, err := d.toStep(sd)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	var composite *CompositeStep
	if d.Composite != nil {
		image, err := d.toStep(d.Composite.Image)
		if err != nil {
			return nil, err
		}
		video, err := d.toStep(d.Composite.Video)
		if err != nil {
			return nil, err
		}
		composite = &CompositeStep{
			Upstream: d.Composite.DependsOn,
			Image:    image,
			Video:    video,
		}
	}

	return NewRegistry(d.Name, d.Version, steps, composite)
}

func (d *Definition) toStep(sd StepDef) (*Step, error) {
	step := &Step{
		ID:            sd.ID,
		Name:          sd.Name,
		DependsOn:     append([]int(nil), sd.DependsOn...),
		ParallelGroup: sd.ParallelGroup,
		Timeout:       sd.Timeout,
		RetryDelays:   sd.RetryDelays,
		Run:           strings.TrimSpace(sd.Run),
	}
	if step.Timeout == 0 {
		step.Timeout = d.Defaults.Timeout
	}
	if sd.MaxRetries != nil {
		step.MaxRetries = *sd.MaxRetries
	} else if d.Defaults.MaxRetries != nil {
		step.MaxRetries = *d.Defaults.MaxRetries
	}
	if len(step.RetryDelays) == 0 {
		step.RetryDelays = d.Defaults.RetryDelays
	}

	if feature := strings.TrimSpace(sd.SkipWhenDisabled); feature != "" {
		step.CanSkip = func(snap *models.ProjectSnapshot) bool {
			return snap != nil && !snap.Config.FeatureEnabled(feature)
		}
	}

	checkpoint, err := checkpointFunc(sd.Checkpoint)
	if err != nil {
		return nil, err
	}
	step.Checkpoint = checkpoint
	return step, nil
}

// checkpointFunc converts a checkpoint policy string into a predicate
func checkpointFunc(policy string) (CheckpointFunc, error) {
	policy = strings.TrimSpace(policy)
	switch {
	case policy == "" || policy == "never":
		return nil, nil
	case policy == "always":
		return func(*models.ProjectSnapshot) bool { return true }, nil
	case strings.HasPrefix(policy, "feature:"):
		feature := strings.TrimSpace(strings.TrimPrefix(policy, "feature:"))
		if feature == "" {
			return nil, configErrorf("checkpoint feature name is empty")
		}
		return func(snap *models.ProjectSnapshot) bool {
			return snap != nil && snap.Config.Features != nil && snap.Config.Features[feature]
		}, nil
	default:
		return nil, configErrorf("unknown checkpoint policy %q", policy)
	}
}

// LoadFile reads and builds a pipeline from disk. An empty path selects the embedded default.
func LoadFile(path string) (*Definition, *Registry, error) {
	content := defaultPipelineYAML
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read pipeline file: %w", err)
		}
		content = string(data)
	}

	def, err := Parse(content)
	if err != nil {
		return nil, nil, err
	}
	registry, err := def.Build()
	if err != nil {
		return nil, nil, err
	}
	return def, registry, nil
}

// DefaultYAML returns the embedded default pipeline definition
func DefaultYAML() string {
	return defaultPipelineYAML
}
