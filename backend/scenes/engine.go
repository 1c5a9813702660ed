package scenes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/andi/reelflow/backend/engine"
	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// Config tunes the scene sub-engine
type Config struct {
	// Workers is the size of the goroutine pool shared by image and video jobs
	Workers          int
	ImageConcurrency int
	// RetryPasses is the number of extra passes over scenes still lacking a video
	RetryPasses int
	// Variants is the number of image candidates per scene in manual mode
	Variants int
	WorkRoot string
}

// Engine generates scene images and videos for the composite step pair
type Engine struct {
	cfg       Config
	images    ImageGenerator
	imagePool *Pool
	router    *VideoRouter
	variants  VariantStore
	workers   *ants.Pool
	logger    zerolog.Logger
}

// New creates the scene engine and its worker pool
func New(cfg Config, images ImageGenerator, router *VideoRouter, variants VariantStore, logger zerolog.Logger) (*Engine, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.ImageConcurrency <= 0 {
		cfg.ImageConcurrency = 2
	}
	if cfg.RetryPasses < 0 {
		cfg.RetryPasses = 0
	}
	if cfg.Variants <= 0 {
		cfg.Variants = 3
	}

	logger = logger.With().Str("component", "scenes").Logger()
	workers, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p interface{}) {
		logger.Error().Interface("panic", p).Msg("scene worker panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create scene worker pool: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		images:    images,
		imagePool: NewPool("images", cfg.ImageConcurrency),
		router:    router,
		variants:  variants,
		workers:   workers,
		logger:    logger,
	}, nil
}

// Close stops the worker pool
func (e *Engine) Close() {
	e.imagePool.Close()
	e.workers.Release()
}

// Pools reports the usage of the image pool and every video pool
func (e *Engine) Pools() []PoolStatus {
	return append([]PoolStatus{e.imagePool.Status()}, e.router.Pools()...)
}

// RunComposite implements engine.SceneRunner
func (e *Engine) RunComposite(ctx context.Context, inv *engine.CompositeInvocation) engine.CompositeResult {
	scenes, err := LoadScenes(inv.Snapshot, inv.Composite.Upstream)
	if err != nil {
		return engine.CompositeResult{ImageErr: err, VideoErr: err}
	}

	if inv.Snapshot.Config.ManualScenes() {
		return e.runManual(ctx, inv, scenes)
	}
	return e.runAuto(ctx, inv, scenes)
}

// runAuto streams each scene from image to video. A scene's video starts as soon as its own
// image is ready; scenes still missing a video are retried in further passes.
func (e *Engine) runAuto(ctx context.Context, inv *engine.CompositeInvocation, scenes []models.Scene) engine.CompositeResult {
	outputs := make([]*SceneOutput, len(scenes))
	for i, scene := range scenes {
		outputs[i] = &SceneOutput{SceneID: scene.ID}
	}
	run := e.newSceneRun(inv.ProjectID, inv.Snapshot, inv.Feedback, inv.AttemptNumber)
	start := time.Now()

	inv.Logf("generating %d scene(s) in auto mode", len(scenes))
	if run.feedback != "" {
		inv.Logf("regenerating with feedback (attempt %d): %s", run.attempt, run.feedback)
	}
	for pass := 0; pass <= e.cfg.RetryPasses; pass++ {
		pending := unresolved(outputs)
		if len(pending) == 0 || ctx.Err() != nil {
			break
		}
		if pass > 0 {
			inv.Warnf("retry pass %d/%d for %d unresolved scene(s)", pass, e.cfg.RetryPasses, len(pending))
		}

		errs := e.forEach(pending, func(i int) error {
			return e.renderScene(ctx, run, scenes[i], outputs[i])
		})
		for i, err := range errs {
			outputs[i].Error = err.Error()
			inv.Warnf("scene %s: %v", scenes[i].ID, err)
		}
	}

	if ctx.Err() != nil {
		return engine.CompositeResult{ImageErr: ctx.Err(), VideoErr: ctx.Err()}
	}

	var result engine.CompositeResult
	missingImages := 0
	for _, o := range outputs {
		if o.Image == "" {
			missingImages++
		}
	}
	if missingImages > 0 {
		result.ImageErr = fmt.Errorf("%d of %d scene images failed", missingImages, len(scenes))
	} else {
		result.ImageResult = mustJSON(imageOutputs(outputs))
	}

	if missing := len(unresolved(outputs)); missing > 0 {
		result.VideoErr = fmt.Errorf("%d of %d scenes unresolved after %d pass(es)", missing, len(scenes), e.cfg.RetryPasses+1)
	} else {
		result.VideoResult = mustJSON(outputs)
		inv.Logf("all %d scene video(s) completed in %v", len(scenes), time.Since(start).Round(time.Millisecond))
	}
	return result
}

// sceneRun holds what every image and video request of one invocation shares
type sceneRun struct {
	projectID string
	workDir   string
	params    map[string]string
	feedback  string
	attempt   int
}

func (e *Engine) newSceneRun(projectID string, snap *models.ProjectSnapshot, feedback string, attempt int) sceneRun {
	return sceneRun{
		projectID: projectID,
		workDir:   e.workDir(projectID),
		params:    snap.Config.Params,
		feedback:  feedback,
		attempt:   attempt,
	}
}

func (r sceneRun) image(scene models.Scene, variant int) ImageRequest {
	return ImageRequest{
		ProjectID: r.projectID,
		Scene:     scene,
		Variant:   variant,
		WorkDir:   r.workDir,
		Params:    r.params,
		Feedback:  r.feedback,
		Attempt:   r.attempt,
	}
}

func (r sceneRun) video(scene models.Scene, imagePath string) VideoRequest {
	return VideoRequest{
		ProjectID: r.projectID,
		Scene:     scene,
		ImagePath: imagePath,
		WorkDir:   r.workDir,
		Params:    r.params,
		Feedback:  r.feedback,
		Attempt:   r.attempt,
	}
}

// renderScene fills in whatever the scene is missing. A scene that kept its image retries video only.
func (e *Engine) renderScene(ctx context.Context, run sceneRun, scene models.Scene, out *SceneOutput) error {
	if out.Image == "" {
		image, err := e.generateImage(ctx, run.image(scene, 0))
		if err != nil {
			return fmt.Errorf("image: %w", err)
		}
		out.Image = image
	}

	video, err := e.router.Render(ctx, run.video(scene, out.Image))
	if err != nil {
		return fmt.Errorf("video: %w", err)
	}
	out.Video = video
	out.Error = ""
	return nil
}

func (e *Engine) generateImage(ctx context.Context, req ImageRequest) (string, error) {
	if err := e.imagePool.Acquire(ctx); err != nil {
		return "", err
	}
	defer e.imagePool.Release()
	return e.images.GenerateImage(ctx, req)
}

// runManual generates variants for every scene, persists them and hands the images
// over for human selection.
func (e *Engine) runManual(ctx context.Context, inv *engine.CompositeInvocation, scenes []models.Scene) engine.CompositeResult {
	if e.variants == nil {
		err := &engine.ConfigurationError{Message: "manual scene mode needs a variant store"}
		return engine.CompositeResult{ImageErr: err, VideoErr: err}
	}
	run := e.newSceneRun(inv.ProjectID, inv.Snapshot, inv.Feedback, inv.AttemptNumber)
	generated := make([][]*models.SceneVariant, len(scenes))

	inv.Logf("generating %d variant(s) for each of %d scene(s)", e.cfg.Variants, len(scenes))
	if run.feedback != "" {
		inv.Logf("regenerating with feedback (attempt %d): %s", run.attempt, run.feedback)
	}
	all := make([]int, len(scenes))
	for i := range all {
		all[i] = i
	}
	errs := e.forEach(all, func(i int) error {
		var lastErr error
		for v := 0; v < e.cfg.Variants; v++ {
			image, err := e.generateImage(ctx, run.image(scenes[i], v))
			if err != nil {
				lastErr = err
				continue
			}
			generated[i] = append(generated[i], &models.SceneVariant{
				ID:        uuid.New().String(),
				ProjectID: inv.ProjectID,
				SceneID:   scenes[i].ID,
				Variant:   v,
				ImagePath: image,
				CreatedAt: time.Now(),
			})
		}
		if len(generated[i]) == 0 {
			return fmt.Errorf("no variant generated: %w", lastErr)
		}
		return e.variants.ReplaceVariants(context.WithoutCancel(ctx), inv.ProjectID, scenes[i].ID, generated[i])
	})

	if ctx.Err() != nil {
		return engine.CompositeResult{ImageErr: ctx.Err(), VideoErr: ctx.Err()}
	}
	if len(errs) > 0 {
		for i, err := range errs {
			inv.Warnf("scene %s: %v", scenes[i].ID, err)
		}
		err := fmt.Errorf("%d of %d scenes have no image variant", len(errs), len(scenes))
		return engine.CompositeResult{ImageErr: err, VideoErr: err}
	}

	var flat []*models.SceneVariant
	for _, list := range generated {
		flat = append(flat, list...)
	}
	inv.Logf("%d variant(s) ready for selection", len(flat))
	return engine.CompositeResult{ImageResult: mustJSON(flat), AwaitingSelection: true}
}

// VideoStep is the step implementation of the composite's video id when it runs through the
// normal scheduler path after manual selection.
func (e *Engine) VideoStep(composite *pipeline.CompositeStep) engine.StepFunc {
	return func(ctx context.Context, inv *engine.Invocation) ([]byte, error) {
		scenes, err := LoadScenes(inv.Snapshot, composite.Upstream)
		if err != nil {
			return nil, err
		}

		images, err := e.chosenImages(ctx, inv.ProjectID, inv.Snapshot.Result(composite.Image.ID))
		if err != nil {
			return nil, err
		}

		outputs := make([]*SceneOutput, 0, len(scenes))
		var pending []int
		for _, scene := range scenes {
			image, ok := images[scene.ID]
			if !ok {
				return nil, fmt.Errorf("scene %s has no approved image", scene.ID)
			}
			outputs = append(outputs, &SceneOutput{SceneID: scene.ID, Image: image})
			pending = append(pending, len(outputs)-1)
		}

		run := e.newSceneRun(inv.ProjectID, inv.Snapshot, inv.Feedback, inv.AttemptNumber)
		inv.Logf("rendering %d approved scene(s)", len(outputs))
		for pass := 0; pass <= e.cfg.RetryPasses && len(pending) > 0 && ctx.Err() == nil; pass++ {
			errs := e.forEach(pending, func(i int) error {
				return e.renderScene(ctx, run, scenes[i], outputs[i])
			})
			for i, err := range errs {
				outputs[i].Error = err.Error()
				inv.Warnf("scene %s: %v", scenes[i].ID, err)
			}
			pending = unresolved(outputs)
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(pending) > 0 {
			return nil, fmt.Errorf("%d of %d scenes unresolved", len(pending), len(outputs))
		}
		return mustJSON(outputs), nil
	}
}

func (e *Engine) chosenImages(ctx context.Context, projectID string, imageResult []byte) (map[string]string, error) {
	if e.variants != nil {
		variants, err := e.variants.ListVariants(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("failed to load scene variants: %w", err)
		}
		if len(variants) > 0 {
			return ChosenImages(variants), nil
		}
	}
	if len(imageResult) == 0 {
		return nil, errors.New("no scene images available")
	}
	images, err := imagesFromResult(imageResult)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scene images: %w", err)
	}
	return images, nil
}

// forEach runs fn for every index on the worker pool and waits. It returns the errors by index.
func (e *Engine) forEach(indices []int, fn func(i int) error) map[int]error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[int]error)
	)
	record := func(i int, err error) {
		mu.Lock()
		errs[i] = err
		mu.Unlock()
	}

	for _, i := range indices {
		i := i
		wg.Add(1)
		err := e.workers.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					record(i, fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(i); err != nil {
				record(i, err)
			}
		})
		if err != nil {
			wg.Done()
			record(i, fmt.Errorf("failed to schedule scene job: %w", err))
		}
	}
	wg.Wait()
	return errs
}

func (e *Engine) workDir(projectID string) string {
	return filepath.Join(e.cfg.WorkRoot, projectID, "scenes")
}

func unresolved(outputs []*SceneOutput) []int {
	var out []int
	for i, o := range outputs {
		if o.Video == "" {
			out = append(out, i)
		}
	}
	return out
}

// imageOutputs drops video paths for the image half result
func imageOutputs(outputs []*SceneOutput) []SceneOutput {
	out := make([]SceneOutput, len(outputs))
	for i, o := range outputs {
		out[i] = SceneOutput{SceneID: o.SceneID, Image: o.Image}
	}
	return out
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("scenes: failed to encode result: %v", err))
	}
	return b
}
