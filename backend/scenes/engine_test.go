package scenes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andi/reelflow/backend/engine"
	"github.com/andi/reelflow/backend/executor"
	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
	"github.com/rs/zerolog"
)

type fakeImages struct {
	mu       sync.Mutex
	calls    map[string]int
	failOnce map[string]bool
	requests []ImageRequest
}

func (f *fakeImages) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.Scene.ID]++
	if f.failOnce[req.Scene.ID] && f.calls[req.Scene.ID] == 1 {
		return "", errors.New("content filter")
	}
	return fmt.Sprintf("%s-v%d.png", req.Scene.ID, req.Variant), nil
}

func (f *fakeImages) count(sceneID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[sceneID]
}

type fakeVideo struct {
	name    string
	fail    bool
	running int32
	peak    int32
	calls   int32

	mu       sync.Mutex
	feedback []string
}

func (f *fakeVideo) Name() string { return f.name }

func (f *fakeVideo) Submit(ctx context.Context, req VideoRequest) (VideoJob, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.feedback = append(f.feedback, req.Feedback)
	f.mu.Unlock()
	now := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if now <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, now) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if f.fail {
		return VideoJob{}, errors.New("provider overloaded")
	}
	return VideoJob{ID: req.Scene.ID, Done: true, Output: strings.TrimSuffix(req.ImagePath, ".png") + "." + f.name + ".mp4"}, nil
}

func (f *fakeVideo) Poll(ctx context.Context, job VideoJob) (VideoJob, error) {
	return job, nil
}

type memVariants struct {
	mu       sync.Mutex
	variants map[string][]*models.SceneVariant
}

func (m *memVariants) ReplaceVariants(ctx context.Context, projectID, sceneID string, variants []*models.SceneVariant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.variants == nil {
		m.variants = make(map[string][]*models.SceneVariant)
	}
	m.variants[sceneID] = variants
	return nil
}

func (m *memVariants) ListVariants(ctx context.Context, projectID string) ([]*models.SceneVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SceneVariant
	for _, list := range m.variants {
		out = append(out, list...)
	}
	return out, nil
}

var testComposite = &pipeline.CompositeStep{
	Upstream: 7,
	Image:    &pipeline.Step{ID: 8, Name: "scene-images"},
	Video:    &pipeline.Step{ID: 9, Name: "scene-videos"},
}

func sceneSnapshot(mode string, n int) *models.ProjectSnapshot {
	scenes := make([]models.Scene, n)
	for i := range scenes {
		scenes[i] = models.Scene{ID: fmt.Sprintf("s%d", i+1), Prompt: "shot"}
	}
	raw, _ := json.Marshal(scenes)
	return &models.ProjectSnapshot{
		Project: models.Project{ID: "p1", Config: models.ProjectConfig{SceneMode: mode}},
		Results: map[int][]byte{7: raw},
	}
}

func newTestEngine(t *testing.T, images ImageGenerator, primary, fallback *fakeVideo, variants VariantStore) *Engine {
	t.Helper()
	var fb *Route
	if fallback != nil {
		fb = &Route{Provider: fallback, Pool: NewPool(fallback.name, 1)}
	}
	router := NewVideoRouter(Route{Provider: primary, Pool: NewPool(primary.name, 0)}, fb, Poller{Interval: time.Millisecond}, zerolog.Nop())
	e, err := New(Config{Workers: 8, ImageConcurrency: 2, RetryPasses: 2, Variants: 3, WorkRoot: t.TempDir()}, images, router, variants, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestAutoModeFallsBackToLowCapacityProvider(t *testing.T) {
	primary := &fakeVideo{name: "cloud", fail: true}
	fallback := &fakeVideo{name: "local"}
	e := newTestEngine(t, &fakeImages{}, primary, fallback, nil)

	res := e.RunComposite(context.Background(), &engine.CompositeInvocation{ProjectID: "p1", Composite: testComposite, Snapshot: sceneSnapshot("", 5)})
	if res.ImageErr != nil || res.VideoErr != nil {
		t.Fatalf("Expected success, got image=%v video=%v", res.ImageErr, res.VideoErr)
	}

	var outputs []SceneOutput
	if err := json.Unmarshal(res.VideoResult, &outputs); err != nil {
		t.Fatalf("Failed to decode video result: %v", err)
	}
	if len(outputs) != 5 {
		t.Fatalf("Expected 5 scenes, got %d", len(outputs))
	}
	for _, o := range outputs {
		if !strings.HasSuffix(o.Video, ".local.mp4") {
			t.Errorf("Expected scene %s rendered by fallback, got %q", o.SceneID, o.Video)
		}
	}
	if peak := atomic.LoadInt32(&fallback.peak); peak != 1 {
		t.Errorf("Expected fallback to run one job at a time, peak was %d", peak)
	}
}

func TestAutoModeReportsUnresolvedScenes(t *testing.T) {
	primary := &fakeVideo{name: "cloud", fail: true}
	fallback := &fakeVideo{name: "local", fail: true}
	images := &fakeImages{}
	e := newTestEngine(t, images, primary, fallback, nil)

	res := e.RunComposite(context.Background(), &engine.CompositeInvocation{ProjectID: "p1", Composite: testComposite, Snapshot: sceneSnapshot("", 3)})
	if res.ImageErr != nil {
		t.Errorf("Expected images to succeed, got %v", res.ImageErr)
	}
	if res.VideoErr == nil || !strings.Contains(res.VideoErr.Error(), "3 of 3 scenes unresolved") {
		t.Errorf("Expected unresolved count, got %v", res.VideoErr)
	}
	// initial pass plus two retry passes, video only after the first
	if got := atomic.LoadInt32(&primary.calls); got != 9 {
		t.Errorf("Expected 9 primary submissions, got %d", got)
	}
	if images.count("s1") != 1 {
		t.Errorf("Expected the image to be generated once, got %d", images.count("s1"))
	}
}

func TestAutoModeRetriesFailedImage(t *testing.T) {
	images := &fakeImages{failOnce: map[string]bool{"s2": true}}
	e := newTestEngine(t, images, &fakeVideo{name: "cloud"}, nil, nil)

	res := e.RunComposite(context.Background(), &engine.CompositeInvocation{ProjectID: "p1", Composite: testComposite, Snapshot: sceneSnapshot("", 3)})
	if res.ImageErr != nil || res.VideoErr != nil {
		t.Fatalf("Expected recovery on retry pass, got image=%v video=%v", res.ImageErr, res.VideoErr)
	}
	if images.count("s2") != 2 || images.count("s1") != 1 {
		t.Errorf("Unexpected image calls s1=%d s2=%d", images.count("s1"), images.count("s2"))
	}
}

func TestManualModeStoresVariantsAndRendersSelection(t *testing.T) {
	variants := &memVariants{}
	primary := &fakeVideo{name: "cloud"}
	e := newTestEngine(t, &fakeImages{}, primary, nil, variants)
	snap := sceneSnapshot(models.SceneModeManual, 2)

	res := e.RunComposite(context.Background(), &engine.CompositeInvocation{ProjectID: "p1", Composite: testComposite, Snapshot: snap})
	if !res.AwaitingSelection || res.ImageErr != nil {
		t.Fatalf("Expected images awaiting selection, got %+v", res)
	}
	if atomic.LoadInt32(&primary.calls) != 0 {
		t.Error("Expected no video rendering before selection")
	}
	stored, _ := variants.ListVariants(context.Background(), "p1")
	if len(stored) != 6 {
		t.Fatalf("Expected 6 stored variants, got %d", len(stored))
	}

	// pick the second variant of s1; s2 keeps its first
	for _, v := range stored {
		if v.SceneID == "s1" && v.Variant == 1 {
			v.Selected = true
		}
	}
	snap.Results[8] = res.ImageResult

	out, err := e.VideoStep(testComposite)(context.Background(), &engine.Invocation{ProjectID: "p1", Step: testComposite.Video, Snapshot: snap})
	if err != nil {
		t.Fatalf("VideoStep failed: %v", err)
	}
	var outputs []SceneOutput
	if err := json.Unmarshal(out, &outputs); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	want := map[string]string{"s1": "s1-v1.cloud.mp4", "s2": "s2-v0.cloud.mp4"}
	for _, o := range outputs {
		if o.Video != want[o.SceneID] {
			t.Errorf("Scene %s: expected %s, got %s", o.SceneID, want[o.SceneID], o.Video)
		}
	}
}

func TestVideoStepFallsBackToImageResult(t *testing.T) {
	e := newTestEngine(t, &fakeImages{}, &fakeVideo{name: "cloud"}, nil, nil)
	snap := sceneSnapshot("", 1)
	snap.Results[8] = []byte(`[{"scene_id":"s1","image_path":"picked.png"}]`)

	out, err := e.VideoStep(testComposite)(context.Background(), &engine.Invocation{ProjectID: "p1", Step: testComposite.Video, Snapshot: snap})
	if err != nil {
		t.Fatalf("VideoStep failed: %v", err)
	}
	if !strings.Contains(string(out), "picked.cloud.mp4") {
		t.Errorf("Expected render from stored image, got %s", out)
	}
}

func TestFeedbackReachesSceneRequests(t *testing.T) {
	images := &fakeImages{}
	video := &fakeVideo{name: "cloud"}
	e := newTestEngine(t, images, video, nil, &memVariants{})

	res := e.RunComposite(context.Background(), &engine.CompositeInvocation{
		ProjectID:     "p1",
		Composite:     testComposite,
		Snapshot:      sceneSnapshot("", 2),
		Feedback:      "less motion blur",
		AttemptNumber: 2,
	})
	if res.ImageErr != nil || res.VideoErr != nil {
		t.Fatalf("Expected success, got image=%v video=%v", res.ImageErr, res.VideoErr)
	}

	images.mu.Lock()
	if len(images.requests) != 2 {
		t.Errorf("Expected 2 image requests, got %d", len(images.requests))
	}
	for _, req := range images.requests {
		if req.Feedback != "less motion blur" || req.Attempt != 2 {
			t.Errorf("Image request for %s missing feedback: %+v", req.Scene.ID, req)
		}
	}
	images.mu.Unlock()

	video.mu.Lock()
	defer video.mu.Unlock()
	for _, fb := range video.feedback {
		if fb != "less motion blur" {
			t.Errorf("Expected feedback on video request, got %q", fb)
		}
	}

	// manual mode regenerates every variant with the note
	images.mu.Lock()
	images.requests = nil
	images.mu.Unlock()
	res = e.RunComposite(context.Background(), &engine.CompositeInvocation{
		ProjectID: "p1",
		Composite: testComposite,
		Snapshot:  sceneSnapshot(models.SceneModeManual, 1),
		Feedback:  "brighter",
	})
	if !res.AwaitingSelection {
		t.Fatalf("Expected variants awaiting selection, got %+v", res)
	}
	images.mu.Lock()
	defer images.mu.Unlock()
	for _, req := range images.requests {
		if req.Feedback != "brighter" {
			t.Errorf("Variant %d missing feedback", req.Variant)
		}
	}
}

func TestCommandImageGeneratorSubstitutesFeedback(t *testing.T) {
	gen := &CommandImageGenerator{
		Runner: executor.New(nil, zerolog.Nop()),
		Script: `echo "/img/${{ scene_id }}-${{ variant }}-${{ attempt }}-${{ feedback }}.png"`,
	}
	path, err := gen.GenerateImage(context.Background(), ImageRequest{
		ProjectID: "p1",
		Scene:     models.Scene{ID: "s1"},
		Variant:   1,
		WorkDir:   t.TempDir(),
		Feedback:  "warmer",
		Attempt:   3,
	})
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if path != "/img/s1-1-3-warmer.png" {
		t.Errorf("Unexpected image path %q", path)
	}
}

func TestLoadScenes(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		config  []models.Scene
		want    []string
		wantErr bool
	}{
		{name: "array", result: `[{"id":"a"},{"id":"b"}]`, want: []string{"a", "b"}},
		{name: "wrapped", result: `{"scenes":[{"prompt":"x"}]}`, want: []string{"scene-1"}},
		{name: "config fallback", config: []models.Scene{{ID: "c"}}, want: []string{"c"}},
		{name: "duplicate", result: `[{"id":"a"},{"id":"a"}]`, wantErr: true},
		{name: "garbage", result: `not json`, wantErr: true},
		{name: "nothing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := &models.ProjectSnapshot{Project: models.Project{Config: models.ProjectConfig{Scenes: tt.config}}, Results: map[int][]byte{}}
			if tt.result != "" {
				snap.Results[7] = []byte(tt.result)
			}
			scenes, err := LoadScenes(snap, 7)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(scenes) != len(tt.want) {
				t.Fatalf("Expected %v, got %+v", tt.want, scenes)
			}
			for i, id := range tt.want {
				if scenes[i].ID != id {
					t.Errorf("Expected scene %d = %s, got %s", i, id, scenes[i].ID)
				}
			}
		})
	}
}
