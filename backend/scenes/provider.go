package scenes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andi/reelflow/backend/models"
	"github.com/rs/zerolog"
)

// ImageRequest asks for one image of a scene
type ImageRequest struct {
	ProjectID string
	Scene     models.Scene
	// Variant is the candidate index; always 0 in auto mode
	Variant int
	WorkDir string
	Params  map[string]string
	// Feedback is the reviewer note left on the composite step, empty on a first run
	Feedback string
	Attempt  int
}

// ImageGenerator produces an image and returns its path
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (string, error)
}

// VideoRequest asks for one video rendered from a scene image
type VideoRequest struct {
	ProjectID string
	Scene     models.Scene
	ImagePath string
	WorkDir   string
	Params    map[string]string
	Feedback  string
	Attempt   int
}

// VideoJob is a video render submitted to a provider
type VideoJob struct {
	ID     string
	Done   bool
	Output string
}

// ErrJobFailed is returned by Poll when the provider gave up on a job
var ErrJobFailed = errors.New("video job failed")

// VideoProvider renders videos. Providers that finish synchronously return a Done job from Submit.
type VideoProvider interface {
	Name() string
	Submit(ctx context.Context, req VideoRequest) (VideoJob, error)
	Poll(ctx context.Context, job VideoJob) (VideoJob, error)
}

// Poller waits for submitted jobs to finish
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Wait polls the job until it is done, fails, or the poll timeout expires
func (p Poller) Wait(ctx context.Context, provider VideoProvider, job VideoJob) (VideoJob, error) {
	if job.Done {
		return job, nil
	}

	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return job, fmt.Errorf("%s job %s did not finish in time", provider.Name(), job.ID)
			}
			return job, ctx.Err()
		case <-ticker.C:
		}

		next, err := provider.Poll(ctx, job)
		if err != nil {
			return job, err
		}
		if next.Done {
			return next, nil
		}
		job = next
	}
}

// Route is one video backend together with the pool bounding it
type Route struct {
	Provider VideoProvider
	Pool     *Pool
}

// VideoRouter renders on the primary provider and moves a scene to the fallback
// provider when the primary fails for it.
type VideoRouter struct {
	primary  Route
	fallback *Route
	poller   Poller
	logger   zerolog.Logger
}

// NewVideoRouter creates a router. fallback may be nil.
func NewVideoRouter(primary Route, fallback *Route, poller Poller, logger zerolog.Logger) *VideoRouter {
	return &VideoRouter{
		primary:  primary,
		fallback: fallback,
		poller:   poller,
		logger:   logger.With().Str("component", "video-router").Logger(),
	}
}

// Render produces a video for the scene and returns its path
func (r *VideoRouter) Render(ctx context.Context, req VideoRequest) (string, error) {
	out, err := r.renderOn(ctx, r.primary, req)
	if err == nil {
		return out, nil
	}
	if r.fallback == nil || ctx.Err() != nil {
		return "", err
	}

	r.logger.Warn().
		Err(err).
		Str("project", req.ProjectID).
		Str("scene", req.Scene.ID).
		Str("fallback", r.fallback.Provider.Name()).
		Msg("primary video provider failed, re-queueing scene on fallback")

	out, ferr := r.renderOn(ctx, *r.fallback, req)
	if ferr != nil {
		return "", fmt.Errorf("%s: %v; %s: %w", r.primary.Provider.Name(), err, r.fallback.Provider.Name(), ferr)
	}
	return out, nil
}

func (r *VideoRouter) renderOn(ctx context.Context, route Route, req VideoRequest) (string, error) {
	if err := route.Pool.Acquire(ctx); err != nil {
		return "", err
	}
	defer route.Pool.Release()

	job, err := route.Provider.Submit(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to submit video job: %w", err)
	}
	job, err = r.poller.Wait(ctx, route.Provider, job)
	if err != nil {
		return "", err
	}
	if job.Output == "" {
		return "", fmt.Errorf("%s returned no video for scene %s", route.Provider.Name(), req.Scene.ID)
	}
	return job.Output, nil
}

// Pools returns the status of every pool the router uses
func (r *VideoRouter) Pools() []PoolStatus {
	out := []PoolStatus{r.primary.Pool.Status()}
	if r.fallback != nil {
		out = append(out, r.fallback.Pool.Status())
	}
	return out
}
