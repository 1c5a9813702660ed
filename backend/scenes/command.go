package scenes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/andi/reelflow/backend/executor"
)

// CommandImageGenerator runs an image command; its last stdout line is the image path
type CommandImageGenerator struct {
	Runner   *executor.Runner
	Script   string
	ToolsDir string
}

// GenerateImage implements ImageGenerator
func (g *CommandImageGenerator) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	out, err := g.Runner.Run(ctx, executor.Command{
		Script: g.Script,
		Vars: executor.Variables{
			ProjectID: req.ProjectID,
			WorkDir:   req.WorkDir,
			ToolsDir:  g.ToolsDir,
			Feedback:  req.Feedback,
			Attempt:   req.Attempt,
			Extra: map[string]string{
				"scene_id": req.Scene.ID,
				"prompt":   req.Scene.Prompt,
				"variant":  strconv.Itoa(req.Variant),
			},
		},
		Env: executor.ParamsEnv(req.Params),
		Dir: req.WorkDir,
	})
	if err != nil {
		return "", err
	}
	path := lastLine(out.Stdout)
	if path == "" {
		return "", fmt.Errorf("image command printed no path for scene %s", req.Scene.ID)
	}
	return path, nil
}

// CommandVideoProvider renders videos through shell commands.
// Without a StatusScript the submit command is synchronous and prints the video path.
// With one, submit prints a job id and the status command prints "done <path>",
// "failed <reason>" or anything else while the job is pending.
type CommandVideoProvider struct {
	ProviderName string
	Runner       *executor.Runner
	Script       string
	StatusScript string
	ToolsDir     string
}

// Name implements VideoProvider
func (p *CommandVideoProvider) Name() string {
	return p.ProviderName
}

// Submit implements VideoProvider
func (p *CommandVideoProvider) Submit(ctx context.Context, req VideoRequest) (VideoJob, error) {
	out, err := p.Runner.Run(ctx, executor.Command{
		Script: p.Script,
		Vars: executor.Variables{
			ProjectID: req.ProjectID,
			WorkDir:   req.WorkDir,
			ToolsDir:  p.ToolsDir,
			Feedback:  req.Feedback,
			Attempt:   req.Attempt,
			Extra: map[string]string{
				"scene_id":   req.Scene.ID,
				"prompt":     req.Scene.Prompt,
				"motion":     req.Scene.Motion,
				"image_path": req.ImagePath,
				"provider":   p.ProviderName,
			},
		},
		Env: executor.ParamsEnv(req.Params),
		Dir: req.WorkDir,
	})
	if err != nil {
		return VideoJob{}, err
	}

	line := lastLine(out.Stdout)
	if p.StatusScript == "" {
		return VideoJob{Done: true, Output: line}, nil
	}
	if line == "" {
		return VideoJob{}, fmt.Errorf("%s printed no job id for scene %s", p.ProviderName, req.Scene.ID)
	}
	return VideoJob{ID: line}, nil
}

// Poll implements VideoProvider
func (p *CommandVideoProvider) Poll(ctx context.Context, job VideoJob) (VideoJob, error) {
	out, err := p.Runner.Run(ctx, executor.Command{
		Script: p.StatusScript,
		Vars: executor.Variables{
			ToolsDir: p.ToolsDir,
			Extra:    map[string]string{"job_id": job.ID, "provider": p.ProviderName},
		},
	})
	if err != nil {
		return job, err
	}

	state, detail, _ := strings.Cut(lastLine(out.Stdout), " ")
	switch state {
	case "done":
		job.Done = true
		job.Output = strings.TrimSpace(detail)
		return job, nil
	case "failed":
		return job, fmt.Errorf("%w: %s", ErrJobFailed, strings.TrimSpace(detail))
	default:
		return job, nil
	}
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
