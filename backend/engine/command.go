package engine

import (
	"context"
	"path/filepath"

	"github.com/andi/reelflow/backend/executor"
)

// CommandStep runs a step's run: template through the shell runner.
// Each project gets its own work directory under workRoot; stdout is the step result.
func CommandStep(runner *executor.Runner, toolsDir, workRoot string) StepFunc {
	return func(ctx context.Context, inv *Invocation) ([]byte, error) {
		workDir := filepath.Join(workRoot, inv.ProjectID)
		out, err := runner.Run(ctx, executor.Command{
			Script: inv.Step.Run,
			Vars: executor.Variables{
				ProjectID: inv.ProjectID,
				StepID:    inv.Step.ID,
				StepName:  inv.Step.Name,
				WorkDir:   workDir,
				ToolsDir:  toolsDir,
				Feedback:  inv.Feedback,
				Attempt:   inv.AttemptNumber,
			},
			Env: executor.ParamsEnv(inv.Snapshot.Config.Params),
			Dir: workDir,
		})
		if err != nil {
			return nil, err
		}
		if len(out.Stderr) > 0 {
			inv.Logf("%s", out.Stderr)
		}
		return out.Stdout, nil
	}
}
