package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSubstituteVariables(t *testing.T) {
	vars := Variables{
		ProjectID: "p1",
		StepID:    7,
		StepName:  "scene-breakdown",
		WorkDir:   "/work/p1",
		ToolsDir:  "/opt/tools",
		Feedback:  "shorter please",
		Attempt:   2,
		Extra:     map[string]string{"scene_id": "s3"},
	}

	got := SubstituteVariables("${{ tools_dir }}/run.sh ${{ project_id }} ${{ step_id }} ${{ step_name }} ${{ work_dir }} '${{ feedback }}' ${{ attempt }} ${{ scene_id }}", vars)
	want := "/opt/tools/run.sh p1 7 scene-breakdown /work/p1 'shorter please' 2 s3"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestParamsEnv(t *testing.T) {
	env := ParamsEnv(map[string]string{"voice": "alloy", "target-length": "60"})
	if env["REELFLOW_PARAM_VOICE"] != "alloy" {
		t.Errorf("Expected voice param, got %v", env)
	}
	if env["REELFLOW_PARAM_TARGET_LENGTH"] != "60" {
		t.Errorf("Expected target length param, got %v", env)
	}
}

func TestRunCapturesStdout(t *testing.T) {
	runner := New(map[string]string{"GLOBAL_VAR": "g"}, zerolog.Nop())

	out, err := runner.Run(context.Background(), Command{
		Script: `echo "${{ project_id }}-$GLOBAL_VAR-$REELFLOW_PARAM_VOICE"`,
		Vars:   Variables{ProjectID: "p1"},
		Env:    ParamsEnv(map[string]string{"voice": "alloy"}),
		Dir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(string(out.Stdout)) != "p1-g-alloy" {
		t.Errorf("Unexpected stdout %q", out.Stdout)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	runner := New(nil, zerolog.Nop())

	out, err := runner.Run(context.Background(), Command{Script: "echo boom >&2; exit 3"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 || out.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", exitErr.Code)
	}
	if exitErr.Stderr != "boom" {
		t.Errorf("Expected stderr 'boom', got %q", exitErr.Stderr)
	}
}

func TestRunHonoursContext(t *testing.T) {
	runner := New(nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := runner.Run(ctx, Command{Script: "sleep 5"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestRunEmptyCommand(t *testing.T) {
	runner := New(nil, zerolog.Nop())
	if _, err := runner.Run(context.Background(), Command{Script: "  "}); err == nil {
		t.Error("Expected error for empty command")
	}
}
