package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParamEnvPrefix prefixes project params exported to step commands
const ParamEnvPrefix = "REELFLOW_PARAM_"

// maxLoggedOutput caps how much stderr is copied into an error message
const maxLoggedOutput = 2048

// Variables holds the placeholder values available to command templates
type Variables struct {
	ProjectID string
	StepID    int
	StepName  string
	WorkDir   string
	ToolsDir  string
	Feedback  string
	Attempt   int
	// Extra placeholders, e.g. scene_id and image_path for provider commands
	Extra map[string]string
}

// SubstituteVariables replaces ${{ name }} placeholders in a command template
func SubstituteVariables(template string, vars Variables) string {
	result := template

	replacements := map[string]string{
		"${{ project_id }}": vars.ProjectID,
		"${{ step_id }}":    strconv.Itoa(vars.StepID),
		"${{ step_name }}":  vars.StepName,
		"${{ work_dir }}":   vars.WorkDir,
		"${{ tools_dir }}":  vars.ToolsDir,
		"${{ feedback }}":   vars.Feedback,
		"${{ attempt }}":    strconv.Itoa(vars.Attempt),
	}
	for name, value := range vars.Extra {
		replacements["${{ "+name+" }}"] = value
	}

	for placeholder, value := range replacements {
		result = strings.ReplaceAll(result, placeholder, value)
	}

	return result
}

// ParamsEnv converts project params into REELFLOW_PARAM_* variables
func ParamsEnv(params map[string]string) map[string]string {
	env := make(map[string]string, len(params))
	for key, value := range params {
		name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(key))
		env[ParamEnvPrefix+name] = value
	}
	return env
}

// Command describes one shell invocation
type Command struct {
	Script string
	Vars   Variables
	Env    map[string]string
	Dir    string
}

// Output captures what a finished command produced
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ExitError is returned when the command exits non-zero
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with code %d", e.Code)
	}
	return fmt.Sprintf("command exited with code %d: %s", e.Code, e.Stderr)
}

// Runner executes command templates through sh -c
type Runner struct {
	globalEnv map[string]string
	logger    zerolog.Logger
}

// New creates a new command runner. globalEnv is added to every command's environment.
func New(globalEnv map[string]string, logger zerolog.Logger) *Runner {
	return &Runner{
		globalEnv: globalEnv,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Run substitutes variables and runs the command until it exits or ctx is done
func (r *Runner) Run(ctx context.Context, c Command) (*Output, error) {
	if strings.TrimSpace(c.Script) == "" {
		return nil, errors.New("empty command")
	}

	command := SubstituteVariables(c.Script, c.Vars)
	r.logger.Debug().
		Str("project", c.Vars.ProjectID).
		Int("step", c.Vars.StepID).
		Str("command", command).
		Msg("running command")

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
		cmd.Dir = c.Dir
	}

	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, sortedEnv(r.globalEnv)...)
	cmd.Env = append(cmd.Env, sortedEnv(c.Env)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, &ExitError{Code: out.ExitCode, Stderr: truncate(strings.TrimSpace(stderr.String()))}
		}
		return out, fmt.Errorf("failed to run command: %w", err)
	}

	return out, nil
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, fmt.Sprintf("%s=%s", key, env[key]))
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxLoggedOutput {
		return s
	}
	return s[len(s)-maxLoggedOutput:]
}
