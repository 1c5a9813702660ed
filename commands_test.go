package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderTable(t *testing.T) {
	if got := renderTable(nil, nil); got != "" {
		t.Fatalf("expected empty output without headers, got %q", got)
	}

	out := renderTable([]string{"ID", "Name"}, [][]string{{"1", "script"}, {"2"}}, 0)
	for _, want := range []string{"ID", "NAME", "script", "2"} {
		if !strings.Contains(strings.ToUpper(out), strings.ToUpper(want)) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestLoadPipelineDefault(t *testing.T) {
	content, registry, err := loadPipeline("")
	if err != nil {
		t.Fatalf("loadPipeline failed: %v", err)
	}
	if content == "" {
		t.Fatal("expected built-in definition text")
	}
	if registry.Name() != "short-video" {
		t.Errorf("unexpected pipeline name %q", registry.Name())
	}
	if registry.Composite() == nil {
		t.Error("built-in pipeline should declare the image/video pair")
	}
}

func TestLoadPipelineMissingFile(t *testing.T) {
	if _, _, err := loadPipeline(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing pipeline file")
	}
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPipelineCheckBuiltin(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	out, err := executeCommand(t, "--config", cfgPath, "pipeline", "check")
	if err != nil {
		t.Fatalf("pipeline check failed: %v", err)
	}
	if !strings.Contains(out, "Pipeline short-video version 3 (built-in)") {
		t.Errorf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, "composite") {
		t.Errorf("expected the video step to be listed as composite:\n%s", out)
	}
}

func TestPipelineCheckInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	content := "name: broken\nversion: \"1\"\nsteps:\n  - id: 1\n    name: a\n    depends_on: [2]\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := executeCommand(t, "--config", writeConfig(t, dir), "pipeline", "check", path); err == nil {
		t.Fatal("expected validation error for unknown dependency")
	}
}

func TestProjectImportAndList(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	projectFile := filepath.Join(dir, "demo.yaml")
	if err := os.WriteFile(projectFile, []byte("name: Demo Reel\npriority: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "--config", cfgPath, "project", "import", projectFile)
	if err != nil {
		t.Fatalf("import failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, `Project "Demo Reel" queued`) {
		t.Errorf("unexpected import output:\n%s", out)
	}

	out, err = executeCommand(t, "--config", cfgPath, "project", "import", projectFile)
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if !strings.Contains(out, "already imported") {
		t.Errorf("expected duplicate import to be skipped:\n%s", out)
	}

	out, err = executeCommand(t, "--config", cfgPath, "project", "list", "--status", "queued")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "Demo Reel") || !strings.Contains(out, "queued") {
		t.Errorf("expected queued project in list:\n%s", out)
	}

	out, err = executeCommand(t, "--config", cfgPath, "project", "list", "--status", "running")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No projects") {
		t.Errorf("expected empty list:\n%s", out)
	}
}

func TestProjectImportNoQueue(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	projectFile := filepath.Join(dir, "draft.yml")
	if err := os.WriteFile(projectFile, []byte("name: Draft\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "--config", cfgPath, "project", "import", "--no-queue", projectFile)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !strings.Contains(out, `Project "Draft" created`) {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = executeCommand(t, "--config", cfgPath, "project", "list", "--status", "config")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "Draft") {
		t.Errorf("expected project to stay in config:\n%s", out)
	}
}

func TestProjectImportMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := executeCommand(t, "--config", writeConfig(t, dir), "project", "import", filepath.Join(dir, "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing file error, got %v", err)
	}
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("database:\n  path: %s\nlogging:\n  dir: %s\n",
		filepath.Join(dir, "reelflow.db"), filepath.Join(dir, "logs"))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
