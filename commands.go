package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andi/reelflow/backend/database"
	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/pipeline"
	"github.com/andi/reelflow/backend/scanner"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// loadPipeline returns the definition text and its registry. An empty path selects the built-in pipeline.
func loadPipeline(path string) (string, *pipeline.Registry, error) {
	content := pipeline.DefaultYAML()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read pipeline file: %w", err)
		}
		content = string(data)
	}

	def, err := pipeline.Parse(content)
	if err != nil {
		return "", nil, err
	}
	registry, err := def.Build()
	if err != nil {
		return "", nil, err
	}
	return content, registry, nil
}

func newPipelineCommand(ctx *commandContext) *cobra.Command {
	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect pipeline definitions",
	}

	pipelineCmd.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Validate a pipeline file and print its steps in order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else if cfg, _, err := ctx.loadConfig(); err == nil {
				path = cfg.Pipeline.File
			}

			def, registry, err := pipeline.LoadFile(path)
			if err != nil {
				return err
			}

			source := path
			if source == "" {
				source = "built-in"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s version %s (%s): %d steps\n", def.Name, def.Version, source, registry.Len())

			rows := make([][]string, 0, registry.Len())
			for _, id := range registry.OrderedIDs() {
				step, err := registry.Get(id)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					strconv.Itoa(step.ID),
					step.Name,
					joinIDs(step.DependsOn),
					step.ParallelGroup,
					stepKind(registry, step),
					strconv.Itoa(step.MaxRetries),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Step", "Depends on", "Group", "Kind", "Retries"}, rows, 0, 5))
			return nil
		},
	})

	return pipelineCmd
}

func stepKind(registry *pipeline.Registry, step *pipeline.Step) string {
	switch {
	case registry.IsComposite(step.ID):
		return "composite"
	case step.Run != "":
		return "command"
	default:
		return "handler"
	}
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

func newProjectCommand(ctx *commandContext) *cobra.Command {
	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects without the HTTP API",
	}
	projectCmd.AddCommand(newProjectImportCommand(ctx))
	projectCmd.AddCommand(newProjectListCommand(ctx))
	return projectCmd
}

// queueOnly queues imported projects; a running server promotes them when the active slot frees up
type queueOnly struct {
	store *database.Store
}

func (q queueOnly) RequestStart(ctx context.Context, projectID string) (bool, error) {
	return false, q.store.WriteProjectStatus(ctx, projectID, models.ProjectStatusQueued)
}

func newProjectImportCommand(ctx *commandContext) *cobra.Command {
	var noQueue bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Create a project from a YAML file and queue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absPath, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			info, err := os.Stat(absPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("file does not exist: %s", absPath)
				}
				return fmt.Errorf("inspect file: %w", err)
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", absPath)
			}

			cfg, _, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			_, registry, err := loadPipeline(cfg.Pipeline.File)
			if err != nil {
				return err
			}

			db, err := database.New(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			var starter scanner.Starter
			if !noQueue {
				starter = queueOnly{store: database.NewStore(db)}
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).Level(zerolog.WarnLevel)
			scan := scanner.New(db, starter, registry.Name(), logger)

			project, err := scan.ImportFile(cmd.Context(), absPath)
			if err != nil {
				return err
			}
			if project == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was already imported\n", filepath.Base(absPath))
				return nil
			}

			state := "queued"
			if noQueue {
				state = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project %q %s as %s\n", project.Name, state, project.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noQueue, "no-queue", false, "Create the project without queueing it")
	return cmd
}

func newProjectListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			db, err := database.New(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			projects, err := database.NewProjectRepo(db).List(cmd.Context(), status, limit, 0)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No projects")
				return nil
			}

			rows := make([][]string, 0, len(projects))
			for _, p := range projects {
				rows = append(rows, []string{
					p.ID,
					p.Name,
					p.Status,
					strconv.Itoa(p.Priority),
					p.CreatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Name", "Status", "Priority", "Created"}, rows, 3))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list projects in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of projects")
	return cmd
}
