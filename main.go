package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/andi/reelflow/backend/config"
	"github.com/spf13/cobra"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

type commandContext struct {
	configFlag string
	config     *config.Config
}

// loadConfig reads the file named by --config, CONFIG_PATH or the default location
func (c *commandContext) loadConfig() (*config.Config, string, error) {
	if c.config != nil {
		return c.config, c.path(), nil
	}
	path := c.path()
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load configuration: %w", err)
	}
	c.config = cfg
	return cfg, path, nil
}

func (c *commandContext) path() string {
	if p := strings.TrimSpace(c.configFlag); p != "" {
		return p
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./config/config.yaml"
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "reelflow",
		Short:         "ReelFlow media production pipeline orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newPipelineCommand(ctx))
	rootCmd.AddCommand(newProjectCommand(ctx))

	return rootCmd
}
