package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/andi/reelflow/backend/api"
	"github.com/andi/reelflow/backend/config"
	"github.com/andi/reelflow/backend/database"
	"github.com/andi/reelflow/backend/engine"
	"github.com/andi/reelflow/backend/executor"
	"github.com/andi/reelflow/backend/logging"
	"github.com/andi/reelflow/backend/notify"
	"github.com/andi/reelflow/backend/scanner"
	"github.com/andi/reelflow/backend/scenes"
	"github.com/andi/reelflow/backend/watcher"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, path)
		},
	}
}

func runServer(parent context.Context, cfg *config.Config, cfgPath string) error {
	logger, err := logging.New(logging.Options{
		Dir:     cfg.Logging.Dir,
		AppLog:  cfg.Logging.AppLog,
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Logger

	log.Info().Msg("=== ReelFlow Starting ===")
	if _, err := os.Stat(cfgPath); err != nil {
		log.Warn().Str("path", cfgPath).Msg("configuration file not found, using defaults")
	} else {
		log.Info().Str("path", cfgPath).Msg("configuration loaded")
	}

	// One orchestrator per data directory keeps a single project running
	if err := os.MkdirAll(filepath.Dir(cfg.Server.LockFile), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	lock := flock.New(cfg.Server.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another reelflow instance holds %s", cfg.Server.LockFile)
	}
	defer lock.Unlock()

	content, registry, err := loadPipeline(cfg.Pipeline.File)
	if err != nil {
		return err
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	log.Info().Str("driver", db.Driver()).Msg("database initialized")

	store := database.NewStore(db)
	record, err := store.Pipelines.Record(parent, content)
	if err != nil {
		return fmt.Errorf("failed to record pipeline: %w", err)
	}
	log.Info().Str("pipeline", record.Name).Str("version", record.Version).Int("steps", registry.Len()).Msg("pipeline loaded")

	runner := executor.New(cfg.Tools.Env, log)
	sceneEngine, err := buildScenes(cfg, runner, store, log)
	if err != nil {
		return err
	}
	defer sceneEngine.Close()

	handlers := map[int]engine.StepFunc{}
	if composite := registry.Composite(); composite != nil {
		handlers[composite.Video.ID] = sceneEngine.VideoStep(composite)
	}

	hub := api.NewWebSocketHub(log)
	defer hub.Stop()

	eng, err := engine.New(engine.Config{
		Registry: registry,
		Store:    store,
		Notifier: notify.New(notify.Options{
			URL:     cfg.Notify.WebhookURL,
			Format:  cfg.Notify.Format,
			Title:   cfg.Notify.Title,
			Timeout: cfg.Notify.Timeout,
		}),
		Handlers:       handlers,
		Fallback:       engine.CommandStep(runner, cfg.Tools.Dir, cfg.Tools.WorkDir),
		Scenes:         sceneEngine,
		SettleInterval: cfg.Scheduler.SettleInterval,
		PollInterval:   cfg.Scheduler.PollInterval,
		NotifyTimeout:  cfg.Scheduler.NotifyTimeout,
		LogListener:    hub.BroadcastLog,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	if err := eng.Recover(parent); err != nil {
		return fmt.Errorf("failed to recover projects: %w", err)
	}

	if cfg.Inbox.Enabled {
		scan := scanner.New(db, eng, registry.Name(), log)
		watch, err := watcher.New(cfg.Inbox.Dir, scan, log)
		if err != nil {
			return fmt.Errorf("failed to initialize inbox watcher: %w", err)
		}
		if err := watch.Start(); err != nil {
			return fmt.Errorf("failed to start inbox watcher: %w", err)
		}
		defer watch.Stop()
	}

	accessLog, err := logger.OpenAccessLog(cfg.Logging.Dir)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open access log file, access logging disabled")
	}

	server := api.New(eng, store, hub, api.Options{
		AccessLog:    accessLog,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Pools:        sceneEngine.Pools,
		Logger:       log,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		fmt.Printf("ReelFlow server is running on http://%s\n", addr)
		if err := server.Start(addr); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-sigCtx.Done():
		log.Info().Msg("shutting down gracefully")
	}

	if err := server.Shutdown(); err != nil {
		log.Error().Err(err).Msg("error shutting down server")
	}
	// Persisted project status is left as is so the next start recovers the active project
	log.Info().Msg("shutdown complete")
	return nil
}

// buildScenes wires the command-backed image generator and video providers into the scene engine
func buildScenes(cfg *config.Config, runner *executor.Runner, variants scenes.VariantStore, logger zerolog.Logger) (*scenes.Engine, error) {
	primaryCfg, ok := cfg.PrimaryProvider()
	if !ok {
		return nil, errors.New("at least one video provider without fallback: true is required")
	}
	primary := scenes.Route{
		Provider: commandProvider(primaryCfg, runner, cfg.Tools.Dir),
		Pool:     scenes.NewPool(primaryCfg.Name, primaryCfg.Capacity),
	}

	var fallback *scenes.Route
	if fallbackCfg, ok := cfg.FallbackProvider(); ok {
		fallback = &scenes.Route{
			Provider: commandProvider(fallbackCfg, runner, cfg.Tools.Dir),
			Pool:     scenes.NewPool(fallbackCfg.Name, fallbackCfg.Capacity),
		}
	}

	router := scenes.NewVideoRouter(primary, fallback, scenes.Poller{
		Interval: cfg.Scenes.PollInterval,
		Timeout:  cfg.Scenes.PollTimeout,
	}, logger)

	images := &scenes.CommandImageGenerator{
		Runner:   runner,
		Script:   cfg.Scenes.ImageCommand,
		ToolsDir: cfg.Tools.Dir,
	}

	return scenes.New(scenes.Config{
		Workers:          cfg.Scenes.Workers,
		ImageConcurrency: cfg.Scenes.ImageConcurrency,
		RetryPasses:      cfg.Scenes.RetryPasses,
		Variants:         cfg.Scenes.Variants,
		WorkRoot:         cfg.Tools.WorkDir,
	}, images, router, variants, logger)
}

func commandProvider(p config.Provider, runner *executor.Runner, toolsDir string) *scenes.CommandVideoProvider {
	return &scenes.CommandVideoProvider{
		ProviderName: p.Name,
		Runner:       runner,
		Script:       p.Command,
		StatusScript: p.StatusCommand,
		ToolsDir:     toolsDir,
	}
}
