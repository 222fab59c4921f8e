package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/protonsync/protondrive-sync/internal/config"
	protonsync "github.com/protonsync/protondrive-sync/internal/sync"
)

// stateFileName is the SQLite database file, placed in the data directory.
const stateFileName = "state.db"

func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync configured directories to Proton Drive",
		Long: `Runs one pass over every configured sync_dir: scan, classify, and drain
the job queue, then exit. With --watch, stays resident, watching for
filesystem changes and daemonizing via a PID file until stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "run continuously, watching for filesystem changes")

	return cmd
}

// buildEngineConfig translates the resolved CLI config into an
// internal/sync.EngineConfig, wiring the Remote Driver seam.
func buildEngineConfig(cfg *config.Config, logger *slog.Logger) (*protonsync.EngineConfig, error) {
	driver, _, err := newRemoteDriver(logger)
	if err != nil {
		return nil, err
	}

	roots := make([]protonsync.WatchRoot, len(cfg.SyncDirs))
	for i, d := range cfg.SyncDirs {
		roots[i] = protonsync.WatchRoot{SourcePath: d.SourcePath, RemoteRoot: d.RemoteRoot}
	}

	dataDir := config.DefaultDataDir()
	if dataDir == "" {
		return nil, fmt.Errorf("could not determine data directory")
	}

	return &protonsync.EngineConfig{
		DBPath:          filepath.Join(dataDir, stateFileName),
		PersistenceRoot: dataDir,
		Roots:           roots,
		ExcludePatterns: cfg.ExcludePatterns,
		Concurrency:     cfg.SyncConcurrency,
		TrashOnly:       cfg.RemoteDelete == config.DeleteTrash,
		Driver:          driver,
		Logger:          logger,
	}, nil
}

func runSync(cmd *cobra.Command, watch bool) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	if len(cc.Config.SyncDirs) == 0 {
		return fmt.Errorf("no sync_dir entries configured")
	}

	ecfg, err := buildEngineConfig(cc.Config, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(ecfg.PersistenceRoot, pidDirPermissions); err != nil {
		return fmt.Errorf("creating persistence root: %w", err)
	}

	engine, err := protonsync.NewEngine(cmd.Context(), ecfg)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Close()

	if !watch {
		cc.Statusf("Running one-shot sync over %s...\n", directoryCount(len(ecfg.Roots)))

		return engine.RunDrain(cmd.Context())
	}

	return runWatchDaemon(cmd.Context(), engine, cc, ecfg)
}

// runWatchDaemon writes the PID file, installs the graceful-shutdown
// context, starts the SIGHUP config-reload listener, and runs the Engine's
// continuous watch loop until signaled.
func runWatchDaemon(ctx context.Context, engine *protonsync.Engine, cc *CLIContext, ecfg *protonsync.EngineConfig) error {
	pidPath := config.PIDFilePath()

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	cc.Statusf("Watching %s for changes (PID %d)...\n", directoryCount(len(ecfg.Roots)), os.Getpid())

	runCtx := shutdownContext(ctx, cc.Logger)

	holder := config.NewHolder(cc.Config, cc.Flags.ConfigPath)
	stopReload := watchConfigReload(runCtx, holder, engine, cc.Logger)
	defer stopReload()

	return engine.RunWatch(runCtx)
}

// watchConfigReload listens for SIGHUP and, on each one, reloads the config
// file through holder and applies it to engine via ConfigReload — the
// pause/resume/retry-all commands' "Notified running daemon to reload
// config" message is this handler firing. Returns a stop function that
// releases the signal subscription.
func watchConfigReload(ctx context.Context, holder *config.Holder, engine *protonsync.Engine, logger *slog.Logger) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				reloadConfigOnce(ctx, holder, engine, logger)
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		<-done
	}
}

// reloadConfigOnce reloads the config file, swaps it into holder, and
// applies it to the engine. Logs and keeps the old config on error — a
// malformed edit mid-reload should never take down a running daemon.
func reloadConfigOnce(ctx context.Context, holder *config.Holder, engine *protonsync.Engine, logger *slog.Logger) {
	cfg, err := config.LoadOrDefault(holder.Path(), logger)
	if err != nil {
		logger.Error("sighup: config reload failed, keeping previous config", slog.String("error", err.Error()))
		return
	}

	ecfg, err := buildEngineConfig(cfg, logger)
	if err != nil {
		logger.Error("sighup: building engine config failed, keeping previous config", slog.String("error", err.Error()))
		return
	}

	if err := engine.ConfigReload(ctx, ecfg); err != nil {
		logger.Error("sighup: engine config reload failed", slog.String("error", err.Error()))
		return
	}

	holder.Update(cfg)

	logger.Info("sighup: config reloaded")
}

func directoryCount(n int) string {
	if n == 1 {
		return "1 directory"
	}

	return fmt.Sprintf("%d directories", n)
}
