package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/protonsync/protondrive-sync/internal/config"
	protonsync "github.com/protonsync/protondrive-sync/internal/sync"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [duration]",
		Short: "Pause syncing",
		Long: `Pause the job queue. An optional duration argument (e.g. "2h", "30m",
"1d") schedules automatic resume after the interval; without one, syncing
stays paused until "resume" is run.

If a sync --watch daemon is running, it receives a SIGHUP so its heartbeat
picks up the new state immediately.

Examples:
  protondrive-sync pause
  protondrive-sync pause 2h
  protondrive-sync pause 1d`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPause,
	}
}

func runPause(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	store, err := openControlStore(cmd.Context(), cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var until int64

	if len(args) > 0 {
		d, err := parseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}

		until = protonsync.ToUnixNano(time.Now().Add(d))
	}

	if err := store.SetPaused(cmd.Context(), true, until); err != nil {
		return fmt.Errorf("pausing: %w", err)
	}

	if until != 0 {
		cc.Statusf("Paused until %s\n", time.Unix(0, until).Format(time.RFC3339))
	} else {
		cc.Statusf("Paused\n")
	}

	notifyDaemon(cc.Flags.Quiet)

	return nil
}

// openControlStore opens the state database for a lightweight control-plane
// command (pause/resume/retry-all/status) without constructing a full
// Engine — these commands never touch the Remote Driver.
func openControlStore(ctx context.Context, logger *slog.Logger) (*protonsync.SQLiteStore, error) {
	dataDir := config.DefaultDataDir()
	if dataDir == "" {
		return nil, fmt.Errorf("could not determine data directory")
	}

	return protonsync.NewStore(ctx, filepath.Join(dataDir, stateFileName), logger)
}

// notifyDaemon attempts to send SIGHUP to a running sync --watch daemon.
// Non-fatal: if no daemon is running, prints a note instead.
func notifyDaemon(quiet bool) {
	pidPath := config.PIDFilePath()
	if pidPath == "" {
		return
	}

	if err := sendSIGHUP(pidPath); err != nil {
		statusf(quiet, "Note: %v — changes take effect on next daemon start\n", err)
	} else {
		statusf(quiet, "Notified running daemon to reload config\n")
	}
}

// hoursPerDay is used to convert day durations to hours.
const hoursPerDay = 24

// durationPattern matches durations like "30m", "2h", "1d", "1h30m".
var durationPattern = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// durationComponentPattern pulls out each numeric+unit component in turn.
var durationComponentPattern = regexp.MustCompile(`(\d+)([dhms])`)

// parseDuration parses a human-friendly duration string. Supports Go duration
// syntax (e.g., "2h30m") plus a "d" suffix for days (converted to 24h).
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("duration must be positive")
		}

		return d, nil
	}

	if s == "" || !durationPattern.MatchString(s) {
		return 0, fmt.Errorf("expected format like 30m, 2h, 1d, or 1h30m")
	}

	var total time.Duration

	for _, match := range durationComponentPattern.FindAllStringSubmatch(s, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", match[1], err)
		}

		switch match[2] {
		case "d":
			total += time.Duration(n) * hoursPerDay * time.Hour
		case "h":
			total += time.Duration(n) * time.Hour
		case "m":
			total += time.Duration(n) * time.Minute
		case "s":
			total += time.Duration(n) * time.Second
		}
	}

	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}

	return total, nil
}
