package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRetryAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-all",
		Short: "Make retry-scheduled jobs eligible now",
		Long: `Moves the retry time of every PENDING job whose retry is scheduled in
the future to now, making it immediately eligible for another attempt.
Use this after fixing the underlying cause of a run of failures (a network
outage, a moved file) rather than waiting out their individual backoff
schedules. BLOCKED jobs are not touched and stay BLOCKED.

If a sync --watch daemon is running, it receives a SIGHUP so it picks the
jobs back up without waiting for its next poll.`,
		Args: cobra.NoArgs,
		RunE: runRetryAll,
	}
}

func runRetryAll(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	store, err := openControlStore(cmd.Context(), cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.RetryAllNow(cmd.Context(), time.Now())
	if err != nil {
		return fmt.Errorf("retrying jobs: %w", err)
	}

	if n == 0 {
		cc.Statusf("No retry-scheduled jobs found\n")

		return nil
	}

	cc.Statusf("Made %d retry-scheduled job(s) eligible now\n", n)

	notifyDaemon(cc.Flags.Quiet)

	return nil
}
