package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume syncing after a pause",
		Long: `Clears any pause set by "pause" and lets the job queue proceed
immediately. If a sync --watch daemon is running, it receives a SIGHUP so it
notices the change without waiting for its next poll.`,
		Args: cobra.NoArgs,
		RunE: runResume,
	}
}

func runResume(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	store, err := openControlStore(cmd.Context(), cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	paused, _, err := store.GetPaused(cmd.Context())
	if err != nil {
		return fmt.Errorf("checking pause state: %w", err)
	}

	if !paused {
		cc.Statusf("Not paused\n")

		return nil
	}

	if err := store.SetPaused(cmd.Context(), false, 0); err != nil {
		return fmt.Errorf("resuming: %w", err)
	}

	cc.Statusf("Resumed\n")

	notifyDaemon(cc.Flags.Quiet)

	return nil
}
