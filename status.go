package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	protonsync "github.com/protonsync/protondrive-sync/internal/sync"
)

// maxBlockedJobsShown caps how many BLOCKED jobs the status command lists,
// to keep the output readable when a large batch fails the same way.
const maxBlockedJobsShown = 50

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job queue status",
		Long: `Reports how many jobs are in each queue state and lists any BLOCKED
jobs that need manual attention (exhausted retries or a permanent failure
such as an authentication error). With --json, emits a single machine-
readable object instead of the table.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusReport is the --json shape for the status command.
type statusReport struct {
	Paused  bool             `json:"paused"`
	Until   string           `json:"paused_until,omitempty"`
	Counts  map[string]int64 `json:"counts"`
	Blocked []blockedJobJSON `json:"blocked"`
}

type blockedJobJSON struct {
	LocalPath string `json:"local_path"`
	EventType string `json:"event_type"`
	NRetries  int    `json:"n_retries"`
	LastError string `json:"last_error"`
	UpdatedAt string `json:"updated_at"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openControlStore(ctx, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	paused, until, err := store.GetPaused(ctx)
	if err != nil {
		return fmt.Errorf("reading pause state: %w", err)
	}

	counts, err := store.CountJobsByStatus(ctx)
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}

	blocked, err := store.ListBlockedJobs(ctx, maxBlockedJobsShown)
	if err != nil {
		return fmt.Errorf("listing blocked jobs: %w", err)
	}

	if cc.Flags.JSON {
		return printStatusJSON(paused, until, counts, blocked)
	}

	printStatusTable(paused, until, counts, blocked)

	return nil
}

func printStatusJSON(paused bool, until int64, counts map[protonsync.JobStatus]int64, blocked []*protonsync.Job) error {
	report := statusReport{
		Paused: paused,
		Counts: make(map[string]int64, len(counts)),
	}

	if until != 0 {
		report.Until = time.Unix(0, until).Format(time.RFC3339)
	}

	for status, n := range counts {
		report.Counts[string(status)] = n
	}

	for _, j := range blocked {
		report.Blocked = append(report.Blocked, blockedJobJSON{
			LocalPath: j.LocalPath,
			EventType: string(j.EventType),
			NRetries:  j.NRetries,
			LastError: j.LastError,
			UpdatedAt: time.Unix(0, j.UpdatedAt).Format(time.RFC3339),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(report)
}

func printStatusTable(paused bool, until int64, counts map[protonsync.JobStatus]int64, blocked []*protonsync.Job) {
	if paused {
		if until != 0 {
			fmt.Printf("Paused until %s\n\n", formatTime(time.Unix(0, until)))
		} else {
			fmt.Printf("Paused\n\n")
		}
	}

	statuses := []protonsync.JobStatus{
		protonsync.StatusPending,
		protonsync.StatusProcessing,
		protonsync.StatusSynced,
		protonsync.StatusBlocked,
	}

	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, []string{string(s), fmt.Sprintf("%d", counts[s])})
	}

	printTable(os.Stdout, []string{"STATUS", "COUNT"}, rows)

	if len(blocked) == 0 {
		return
	}

	fmt.Printf("\nBlocked jobs:\n")

	blockedRows := make([][]string, 0, len(blocked))
	for _, j := range blocked {
		blockedRows = append(blockedRows, []string{
			j.LocalPath,
			string(j.EventType),
			fmt.Sprintf("%d", j.NRetries),
			formatTime(time.Unix(0, j.UpdatedAt)),
			truncateError(j.LastError),
		})
	}

	printTable(os.Stdout, []string{"PATH", "EVENT", "RETRIES", "UPDATED", "LAST ERROR"}, blockedRows)
}

// maxErrorLen bounds how much of a job's last error the table view shows.
const maxErrorLen = 80

func truncateError(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}

	return s[:maxErrorLen-1] + "…"
}
