package sync_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	protonsync "github.com/protonsync/protondrive-sync/internal/sync"
	"github.com/protonsync/protondrive-sync/testutil"
)

func newWorkerHarness(t *testing.T, concurrency int) (*protonsync.Worker, *protonsync.Queue, protonsync.Store, string) {
	t.Helper()

	logger := testHarnessLogger(t)

	store, err := protonsync.NewStore(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srcDir := t.TempDir()
	root := protonsync.WatchRoot{SourcePath: srcDir, RemoteRoot: "/remote"}
	roots := protonsync.NewRoots([]protonsync.WatchRoot{root})
	excl := protonsync.NewExcluder(nil, logger)

	queue := protonsync.NewQueue(store, logger, roots.UnderAnyRoot)
	driver := testutil.NewFakeRemoteDriver()
	exec := protonsync.NewExecutor(queue, store, driver, roots, excl, false, logger)
	worker := protonsync.NewWorker(queue, exec, store, concurrency, logger)

	return worker, queue, store, srcDir
}

func TestWorker_DrainProcessesAllPendingJobsThenReturns(t *testing.T) {
	t.Parallel()

	worker, queue, store, srcDir := newWorkerHarness(t, 2)
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), []byte("data"), 0o644))

		_, err := queue.Enqueue(ctx, protonsync.EnqueueParams{
			EventType: protonsync.EventCreateFile,
			LocalPath: filepath.Join(srcDir, name), RemotePath: "/remote/" + name,
		})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- worker.Drain(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Drain did not return once the queue emptied")
	}

	counts, err := store.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts[protonsync.StatusSynced])
	assert.Zero(t, counts[protonsync.StatusPending])
}

func TestWorker_SetConcurrencyClampsToAtLeastOne(t *testing.T) {
	t.Parallel()

	worker, _, _, _ := newWorkerHarness(t, 4)

	assert.NotPanics(t, func() {
		worker.SetConcurrency(0)
		worker.SetConcurrency(-3)
	})
}

func TestWorker_RunStopsPromptlyOnContextCancel(t *testing.T) {
	t.Parallel()

	worker, queue, _, srcDir := newWorkerHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("data"), 0o644))
	_, err := queue.Enqueue(ctx, protonsync.EnqueueParams{
		EventType: protonsync.EventCreateFile,
		LocalPath: filepath.Join(srcDir, "a.txt"), RemotePath: "/remote/a.txt",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	// Give the loop a moment to pick up and finish the seeded job before
	// asking it to stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within its shutdown budget after cancellation")
	}
}
