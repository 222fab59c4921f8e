package sync_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	protonsync "github.com/protonsync/protondrive-sync/internal/sync"
	"github.com/protonsync/protondrive-sync/testutil"
)

// newTestEngine builds an Engine backed by dbPath (":memory:" is fine unless
// the test needs to reopen the store after the Engine closes) and a fresh
// FakeRemoteDriver, watching a single temp directory rooted at "/remote".
// This is the harness that gives testutil.FakeRemoteDriver teeth against a
// real Engine, not just the lower-level Queue/Executor pieces.
func newTestEngine(t *testing.T, dbPath string, driver *testutil.FakeRemoteDriver) (*protonsync.Engine, string) {
	t.Helper()

	srcDir := t.TempDir()

	engine, err := protonsync.NewEngine(context.Background(), &protonsync.EngineConfig{
		DBPath:          dbPath,
		PersistenceRoot: t.TempDir(),
		Roots:           []protonsync.WatchRoot{{SourcePath: srcDir, RemoteRoot: "/remote"}},
		Concurrency:     2,
		Driver:          driver,
		Logger:          testHarnessLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return engine, srcDir
}

func TestEngine_FirstRunSyncsSingleFile(t *testing.T) {
	t.Parallel()

	driver := testutil.NewFakeRemoteDriver()
	engine, srcDir := newTestEngine(t, ":memory:", driver)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0o644))

	require.NoError(t, engine.RunDrain(ctx))

	remoteUID, err := driver.EnsurePathFolders(ctx, "/remote")
	require.NoError(t, err)

	children, err := driver.ListChildren(ctx, remoteUID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "a.txt", children[0].Name)
}

func TestEngine_RenameIsSyncedAsRenameNotDeleteAndCreate(t *testing.T) {
	t.Parallel()

	driver := testutil.NewFakeRemoteDriver()
	engine, srcDir := newTestEngine(t, ":memory:", driver)
	ctx := context.Background()

	oldPath := filepath.Join(srcDir, "old.txt")
	newPath := filepath.Join(srcDir, "new.txt")

	require.NoError(t, os.WriteFile(oldPath, []byte("hello"), 0o644))
	require.NoError(t, engine.RunDrain(ctx))

	require.NoError(t, os.Rename(oldPath, newPath))
	require.NoError(t, engine.RunDrain(ctx))

	remoteUID, err := driver.EnsurePathFolders(ctx, "/remote")
	require.NoError(t, err)

	children, err := driver.ListChildren(ctx, remoteUID)
	require.NoError(t, err)
	require.Len(t, children, 1, "a pure rename reuses the existing remote node instead of deleting and re-creating")
	assert.Equal(t, "new.txt", children[0].Name)
}

func TestEngine_RenameWithContentChangeReplacesRemoteNode(t *testing.T) {
	t.Parallel()

	driver := testutil.NewFakeRemoteDriver()
	engine, srcDir := newTestEngine(t, ":memory:", driver)
	ctx := context.Background()

	oldPath := filepath.Join(srcDir, "old.txt")
	newPath := filepath.Join(srcDir, "new.txt")

	require.NoError(t, os.WriteFile(oldPath, []byte("hello"), 0o644))
	require.NoError(t, engine.RunDrain(ctx))

	require.NoError(t, os.Rename(oldPath, newPath))
	require.NoError(t, os.WriteFile(newPath, []byte("a much longer replacement body"), 0o644))
	require.NoError(t, engine.RunDrain(ctx))

	remoteUID, err := driver.EnsurePathFolders(ctx, "/remote")
	require.NoError(t, err)

	children, err := driver.ListChildren(ctx, remoteUID)
	require.NoError(t, err)
	require.Len(t, children, 1, "content changed underneath the rename, so the old node is deleted and a fresh one created")
	assert.Equal(t, "new.txt", children[0].Name)
}

func TestEngine_DirectoryRenameCoversChildren(t *testing.T) {
	t.Parallel()

	driver := testutil.NewFakeRemoteDriver()
	engine, srcDir := newTestEngine(t, ":memory:", driver)
	ctx := context.Background()

	oldDir := filepath.Join(srcDir, "olddir")
	newDir := filepath.Join(srcDir, "newdir")

	require.NoError(t, os.Mkdir(oldDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "child.txt"), []byte("hello"), 0o644))
	require.NoError(t, engine.RunDrain(ctx))

	require.NoError(t, os.Rename(oldDir, newDir))
	require.NoError(t, engine.RunDrain(ctx))

	remoteUID, err := driver.EnsurePathFolders(ctx, "/remote")
	require.NoError(t, err)

	children, err := driver.ListChildren(ctx, remoteUID)
	require.NoError(t, err)
	require.Len(t, children, 1, "only the renamed directory should appear under /remote")
	assert.Equal(t, "newdir", children[0].Name)

	dirChildren, err := driver.ListChildren(ctx, children[0].NodeUID)
	require.NoError(t, err)
	require.Len(t, dirChildren, 1)
	assert.Equal(t, "child.txt", dirChildren[0].Name, "the child moved along with its directory without a separate job")
}

func TestEngine_NetworkFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	driver := testutil.NewFakeRemoteDriver()

	failedOnce := false
	driver.Fail = func(method, remotePath string) error {
		if method == "CreateFile" && !failedOnce {
			failedOnce = true
			return errors.New("connection reset by peer")
		}
		return nil
	}

	engine, srcDir := newTestEngine(t, ":memory:", driver)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0o644))

	require.NoError(t, engine.RunDrain(ctx))

	n, err := engine.RetryAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the job that failed on its first attempt is still PENDING, just scheduled in the future")

	require.NoError(t, engine.RunDrain(ctx))

	remoteUID, err := driver.EnsurePathFolders(ctx, "/remote")
	require.NoError(t, err)

	children, err := driver.ListChildren(ctx, remoteUID)
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestEngine_AuthFailureBlocksJobImmediately(t *testing.T) {
	t.Parallel()

	driver := testutil.NewFakeRemoteDriver()
	driver.Fail = func(method, remotePath string) error {
		if method == "CreateFile" {
			return errors.New("re-authentication required")
		}
		return nil
	}

	dbPath := filepath.Join(t.TempDir(), "state.db")

	engine, srcDir := newTestEngine(t, dbPath, driver)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0o644))

	require.NoError(t, engine.RunDrain(ctx))
	require.NoError(t, engine.Close())

	store, err := protonsync.NewStore(ctx, dbPath, testHarnessLogger(t))
	require.NoError(t, err)
	defer store.Close()

	blocked, err := store.ListBlockedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, blocked, 1, "AUTH failures have a zero-retry cap and should block on the first attempt")
}
