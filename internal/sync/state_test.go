package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_UpsertJobAndGetByPaths(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job := &Job{
		EventType:  EventCreateFile,
		LocalPath:  "/src/a.txt",
		RemotePath: "/remote/a.txt",
		Status:     StatusPending,
	}

	id, err := store.UpsertJob(ctx, job)
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := store.GetJobByPaths(ctx, "/src/a.txt", "/remote/a.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStore_UpsertJobOverwritesSameKey(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first := &Job{EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a", Status: StatusPending}
	id1, err := store.UpsertJob(ctx, first)
	require.NoError(t, err)

	second := &Job{EventType: EventUpdate, LocalPath: "/a", RemotePath: "/r/a", Status: StatusPending}
	id2, err := store.UpsertJob(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "upsert on the same (local_path, remote_path) key should reuse the row")

	got, err := store.GetJobByPaths(ctx, "/a", "/r/a")
	require.NoError(t, err)
	assert.Equal(t, EventUpdate, got.EventType)
}

func TestStore_GetJobByPathsMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	got, err := store.GetJobByPaths(context.Background(), "/nope", "/r/nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_NextPendingClaimsOldestEligible(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a", Status: StatusPending})
	require.NoError(t, err)

	_, err = store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/b", RemotePath: "/r/b", Status: StatusPending})
	require.NoError(t, err)

	job, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "/a", job.LocalPath, "oldest job should be claimed first")
	assert.Equal(t, StatusProcessing, job.Status)

	// Claimed job must not be handed out again while its guard row stands.
	next, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "/b", next.LocalPath)

	none, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_NextPendingRespectsRetryAt(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)

	id, err := store.UpsertJob(ctx, &Job{
		EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a",
		Status: StatusPending, RetryAt: ToUnixNano(future),
	})
	require.NoError(t, err)
	_ = id

	job, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	assert.Nil(t, job, "a job scheduled in the future should not be eligible yet")
}

func TestStore_NextPendingSweepsStaleGuard(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a", Status: StatusPending})
	require.NoError(t, err)

	claimed, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The guard timeout is relative to "now" passed to NextPending, so
	// calling it again far enough in the future treats the existing guard
	// row as abandoned and sweeps it back to PENDING for reclaim.
	later := time.Now().Add(guardTimeout + time.Minute)

	reclaimed, err := store.NextPending(ctx, later, guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "/a", reclaimed.LocalPath)
}

func TestStore_MarkSyncedReleasesGuard(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a", Status: StatusPending})
	require.NoError(t, err)

	job, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, store.MarkSynced(ctx, job.ID, job.LocalPath))

	got, err := store.GetJobByPaths(ctx, "/a", "/r/a")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, got.Status)

	// Guard released: the same path can be claimed again via a fresh upsert.
	_, err = store.UpsertJob(ctx, &Job{EventType: EventUpdate, LocalPath: "/a", RemotePath: "/r/a", Status: StatusPending})
	require.NoError(t, err)

	next, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, next)
}

func TestStore_MarkBlockedReleasesGuard(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a", Status: StatusPending})
	require.NoError(t, err)

	job, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, store.MarkBlocked(ctx, job.ID, job.LocalPath, "permanent failure"))

	got, err := store.GetJobByPaths(ctx, "/a", "/r/a")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.Status)
	assert.Equal(t, "permanent failure", got.LastError)
}

func TestStore_ScheduleRetry(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a", Status: StatusPending})
	require.NoError(t, err)

	job, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, job)

	retryAt := time.Now().Add(time.Minute)
	require.NoError(t, store.ScheduleRetry(ctx, job.ID, job.LocalPath, 1, retryAt, "connection reset"))

	got, err := store.GetJobByPaths(ctx, "/a", "/r/a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.NRetries)
	assert.Equal(t, "connection reset", got.LastError)

	// Released guard, but retryAt is in the future so it isn't claimable yet.
	none, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_RetryAllNowPullsForwardPendingOnly(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	future := ToUnixNano(time.Now().Add(time.Hour))

	_, err := store.UpsertJob(ctx, &Job{
		EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a",
		Status: StatusPending, RetryAt: future,
	})
	require.NoError(t, err)

	blockedID, err := store.UpsertJob(ctx, &Job{
		EventType: EventCreateFile, LocalPath: "/b", RemotePath: "/r/b",
		Status: StatusBlocked, RetryAt: future,
	})
	require.NoError(t, err)

	n, err := store.RetryAllNow(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "only the PENDING job should be pulled forward")

	pending, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "/a", pending.LocalPath)

	blocked, err := store.GetJobByPaths(ctx, "/b", "/r/b")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, blocked.Status, "BLOCKED jobs are left untouched by retry_all")
	assert.Equal(t, blockedID, blocked.ID)
}

func TestStore_CleanupOrphans(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/watched/a", RemotePath: "/r/a", Status: StatusPending})
	require.NoError(t, err)

	_, err = store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/removed/b", RemotePath: "/r/b", Status: StatusPending})
	require.NoError(t, err)

	// Leave one job claimed (PROCESSING) to verify the guard gets swept too.
	_, err = store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/watched/c", RemotePath: "/r/c", Status: StatusPending})
	require.NoError(t, err)

	claimed, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.UpsertNodeMapping(ctx, &NodeMapping{LocalPath: "/removed/b", RemotePath: "/r/b", NodeUID: "uid-b"}))
	require.NoError(t, store.SetChangeToken(ctx, "/removed/b", "1:1"))

	underWatchRoot := func(p string) bool {
		return p == "/watched/a" || p == "/watched/c"
	}

	removed, err := store.CleanupOrphans(ctx, underWatchRoot)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	gone, err := store.GetJobByPaths(ctx, "/removed/b", "/r/b")
	require.NoError(t, err)
	assert.Nil(t, gone, "orphaned job should be deleted")

	mapping, err := store.GetNodeMapping(ctx, "/removed/b")
	require.NoError(t, err)
	assert.Nil(t, mapping, "orphaned node mapping should be deleted")

	token, found, err := store.GetChangeToken(ctx, "/removed/b")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, token)

	// The previously-PROCESSING job for a still-watched path should have
	// been reset to PENDING and be claimable again.
	stillThere, err := store.NextPending(ctx, time.Now(), guardTimeout)
	require.NoError(t, err)
	require.NotNil(t, stillThere)
}

func TestStore_GCSynced(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a", Status: StatusSynced})
	require.NoError(t, err)

	n, err := store.GCSynced(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "job updated after the cutoff should not be collected")

	n, err = store.GCSynced(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := store.GetJobByPaths(ctx, "/a", "/r/a")
	require.NoError(t, err)
	assert.Nil(t, got)
	_ = id
}

func TestStore_CountJobsByStatusAndListBlocked(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/a", RemotePath: "/r/a", Status: StatusPending})
	require.NoError(t, err)

	_, err = store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/b", RemotePath: "/r/b", Status: StatusBlocked, LastError: "auth"})
	require.NoError(t, err)

	_, err = store.UpsertJob(ctx, &Job{EventType: EventCreateFile, LocalPath: "/c", RemotePath: "/r/c", Status: StatusBlocked, LastError: "auth2"})
	require.NoError(t, err)

	counts, err := store.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[StatusPending])
	assert.EqualValues(t, 2, counts[StatusBlocked])

	blocked, err := store.ListBlockedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, blocked, 2)

	limited, err := store.ListBlockedJobs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_NodeMappingCRUD(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetNodeMapping(ctx, "/a")
	require.NoError(t, err)
	assert.Nil(t, missing)

	m := &NodeMapping{LocalPath: "/a", RemotePath: "/r/a", NodeUID: "uid-1", ParentNodeUID: "uid-root", IsDirectory: false}
	require.NoError(t, store.UpsertNodeMapping(ctx, m))

	got, err := store.GetNodeMapping(ctx, "/a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "uid-1", got.NodeUID)
	assert.False(t, got.IsDirectory)

	m.NodeUID = "uid-2"
	m.IsDirectory = true
	require.NoError(t, store.UpsertNodeMapping(ctx, m))

	got, err = store.GetNodeMapping(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "uid-2", got.NodeUID)
	assert.True(t, got.IsDirectory)

	require.NoError(t, store.DeleteNodeMapping(ctx, "/a"))

	got, err = store.GetNodeMapping(ctx, "/a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_NodeMappingUnderPrefix(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNodeMapping(ctx, &NodeMapping{LocalPath: "/dir", RemotePath: "/r/dir", NodeUID: "d"}))
	require.NoError(t, store.UpsertNodeMapping(ctx, &NodeMapping{LocalPath: "/dir/child", RemotePath: "/r/dir/child", NodeUID: "c"}))
	require.NoError(t, store.UpsertNodeMapping(ctx, &NodeMapping{LocalPath: "/dirOther", RemotePath: "/r/dirOther", NodeUID: "o"}))

	require.NoError(t, store.DeleteNodeMappingsUnderPrefix(ctx, "/dir"))

	gone, err := store.GetNodeMapping(ctx, "/dir")
	require.NoError(t, err)
	assert.Nil(t, gone)

	goneChild, err := store.GetNodeMapping(ctx, "/dir/child")
	require.NoError(t, err)
	assert.Nil(t, goneChild)

	other, err := store.GetNodeMapping(ctx, "/dirOther")
	require.NoError(t, err)
	assert.NotNil(t, other, "a sibling path sharing the prefix as a string, not a path segment, must survive")
}

func TestStore_RewriteNodeMappingPrefix(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNodeMapping(ctx, &NodeMapping{LocalPath: "/old", RemotePath: "/r/old", NodeUID: "d"}))
	require.NoError(t, store.UpsertNodeMapping(ctx, &NodeMapping{LocalPath: "/old/child", RemotePath: "/r/old/child", NodeUID: "c"}))

	require.NoError(t, store.RewriteNodeMappingPrefix(ctx, "/old", "/new"))

	renamed, err := store.GetNodeMapping(ctx, "/new")
	require.NoError(t, err)
	require.NotNil(t, renamed)
	assert.Equal(t, "d", renamed.NodeUID)

	renamedChild, err := store.GetNodeMapping(ctx, "/new/child")
	require.NoError(t, err)
	require.NotNil(t, renamedChild)
	assert.Equal(t, "c", renamedChild.NodeUID)

	gone, err := store.GetNodeMapping(ctx, "/old")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestStore_ChangeTokenCRUD(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.GetChangeToken(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetChangeToken(ctx, "/a", "100:5"))

	token, found, err := store.GetChangeToken(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "100:5", token)

	require.NoError(t, store.SetChangeToken(ctx, "/a", "200:10"))

	token, _, err = store.GetChangeToken(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "200:10", token)

	require.NoError(t, store.DeleteChangeToken(ctx, "/a"))

	_, found, err = store.GetChangeToken(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_ChangeTokenUnderPrefixAndRewrite(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetChangeToken(ctx, "/dir/a", "1:1"))
	require.NoError(t, store.SetChangeToken(ctx, "/dir/b", "2:2"))
	require.NoError(t, store.SetChangeToken(ctx, "/other", "3:3"))

	require.NoError(t, store.RewriteChangeTokenPrefix(ctx, "/dir", "/moved"))

	token, found, err := store.GetChangeToken(ctx, "/moved/a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1:1", token)

	require.NoError(t, store.DeleteChangeTokensUnderPrefix(ctx, "/moved"))

	_, found, err = store.GetChangeToken(ctx, "/moved/b")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = store.GetChangeToken(ctx, "/other")
	require.NoError(t, err)
	assert.True(t, found, "a path sharing the prefix as a string, not a segment, must survive")
}

func TestStore_PauseControlPlane(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	paused, until, err := store.GetPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
	assert.Zero(t, until)

	deadline := NowNano() + int64(time.Hour)
	require.NoError(t, store.SetPaused(ctx, true, deadline))

	paused, until, err = store.GetPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, deadline, until)

	require.NoError(t, store.SetPaused(ctx, false, 0))

	paused, _, err = store.GetPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestStore_ApplyClassifierEventRenameRewritesMappingAndToken(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNodeMapping(ctx, &NodeMapping{LocalPath: "/old.txt", RemotePath: "/r/old.txt", NodeUID: "uid-1"}))
	require.NoError(t, store.SetChangeToken(ctx, "/old.txt", "1:1"))

	id, err := store.ApplyClassifierEvent(ctx, ClassifierEvent{
		Job: &Job{
			EventType: EventRename, LocalPath: "/new.txt", RemotePath: "/r/new.txt",
			OldLocalPath: "/old.txt", OldRemotePath: "/r/old.txt", Status: StatusPending,
		},
		RewriteMappingPrefix: &PrefixRewrite{Old: "/old.txt", New: "/new.txt"},
		RewriteTokenPrefix:   &PrefixRewrite{Old: "/old.txt", New: "/new.txt"},
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	mapping, err := store.GetNodeMapping(ctx, "/new.txt")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "uid-1", mapping.NodeUID)

	token, found, err := store.GetChangeToken(ctx, "/new.txt")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1:1", token)

	job, err := store.GetJobByPaths(ctx, "/new.txt", "/r/new.txt")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, EventRename, job.EventType)
}

func TestStore_ApplyClassifierEventDeleteAndCreateClearsOldState(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNodeMapping(ctx, &NodeMapping{LocalPath: "/old.txt", RemotePath: "/r/old.txt", NodeUID: "uid-1"}))
	require.NoError(t, store.SetChangeToken(ctx, "/old.txt", "1:1"))

	_, err := store.ApplyClassifierEvent(ctx, ClassifierEvent{
		Job: &Job{
			EventType: EventDeleteAndCreate, LocalPath: "/new.txt", RemotePath: "/r/new.txt",
			OldLocalPath: "/old.txt", OldRemotePath: "/r/old.txt", Status: StatusPending,
		},
		DeleteMappingPrefix: "/old.txt",
		DeleteTokenPrefix:   "/old.txt",
	})
	require.NoError(t, err)

	mapping, err := store.GetNodeMapping(ctx, "/old.txt")
	require.NoError(t, err)
	assert.Nil(t, mapping)

	_, found, err := store.GetChangeToken(ctx, "/old.txt")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_CheckpointAndClose(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	require.NoError(t, store.Checkpoint())
}
