package sync

import (
	"context"
	"log/slog"
	"time"
)

// guardTimeout bounds how long a PROCESSING job may hold its processing-guard
// row before NextPending considers it abandoned and resets it to PENDING.
const guardTimeout = 2 * time.Minute

// EnqueueParams describes a job to enqueue. It mirrors Job but omits the
// fields the Queue itself computes (status, retry bookkeeping, timestamps).
type EnqueueParams struct {
	EventType     EventType
	LocalPath     string
	RemotePath    string
	OldLocalPath  string
	OldRemotePath string
	ChangeToken   string
}

// Queue wraps a Store with the durable job-queue operations the Classifier
// and Executor use: enqueue, dequeue, and the terminal transitions.
type Queue struct {
	store  Store
	logger *slog.Logger

	// underWatchRoot reports whether localPath currently falls under one of
	// the engine's configured watch roots. Enqueue rejects anything outside
	// this set so a stale or just-removed watch root's in-flight events
	// can't leak a job into the queue after the config no longer covers it.
	underWatchRoot func(localPath string) bool
}

// NewQueue builds a Queue backed by store, using underWatchRoot to validate
// enqueue requests against the live watch-root configuration.
func NewQueue(store Store, logger *slog.Logger, underWatchRoot func(localPath string) bool) *Queue {
	return &Queue{store: store, logger: logger, underWatchRoot: underWatchRoot}
}

// Enqueue upserts a job keyed by (LocalPath, RemotePath). An existing job
// for the same key is overwritten back to a fresh PENDING state — this is
// how a rapid sequence of local edits collapses into a single pending job
// rather than piling up duplicates. Silently rejects paths that no longer
// fall under any configured watch root.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (int64, error) {
	if !q.underWatchRoot(p.LocalPath) {
		q.logger.Debug("enqueue rejected: path not under any watch root",
			slog.String("local_path", p.LocalPath))

		return 0, nil
	}

	now := NowNano()

	j := &Job{
		EventType:     p.EventType,
		LocalPath:     p.LocalPath,
		RemotePath:    p.RemotePath,
		OldLocalPath:  p.OldLocalPath,
		OldRemotePath: p.OldRemotePath,
		Status:        StatusPending,
		NRetries:      0,
		RetryAt:       now,
		ChangeToken:   p.ChangeToken,
		LastError:     "",
	}

	id, err := q.store.UpsertJob(ctx, j)
	if err != nil {
		return 0, err
	}

	q.logger.Debug("job enqueued",
		slog.Int64("id", id), slog.String("event_type", string(p.EventType)),
		slog.String("local_path", p.LocalPath), slog.String("remote_path", p.RemotePath))

	return id, nil
}

// NextPending claims and returns the next eligible PENDING job, or (nil, nil)
// if the queue is empty.
func (q *Queue) NextPending(ctx context.Context) (*Job, error) {
	return q.store.NextPending(ctx, time.Now(), guardTimeout)
}

// MarkSynced transitions a job to its terminal success state.
func (q *Queue) MarkSynced(ctx context.Context, id int64, localPath string) error {
	return q.store.MarkSynced(ctx, id, localPath)
}

// MarkBlocked transitions a job to its terminal failure state.
func (q *Queue) MarkBlocked(ctx context.Context, id int64, localPath, errMsg string) error {
	q.logger.Warn("job blocked", slog.Int64("id", id), slog.String("local_path", localPath),
		slog.String("error", errMsg))

	return q.store.MarkBlocked(ctx, id, localPath, errMsg)
}

// ScheduleRetry classifies err, computes the next backoff delay for the
// job's updated retry count, and returns the job to PENDING. The returned
// bool reports whether the caller has exhausted the category's retry cap
// and should block (or, for REUPLOAD_NEEDED, compensate) instead.
func (q *Queue) ScheduleRetry(ctx context.Context, id int64, localPath string, nRetries int, err error) (capExceeded bool, category ErrorCategory, retErr error) {
	cat := classify(err)
	nRetries++

	maxRetries := retryCap(cat)
	if maxRetries >= 0 && nRetries > maxRetries {
		return true, cat, nil
	}

	delay := nextRetryDelay(cat, nRetries)
	retryAt := time.Now().Add(delay)

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if err := q.store.ScheduleRetry(ctx, id, localPath, nRetries, retryAt, msg); err != nil {
		return false, cat, err
	}

	q.logger.Info("job scheduled for retry",
		slog.Int64("id", id), slog.String("category", string(cat)),
		slog.Int("n_retries", nRetries), slog.Duration("delay", delay))

	return false, cat, nil
}

// RetryAllNow pulls forward every future-scheduled PENDING job's retryAt to
// now. BLOCKED jobs are untouched — see sqlRetryAllNow's comment in state.go.
func (q *Queue) RetryAllNow(ctx context.Context) (int64, error) {
	return q.store.RetryAllNow(ctx, time.Now())
}

// CleanupOrphans resets abandoned PROCESSING jobs, truncates the processing
// guard, and drops queue/mapping/token state for paths no longer watched.
// Called at startup before the Observer's initial scan, and again on every
// config reload.
func (q *Queue) CleanupOrphans(ctx context.Context) (int64, error) {
	n, err := q.store.CleanupOrphans(ctx, q.underWatchRoot)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		q.logger.Info("cleaned up orphaned jobs", slog.Int64("count", n))
	}

	return n, nil
}

// GCSynced removes SYNCED jobs older than 24 hours, bounding table growth.
func (q *Queue) GCSynced(ctx context.Context) (int64, error) {
	return q.store.GCSynced(ctx, time.Now().Add(-24*time.Hour))
}
