package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
)

// Executor drives a single claimed Job to completion against a RemoteDriver,
// then commits one of {synced, retry-scheduled, blocked} via the Queue. It
// performs no scheduling or concurrency control itself — see worker.go for
// the bounded task set that calls Process.
type Executor struct {
	queue     *Queue
	store     Store
	driver    RemoteDriver
	roots     *Roots
	excluder  *Excluder
	trashOnly bool
	logger    *slog.Logger
}

// NewExecutor builds an Executor. trashOnly selects remote_delete_behavior:
// true for "trash", false for "permanent".
func NewExecutor(queue *Queue, store Store, driver RemoteDriver, roots *Roots, excluder *Excluder, trashOnly bool, logger *slog.Logger) *Executor {
	return &Executor{
		queue: queue, store: store, driver: driver,
		roots: roots, excluder: excluder, trashOnly: trashOnly, logger: logger,
	}
}

// Process executes job's event against the Remote Driver and commits the
// outcome: SYNCED on success; a scheduled retry, a compensating
// delete-then-recreate, or BLOCKED depending on the classified failure.
func (e *Executor) Process(ctx context.Context, job *Job) {
	err := e.dispatch(ctx, job)
	if err == nil {
		if markErr := e.queue.MarkSynced(ctx, job.ID, job.LocalPath); markErr != nil {
			e.logger.Error("executor: failed to mark job synced",
				slog.Int64("id", job.ID), slog.String("error", markErr.Error()))
		}

		return
	}

	e.logger.Warn("executor: job failed",
		slog.Int64("id", job.ID), slog.String("event_type", string(job.EventType)),
		slog.String("local_path", job.LocalPath), slog.String("error", err.Error()))

	capExceeded, category, schedErr := e.queue.ScheduleRetry(ctx, job.ID, job.LocalPath, job.NRetries, err)
	if schedErr != nil {
		e.logger.Error("executor: failed to schedule retry",
			slog.Int64("id", job.ID), slog.String("error", schedErr.Error()))

		return
	}

	if !capExceeded {
		return
	}

	if category == CategoryReuploadNeeded {
		if compErr := e.compensate(ctx, job); compErr != nil {
			e.logger.Error("executor: compensating delete-then-recreate failed",
				slog.Int64("id", job.ID), slog.String("error", compErr.Error()))

			if blockErr := e.queue.MarkBlocked(ctx, job.ID, job.LocalPath, compErr.Error()); blockErr != nil {
				e.logger.Error("executor: failed to mark job blocked",
					slog.Int64("id", job.ID), slog.String("error", blockErr.Error()))
			}

			return
		}

		if markErr := e.queue.MarkSynced(ctx, job.ID, job.LocalPath); markErr != nil {
			e.logger.Error("executor: failed to mark job synced after compensation",
				slog.Int64("id", job.ID), slog.String("error", markErr.Error()))
		}

		return
	}

	if blockErr := e.queue.MarkBlocked(ctx, job.ID, job.LocalPath, err.Error()); blockErr != nil {
		e.logger.Error("executor: failed to mark job blocked",
			slog.Int64("id", job.ID), slog.String("error", blockErr.Error()))
	}
}

func (e *Executor) dispatch(ctx context.Context, job *Job) error {
	switch job.EventType {
	case EventCreateFile:
		return e.createFile(ctx, job)
	case EventCreateDir:
		return e.createDir(ctx, job)
	case EventUpdate:
		return e.update(ctx, job)
	case EventDelete:
		return e.delete(ctx, job)
	case EventRename:
		return e.rename(ctx, job)
	case EventMove:
		return e.move(ctx, job)
	case EventDeleteAndCreate:
		return e.deleteAndCreate(ctx, job)
	default:
		return fmt.Errorf("executor: unknown event type %q", job.EventType)
	}
}

// createFile uploads job.LocalPath's content as a new remote file, ensuring
// its parent folder chain exists first.
func (e *Executor) createFile(ctx context.Context, job *Job) error {
	f, err := os.Open(job.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrLocalVanished
		}

		return fmt.Errorf("executor: open %s: %w", job.LocalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("executor: stat %s: %w", job.LocalPath, err)
	}

	parentRemote := path.Dir(job.RemotePath)

	parentNodeUID, err := e.driver.EnsurePathFolders(ctx, parentRemote)
	if err != nil {
		return fmt.Errorf("executor: ensure parent folders %s: %w", parentRemote, err)
	}

	nodeUID, err := e.driver.CreateFile(ctx, parentNodeUID, path.Base(job.RemotePath), f, info.Size(), info.ModTime().UnixMilli())
	if err != nil {
		return fmt.Errorf("executor: create file %s: %w", job.RemotePath, err)
	}

	if err := e.store.UpsertNodeMapping(ctx, &NodeMapping{
		LocalPath: job.LocalPath, RemotePath: job.RemotePath,
		NodeUID: nodeUID, ParentNodeUID: parentNodeUID, IsDirectory: false,
	}); err != nil {
		return fmt.Errorf("executor: record mapping %s: %w", job.LocalPath, err)
	}

	if job.ChangeToken != "" {
		if err := e.store.SetChangeToken(ctx, job.LocalPath, job.ChangeToken); err != nil {
			return fmt.Errorf("executor: record token %s: %w", job.LocalPath, err)
		}
	}

	return nil
}

// createDir creates the remote folder, records its mapping, then bootstraps
// every child that isn't already in sync — this is how initial sync and
// post-rename recovery populate a newly materialized directory.
func (e *Executor) createDir(ctx context.Context, job *Job) error {
	parentRemote := path.Dir(job.RemotePath)

	parentNodeUID, err := e.driver.EnsurePathFolders(ctx, parentRemote)
	if err != nil {
		return fmt.Errorf("executor: ensure parent folders %s: %w", parentRemote, err)
	}

	nodeUID, err := e.driver.CreateFolder(ctx, parentNodeUID, path.Base(job.RemotePath))
	if err != nil {
		return fmt.Errorf("executor: create folder %s: %w", job.RemotePath, err)
	}

	if err := e.store.UpsertNodeMapping(ctx, &NodeMapping{
		LocalPath: job.LocalPath, RemotePath: job.RemotePath,
		NodeUID: nodeUID, ParentNodeUID: parentNodeUID, IsDirectory: true,
	}); err != nil {
		return fmt.Errorf("executor: record mapping %s: %w", job.LocalPath, err)
	}

	return e.enqueueChildren(ctx, job.LocalPath)
}

// enqueueChildren scans localDir and enqueues a create job for every child
// not already reflected by a matching ChangeToken (files) or NodeMapping
// (directories), skipping excluded entries.
func (e *Executor) enqueueChildren(ctx context.Context, localDir string) error {
	root, ok := e.roots.find(localDir)
	if !ok {
		return nil
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("executor: scan directory %s: %w", localDir, err)
	}

	for _, entry := range entries {
		childLocal := filepath.Join(localDir, entry.Name())

		rel, err := filepath.Rel(root.SourcePath, childLocal)
		if err != nil {
			continue
		}

		if e.excluder.Excluded(root.SourcePath, filepath.ToSlash(rel)) {
			continue
		}

		childRemote, ok := e.roots.RemotePath(childLocal)
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue // raced with a delete; the next scan picks it up
		}

		if entry.IsDir() {
			mapping, err := e.store.GetNodeMapping(ctx, childLocal)
			if err != nil {
				return fmt.Errorf("executor: lookup mapping %s: %w", childLocal, err)
			}

			if mapping != nil {
				continue
			}

			if _, err := e.queue.Enqueue(ctx, EnqueueParams{
				EventType: EventCreateDir, LocalPath: childLocal, RemotePath: childRemote,
			}); err != nil {
				return fmt.Errorf("executor: enqueue child dir %s: %w", childLocal, err)
			}

			continue
		}

		token := changeToken(info.ModTime().UnixMilli(), info.Size())

		stored, found, err := e.store.GetChangeToken(ctx, childLocal)
		if err != nil {
			return fmt.Errorf("executor: lookup token %s: %w", childLocal, err)
		}

		if found && stored == token {
			continue
		}

		if _, err := e.queue.Enqueue(ctx, EnqueueParams{
			EventType: EventCreateFile, LocalPath: childLocal, RemotePath: childRemote, ChangeToken: token,
		}); err != nil {
			return fmt.Errorf("executor: enqueue child file %s: %w", childLocal, err)
		}
	}

	return nil
}

// update uploads a new revision for an existing mapping, or falls back to a
// full create if no mapping exists yet.
func (e *Executor) update(ctx context.Context, job *Job) error {
	mapping, err := e.store.GetNodeMapping(ctx, job.LocalPath)
	if err != nil {
		return fmt.Errorf("executor: lookup mapping %s: %w", job.LocalPath, err)
	}

	if mapping == nil {
		return e.createFile(ctx, job)
	}

	f, err := os.Open(job.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrLocalVanished
		}

		return fmt.Errorf("executor: open %s: %w", job.LocalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("executor: stat %s: %w", job.LocalPath, err)
	}

	if err := e.driver.UploadRevision(ctx, mapping.NodeUID, f, info.Size(), info.ModTime().UnixMilli()); err != nil {
		return fmt.Errorf("executor: upload revision %s: %w", job.LocalPath, err)
	}

	if job.ChangeToken != "" {
		if err := e.store.SetChangeToken(ctx, job.LocalPath, job.ChangeToken); err != nil {
			return fmt.Errorf("executor: record token %s: %w", job.LocalPath, err)
		}
	}

	return nil
}

// delete removes the remote object. The Classifier already dropped this
// path's NodeMapping and ChangeToken at classify time, so there is nothing
// left for the Executor to clean up in the Store.
func (e *Executor) delete(ctx context.Context, job *Job) error {
	if _, err := e.driver.Delete(ctx, job.RemotePath, e.trashOnly); err != nil {
		return fmt.Errorf("executor: delete %s: %w", job.RemotePath, err)
	}

	return nil
}

// rename renames the remote node in place. The Classifier has already
// rewritten the NodeMapping's local_path key at classify time; this only
// needs to bring the driver and the mapping's remote_path field up to date.
func (e *Executor) rename(ctx context.Context, job *Job) error {
	mapping, err := e.store.GetNodeMapping(ctx, job.LocalPath)
	if err != nil {
		return fmt.Errorf("executor: lookup mapping %s: %w", job.LocalPath, err)
	}

	if mapping == nil {
		return fmt.Errorf("executor: rename %s: no node mapping", job.LocalPath)
	}

	if err := e.driver.Rename(ctx, mapping.NodeUID, path.Base(job.RemotePath)); err != nil {
		return fmt.Errorf("executor: rename %s: %w", job.OldRemotePath, err)
	}

	mapping.RemotePath = job.RemotePath

	if err := e.store.UpsertNodeMapping(ctx, mapping); err != nil {
		return fmt.Errorf("executor: update mapping %s: %w", job.LocalPath, err)
	}

	return nil
}

// move relocates the remote node to a new parent, creating that parent if
// necessary.
func (e *Executor) move(ctx context.Context, job *Job) error {
	mapping, err := e.store.GetNodeMapping(ctx, job.LocalPath)
	if err != nil {
		return fmt.Errorf("executor: lookup mapping %s: %w", job.LocalPath, err)
	}

	if mapping == nil {
		return fmt.Errorf("executor: move %s: no node mapping", job.LocalPath)
	}

	newParentRemote := path.Dir(job.RemotePath)

	newParentNodeUID, err := e.driver.EnsurePathFolders(ctx, newParentRemote)
	if err != nil {
		return fmt.Errorf("executor: ensure parent folders %s: %w", newParentRemote, err)
	}

	if err := e.driver.Move(ctx, mapping.NodeUID, newParentNodeUID, path.Base(job.RemotePath)); err != nil {
		return fmt.Errorf("executor: move %s: %w", job.OldRemotePath, err)
	}

	mapping.RemotePath = job.RemotePath
	mapping.ParentNodeUID = newParentNodeUID

	if err := e.store.UpsertNodeMapping(ctx, mapping); err != nil {
		return fmt.Errorf("executor: update mapping %s: %w", job.LocalPath, err)
	}

	return nil
}

// deleteAndCreate is how the system recovers from remote state-corruption
// errors: the stale node at oldRemotePath is deleted, then the current local
// content is created fresh at the new paths.
func (e *Executor) deleteAndCreate(ctx context.Context, job *Job) error {
	if job.OldRemotePath != "" {
		if _, err := e.driver.Delete(ctx, job.OldRemotePath, e.trashOnly); err != nil {
			return fmt.Errorf("executor: delete_and_create delete %s: %w", job.OldRemotePath, err)
		}
	}

	return e.createAtCurrentPath(ctx, job)
}

// compensate performs the same delete-then-recreate recovery deleteAndCreate
// does, but for a job whose own repeated REUPLOAD_NEEDED failures exceeded
// their retry cap rather than one the Classifier pre-planned.
func (e *Executor) compensate(ctx context.Context, job *Job) error {
	if _, err := e.driver.Delete(ctx, job.RemotePath, e.trashOnly); err != nil {
		return fmt.Errorf("executor: compensate delete %s: %w", job.RemotePath, err)
	}

	if err := e.store.DeleteNodeMapping(ctx, job.LocalPath); err != nil {
		return fmt.Errorf("executor: compensate clear mapping %s: %w", job.LocalPath, err)
	}

	if err := e.store.DeleteChangeToken(ctx, job.LocalPath); err != nil {
		return fmt.Errorf("executor: compensate clear token %s: %w", job.LocalPath, err)
	}

	return e.createAtCurrentPath(ctx, job)
}

// createAtCurrentPath creates job.LocalPath fresh at job.RemotePath,
// dispatching to the file or directory variant based on what's actually on
// disk right now.
func (e *Executor) createAtCurrentPath(ctx context.Context, job *Job) error {
	info, err := os.Stat(job.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrLocalVanished
		}

		return fmt.Errorf("executor: stat %s: %w", job.LocalPath, err)
	}

	if info.IsDir() {
		return e.createDir(ctx, job)
	}

	return e.createFile(ctx, job)
}
