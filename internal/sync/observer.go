package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

// safetyScanInterval bounds how long fsnotify's coalesced-event delivery can
// drift before a full rescan reconciles any events the watcher missed.
const safetyScanInterval = 5 * time.Minute

// FsWatcher abstracts filesystem event monitoring so tests can inject a fake.
// Satisfied by *fsnotify.Watcher via fsnotifyWrapper.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// ScanCounts summarizes the synthetic batch produced by a first-run
// initial_scan (or a corruption-triggered rescan).
type ScanCounts struct {
	Creates int
	Dirs    int
}

// Observer watches each configured watch root, diffs the live filesystem
// against the last persisted snapshot, and yields ChangeBatches — one per
// coalesced fsnotify notification, or one synthetic batch for a first scan.
type Observer struct {
	persistenceRoot string
	excluder        *Excluder
	logger          *slog.Logger

	watcherFactory func() (FsWatcher, error)
}

// NewObserver builds an Observer rooted at persistenceRoot (for snapshot
// storage), filtering entries through excluder.
func NewObserver(persistenceRoot string, excluder *Excluder, logger *slog.Logger) *Observer {
	return &Observer{
		persistenceRoot: persistenceRoot,
		excluder:        excluder,
		logger:          logger,
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// InitialScan walks root's filesystem, compares it against the persisted
// snapshot (if any), and returns the equivalent ChangeBatch plus summary
// counts. Used for one-shot/drain mode and to seed watch mode on startup.
// Absent or corrupted snapshots are treated identically: every entry is
// yielded as a create (new=true).
func (o *Observer) InitialScan(root WatchRoot) (ChangeBatch, ScanCounts, error) {
	if _, err := os.Stat(root.SourcePath); err != nil {
		return ChangeBatch{}, ScanCounts{}, fmt.Errorf("sync: watch root %s: %w", root.SourcePath, err)
	}

	path := snapshotPath(o.persistenceRoot, root)

	prior, err := loadSnapshot(path)
	if errors.Is(err, errSnapshotCorrupt) {
		o.logger.Warn("snapshot corrupted, performing full rescan", slog.String("root", root.SourcePath))

		prior = nil
	} else if err != nil {
		return ChangeBatch{}, ScanCounts{}, err
	}

	current, err := o.scanTree(root)
	if err != nil {
		return ChangeBatch{}, ScanCounts{}, err
	}

	batch := diffSnapshots(root, prior, current)

	counts := ScanCounts{}
	for _, ev := range batch.Events {
		if !ev.Exists {
			continue
		}

		counts.Creates++

		if ev.Type == EntryDir {
			counts.Dirs++
		}
	}

	return batch, counts, nil
}

// WriteSnapshot persists the current filesystem state for root. Called by
// the engine after the Classifier has accepted and enqueued a batch.
func (o *Observer) WriteSnapshot(root WatchRoot) error {
	current, err := o.scanTree(root)
	if err != nil {
		return err
	}

	return saveSnapshot(snapshotPath(o.persistenceRoot, root), current)
}

// ClearSnapshots removes every persisted snapshot for the given roots.
func (o *Observer) ClearSnapshots(roots []WatchRoot) error {
	for _, r := range roots {
		if err := clearSnapshot(snapshotPath(o.persistenceRoot, r)); err != nil {
			return err
		}
	}

	return nil
}

// CleanupOrphanSnapshots removes snapshot files belonging to watch roots no
// longer present in roots.
func (o *Observer) CleanupOrphanSnapshots(roots []WatchRoot) error {
	return cleanupOrphanSnapshots(o.persistenceRoot, roots, o.logger)
}

// Subscribe watches root for filesystem changes, invoking handler once per
// coalesced fsnotify notification with the corresponding ChangeBatch, plus
// periodically on a safety-scan timer. Blocks until ctx is canceled.
func (o *Observer) Subscribe(ctx context.Context, root WatchRoot, handler func(ChangeBatch) error) error {
	if _, err := os.Stat(root.SourcePath); err != nil {
		return fmt.Errorf("sync: watch root %s: %w", root.SourcePath, err)
	}

	watcher, err := o.watcherFactory()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := o.addWatchesRecursive(watcher, root.SourcePath); err != nil {
		return fmt.Errorf("sync: adding watches under %s: %w", root.SourcePath, err)
	}

	ticker := time.NewTicker(safetyScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					_ = o.addWatchesRecursive(watcher, ev.Name)
				}
			}

			if err := o.handleNotification(root, handler); err != nil {
				o.logger.Error("sync: observer batch handling failed",
					slog.String("root", root.SourcePath), slog.String("error", err.Error()))
			}

		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			o.logger.Error("sync: fsnotify error", slog.String("root", root.SourcePath),
				slog.String("error", err.Error()))

		case <-ticker.C:
			if err := o.handleNotification(root, handler); err != nil {
				o.logger.Error("sync: observer safety scan failed",
					slog.String("root", root.SourcePath), slog.String("error", err.Error()))
			}
		}
	}
}

// handleNotification diffs root against its last snapshot and, if anything
// changed, invokes handler with the whole batch as a single unit — never
// split across multiple handler calls, so the Classifier always sees
// delete/create pairs from the same underlying rename together.
func (o *Observer) handleNotification(root WatchRoot, handler func(ChangeBatch) error) error {
	path := snapshotPath(o.persistenceRoot, root)

	prior, err := loadSnapshot(path)
	if errors.Is(err, errSnapshotCorrupt) {
		o.logger.Warn("snapshot corrupted during watch, performing full rescan",
			slog.String("root", root.SourcePath))

		prior = nil
	} else if err != nil {
		return err
	}

	current, err := o.scanTree(root)
	if err != nil {
		return err
	}

	batch := diffSnapshots(root, prior, current)
	if len(batch.Events) == 0 {
		return nil
	}

	return handler(batch)
}

func (o *Observer) addWatchesRecursive(watcher FsWatcher, root string) error {
	return filepath.WalkDir(root, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			o.logger.Warn("sync: walk error during watch setup",
				slog.String("path", fsPath), slog.String("error", walkErr.Error()))

			return skipEntry(d)
		}

		if !d.IsDir() {
			return nil
		}

		rel, _ := filepath.Rel(root, fsPath)
		if rel != "." && o.excluder.Excluded(root, filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}

		if addErr := watcher.Add(fsPath); addErr != nil {
			o.logger.Warn("sync: failed to add watch",
				slog.String("path", fsPath), slog.String("error", addErr.Error()))
		}

		return nil
	})
}

// scanTree walks root.SourcePath and builds its current snapshot, skipping
// symlinks and excluded entries.
func (o *Observer) scanTree(root WatchRoot) (snapshot, error) {
	snap := make(snapshot)

	err := filepath.WalkDir(root.SourcePath, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			o.logger.Warn("sync: walk error", slog.String("path", fsPath), slog.String("error", walkErr.Error()))
			return skipEntry(d)
		}

		if fsPath == root.SourcePath {
			return nil
		}

		rel, err := filepath.Rel(root.SourcePath, fsPath)
		if err != nil {
			return fmt.Errorf("sync: relative path for %s: %w", fsPath, err)
		}

		relSlash := nfcNormalize(filepath.ToSlash(rel))

		if d.Type()&fs.ModeSymlink != 0 {
			return skipEntry(d)
		}

		if o.excluder.Excluded(root.SourcePath, relSlash) {
			return skipEntry(d)
		}

		info, err := d.Info()
		if err != nil {
			// Raced with a delete between readdir and stat; treat as absent.
			return nil //nolint:nilerr
		}

		entryType := EntryFile
		if d.IsDir() {
			entryType = EntryDir
		}

		snap[relSlash] = snapshotEntry{
			Size:    info.Size(),
			MtimeMs: info.ModTime().UnixMilli(),
			Ino:     inodeOf(info),
			Type:    entryType,
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sync: scanning %s: %w", root.SourcePath, err)
	}

	return snap, nil
}

// diffSnapshots computes the ChangeBatch between prior and current. Every
// entry present only in current is a create (new=true); every entry present
// only in prior is a delete (exists=false); entries present in both with
// differing size/mtime are updates.
func diffSnapshots(root WatchRoot, prior, current snapshot) ChangeBatch {
	batch := ChangeBatch{WatchRoot: root.SourcePath}

	for relPath, cur := range current {
		prev, existed := prior[relPath]

		switch {
		case !existed:
			batch.Events = append(batch.Events, ChangeEvent{
				RelPath: relPath, Size: cur.Size, MtimeMs: cur.MtimeMs,
				Ino: cur.Ino, Type: cur.Type, Exists: true, New: true,
			})
		case prev.Size != cur.Size || prev.MtimeMs != cur.MtimeMs:
			batch.Events = append(batch.Events, ChangeEvent{
				RelPath: relPath, Size: cur.Size, MtimeMs: cur.MtimeMs,
				Ino: cur.Ino, Type: cur.Type, Exists: true, New: false,
			})
		}
	}

	for relPath, prev := range prior {
		if _, stillPresent := current[relPath]; stillPresent {
			continue
		}

		batch.Events = append(batch.Events, ChangeEvent{
			RelPath: relPath, Ino: prev.Ino, Type: prev.Type, Exists: false, New: false,
		})
	}

	return batch
}

// nfcNormalize applies Unicode NFC normalization to a whole relative path so
// filesystems that store decomposed Unicode (e.g. HFS+) compare equal to
// composed forms seen elsewhere.
func nfcNormalize(s string) string {
	return norm.NFC.String(s)
}

// skipEntry returns filepath.SkipDir for directories or nil for files, used
// to continue a WalkDir after a recoverable per-entry error.
func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return filepath.SkipDir
	}

	return nil
}
