package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/protonsync/protondrive-sync/internal/config"
)

// EngineConfig holds everything NewEngine needs to assemble one Engine: a
// single Store/Observer/Classifier/Queue/Executor/Worker stack driving one
// Remote Driver session across every configured watch root.
type EngineConfig struct {
	DBPath          string
	PersistenceRoot string
	Roots           []WatchRoot
	ExcludePatterns []config.ExcludeEntry
	Concurrency     int
	TrashOnly       bool
	Driver          RemoteDriver
	Logger          *slog.Logger
}

// Engine wires the Observer, Classifier, Queue, Executor, and Worker around
// one Store and drives the three lifecycle modes: drain (one-shot), watch
// (continuous), and the pause/resume/retry-all/config-reload control plane.
type Engine struct {
	store  Store
	roots  *Roots
	excl   *Excluder
	obs    *Observer
	cls    *Classifier
	queue  *Queue
	exec   *Executor
	worker *Worker

	persistenceRoot string
	logger          *slog.Logger

	mu           sync.Mutex
	watchCancels map[string]context.CancelFunc
	watchWG      sync.WaitGroup
}

// NewEngine builds an Engine. It opens (and migrates) the state database but
// performs no scans or subscriptions — call Startup or RunWatch/RunDrain for
// that.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	store, err := NewStore(ctx, cfg.DBPath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("sync: engine: open store: %w", err)
	}

	roots := NewRoots(cfg.Roots)
	excl := NewExcluder(cfg.ExcludePatterns, cfg.Logger)
	obs := NewObserver(cfg.PersistenceRoot, excl, cfg.Logger)
	queue := NewQueue(store, cfg.Logger, roots.UnderAnyRoot)
	cls := NewClassifier(store, roots, cfg.Logger)
	exec := NewExecutor(queue, store, cfg.Driver, roots, excl, cfg.TrashOnly, cfg.Logger)
	worker := NewWorker(queue, exec, store, cfg.Concurrency, cfg.Logger)

	return &Engine{
		store: store, roots: roots, excl: excl,
		obs: obs, cls: cls, queue: queue, exec: exec, worker: worker,
		persistenceRoot: cfg.PersistenceRoot,
		logger:          cfg.Logger,
		watchCancels:    make(map[string]context.CancelFunc),
	}, nil
}

// Close releases the underlying database handle. Safe to call after
// RunWatch/RunDrain have returned.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Startup runs the orphan sweeps and an initial_scan/classify/snapshot pass
// over every configured watch root — the common prefix of both drain and
// watch mode.
func (e *Engine) Startup(ctx context.Context) error {
	cycleID := uuid.New().String()
	roots := e.roots.List()

	if _, err := e.queue.CleanupOrphans(ctx); err != nil {
		return fmt.Errorf("sync: engine: cleanup_orphans: %w", err)
	}

	if err := e.obs.CleanupOrphanSnapshots(roots); err != nil {
		e.logger.Warn("sync: engine: orphan snapshot cleanup failed", slog.String("error", err.Error()))
	}

	for _, root := range roots {
		if err := e.scanAndClassify(ctx, cycleID, root); err != nil {
			return err
		}
	}

	return nil
}

// scanAndClassify runs initial_scan for root, classifies the resulting
// batch, and writes the fresh snapshot — the unit of work repeated at
// startup for every watch root and after every watch-mode notification.
// cycleID ties every log line from one Startup call together so a multi-root
// run can be followed through an aggregated log stream.
func (e *Engine) scanAndClassify(ctx context.Context, cycleID string, root WatchRoot) error {
	batch, counts, err := e.obs.InitialScan(root)
	if err != nil {
		return fmt.Errorf("sync: engine: initial_scan %q: %w", root.SourcePath, err)
	}

	e.logger.Info("sync: engine: initial scan complete",
		slog.String("cycle_id", cycleID),
		slog.String("root", root.SourcePath),
		slog.Int("creates", counts.Creates),
		slog.Int("dirs", counts.Dirs),
		slog.Int("events", len(batch.Events)),
	)

	if _, err := e.cls.Process(ctx, batch); err != nil {
		return fmt.Errorf("sync: engine: classify %q: %w", root.SourcePath, err)
	}

	if err := e.obs.WriteSnapshot(root); err != nil {
		return fmt.Errorf("sync: engine: write snapshot %q: %w", root.SourcePath, err)
	}

	return nil
}

// RunDrain runs Startup followed by one-shot drain mode: next_pending
// interleaved with C-parallel dispatch until no tasks are active and no job
// is eligible now. Jobs scheduled for a later retry are not waited for; they
// remain PENDING when RunDrain returns.
func (e *Engine) RunDrain(ctx context.Context) error {
	if err := e.Startup(ctx); err != nil {
		return err
	}

	return e.worker.Drain(ctx)
}

// RunWatch runs Startup, then subscribes to every watch root for
// notifications (each feeding the Classifier and a fresh snapshot write),
// and runs the Worker's continuous loop. Blocks until ctx is canceled.
func (e *Engine) RunWatch(ctx context.Context) error {
	if err := e.Startup(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	for _, root := range e.roots.List() {
		e.startWatch(ctx, root)
	}
	e.mu.Unlock()

	err := e.worker.Run(ctx)

	e.mu.Lock()
	for source, cancel := range e.watchCancels {
		cancel()
		delete(e.watchCancels, source)
	}
	e.mu.Unlock()

	e.watchWG.Wait()

	return err
}

// startWatch subscribes to root's filesystem notifications in its own
// goroutine, feeding every batch through classify-then-snapshot. Must be
// called with e.mu held.
func (e *Engine) startWatch(parent context.Context, root WatchRoot) {
	ctx, cancel := context.WithCancel(parent)
	e.watchCancels[root.SourcePath] = cancel

	e.watchWG.Add(1)

	go func() {
		defer e.watchWG.Done()

		err := e.obs.Subscribe(ctx, root, func(batch ChangeBatch) error {
			cycleID := uuid.New().String()

			e.logger.Debug("sync: engine: watch notification",
				slog.String("cycle_id", cycleID),
				slog.String("root", root.SourcePath),
				slog.Int("events", len(batch.Events)),
			)

			if _, err := e.cls.Process(ctx, batch); err != nil {
				return err
			}

			return e.obs.WriteSnapshot(root)
		})
		if err != nil && ctx.Err() == nil {
			e.logger.Error("sync: engine: watch subscription exited",
				slog.String("root", root.SourcePath),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Pause sets the process-global pause flag. The Worker's loop continues to
// heartbeat but stops draining jobs; already in-flight tasks run to
// completion. until is a Unix nanosecond timestamp for a timed pause, or 0
// for an indefinite one.
func (e *Engine) Pause(ctx context.Context, until int64) error {
	if err := e.store.SetPaused(ctx, true, until); err != nil {
		return fmt.Errorf("sync: engine: pause: %w", err)
	}

	e.logger.Info("sync: engine: paused", slog.Int64("until", until))

	return nil
}

// Resume clears the pause flag immediately.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.store.SetPaused(ctx, false, 0); err != nil {
		return fmt.Errorf("sync: engine: resume: %w", err)
	}

	e.logger.Info("sync: engine: resumed")
	e.worker.signal()

	return nil
}

// RetryAll moves every future-scheduled PENDING job's retryAt to now.
// BLOCKED jobs are left untouched — they require explicit re-enqueue.
func (e *Engine) RetryAll(ctx context.Context) (int64, error) {
	n, err := e.queue.RetryAllNow(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: engine: retry_all: %w", err)
	}

	e.worker.signal()

	return n, nil
}

// ConfigReload applies a live config change: retunes the Worker's
// concurrency, updates the watch roots and exclude patterns in place (so
// Classifier/Executor/Queue, which hold the same *Roots/*Excluder pointers,
// observe the change without reconstruction), tears down and re-establishes
// every watch-mode subscription against the new root set, and re-runs the
// orphan sweeps so rows/snapshots from a removed root are cleaned up.
//
// watchCtx is the parent context watch subscriptions run under; pass the
// same context RunWatch was called with, or nil in drain mode, which has no
// standing subscriptions to rebuild.
func (e *Engine) ConfigReload(watchCtx context.Context, cfg *EngineConfig) error {
	e.worker.SetConcurrency(cfg.Concurrency)

	e.roots.Update(cfg.Roots)
	e.excl.Update(cfg.ExcludePatterns)

	if watchCtx != nil {
		e.mu.Lock()

		for source, cancel := range e.watchCancels {
			cancel()
			delete(e.watchCancels, source)
		}

		e.mu.Unlock()
		e.watchWG.Wait()

		e.mu.Lock()
		for _, root := range e.roots.List() {
			e.startWatch(watchCtx, root)
		}
		e.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.queue.CleanupOrphans(ctx); err != nil {
		return fmt.Errorf("sync: engine: config reload cleanup_orphans: %w", err)
	}

	if err := e.obs.CleanupOrphanSnapshots(e.roots.List()); err != nil {
		e.logger.Warn("sync: engine: config reload orphan snapshot cleanup failed",
			slog.String("error", err.Error()))
	}

	e.logger.Info("sync: engine: config reload applied",
		slog.Int("concurrency", cfg.Concurrency),
		slog.Int("roots", len(cfg.Roots)),
	)

	return nil
}
