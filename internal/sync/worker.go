package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"
)

// pollInterval bounds how long the Worker waits between top-up passes when
// nothing else wakes it sooner.
const pollInterval = 10 * time.Second

// shutdownBudget is how long the Worker waits for in-flight tasks to finish
// once asked to stop before abandoning them to the next startup's orphan
// sweep.
const shutdownBudget = 5 * time.Second

// Worker owns the bounded task set described in the concurrency model: up to
// C concurrently in-flight Executor.Process calls, topped up every
// pollInterval or immediately after a task completes.
type Worker struct {
	queue    *Queue
	executor *Executor
	store    Store
	logger   *slog.Logger

	concurrency atomic.Int32
	inFlight    atomic.Int32

	wake chan struct{}
	wg   stdsync.WaitGroup
}

// NewWorker builds a Worker with initial concurrency c (clamped to at least 1).
func NewWorker(queue *Queue, executor *Executor, store Store, c int, logger *slog.Logger) *Worker {
	w := &Worker{
		queue: queue, executor: executor, store: store, logger: logger,
		wake: make(chan struct{}, 1),
	}

	w.SetConcurrency(c)

	return w
}

// SetConcurrency retunes C at runtime, applied the next time the loop tops
// up the task set — a config-reload changing sync_concurrency takes effect
// without restarting the Worker.
func (w *Worker) SetConcurrency(c int) {
	if c < 1 {
		c = 1
	}

	w.concurrency.Store(int32(c))
	w.signal()
}

// signal wakes Run's loop immediately instead of waiting for the next poll
// tick, used after a task completes or concurrency changes.
func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run is the continuous watch-mode loop: at the top of every iteration it
// checks the pause flag, then tops up the task set, then waits for either
// the poll ticker or a completion signal. Blocks until ctx is canceled, at
// which point it stops spawning new tasks and waits up to shutdownBudget for
// in-flight ones before returning — any task still running at the deadline
// is abandoned; its job row remains PROCESSING for the next startup's
// cleanup_orphans or stale-guard sweep to recover.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil

		case <-ticker.C:
		case <-w.wake:
		}

		paused, until, err := w.store.GetPaused(ctx)
		if err != nil {
			w.logger.Error("sync: worker failed to read pause state", slog.String("error", err.Error()))
			continue
		}

		if paused && until != 0 && NowNano() >= until {
			if err := w.store.SetPaused(ctx, false, 0); err != nil {
				w.logger.Error("sync: worker failed to clear expired pause", slog.String("error", err.Error()))
				continue
			}

			w.logger.Info("sync: worker timed pause expired, resuming")
			paused = false
		}

		if paused {
			w.logger.Debug("sync: worker heartbeat (paused)")
			continue
		}

		w.topUp(ctx)
	}
}

// Drain runs next_pending in a loop interleaved with up-to-C parallel
// dispatch until no tasks are in flight and no job is eligible now — the
// one-shot sync mode. A PENDING job whose retryAt is still in the future is
// not waited for: Drain returns and the job stays PENDING in the queue.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		w.topUp(ctx)

		if w.inFlight.Load() == 0 {
			job, err := w.queue.NextPending(ctx)
			if err != nil {
				return err
			}

			if job == nil {
				return nil
			}

			w.runJob(ctx, job)

			continue
		}

		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case <-w.wake:
		case <-time.After(pollInterval):
		}
	}
}

// topUp claims and dispatches jobs until the in-flight count reaches C or
// the queue is empty.
func (w *Worker) topUp(ctx context.Context) {
	for int(w.inFlight.Load()) < int(w.concurrency.Load()) {
		job, err := w.queue.NextPending(ctx)
		if err != nil {
			w.logger.Error("sync: worker failed to claim next job", slog.String("error", err.Error()))
			return
		}

		if job == nil {
			return
		}

		w.runJob(ctx, job)
	}
}

// runJob dispatches job to the Executor in its own goroutine, tracking it in
// the in-flight count and waking the loop on completion.
func (w *Worker) runJob(ctx context.Context, job *Job) {
	w.inFlight.Add(1)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer w.inFlight.Add(-1)
		defer w.signal()

		w.executor.Process(ctx, job)
	}()
}

// shutdown waits up to shutdownBudget for in-flight tasks to finish.
func (w *Worker) shutdown() {
	done := make(chan struct{})

	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownBudget):
		w.logger.Warn("sync: worker shutdown budget exceeded, abandoning in-flight tasks",
			slog.Int("in_flight", int(w.inFlight.Load())))
	}
}
