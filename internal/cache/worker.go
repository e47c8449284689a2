package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"lockcache/internal/common"
)

const (
	// DefaultBatchWindow is how long a batch waits for more work.
	DefaultBatchWindow = 5 * time.Second
	// DefaultMaxLockingTime bounds how long one batch keeps the cache.
	DefaultMaxLockingTime = 10 * time.Second

	maxQueueCapacity  = 4000
	bytesPerQueueItem = 200000
)

// WorkerOptions tune batching.
type WorkerOptions struct {
	BatchWindow    time.Duration
	MaxLockingTime time.Duration
	// QueueCapacity of zero derives the capacity from the memory limit.
	QueueCapacity int
}

// DefaultQueueCapacity allows one queued item per 200000 bytes of the
// runtime memory limit, up to 4000.
func DefaultQueueCapacity() int {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return maxQueueCapacity
	}
	return max(1, min(maxQueueCapacity, int(limit/bytesPerQueueItem)))
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.BatchWindow <= 0 {
		o.BatchWindow = DefaultBatchWindow
	}
	if o.MaxLockingTime <= 0 {
		o.MaxLockingTime = DefaultMaxLockingTime
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity()
	}
	return o
}

// CacheRunner runs a named action with exclusive use of a cache.
type CacheRunner interface {
	UseCache(ctx context.Context, name string, action func(ctx context.Context) error) error
}

type workItem struct {
	run      func(ctx context.Context) error
	snapshot WorkContext
	// result is nil for fire-and-forget work.
	result chan error
	stop   bool
}

// Worker applies queued cache work in FIFO order. Consecutive items are
// batched into a single UseCache call until the queue stays empty for the
// batch window or the batch has run for the max locking time.
type Worker struct {
	displayName string
	cache       CacheRunner
	opts        WorkerOptions
	queue       chan workItem
	done        chan struct{}

	gate     sync.RWMutex
	stopping bool

	mu       sync.Mutex
	failures []error
}

// NewWorker creates a worker. Run must be started on its own goroutine.
func NewWorker(displayName string, cache CacheRunner, opts WorkerOptions) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		displayName: displayName,
		cache:       cache,
		opts:        opts,
		queue:       make(chan workItem, opts.QueueCapacity),
		done:        make(chan struct{}),
	}
}

// Enqueue queues fn without waiting for it. A failure of fn is reported by
// the next Flush or Stop.
func (w *Worker) Enqueue(ctx context.Context, fn func(ctx context.Context) error) error {
	return w.submit(ctx, workItem{run: fn, snapshot: WorkContextFrom(ctx)})
}

// Read queues fn behind all earlier work and waits for its result.
func Read[T any](ctx context.Context, w *Worker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero, result T
	done := make(chan error, 1)
	item := workItem{
		run: func(ctx context.Context) error {
			var err error
			result, err = fn(ctx)
			return err
		},
		snapshot: WorkContextFrom(ctx),
		result:   done,
	}
	if err := w.submit(ctx, item); err != nil {
		return zero, err
	}
	select {
	case err := <-done:
		return result, err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.done:
		select {
		case err := <-done:
			return result, err
		default:
			return zero, fmt.Errorf("cache worker for %s: %w", w.displayName, common.ErrClosed)
		}
	}
}

// Flush waits until all work queued before it has run and returns, then
// clears, the failures of fire-and-forget work.
func (w *Worker) Flush(ctx context.Context) error {
	if _, err := Read(ctx, w, func(context.Context) (struct{}, error) { return struct{}{}, nil }); err != nil {
		return err
	}
	return w.takeFailures()
}

// Stop runs the remaining work, stops the worker and returns the failures
// that were not reported yet.
func (w *Worker) Stop() error {
	w.gate.Lock()
	already := w.stopping
	w.stopping = true
	w.gate.Unlock()
	if !already {
		w.queue <- workItem{stop: true}
	}
	<-w.done
	return w.takeFailures()
}

func (w *Worker) submit(ctx context.Context, item workItem) error {
	w.gate.RLock()
	defer w.gate.RUnlock()
	if w.stopping {
		return fmt.Errorf("cache worker for %s: %w", w.displayName, common.ErrClosed)
	}
	select {
	case w.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes the queue until Stop.
func (w *Worker) Run() {
	defer close(w.done)
	log.Debugf("[Worker.Run] started for %s", w.displayName)
	for item := range w.queue {
		if item.stop || w.processBatch(item) {
			log.Debugf("[Worker.Run] stopped for %s", w.displayName)
			return
		}
	}
}

// processBatch runs first and whatever follows it within the batch limits.
// It reports whether the stop sentinel was seen.
func (w *Worker) processBatch(first workItem) (stopped bool) {
	ctx := context.WithValue(context.Background(), workerKey{}, w)
	ran := false
	err := w.cache.UseCache(ctx, "process queued cache work for "+w.displayName, func(ctx context.Context) error {
		ran = true
		w.runItem(ctx, first)
		count := 1

		timer := time.NewTimer(w.opts.BatchWindow)
		defer timer.Stop()
		deadline := time.Now().Add(w.opts.MaxLockingTime)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				log.Debugf("[Worker.processBatch] %s: max locking time reached after %d items", w.displayName, count)
				return nil
			}
			timer.Reset(min(w.opts.BatchWindow, remaining))
			select {
			case next := <-w.queue:
				if next.stop {
					stopped = true
					return nil
				}
				w.runItem(ctx, next)
				count++
			case <-timer.C:
				log.Debugf("[Worker.processBatch] %s: batch of %d items done", w.displayName, count)
				return nil
			}
		}
	})
	if err != nil {
		if !ran {
			w.complete(first, err)
		} else {
			w.recordFailure(err)
		}
	}
	return stopped
}

func (w *Worker) runItem(ctx context.Context, item workItem) {
	w.complete(item, runSafely(item.snapshot.attach(ctx), item.run))
}

func (w *Worker) complete(item workItem, err error) {
	if item.result != nil {
		item.result <- err
		return
	}
	if err != nil {
		w.recordFailure(err)
	}
}

func (w *Worker) recordFailure(err error) {
	log.Warnf("[Worker] queued work for %s failed: %v", w.displayName, err)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = append(w.failures, err)
}

func (w *Worker) takeFailures() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := errors.Join(w.failures...)
	w.failures = nil
	return err
}

func runSafely(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued cache work panicked: %v", r)
		}
	}()
	return fn(ctx)
}
