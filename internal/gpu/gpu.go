// Package gpu abstracts the compute device used for dense per-pixel and
// per-point kernels. Work is dispatched asynchronously and joined through
// futures; callers never observe partially written buffers.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"meshtrack/internal/config"
)

// ErrExhausted reports that the device cannot accept more work.
var ErrExhausted = errors.New("gpu: command queue exhausted")

// ErrClosed is returned when dispatching to a closed accelerator.
var ErrClosed = errors.New("gpu: accelerator closed")

// Kernel is a unit of device work.
type Kernel func(ctx context.Context) error

// Accelerator executes kernels.
type Accelerator interface {
	Name() string
	// Dispatch queues k. The returned future is never nil; queueing failures
	// are reported through it.
	Dispatch(ctx context.Context, name string, k Kernel) *Future
	Close() error
}

// Future is the completion handle for a dispatched kernel.
type Future struct {
	name string
	done chan struct{}
	err  error
}

func newFuture(name string) *Future {
	return &Future{name: name, done: make(chan struct{})}
}

// Failed returns an already-completed future carrying err.
func Failed(name string, err error) *Future {
	f := newFuture(name)
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

func (f *Future) completedWith(target error) bool {
	select {
	case <-f.done:
		return errors.Is(f.err, target)
	default:
		return false
	}
}

// Done is closed when the kernel has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the kernel completes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		if f.err != nil {
			return fmt.Errorf("kernel %s: %w", f.name, f.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every future and returns the first error.
func WaitAll(ctx context.Context, futures ...*Future) error {
	var first error
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type task struct {
	ctx    context.Context
	kernel Kernel
	future *Future
}

// CPUPool runs kernels on a fixed set of goroutines behind a bounded queue.
type CPUPool struct {
	log      *slog.Logger
	queue    chan task
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewCPUPool starts workers goroutines consuming a queue of depth slots.
func NewCPUPool(workers, depth int, logger *slog.Logger) *CPUPool {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if depth < 1 {
		depth = workers * 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &CPUPool{log: logger, queue: make(chan task, depth)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// FromConfig builds the accelerator named by cfg.Backend.
func FromConfig(cfg config.Accelerator, logger *slog.Logger) (Accelerator, error) {
	switch cfg.Backend {
	case "", "cpu":
		return NewCPUPool(cfg.Workers, cfg.QueueDepth, logger), nil
	default:
		return nil, fmt.Errorf("gpu: unsupported backend %q", cfg.Backend)
	}
}

func (p *CPUPool) Name() string { return "cpu" }

// Dispatch queues k without blocking. A full queue yields ErrExhausted.
func (p *CPUPool) Dispatch(ctx context.Context, name string, k Kernel) *Future {
	f := newFuture(name)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		f.complete(ErrClosed)
		return f
	}
	select {
	case p.queue <- task{ctx: ctx, kernel: k, future: f}:
	default:
		f.complete(ErrExhausted)
	}
	return f
}

// Close drains queued kernels and stops the workers.
func (p *CPUPool) Close() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
	})
	return nil
}

func (p *CPUPool) worker(id int) {
	defer p.wg.Done()
	for t := range p.queue {
		if err := t.ctx.Err(); err != nil {
			t.future.complete(err)
			continue
		}
		start := time.Now()
		err := run(t.ctx, t.kernel)
		if err != nil {
			p.log.Debug("kernel failed", "kernel", t.future.name, "worker", id, "error", err)
		} else if d := time.Since(start); d > time.Second {
			p.log.Debug("slow kernel", "kernel", t.future.name, "worker", id, "duration", d)
		}
		t.future.complete(err)
	}
}

func run(ctx context.Context, k Kernel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	return k(ctx)
}

// ForEachBand splits [0, n) into row bands of at most bandRows and runs fn
// over each on acc, waiting for all bands. A nil acc runs the bands inline.
// When the device queue overflows no further bands are dispatched and the
// returned error wraps ErrExhausted; callers may rerun inline.
func ForEachBand(ctx context.Context, acc Accelerator, name string, n, bandRows int, fn func(lo, hi int)) error {
	if n <= 0 {
		return nil
	}
	if bandRows < 1 {
		bandRows = n
	}
	var futures []*Future
	for lo := 0; lo < n; lo += bandRows {
		if err := ctx.Err(); err != nil {
			break
		}
		hi := min(lo+bandRows, n)
		if acc == nil {
			fn(lo, hi)
			continue
		}
		f := acc.Dispatch(ctx, name, func(context.Context) error {
			fn(lo, hi)
			return nil
		})
		futures = append(futures, f)
		if f.completedWith(ErrExhausted) {
			break
		}
	}
	// Bands write into caller-owned buffers, so join every one of them even
	// when ctx is cancelled.
	var first error
	for _, f := range futures {
		<-f.Done()
		if f.err != nil && first == nil {
			first = fmt.Errorf("kernel %s: %w", f.name, f.err)
		}
	}
	if first == nil {
		first = ctx.Err()
	}
	return first
}

// RunBands is ForEachBand with an inline rerun when the device is exhausted.
// The second result reports whether the fallback was taken.
func RunBands(ctx context.Context, acc Accelerator, name string, n, bandRows int, fn func(lo, hi int)) (bool, error) {
	err := ForEachBand(ctx, acc, name, n, bandRows, fn)
	if errors.Is(err, ErrExhausted) {
		return true, ForEachBand(ctx, nil, name, n, bandRows, fn)
	}
	return false, err
}
