// Package pool provides the worker pool that bounds concurrent build
// execution. Builds submitted while all workers are busy wait in a bounded
// FIFO; submission fails fast once the queue is full.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/kiln/internal/log"
	"github.com/zjrosen/kiln/internal/queue"
)

// DefaultMaxWorkers is the default number of concurrent build workers.
// Firmware builds are CPU- and IO-heavy, so the default stays small.
const DefaultMaxWorkers = 2

// ErrPoolClosed is returned when operations are attempted on a closed pool.
var ErrPoolClosed = fmt.Errorf("worker pool is closed")

// Runner executes one queued build. The context is cancelled when the pool
// closes; runners are expected to honor it.
type Runner func(ctx context.Context, build queue.QueuedBuild)

// Config holds configuration for the worker pool.
type Config struct {
	// Runner executes dequeued builds. Must be set before Start.
	Runner Runner

	MaxWorkers int // Maximum concurrent builds (default: 2)
	QueueSize  int // Pending builds held before Submit rejects (default: 100)
}

// WorkerPool runs queued builds on a fixed set of worker goroutines.
type WorkerPool struct {
	runner     Runner
	queue      *queue.BuildQueue
	notify     chan struct{}
	maxWorkers int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
	started  atomic.Bool
	inFlight atomic.Int64
}

// NewWorkerPool creates a new worker pool with the given configuration.
// Note: Config.Runner must be set for the pool to execute builds.
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		runner:     cfg.Runner,
		queue:      queue.NewBuildQueue(cfg.QueueSize),
		notify:     make(chan struct{}, 1),
		maxWorkers: cfg.MaxWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start spawns the worker goroutines. Calling Start more than once is a
// no-op.
func (p *WorkerPool) Start() error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if p.runner == nil {
		return fmt.Errorf("worker pool has no runner configured")
	}
	if p.started.Swap(true) {
		return nil
	}

	log.Debug(log.CatBuild, "Starting worker pool", "workers", p.maxWorkers)
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go func(workerNum int) {
			defer p.wg.Done()
			p.workLoop(workerNum)
		}(i + 1)
	}
	return nil
}

// Submit enqueues a build for execution. Returns ErrPoolClosed after Close
// and queue.ErrQueueFull when the pending queue is at capacity.
func (p *WorkerPool) Submit(build queue.QueuedBuild) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	if err := p.queue.Enqueue(build); err != nil {
		return err
	}

	p.signal()
	return nil
}

// signal wakes one idle worker. Non-blocking: a pending signal already
// covers any backlog.
func (p *WorkerPool) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// workLoop waits for work and drains the queue. After dequeuing, the
// worker re-signals when builds remain so idle siblings pick them up
// concurrently instead of the backlog serializing behind one worker.
func (p *WorkerPool) workLoop(workerNum int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
			for {
				if p.ctx.Err() != nil {
					return
				}
				build, ok := p.queue.Dequeue()
				if !ok {
					break
				}
				if p.queue.Len() > 0 {
					p.signal()
				}
				p.runOne(workerNum, build)
				if p.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// runOne executes a single build with panic isolation so one bad build
// cannot take down the worker.
func (p *WorkerPool) runOne(workerNum int, build queue.QueuedBuild) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBuild, "Build runner panic recovered",
				"worker", workerNum,
				"buildID", build.BuildID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	log.Debug(log.CatBuild, "Worker picked up build",
		"worker", workerNum,
		"buildID", build.BuildID,
		"projectID", build.ProjectID)
	p.runner(p.ctx, build)
}

// Close shuts down the pool: submissions are rejected, the run context is
// cancelled, and Close blocks until in-flight runners return. Builds still
// waiting in the queue are returned so the caller can record their fate.
func (p *WorkerPool) Close() []queue.QueuedBuild {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	log.Debug(log.CatBuild, "Closing worker pool")
	p.cancel()
	p.wg.Wait()
	return p.queue.Drain()
}

// QueueLen returns the number of builds waiting for a worker.
func (p *WorkerPool) QueueLen() int {
	return p.queue.Len()
}

// InFlight returns the number of builds currently executing.
func (p *WorkerPool) InFlight() int {
	return int(p.inFlight.Load())
}

// MaxWorkers returns the number of concurrent build workers.
func (p *WorkerPool) MaxWorkers() int {
	return p.maxWorkers
}
