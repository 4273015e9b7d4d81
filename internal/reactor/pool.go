// Package reactor provides the bounded worker pool that every Channel
// Server's per-connection reader hands work off to (§4.2). A dedicated
// goroutine per connection plays the role of the spec's readiness source;
// this pool is where the "not executed inline" rule lives, so one slow
// handler can never starve another connection's reads.
package reactor

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of dispatch work: a full frame-read-and-handle, or one
// outbound send attempt.
type Task func()

// Pool is a fixed-size goroutine pool consuming a buffered task queue.
// Submitting to a full queue drops the task and increments a counter
// instead of spawning unbounded goroutines (§5: "workers never call
// reactor.wait"; backpressure comes from bounding the queue, not the
// goroutine count).
type Pool struct {
	size    int
	queue   chan Task
	logger  zerolog.Logger
	wg      sync.WaitGroup
	dropped int64
}

func New(size, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		size:   size,
		queue:  make(chan Task, queueSize),
		logger: logger.With().Str("component", "reactor").Logger(),
	}
}

// Start launches the worker goroutines. ctx cancellation causes workers to
// drain in-flight tasks and exit; no new tasks are accepted after Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker task panicked, worker continues")
		}
	}()
	task()
}

// Submit enqueues a task for asynchronous execution, reporting whether it
// was accepted. If the queue is full the task is dropped rather than
// blocking the caller (which, on the reader goroutine, would otherwise
// turn backpressure into a head-of-line stall on that one connection's
// socket read).
func (p *Pool) Submit(task Task) bool {
	select {
	case p.queue <- task:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.logger.Warn().Msg("task queue full, dropping task")
		return false
	}
}

func (p *Pool) Dropped() int64 { return atomic.LoadInt64(&p.dropped) }

func (p *Pool) QueueDepth() int { return len(p.queue) }

// Stop closes the queue and waits for workers to drain it.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
}
