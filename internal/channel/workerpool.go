package channel

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// task is a queued unit of dispatch work: delivering one datagram to one
// in-process subscriber.
type task func()

// WorkerPool bounds the number of goroutines used to fan a single bus
// delivery out to many in-process subscribers. Without it, a channel with
// thousands of bound subscribers (e.g. a zone broadcast channel) would spawn
// one goroutine per subscriber per datagram.
type WorkerPool struct {
	queue   chan task
	workers int
	wg      sync.WaitGroup
	log     zerolog.Logger
	dropped int64
}

// NewWorkerPool builds a pool with workerCount workers and a queue sized
// queueSize. Submissions past queueSize are dropped rather than blocking the
// dispatch loop.
func NewWorkerPool(workerCount, queueSize int, log zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		queue:   make(chan task, queueSize),
		workers: workerCount,
		log:     log,
	}
}

// Start launches the worker goroutines. On ctx cancellation each worker
// returns once its current task finishes; tasks still queued are not run,
// and Submit keeps enqueueing until the queue is full.
func (p *WorkerPool) Start(ctx context.Context) {
	n := p.workers
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(t)
		case <-ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("dispatch worker panic recovered")
		}
	}()
	t()
}

// Submit enqueues a delivery. If the queue is full the delivery is dropped
// and counted — a slow or wedged subscriber should not stall delivery to
// every other subscriber of the same channel.
func (p *WorkerPool) Submit(fn func()) {
	select {
	case p.queue <- fn:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// Dropped reports how many deliveries have been dropped due to a full queue.
func (p *WorkerPool) Dropped() int64 { return atomic.LoadInt64(&p.dropped) }

// Stop closes the queue and waits for in-flight work to finish.
func (p *WorkerPool) Stop() {
	close(p.queue)
	p.wg.Wait()
}
