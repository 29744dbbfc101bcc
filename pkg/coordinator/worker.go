package coordinator

import (
	"sync"
)

// Defaults for the shared worker pool.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 1024
)

// WorkerPool runs task executions outside the run actors. It is a fixed set
// of workers draining one bounded FIFO queue, so jobs submitted in order are
// picked up in order when the pool is idle.
type WorkerPool struct {
	queue chan func()
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWorkerPool starts a pool with the given worker count and queue depth.
// Non-positive arguments use the defaults.
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &WorkerPool{
		queue: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case job := <-p.queue:
			job()
		}
	}
}

// Submit enqueues a job, blocking while the queue is full. It reports false
// once the pool is closed.
func (p *WorkerPool) Submit(job func()) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.queue <- job:
		return true
	case <-p.done:
		return false
	}
}

// Close stops the workers. Jobs still queued are discarded; in-flight jobs
// run to completion.
func (p *WorkerPool) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}
