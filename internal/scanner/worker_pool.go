package scanner

import (
	"context"
	"errors"
	"sync"
)

// Job is a unit of work executed by the pool. One job runs one scan session.
type Job func(ctx context.Context)

// WorkerPool runs independent scan sessions with bounded concurrency.
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Job
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWorkerPool creates a pool with the given concurrency and queue size.
func NewWorkerPool(parent context.Context, concurrency, queueSize int) (*WorkerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan Job, queueSize),
	}
	for i := 0; i < concurrency; i++ {
		pool.wg.Add(1)
		go pool.work()
	}
	return pool, nil
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		// Queued jobs still run after cancellation so they can record the
		// cancellation in their own result.
		job(p.ctx)
	}
}

// Submit schedules a job, blocking while the queue is full. It must not be
// called after Wait or Stop.
func (p *WorkerPool) Submit(ctx context.Context, fn Job) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- fn:
		return nil
	}
}

// Wait stops accepting jobs and blocks until every queued job has finished.
func (p *WorkerPool) Wait() {
	p.once.Do(func() { close(p.jobs) })
	p.wg.Wait()
	p.cancel()
}

// Stop cancels running jobs and waits for the workers to exit.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.Wait()
}
