// Package worker runs a fixed pool of goroutines over a buffered job channel.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/nimasrn/payment-gateway/pkg/logger"
)

var (
	ErrWorkersTerminated = errors.New("workers terminated")
	ErrNoHandler         = errors.New("worker handler is not set")
)

type Handler[T any] func(ctx context.Context, workerIndex int, job T)

type Pool[T any] struct {
	jobs     chan T
	size     int
	handle   Handler[T]
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool of size workers reading from a channel buffered to
// capacity. Jobs are published with Enqueue once Start runs.
func NewPool[T any](capacity, size int, handle Handler[T]) *Pool[T] {
	if size <= 0 {
		size = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Pool[T]{
		jobs:   make(chan T, capacity),
		size:   size,
		handle: handle,
		stop:   make(chan struct{}),
	}
}

// Queued is the number of jobs waiting for a worker.
func (p *Pool[T]) Queued() int {
	return len(p.jobs)
}

// Enqueue blocks until a worker slot is free, ctx is done or the pool stops.
func (p *Pool[T]) Enqueue(ctx context.Context, job T) error {
	select {
	case <-p.stop:
		return ErrWorkersTerminated
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrWorkersTerminated
	}
}

// Start runs the workers and blocks until ctx is cancelled or Exit is
// called. Jobs still buffered at that point are dropped.
func (p *Pool[T]) Start(ctx context.Context) error {
	if p.handle == nil {
		return ErrNoHandler
	}
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.run(ctx, i)
	}
	p.wg.Wait()
	return ErrWorkersTerminated
}

func (p *Pool[T]) run(ctx context.Context, index int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.handle(ctx, index, job)
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
	}
}

// Exit stops every worker after its current job.
func (p *Pool[T]) Exit() {
	p.stopOnce.Do(func() {
		logger.Info("worker pool stopping", "workers", p.size, "queued", len(p.jobs))
		close(p.stop)
	})
}
