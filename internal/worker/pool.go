package worker

import (
	"context"
	"log"
	"sync"
)

// Pool runs detached units of work on a fixed set of goroutines. Callers
// hand a job over and never await it; shutdown drains whatever is queued.
// This replaces unmanaged fire-and-forget goroutines for continuations and
// async retries.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool with the given concurrency and queue depth
func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	p := &Pool{jobs: make(chan func(), queueDepth)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("pool: detached job panicked: %v", r)
				}
			}()
			job()
		}()
	}
}

// Submit queues a detached job. Returns false when the queue is full or the
// pool has shut down; the job is then dropped, which callers of
// fire-and-forget work tolerate by contract.
func (p *Pool) Submit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting new jobs and waits for queued ones to drain,
// or returns early when the context is cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
