// Package dispatcher runs the worker pool.
package dispatcher

import (
	"context"
	"sync"
)

// Runner is a long-running pool member. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// Pool fans work out to a fixed set of workers.
type Pool struct {
	workers []Runner
}

// New creates a Pool.
func New(workers ...Runner) *Pool {
	return &Pool{workers: workers}
}

// Size reports the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run starts all workers and blocks until every one of them has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	wg.Wait()
}
