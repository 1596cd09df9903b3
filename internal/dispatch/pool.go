package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tensorplex-labs/arena/internal/metrics"
)

// JobPool bounds the number of dispatches in flight.
type JobPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewJobPool(size int64) *JobPool {
	if size <= 0 {
		size = 1
	}
	return &JobPool{sem: semaphore.NewWeighted(size)}
}

// Submit blocks until a slot is free, then runs fn in its own goroutine. The
// slot is released when fn returns.
func (p *JobPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	metrics.JobPoolInUse.Inc()
	p.wg.Add(1)
	go func() {
		defer func() {
			metrics.JobPoolInUse.Dec()
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every submitted job has returned.
func (p *JobPool) Wait() {
	p.wg.Wait()
}
