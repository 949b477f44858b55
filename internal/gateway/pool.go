package gateway

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// pool is a fixed set of worker slots. A request waits for a free slot
// with no queue limit other than the caller giving up.
type pool struct {
	sem  *semaphore.Weighted
	n    int
	busy atomic.Int64
}

func newPool(n int) *pool {
	return &pool{sem: semaphore.NewWeighted(int64(n)), n: n}
}

// acquire blocks until a slot is free or ctx is done. It reports whether a
// slot was taken.
func (p *pool) acquire(ctx context.Context) bool {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	p.busy.Add(1)
	return true
}

func (p *pool) release() {
	p.busy.Add(-1)
	p.sem.Release(1)
}

func (p *pool) size() int  { return p.n }
func (p *pool) inUse() int { return int(p.busy.Load()) }
