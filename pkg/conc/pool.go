// Package conc provides a bounded goroutine pool backed by ants.
package conc

import (
	"sync"

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
)

// ErrPoolOverload is returned by Submit on a non-blocking pool that has no
// free worker.
var ErrPoolOverload = errors.New("conc: pool overload")

// Pool runs fire-and-forget tasks on a fixed number of workers.
type Pool struct {
	inner *ants.Pool
	opt   *poolOption

	wg        sync.WaitGroup
	submitted atomic.Int64
	rejected  atomic.Int64
}

// NewPool creates a pool with the given worker capacity.
func NewPool(size int, opts ...PoolOption) (*Pool, error) {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(size, opt.antsOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "create ants pool")
	}
	return &Pool{inner: pool, opt: opt}, nil
}

// Submit schedules task. It returns ErrPoolOverload when the pool is
// non-blocking and saturated, or ants.ErrPoolClosed after Release.
func (p *Pool) Submit(task func()) error {
	p.wg.Add(1)
	err := p.inner.Submit(func() {
		defer p.wg.Done()
		if p.opt.preHandler != nil {
			p.opt.preHandler()
		}
		task()
	})
	if err != nil {
		p.wg.Done()
		p.rejected.Inc()
		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrPoolOverload
		}
		return err
	}
	p.submitted.Inc()
	return nil
}

func (p *Pool) Cap() int {
	return p.inner.Cap()
}

func (p *Pool) Running() int {
	return p.inner.Running()
}

// Submitted returns how many tasks were accepted.
func (p *Pool) Submitted() int64 {
	return p.submitted.Load()
}

// Rejected returns how many tasks Submit refused.
func (p *Pool) Rejected() int64 {
	return p.rejected.Load()
}

// Wait blocks until every accepted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Release waits for in-flight tasks and then stops the workers.
func (p *Pool) Release() {
	p.wg.Wait()
	p.inner.Release()
}
