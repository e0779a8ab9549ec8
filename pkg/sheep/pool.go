package sheep

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/distsheep/sheepd/pkg/admission"
)

// pool is a bounded worker-goroutine pool implementing admission.IOPool,
// the reference wiring for the `cpg`/`io`/`gateway` pools of §5. Workers
// are joined through an errgroup.Group so Close can wait for in-flight
// jobs to drain before returning.
type pool struct {
	jobs   chan func()
	cancel context.CancelFunc
	g      *errgroup.Group
}

var _ admission.IOPool = (*pool)(nil)

// newPool starts workers goroutines draining jobs off a buffered channel.
// Submit never blocks the caller: a full channel falls back to spawning a
// one-off goroutine rather than stalling the event queue pump.
func newPool(workers int) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p := &pool{
		jobs:   make(chan func(), 256),
		cancel: cancel,
		g:      g,
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case fn, ok := <-p.jobs:
					if !ok {
						return nil
					}
					fn()
				}
			}
		})
	}
	return p
}

func (p *pool) Submit(fn func()) {
	select {
	case p.jobs <- fn:
	default:
		go fn()
	}
}

// Close stops accepting new work and waits for every worker to drain the
// channel and exit.
func (p *pool) Close() error {
	close(p.jobs)
	err := p.g.Wait()
	p.cancel()
	return err
}
