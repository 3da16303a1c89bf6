package broker

import (
	"context"
	"sync"

	"github.com/gyaneshwarpardhi/eventcore/internal/event"
)

// workerPool is a fixed set of symmetric goroutines draining one queue.
type workerPool struct {
	q       *queue
	process func(ctx context.Context, ev event.Event)
	wg      sync.WaitGroup
}

// newWorkerPool starts n workers that hand every dequeued event to fn.
func newWorkerPool(q *queue, n int, fn func(context.Context, event.Event)) *workerPool {
	p := &workerPool{
		q:       q,
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	return p
}

func (p *workerPool) run() {
	// In-flight handlers are never cancelled by shutdown, so workers run
	// on a background context.
	ctx := context.Background()
	for {
		ev, ok := p.q.dequeue()
		if !ok {
			return
		}
		p.process(ctx, ev)
	}
}

// stop closes the queue and waits for every worker to leave its loop.
// It must not be called from a handler running on one of the workers.
func (p *workerPool) stop() {
	p.q.close()
	p.wg.Wait()
}
