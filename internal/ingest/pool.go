package ingest

import (
	"context"
	"log/slog"
	"sync"

	"mcp-telemetry/internal/event"
)

// detachedContext returns a context independent of any request: the client
// has already received its response when persistence runs. There is no
// per-event deadline; shutdown bounds the stage by draining the queue.
func detachedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// job pairs a parsed event with the request-scoped logger that accepted it,
// so async log lines keep their request_id.
type job struct {
	e   *event.Event
	log *slog.Logger
}

// pool is a bounded worker pool consuming queued jobs. submit blocks
// when the queue is full, which back-pressures ingest instead of growing
// memory without bound.
type pool struct {
	queue chan job
	work  func(job)
	size  int

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newPool(workers, queueSize int, work func(job)) *pool {
	return &pool{
		queue: make(chan job, queueSize),
		work:  work,
		size:  workers,
	}
}

func (p *pool) start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.queue {
				p.work(j)
			}
		}()
	}
}

func (p *pool) submit(j job) {
	p.queue <- j
}

// stop closes the queue and waits for workers to drain it.
func (p *pool) stop() {
	p.stopOnce.Do(func() { close(p.queue) })
	p.wg.Wait()
}
