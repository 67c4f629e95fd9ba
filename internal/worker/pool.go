package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrSaturated is returned when the job queue is full. Callers surface it as
// a retry-later condition instead of blocking the request.
var ErrSaturated = errors.New("worker queue full")

type Job func(ctx context.Context)

// Pool is a fixed-size worker pool with a bounded queue. Request handlers
// enqueue dispatch runs here and return immediately, so HTTP lifetime is
// decoupled from batch completion.
type Pool struct {
	jobs    chan Job
	workers int
	wg      sync.WaitGroup
	log     *logrus.Logger

	mu     sync.Mutex
	closed bool
}

func NewPool(workers, queueSize int, log *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	return &Pool{jobs: make(chan Job, queueSize), workers: workers, log: log}
}

// Start launches the workers. They exit when ctx is canceled or the pool is
// shut down.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					p.runJob(ctx, job)
				}
			}
		}()
	}
}

func (p *Pool) runJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("recovered panic in worker job")
		}
	}()
	job(ctx)
}

// Submit enqueues without blocking. The lock is held across the send so
// Shutdown cannot close the channel between the closed check and the send.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSaturated
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrSaturated
	}
}

// Shutdown stops accepting jobs and waits for in-flight ones to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
