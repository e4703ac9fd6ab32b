// Package worker provides a bounded pool for fire-and-forget background jobs
// (summarization, insight extraction). Failures land in a dead-letter log
// instead of vanishing.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one background task. The context carries the pool's shutdown signal.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// DeadLetter records a failed job.
type DeadLetter struct {
	Job      string
	Error    string
	FailedAt time.Time
}

// Pool runs jobs on a fixed set of workers. Submit never blocks the caller
// beyond the bounded queue; a full queue drops the job into the dead-letter
// log rather than stalling message dispatch.
type Pool struct {
	jobs   chan Job
	logger *slog.Logger

	mu      sync.Mutex
	dead    []DeadLetter
	maxDead int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, queue int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queue <= 0 {
		queue = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:    make(chan Job, queue),
		logger:  logger,
		maxDead: 128,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			if err := job.Run(p.ctx); err != nil {
				p.logger.Warn("background job failed", "job", job.Name, "error", err)
				p.bury(job.Name, err.Error())
			}
		}
	}
}

// Submit enqueues a job. Returns false if the pool is shutting down or the
// queue is full; the job is then dead-lettered.
func (p *Pool) Submit(job Job) bool {
	select {
	case <-p.ctx.Done():
		p.bury(job.Name, "pool closed")
		return false
	case p.jobs <- job:
		return true
	default:
		p.bury(job.Name, "queue full")
		return false
	}
}

func (p *Pool) bury(name, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = append(p.dead, DeadLetter{Job: name, Error: reason, FailedAt: time.Now().UTC()})
	if len(p.dead) > p.maxDead {
		p.dead = p.dead[len(p.dead)-p.maxDead:]
	}
}

// DeadLetters returns a copy of the dead-letter log.
func (p *Pool) DeadLetters() []DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeadLetter, len(p.dead))
	copy(out, p.dead)
	return out
}

// Close stops accepting jobs and waits for in-flight ones.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
