package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// PollJob asks for one PENDING transaction to be checked against the provider.
type PollJob struct {
	Reference string
}

type Handler func(ctx context.Context, job PollJob) error

// Pool runs a fixed number of workers over a bounded queue. Submit never blocks.
type Pool struct {
	jobs    chan PollJob
	handler Handler
	wg      sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
}

func NewPool(bufferSize int, handler Handler) *Pool {
	return &Pool{
		jobs:     make(chan PollJob, bufferSize),
		handler:  handler,
		inFlight: make(map[string]struct{}),
	}
}

func (p *Pool) Start(ctx context.Context, workerCount int) {
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.jobs {
		if err := p.handler(ctx, job); err != nil {
			log.Error().Err(err).Str("reference", job.Reference).Msg("pending poll failed")
		}
		p.mu.Lock()
		delete(p.inFlight, job.Reference)
		p.mu.Unlock()
	}
}

// Submit queues the job unless the queue is full or the same reference is
// already queued, or the pool is shut down. Reports whether the job was accepted.
func (p *Pool) Submit(job PollJob) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, dup := p.inFlight[job.Reference]; dup {
		return false
	}
	select {
	case p.jobs <- job:
		p.inFlight[job.Reference] = struct{}{}
		return true
	default:
		return false
	}
}

// Shutdown stops accepting work and waits for queued jobs to finish. Safe to
// call more than once and concurrently with Submit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		// Submit sends only under mu, so nothing can be sending here
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
