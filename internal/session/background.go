package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/observability"
)

type task struct {
	name string
	fn   func(context.Context)
}

// Pool runs post-session work off the client path. Tasks beyond the
// queue cap are dropped with a warning; none of them may block a
// session from finishing.
type Pool struct {
	timeout config.BackgroundConfig
	logger  *slog.Logger
	tasks   chan task
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewPool(cfg config.BackgroundConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		timeout: cfg,
		logger:  logger,
		tasks:   make(chan task, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.runOne(t)
	}
}

func (p *Pool) runOne(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked", "task", t.name, "panic", r)
		}
	}()
	t.fn(ctx)
}

// Submit queues one task. It reports false when the pool is closed or
// the queue is full.
func (p *Pool) Submit(name string, fn func(context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task{name: name, fn: fn}:
		observability.EmitTaskAttempt(&observability.TaskAttemptEvent{TaskID: name, Attempt: 1})
		return true
	default:
		p.logger.Warn("background queue full, dropping task", "task", name)
		return false
	}
}

// Pending reports queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Close stops intake and waits for queued tasks to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
