// Package worker runs test requests off the mutation pipeline.
//
// Pool is the in-process stand-in for the worker boundary: a fixed set of
// goroutines pulling requests from a queue, each cancellable by request id.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/agentoven/agentoven/playground/internal/dispatcher"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrQueueFull  = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool closed")
)

// Executor performs one test request.
type Executor interface {
	Execute(ctx context.Context, req dispatcher.RunRequest) (*models.TestResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req dispatcher.RunRequest) (*models.TestResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req dispatcher.RunRequest) (*models.TestResult, error) {
	return f(ctx, req)
}

// Pool implements dispatcher.Bridge.
type Pool struct {
	exec    Executor
	jobs    chan dispatcher.RunRequest
	results chan dispatcher.RunResult

	mu        sync.Mutex
	queued    map[string]bool
	running   map[string]context.CancelFunc
	cancelled map[string]bool

	base      context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts size workers with a queue of queue pending requests.
func NewPool(exec Executor, size, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue < size {
		queue = size
	}
	base, stop := context.WithCancel(context.Background())
	p := &Pool{
		exec:      exec,
		jobs:      make(chan dispatcher.RunRequest, queue),
		results:   make(chan dispatcher.RunResult, queue),
		queued:    make(map[string]bool),
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		base:      base,
		stop:      stop,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.work()
	}
	log.Info().Int("workers", size).Int("queue", queue).Msg("Worker pool started")
	return p
}

// Post queues req without waiting for it to run.
func (p *Pool) Post(ctx context.Context, req dispatcher.RunRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.base.Done():
		return ErrPoolClosed
	default:
	}
	p.mu.Lock()
	p.queued[req.RequestID] = true
	p.mu.Unlock()
	select {
	case p.jobs <- req:
		return nil
	default:
		p.mu.Lock()
		delete(p.queued, req.RequestID)
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// Cancel stops a running request or skips a queued one.
func (p *Pool) Cancel(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[requestID]; ok {
		cancel()
		return
	}
	if p.queued[requestID] {
		p.cancelled[requestID] = true
	}
}

// Results delivers one RunResult per request that was not cancelled. It is
// closed by Close.
func (p *Pool) Results() <-chan dispatcher.RunResult { return p.results }

// Close cancels in-flight work, waits for the workers and closes Results.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.stop()
		p.wg.Wait()
		close(p.results)
	})
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.base.Done():
			return
		case req := <-p.jobs:
			p.run(req)
		}
	}
}

func (p *Pool) run(req dispatcher.RunRequest) {
	ctx, cancel := context.WithCancel(p.base)
	defer cancel()

	p.mu.Lock()
	delete(p.queued, req.RequestID)
	if p.cancelled[req.RequestID] {
		delete(p.cancelled, req.RequestID)
		p.mu.Unlock()
		return
	}
	p.running[req.RequestID] = cancel
	p.mu.Unlock()

	res, err := p.exec.Execute(ctx, req)

	p.mu.Lock()
	delete(p.running, req.RequestID)
	p.mu.Unlock()

	if ctx.Err() != nil {
		log.Debug().Str("request_id", req.RequestID).Msg("Run cancelled in worker")
		return
	}

	out := dispatcher.RunResult{
		Type:      dispatcher.TypeRunResult,
		RequestID: req.RequestID,
		VariantID: req.VariantID,
		RowID:     req.RowID,
		MessageID: req.MessageID,
	}
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Result = res
	}

	select {
	case p.results <- out:
	case <-p.base.Done():
	}
}
