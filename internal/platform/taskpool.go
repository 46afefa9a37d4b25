package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("task pool closed")

// fenceWaitLimit bounds how long a present task waits for its fence.
const fenceWaitLimit = time.Second

type taskPool struct {
	logger *slog.Logger
	tasks  chan PresentTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	err    error
	closed bool
}

// NewTaskPool starts a present queue holding up to depth pending tasks.
// Tasks run on one worker in submission order; each waits for its fence
// value before scanning out. A task failure is reported by the next
// Submit.
func NewTaskPool(logger *slog.Logger, depth int) TaskPool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &taskPool{
		logger: logger,
		tasks:  make(chan PresentTask, depth),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *taskPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			if err := p.execute(task); err != nil {
				p.logger.Warn("present task failed", "fence", task.Value, "error", err)
				p.mu.Lock()
				if p.err == nil {
					p.err = err
				}
				p.mu.Unlock()
			}
		}
	}
}

func (p *taskPool) execute(task PresentTask) error {
	ctx, cancel := context.WithTimeout(p.ctx, fenceWaitLimit)
	defer cancel()
	if err := task.Fence.Wait(ctx, task.Value); err != nil {
		return err
	}
	return task.Scanout.Source.Scan(task.Scanout.Primary)
}

// Submit queues task. It blocks while the queue is full.
func (p *taskPool) Submit(task PresentTask) error {
	if task.Scanout == nil || task.Fence == nil {
		return fmt.Errorf("present task needs a scanout and a fence")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if err := p.err; err != nil {
		p.err = nil
		p.mu.Unlock()
		return fmt.Errorf("previous present failed: %w", err)
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Close cancels pending fence waits and stops the worker.
func (p *taskPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}
