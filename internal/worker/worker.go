// Package worker runs detached background tasks that must outlive the request
// that scheduled them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("worker: pool is shut down")

type Task func(ctx context.Context)

// Pool schedules tasks on their own goroutines, bounded to size concurrent
// runs. Tasks receive a context detached from any request; it is cancelled only
// when Shutdown gives up waiting.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger zerolog.Logger
}

func NewPool(size int, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.With().Str("name", "worker").Logger(),
	}
}

// Go schedules task and returns immediately. After Shutdown it returns
// ErrPoolClosed and the task is not run.
func (p *Pool) Go(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn().Str("task", name).Msg("task rejected, pool is shut down")
		return ErrPoolClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.logger.Warn().Str("task", name).Msg("task abandoned before start")
			return
		}
		defer p.sem.Release(1)
		p.run(name, task)
	}()
	return nil
}

func (p *Pool) run(name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("task", name).Str("panic", fmt.Sprint(r)).Msg("task panicked")
		}
	}()
	task(p.ctx)
}

// Shutdown stops accepting tasks and waits for scheduled ones to finish. If
// ctx expires first, running tasks are cancelled and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
