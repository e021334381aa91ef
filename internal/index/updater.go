package index

import (
	"context"
	"errors"
	"sync"
)

var ErrUpdaterClosed = errors.New("index updater closed")

// Updater is the in-process Dispatcher: jobs go through a bounded channel to
// a single goroutine that applies them in dispatch order.
type Updater struct {
	handler *Handler
	jobs    chan Job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewUpdater(handler *Handler, queueSize int) *Updater {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Updater{handler: handler, jobs: make(chan Job, queueSize)}
}

func (u *Updater) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case job, ok := <-u.jobs:
				if !ok {
					return
				}
				_ = u.handler.Handle(runCtx, job)
			}
		}
	}()
}

func (u *Updater) Dispatch(ctx context.Context, job Job) error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return ErrUpdaterClosed
	}
	select {
	case u.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, drains the queue and waits for the worker.
func (u *Updater) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	close(u.jobs)
	u.mu.Unlock()
	u.wg.Wait()
	if u.cancel != nil {
		u.cancel()
	}
}
