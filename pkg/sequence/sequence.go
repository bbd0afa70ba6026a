// Package sequence runs tasks on a single background goroutine in
// strict submission order.
package sequence

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of background work. A non-nil error is reported to
// the sequence's failure callback; the sequence keeps running.
type Task func() error

type Sequence struct {
	name  string
	onErr func(error)

	in     chan Task
	wg     sync.WaitGroup
	cancel func()
}

// New creates a stopped sequence. onErr may be nil, in which case
// failures are only logged.
func New(name string, buffer int, onErr func(error)) *Sequence {
	return &Sequence{
		name:   name,
		onErr:  onErr,
		in:     make(chan Task, buffer),
		cancel: func() {},
	}
}

func (s *Sequence) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		for {
			select {
			case task := <-s.in:
				if err := task(); err != nil {
					slog.Error("background task failed", "sequence", s.name, "error", err)
					if s.onErr != nil {
						s.onErr(err)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Submit queues a task. It blocks when the buffer is full; tasks run
// strictly in submission order.
func (s *Sequence) Submit(t Task) {
	s.in <- t
}

// Barrier returns a channel that is closed once every task submitted
// before the call has finished.
func (s *Sequence) Barrier() <-chan struct{} {
	done := make(chan struct{})
	s.Submit(func() error {
		close(done)
		return nil
	})
	return done
}

// Stop cancels the runner and waits for the in-flight task to finish.
// Queued tasks that have not started are dropped.
func (s *Sequence) Stop() {
	s.cancel()
	s.wg.Wait()
}
