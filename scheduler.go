package eventnet

import (
	"context"
	"sync"
)

// Scheduler executes handler invocations.
//
// `Submit` MUST NOT wait for the task to run: callers of `Fire` and the
// receive loop rely on it returning immediately. No ordering is expected
// between tasks.
type Scheduler interface {
	Submit(task func())
}

// drainer is implemented by schedulers able to wait for in-flight tasks.
type drainer interface {
	Drain(ctx context.Context) error
}

// GoroutineScheduler runs every task in its own goroutine.
type GoroutineScheduler struct {
	wg sync.WaitGroup
}

var _ Scheduler = (*GoroutineScheduler)(nil)

func (s *GoroutineScheduler) Submit(task func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task()
	}()
}

// Drain waits for submitted tasks until `ctx` is done.
func (s *GoroutineScheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
