package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrShuttingDown is returned when a run is requested after Shutdown began.
var ErrShuttingDown = errors.New("service is shutting down")

// supervisor owns background runs. Runs never fail each other: every task
// returns nil and panics are handed to the task's own recovery.
type supervisor struct {
	group   errgroup.Group
	mu      sync.Mutex
	closing bool
}

func newSupervisor() *supervisor {
	return &supervisor{}
}

// spawn schedules fn. onPanic runs in the task goroutine if fn panics.
func (s *supervisor) spawn(name string, fn func(), onPanic func(recovered interface{})) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}

	s.group.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("ERROR: background task %s panicked: %v\n%s", name, r, debug.Stack())
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
		return nil
	})
	return nil
}

func (s *supervisor) wait() {
	_ = s.group.Wait()
}

// shutdown stops accepting tasks and waits for the running ones until ctx is done.
func (s *supervisor) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs still in progress: %w", ctx.Err())
	}
}

// Wait blocks until every background run has finished.
func (s *Service) Wait() {
	s.runs.wait()
}

// Shutdown rejects new runs and waits for in-flight ones until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.runs.shutdown(ctx)
}
