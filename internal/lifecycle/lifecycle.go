// Package lifecycle owns every background task of the daemon: startup
// order, panic containment, restart budgets, and bounded shutdown.
//
// Tasks are functions blocking on a context. A panicking task is logged,
// surfaced as a store error, and restarted after a short backoff; a task
// that exceeds the restart budget takes the whole group down. Shutdown
// cancels everything and waits a bounded time before giving up.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"podwatch/internal/store"
)

const (
	// shutdownTimeout bounds how long Run waits for tasks after cancel.
	shutdownTimeout = 2 * time.Second

	// restartBackoff delays a restart after a panic.
	restartBackoff = time.Second

	// maxRestartsPerMinute is the per-task restart budget.
	maxRestartsPerMinute = 3
)

// ErrShutdownTimeout reports tasks still running past the shutdown deadline.
var ErrShutdownTimeout = errors.New("lifecycle: tasks did not stop in time")

// TaskFunc is a long-running unit of work. It must return promptly once its
// context is done.
type TaskFunc func(ctx context.Context) error

type task struct {
	name string
	run  TaskFunc
}

// Supervisor starts and supervises the daemon's background tasks.
type Supervisor struct {
	logger *slog.Logger
	st     *store.Store
	tasks  []task

	// now and backoff are swappable for tests.
	now     func() time.Time
	backoff time.Duration
}

// New creates an empty supervisor. The store receives SetError actions when
// a task panics.
func New(logger *slog.Logger, st *store.Store) *Supervisor {
	return &Supervisor{
		logger:  logger.With("component", "lifecycle"),
		st:      st,
		now:     time.Now,
		backoff: restartBackoff,
	}
}

// Add registers a task. Must be called before Run.
func (s *Supervisor) Add(name string, fn TaskFunc) {
	s.tasks = append(s.tasks, task{name: name, run: fn})
}

// Run starts all tasks and blocks until the context is cancelled or a task
// fails fatally. After cancellation it waits up to the shutdown deadline.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		g.Go(func() error {
			return s.supervise(gctx, t)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	// Cancellation has propagated through gctx; enforce the deadline.
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(shutdownTimeout):
		s.logger.Error("shutdown deadline exceeded")
		return ErrShutdownTimeout
	}
}

// supervise runs one task, restarting it after panics within the budget.
func (s *Supervisor) supervise(ctx context.Context, t task) error {
	var restarts []time.Time

	for {
		err := s.runOnce(ctx, t)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			s.logger.Info("task finished", "task", t.name)
			return nil
		}

		var p panicError
		if !errors.As(err, &p) {
			// Ordinary errors are fatal to the group; tasks handle their
			// own retries.
			s.logger.Error("task failed", "task", t.name, "error", err)
			return fmt.Errorf("task %s: %w", t.name, err)
		}

		s.logger.Error("task panicked", "task", t.name, "panic", p.value)
		s.st.Dispatch(store.SetError{Message: "internal"})

		now := s.now()
		restarts = pruneOlderThan(restarts, now.Add(-time.Minute))
		restarts = append(restarts, now)
		if len(restarts) > maxRestartsPerMinute {
			s.logger.Error("restart budget exhausted", "task", t.name)
			return fmt.Errorf("task %s: restart budget exhausted: %w", t.name, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
		s.logger.Info("restarting task", "task", t.name, "recent_restarts", len(restarts))
	}
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// runOnce converts a panic into an error instead of crashing the daemon.
func (s *Supervisor) runOnce(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic trace", "task", t.name, "stack", string(debug.Stack()))
			err = panicError{value: r}
		}
	}()
	return t.run(ctx)
}

func pruneOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
