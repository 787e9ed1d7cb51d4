package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"podwatch/internal/config"
	"podwatch/internal/store"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()
	st := store.New(slog.New(slog.NewTextHandler(io.Discard, nil)), config.Default())
	t.Cleanup(st.Close)
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), st)
	s.backoff = 10 * time.Millisecond
	return s, st
}

func TestPanickingTaskIsRestarted(t *testing.T) {
	s, st := newTestSupervisor(t)

	var starts atomic.Int32
	s.Add("flaky", func(ctx context.Context) error {
		n := starts.Add(1)
		if n <= 2 {
			panic("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for starts.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("task restarted %d times, want 3 starts", starts.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if msg := st.UIState().ErrorMessage; msg != "internal" {
		t.Errorf("error message = %q, want internal", msg)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v after clean cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not exit")
	}
}

func TestRestartBudgetExhausted(t *testing.T) {
	s, _ := newTestSupervisor(t)

	var starts atomic.Int32
	s.Add("hopeless", func(ctx context.Context) error {
		starts.Add(1)
		panic("boom")
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "restart budget exhausted") {
			t.Errorf("run returned %v, want budget exhaustion", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run never gave up")
	}

	// The budget allows three restarts: four runs total.
	if got := starts.Load(); got != 4 {
		t.Errorf("task ran %d times, want 4", got)
	}
}

func TestOrdinaryErrorIsFatal(t *testing.T) {
	s, _ := newTestSupervisor(t)

	fatal := errors.New("listener gone")
	s.Add("failing", func(ctx context.Context) error { return fatal })

	stopped := make(chan struct{})
	s.Add("peer", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, fatal) {
			t.Errorf("run returned %v, want wrapped task error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not exit")
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Errorf("peer task was not cancelled")
	}
}

func TestShutdownDeadline(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the shutdown deadline")
	}
	s, _ := newTestSupervisor(t)

	block := make(chan struct{})
	defer close(block)
	s.Add("stuck", func(ctx context.Context) error {
		// Ignores cancellation on purpose.
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("run returned %v, want shutdown timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not enforce the deadline")
	}
}
