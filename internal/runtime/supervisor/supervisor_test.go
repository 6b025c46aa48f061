package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failing", func(context.Context) error { return errors.New("boom") })

	select {
	case <-s.Context().Done():
	case <-time.After(3 * time.Second):
		t.Fatal("context not cancelled by error")
	}
	if err := s.Wait(context.Background()); err == nil || err.Error() != "failing: boom" {
		t.Fatalf("Wait = %v", err)
	}
}

func TestGoIgnoresCanceledAndKeepsRunningWithoutCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("cancelled", func(context.Context) error { return context.Canceled })
	s.Go("failing", func(context.Context) error { return errors.New("x") })

	time.Sleep(20 * time.Millisecond)
	if s.Context().Err() != nil {
		t.Fatal("context cancelled without WithCancelOnError")
	}
	if err := s.Stop(context.Background()); err == nil || !strings.HasPrefix(err.Error(), "failing") {
		t.Fatalf("Stop = %v", err)
	}
}

func TestGoRecoversPanics(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("panicky", func(context.Context) { panic("oops") })
	if err := s.Wait(context.Background()); err == nil || !strings.Contains(err.Error(), "panic in panicky: oops") {
		t.Fatalf("Wait = %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 || snap.FirstError == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartBacksOff(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d", runs.Load())
	}
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" && g.Restarts != 2 {
			t.Fatalf("restarts = %d", g.Restarts)
		}
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("doomed", func(context.Context) error { return errors.New("always") },
		WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || !strings.Contains(err.Error(), "doomed: always") {
		t.Fatalf("Wait = %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	defer close(release)
	s.Go0("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v", err)
	}
	if c := s.Counters(); c.Active != 1 || c.Started != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoRestartUsesClock(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := New(context.Background(), WithClock(mock))
	var runs atomic.Int32
	s.GoRestart("ticking", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("again")
		}
		return nil
	}, WithRestartBackoff(time.Minute, time.Hour))

	// Nothing restarts until the mock clock moves past the backoff.
	time.Sleep(20 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs before advancing = %d", n)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d", runs.Load())
		}
		mock.Add(time.Minute)
		time.Sleep(time.Millisecond)
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	var pe *PanicError
	if errors.As(s.Err(), &pe) {
		t.Fatal("unexpected panic")
	}
}
