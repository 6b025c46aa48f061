package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"asyncq/internal/task"
	logx "asyncq/pkg/logx"

	"github.com/benbjohnson/clock"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg, logx.Nop(), nil)
	t.Cleanup(q.Destroy)
	return q
}

func value(v any) task.Action {
	return func(context.Context) (any, error) { return v, nil }
}

func failing(err error) task.Action {
	return func(context.Context) (any, error) { return nil, err }
}

// gated blocks until gate closes, ignoring cancellation.
func gated(gate <-chan struct{}, v any) task.Action {
	return func(context.Context) (any, error) {
		<-gate
		return v, nil
	}
}

// cancellable blocks until its context is cancelled.
func cancellable(ctx context.Context) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func wait(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("run handle: %v", err)
	}
	return res
}

func TestAddWhilePaused(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	var addErr error
	q.Bus().Subscribe(task.ChannelAdded, "t", func(err error, _ any) {
		if err != nil {
			addErr = err
		}
	})

	for i := 1; i <= 3; i++ {
		if it := q.Add(value(i)); it == nil || it.ID == "" {
			t.Fatalf("Add returned %v", it)
		}
		if n := len(q.Pending()); n != i {
			t.Fatalf("pending = %d, want %d", n, i)
		}
	}
	if it := q.Add(nil); it != nil {
		t.Fatal("nil action must not be admitted")
	}
	if n := len(q.Pending()); n != 3 {
		t.Fatalf("pending = %d after invalid add", n)
	}
	if !errors.Is(addErr, task.ErrInvalidAction) {
		t.Fatalf("ADDED error = %v", addErr)
	}
}

func TestRemoveAndClear(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	var deleted []task.Removal
	q.Bus().Subscribe(task.ChannelDeleted, "t", func(_ error, p any) {
		deleted = append(deleted, p.(task.Removal))
	})

	q.Add(value(1), task.WithID("dup"))
	q.Add(value(2), task.WithID("keep"))
	q.Add(value(3), task.WithID("dup"))

	if n := q.Remove("dup"); n != 2 {
		t.Fatalf("Remove = %d", n)
	}
	for _, v := range q.Pending() {
		if v.ID == "dup" {
			t.Fatal("removed id still pending")
		}
	}
	if n := q.Remove("missing"); n != 0 {
		t.Fatalf("Remove(missing) = %d", n)
	}

	q.Add(value(4))
	if n := q.Clear(); n != 2 {
		t.Fatalf("Clear = %d", n)
	}
	if len(q.Pending()) != 0 {
		t.Fatal("pending not empty after Clear")
	}
	if len(deleted) != 3 || deleted[0].Removed != 2 || deleted[0].ID != "dup" || deleted[2].Removed != 2 {
		t.Fatalf("DELETED payloads = %+v", deleted)
	}
}

func TestPendingSnapshot(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	q.Add(value(1), task.WithID("a"), task.WithDescription("first"))

	views := q.Pending()
	if len(views) != 1 || views[0].ID != "a" || views[0].Description != "first" {
		t.Fatalf("Pending = %+v", views)
	}
	views[0].ID = "changed"
	if q.Pending()[0].ID != "a" {
		t.Fatal("snapshot aliases queue state")
	}
}

func TestRunThenPauseKeepsParallelismBusy(t *testing.T) {
	t.Parallel()
	const P, N = 3, 7
	q := newTestQueue(t, Config{})
	gate := make(chan struct{})
	defer close(gate)
	for i := 0; i < N; i++ {
		q.Add(gated(gate, i))
	}

	q.Run(P)
	q.Pause(false, nil)

	st := q.Stats()
	if st.Pool.Running != P || st.Pool.Idle != 0 || st.Pending != N-P {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRunThenPauseWithAbort(t *testing.T) {
	t.Parallel()
	const P, N = 2, 5
	q := newTestQueue(t, Config{})
	gate := make(chan struct{})
	for i := 0; i < N; i++ {
		q.Add(gated(gate, i))
	}

	q.Run(P)
	q.Pause(true, nil)

	st := q.Stats()
	if st.Pool.Aborting != P || st.Pool.Idle != 0 || st.Pending != N-P {
		t.Fatalf("stats = %+v", st)
	}
	close(gate)
	waitFor(t, "processors idle", func() bool { return q.Pool().Idle() == P })
	if st := q.Stats(); st.Resolved != P || st.Pending != N-P {
		t.Fatalf("stats after release = %+v", st)
	}
}

func TestPauseWithoutAbortLetsSlowItemFinish(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	slowDone := make(chan any, 1)
	var fastRan atomic.Bool
	q.Add(func(ctx context.Context) (any, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, task.WithResultHandler(func(err error, data any) {
		if err == nil {
			slowDone <- data
		}
	}))
	q.Add(func(context.Context) (any, error) {
		fastRan.Store(true)
		return "fast", nil
	})

	h := q.Run(1)
	q.Pause(false, nil)

	select {
	case v := <-slowDone:
		if v != "slow" {
			t.Fatalf("slow result = %v", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("slow action did not resolve")
	}
	time.Sleep(50 * time.Millisecond)
	if fastRan.Load() {
		t.Fatal("fast action ran while paused")
	}
	if n := len(q.Pending()); n != 1 {
		t.Fatalf("pending = %d", n)
	}

	q.Resume(0)
	res := wait(t, h)
	if !fastRan.Load() || len(res.Resolved) != 2 {
		t.Fatalf("resolved = %d, fast ran = %v", len(res.Resolved), fastRan.Load())
	}
}

func TestPauseWithAbortCancelsAction(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	observed := make(chan error, 1)
	q.Add(func(ctx context.Context) (any, error) {
		defer func() { observed <- context.Cause(ctx) }()
		<-ctx.Done()
		return nil, ctx.Err()
	}, task.WithID("victim"))

	h := q.Run(1)
	q.Pause(true, nil)

	select {
	case cause := <-observed:
		if !task.IsAborted(cause) || !errors.Is(cause, task.ErrPaused) {
			t.Fatalf("cause = %v", cause)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("action never saw cancellation")
	}

	res := wait(t, h)
	it, ok := res.Aborted["victim"]
	if !ok || len(res.Settled) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if !task.IsAborted(it.Err) || it.Retries != 0 {
		t.Fatalf("aborted item = %+v", it.View())
	}
}

func TestPauseWithAbortCatchesItemBetweenPopAndRun(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	var once sync.Once
	q.beforeRun = func(*task.Item) {
		once.Do(func() { q.Pause(true, nil) })
	}

	observed := make(chan error, 1)
	q.Add(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		observed <- context.Cause(ctx)
		return nil, ctx.Err()
	}, task.WithID("late"))
	h := q.Run(1)

	select {
	case cause := <-observed:
		if !errors.Is(cause, task.ErrPaused) {
			t.Fatalf("cause = %v", cause)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("item started after Pause(true) was never aborted")
	}
	if _, ok := wait(t, h).Aborted["late"]; !ok {
		t.Fatal("item not reported aborted")
	}
}

func TestReAddAbortedItems(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{ReAddAbortedItems: true})

	q.Add(cancellable, task.WithID("a"))
	q.Add(cancellable, task.WithID("b"))
	q.Run(1)
	q.Pause(true, nil)

	waitFor(t, "aborted item re-added", func() bool {
		st := q.Stats()
		return st.Pending == 2 && st.Active == 0 && st.Readding == 0
	})
	ids := map[string]bool{}
	for _, v := range q.Pending() {
		ids[v.ID] = true
		if v.Retries != 0 {
			t.Fatalf("abort consumed a retry: %+v", v)
		}
	}
	if !ids["a"] || !ids["b"] {
		t.Fatalf("pending ids = %v", ids)
	}
	if st := q.Stats(); st.Aborted != 0 {
		t.Fatalf("aborted = %d", st.Aborted)
	}
}

func TestMaxAbortReaddsCapsReadmission(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{ReAddAbortedItems: true, MaxAbortReadds: 1})
	q.Add(cancellable, task.WithID("a"))

	h := q.Run(1)
	for i := 0; i < 2; i++ {
		waitFor(t, "item running", func() bool { return q.Pool().Running() == 1 })
		q.Pause(true, nil)
		if i == 0 {
			waitFor(t, "re-added", func() bool { return len(q.Pending()) == 1 })
			q.Resume(0)
		}
	}

	res := wait(t, h)
	it, ok := res.Aborted["a"]
	if !ok || it.Aborts != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()
	const R = 3
	q := newTestQueue(t, Config{Retries: R})

	var calls, retrying atomic.Int32
	q.Bus().Subscribe(task.ChannelRetrying, "t", func(error, any) { retrying.Add(1) })
	boom := errors.New("boom")
	q.Add(func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}, task.WithID("bad"))

	res := wait(t, q.Run(1))
	it, ok := res.Rejected["bad"]
	if !ok {
		t.Fatalf("item not rejected: %+v", res)
	}
	if _, ok := res.Resolved["bad"]; ok {
		t.Fatal("failed item resolved")
	}
	if it.Retries != R || calls.Load() != R+1 || retrying.Load() != R {
		t.Fatalf("retries = %d, calls = %d, RETRYING = %d", it.Retries, calls.Load(), retrying.Load())
	}
	if !errors.Is(it.Err, boom) {
		t.Fatalf("item error = %v", it.Err)
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		err   error
		opts  []task.AddOption
		calls int32
	}{
		{name: "no retry error", err: task.NoRetry(errors.New("bad input")), calls: 1},
		{name: "predicate refuses", err: errors.New("x"), opts: []task.AddOption{task.WithRetryPredicate(func(error) bool { return false })}, calls: 1},
		{name: "default retries", err: errors.New("x"), calls: 3},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := newTestQueue(t, Config{Retries: 2})
			var calls atomic.Int32
			opts := append([]task.AddOption{task.WithID("x")}, tc.opts...)
			q.Add(func(context.Context) (any, error) {
				calls.Add(1)
				return nil, tc.err
			}, opts...)

			res := wait(t, q.Run(1))
			if _, ok := res.Rejected["x"]; !ok {
				t.Fatalf("result = %+v", res)
			}
			if calls.Load() != tc.calls {
				t.Fatalf("calls = %d, want %d", calls.Load(), tc.calls)
			}
		})
	}
}

func TestRetryDelayUsesClock(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	q := newTestQueue(t, Config{Retries: 1, TimeBetweenRetries: time.Minute, Clock: mock})

	var calls atomic.Int32
	q.Add(func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}, task.WithID("flaky"))

	h := q.Run(1)
	waitFor(t, "re-admission scheduled", func() bool { return q.Stats().Readding == 1 })
	if _, done := h.Result(); done {
		t.Fatal("END fired during re-admission delay")
	}
	if n := len(q.Pending()); n != 0 {
		t.Fatalf("pending = %d before delay elapsed", n)
	}

	mock.Add(time.Minute)
	res := wait(t, h)
	if it, ok := res.Resolved["flaky"]; !ok || it.Data != "ok" || it.Retries != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRetryAfterHintOverridesDelay(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	q := newTestQueue(t, Config{Retries: 1, TimeBetweenRetries: time.Hour, Clock: mock})

	var delay atomic.Int64
	q.Bus().Subscribe(task.ChannelRetrying, "t", func(_ error, p any) {
		delay.Store(int64(p.(task.Readmission).Delay))
	})
	var calls atomic.Int32
	q.Add(func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, task.RetryAfter(errors.New("429"), time.Second)
		}
		return nil, nil
	})

	h := q.Run(1)
	waitFor(t, "re-admission scheduled", func() bool { return q.Stats().Readding == 1 })
	if time.Duration(delay.Load()) != time.Second {
		t.Fatalf("delay = %v", time.Duration(delay.Load()))
	}
	mock.Add(time.Second)
	if res := wait(t, h); len(res.Resolved) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRejectedFirstPlacement(t *testing.T) {
	t.Parallel()

	for _, first := range []bool{true, false} {
		first := first
		t.Run(map[bool]string{true: "front", false: "back"}[first], func(t *testing.T) {
			t.Parallel()
			q := newTestQueue(t, Config{Retries: 1, RejectedFirst: first})

			var mu sync.Mutex
			var order []string
			run := func(id string, fail bool) task.Action {
				var failed atomic.Bool
				return func(context.Context) (any, error) {
					mu.Lock()
					order = append(order, id)
					mu.Unlock()
					if fail && !failed.Swap(true) {
						return nil, errors.New("once")
					}
					return id, nil
				}
			}
			q.Add(run("a", true), task.WithID("a"))
			q.Add(run("b", false), task.WithID("b"))
			q.Add(run("c", false), task.WithID("c"))

			wait(t, q.Run(1))
			want := []string{"a", "b", "c", "a"}
			if first {
				want = []string{"a", "a", "b", "c"}
			}
			mu.Lock()
			defer mu.Unlock()
			if len(order) != len(want) {
				t.Fatalf("order = %v, want %v", order, want)
			}
			for i := range want {
				if order[i] != want[i] {
					t.Fatalf("order = %v, want %v", order, want)
				}
			}
		})
	}
}

func TestStopKeepsRunningResult(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	got := make(chan any, 1)
	it := q.Add(func(context.Context) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return 1, nil
	})
	q.Listener("t").On(it.ID, func(err error, data any) {
		if err == nil {
			got <- data
		}
	})
	q.Add(value(2))

	q.Run(1)
	if n := q.Stop(); n != 1 {
		t.Fatalf("Stop cleared %d", n)
	}
	if len(q.Pending()) != 0 {
		t.Fatal("pending not cleared")
	}

	select {
	case v := <-got:
		if v != 1 {
			t.Fatalf("data = %v", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("running item result lost after Stop")
	}
}

func TestRunResultMapsDisjoint(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{Retries: 1})

	var settled atomic.Int32
	q.Bus().Subscribe(task.ChannelSettled, "t", func(error, any) { settled.Add(1) })
	var ends atomic.Int32
	q.Bus().Subscribe(task.ChannelEnd, "t", func(error, any) { ends.Add(1) })

	for i := 0; i < 6; i++ {
		q.Add(value(i))
	}
	for i := 0; i < 3; i++ {
		q.Add(failing(errors.New("nope")))
	}

	res := wait(t, q.Run(3))
	if len(res.Resolved) != 6 || len(res.Rejected) != 3 || len(res.Aborted) != 0 {
		t.Fatalf("resolved=%d rejected=%d aborted=%d", len(res.Resolved), len(res.Rejected), len(res.Aborted))
	}
	for id := range res.Resolved {
		if _, ok := res.Rejected[id]; ok {
			t.Fatalf("%s is both resolved and rejected", id)
		}
	}
	if len(res.Settled) != 9 || res.Terminal() != int(settled.Load()) {
		t.Fatalf("settled = %d, terminal = %d, SETTLED events = %d", len(res.Settled), res.Terminal(), settled.Load())
	}
	if ends.Load() != 1 {
		t.Fatalf("END published %d times", ends.Load())
	}
	if !q.Paused() {
		t.Fatal("queue should pause after END")
	}
}

func TestResultHandlerUnsubscribedAfterSettle(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	var calls atomic.Int32
	it := q.Add(value("v"), task.WithResultHandler(func(err error, data any) {
		if err == nil && data == "v" {
			calls.Add(1)
		}
	}))
	q.mu.Lock()
	channel := resultChannel(q.resultSubs[it])
	q.mu.Unlock()
	if q.Bus().Subscribers(channel) != 1 {
		t.Fatal("result handler not subscribed")
	}
	wait(t, q.Run(1))
	if calls.Load() != 1 {
		t.Fatalf("handler called %d times", calls.Load())
	}
	if q.Bus().Subscribers(channel) != 0 {
		t.Fatal("result handler still subscribed after settle")
	}
}

func TestResultHandlersOfSharedID(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	var mu sync.Mutex
	got := map[string][]any{}
	record := func(name string) task.AddOption {
		return task.WithResultHandler(func(_ error, data any) {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], data)
		})
	}
	q.Add(value("first"), task.WithID("x"), record("h1"))
	q.Add(value("second"), task.WithID("x"), record("h2"))

	var byID atomic.Int32
	q.Listener("by-id").On("x", func(error, any) { byID.Add(1) })

	wait(t, q.Run(1))
	mu.Lock()
	defer mu.Unlock()
	if len(got["h1"]) != 1 || got["h1"][0] != "first" {
		t.Fatalf("h1 = %v", got["h1"])
	}
	if len(got["h2"]) != 1 || got["h2"][0] != "second" {
		t.Fatalf("h2 = %v", got["h2"])
	}
	if byID.Load() != 2 {
		t.Fatalf("id listener saw %d outcomes", byID.Load())
	}
}

func TestAddWhileRunningDispatches(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{KeepAlive: true})
	q.Run(2)

	done := make(chan struct{})
	q.Add(value(1), task.WithResultHandler(func(error, any) { close(done) }))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("item added to a running queue never ran")
	}
}

func TestKeepAliveNeverEnds(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	var ticks atomic.Int32
	q := newTestQueue(t, Config{KeepAlive: true, KeepAliveInterval: time.Second, Clock: mock, OnKeepAlive: func() { ticks.Add(1) }})

	q.Add(value(1))
	h := q.Run(1)
	waitFor(t, "item settled", func() bool { return q.Stats().Resolved == 1 })
	if _, done := h.Result(); done {
		t.Fatal("keep-alive queue published END")
	}

	mock.Add(time.Second)
	waitFor(t, "keep-alive tick", func() bool { return ticks.Load() >= 1 })

	var supervised bool
	for _, g := range q.Pool().Supervisor().Snapshot().Goroutines {
		if g.Name == "queue.keepalive" && g.Active == 1 {
			supervised = true
		}
	}
	if !supervised {
		t.Fatal("keep-alive loop not running under the pool supervisor")
	}

	q.Stop()
	ctx0, cancel0 := context.WithTimeout(context.Background(), time.Second)
	defer cancel0()
	if err := q.Pool().Wait(ctx0); err != nil {
		t.Fatalf("pool wait after Stop: %v", err)
	}

	q.Destroy()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if !errors.Is(err, task.ErrDestroyed) || len(res.Resolved) != 1 {
		t.Fatalf("Wait = %+v, %v", res, err)
	}
	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed by Destroy")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	t.Parallel()
	q := New(Config{}, logx.Nop(), nil)
	q.Add(value(1))
	q.Destroy()
	q.Destroy()
	if it := q.Add(value(2)); it != nil {
		t.Fatal("destroyed queue admitted an item")
	}
	if _, err := q.Run(1).Wait(context.Background()); !errors.Is(err, task.ErrDestroyed) {
		t.Fatalf("Run after Destroy: %v", err)
	}
}

func TestProvisionWhileRunning(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	gate := make(chan struct{})
	defer close(gate)
	for i := 0; i < 4; i++ {
		q.Add(gated(gate, i))
	}

	q.Run(1)
	if r := q.Pool().Running(); r != 1 {
		t.Fatalf("running = %d", r)
	}
	q.Provision(3)
	waitFor(t, "pool grown", func() bool { return q.Pool().Running() == 3 })
	if n := len(q.Pending()); n != 1 {
		t.Fatalf("pending = %d", n)
	}
}
