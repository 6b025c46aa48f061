package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"asyncq/internal/config"
	"asyncq/internal/storage"
	"asyncq/internal/task"
	"asyncq/internal/task/queue"
	logx "asyncq/pkg/logx"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type settledLog struct {
	mu  sync.Mutex
	got []task.Settlement
}

func (l *settledLog) on(_ error, payload any) {
	if s, ok := payload.(task.Settlement); ok {
		l.mu.Lock()
		l.got = append(l.got, s)
		l.mu.Unlock()
	}
}

func (l *settledLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, s := range l.got {
		out = append(out, s.Item.Description.(string))
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFeederStartEnqueuesDueJobs(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := openStore(t)
	// "stale" last succeeded two hours ago with a one hour interval.
	if err := st.PutJobRun(ctx, "stale", time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.PutJobRun(ctx, "fresh", time.Now()); err != nil {
		t.Fatal(err)
	}

	q := queue.New(queue.Config{KeepAlive: true}, logx.Nop(), nil)
	defer q.Destroy()
	var log settledLog
	q.Bus().Subscribe(task.ChannelSettled, "test", log.on)

	once := shellJob(t, "once", "exit 0")
	stale := shellJob(t, "stale", "exit 0")
	stale.Schedule = Schedule{Kind: Interval, Every: time.Hour}
	fresh := shellJob(t, "fresh", "exit 0")
	fresh.Schedule = Schedule{Kind: Interval, Every: time.Hour}

	f := NewFeeder(q, st, logx.Nop())
	f.Apply([]Command{once, stale, fresh}, config.FeedConfig{})
	f.Start(ctx)
	defer f.Stop()

	if pending := q.Pending(); len(pending) != 2 {
		t.Fatalf("pending = %+v", pending)
	}
	next := f.Next()
	if _, ok := next["once"]; ok || next["stale"].IsZero() || next["fresh"].IsZero() {
		t.Fatalf("next = %v", next)
	}

	q.Run(2)
	waitFor(t, "two settlements", func() bool { return len(log.names()) == 2 })

	waitFor(t, "once cursor", func() bool {
		_, ok, _ := st.GetJobRun(ctx, "once")
		return ok
	})
	at, _, _ := st.GetJobRun(ctx, "stale")
	if time.Since(at) > time.Minute {
		t.Fatalf("stale cursor not advanced: %v", at)
	}
}

func TestFeederRateLimit(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{}, logx.Nop(), nil)
	defer q.Destroy()

	f := NewFeeder(q, nil, logx.Nop())
	f.Apply(nil, config.FeedConfig{RatePerSec: 20, Burst: 1})

	j := shellJob(t, "j", "exit 0")
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := f.Enqueue(context.Background(), j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	// One token up front, then 50ms per item.
	if took := time.Since(start); took < 80*time.Millisecond {
		t.Fatalf("3 enqueues took %v", took)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Enqueue(ctx, j); err == nil {
		t.Fatal("Enqueue with cancelled ctx should fail")
	}
}

func TestFeederEnqueueAfterDestroy(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{}, logx.Nop(), nil)
	f := NewFeeder(q, nil, logx.Nop())
	q.Destroy()
	if _, err := f.Enqueue(context.Background(), shellJob(t, "j", "exit 0")); err != ErrQueueClosed {
		t.Fatalf("err = %v", err)
	}
}

func TestFeederApplyReschedules(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := queue.New(queue.Config{}, logx.Nop(), nil)
	defer q.Destroy()

	daily := shellJob(t, "daily", "exit 0")
	daily.Schedule, _ = ParseSchedule("@daily")
	f := NewFeeder(q, nil, logx.Nop())
	f.Apply([]Command{daily}, config.FeedConfig{Timezone: "UTC"})
	f.Start(ctx)
	if len(f.Next()) != 1 {
		t.Fatalf("next = %v", f.Next())
	}

	f.Apply(nil, config.FeedConfig{Timezone: "Not/AZone"})
	if len(f.Next()) != 0 {
		t.Fatalf("next after apply = %v", f.Next())
	}

	cancel()
	waitFor(t, "stop on ctx", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.c == nil
	})
}
