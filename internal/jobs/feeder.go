package jobs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"asyncq/internal/config"
	"asyncq/internal/storage"
	"asyncq/internal/task"
	"asyncq/internal/task/queue"
	logx "asyncq/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// ErrQueueClosed is returned by Enqueue once the queue is destroyed.
var ErrQueueClosed = errors.New("queue no longer accepts items")

const maxStartupSpread = 30 * time.Second

// Feeder adds job runs to a queue on their schedules.
//
// Once jobs are added when the feeder starts. Interval jobs whose last
// successful run (from the store) is older than their interval are also
// added at start. Admission is throttled by a token bucket.
type Feeder struct {
	q     *queue.Queue
	store storage.Store
	log   logx.Logger

	mu      sync.Mutex
	jobs    []Command
	limiter *rate.Limiter
	loc     *time.Location
	c       *cron.Cron
	ctx     context.Context
	entries map[string]cron.EntryID
}

// NewFeeder returns a stopped feeder. store may be nil.
func NewFeeder(q *queue.Queue, store storage.Store, log logx.Logger) *Feeder {
	return &Feeder{
		q:       q,
		store:   store,
		log:     log.With(logx.String("comp", "feeder")),
		limiter: rate.NewLimiter(rate.Inf, 0),
		loc:     time.Local,
		entries: map[string]cron.EntryID{},
	}
}

// Apply replaces the job set and admission settings. A running feeder
// reschedules immediately; once jobs are not re-run.
func (f *Feeder) Apply(jobs []Command, feed config.FeedConfig) {
	loc := time.Local
	if tz := strings.TrimSpace(feed.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			f.log.Warn("invalid feed.timezone, using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs[:0:0], jobs...)
	f.loc = loc
	if feed.RatePerSec > 0 {
		burst := feed.Burst
		if burst <= 0 {
			burst = max(1, int(feed.RatePerSec))
		}
		f.limiter.SetLimit(rate.Limit(feed.RatePerSec))
		f.limiter.SetBurst(burst)
	} else {
		f.limiter.SetLimit(rate.Inf)
	}
	if f.c != nil {
		f.restartLocked()
	}
}

// Start schedules every job and adds the due ones. It returns immediately;
// scheduling stops when ctx is done or Stop is called.
func (f *Feeder) Start(ctx context.Context) {
	f.mu.Lock()
	if f.c != nil {
		f.mu.Unlock()
		return
	}
	f.ctx = ctx
	f.restartLocked()
	jobs := append([]Command(nil), f.jobs...)
	f.mu.Unlock()

	now := time.Now()
	for _, j := range jobs {
		if !f.due(ctx, j, now) {
			continue
		}
		if _, err := f.Enqueue(ctx, j); err != nil {
			f.log.Warn("startup enqueue failed", logx.String("job", j.Name), logx.Err(err))
		}
	}

	go func() {
		<-ctx.Done()
		f.Stop()
	}()
}

// Stop halts scheduling and waits for cron callbacks in progress.
func (f *Feeder) Stop() {
	f.mu.Lock()
	c := f.c
	f.c = nil
	f.entries = map[string]cron.EntryID{}
	f.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Next reports the next scheduled time of each recurring job.
func (f *Feeder) Next() map[string]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(f.entries))
	if f.c == nil {
		return out
	}
	for name, id := range f.entries {
		out[name] = f.c.Entry(id).Next
	}
	return out
}

// Enqueue waits for an admission token and adds one run of j.
func (f *Feeder) Enqueue(ctx context.Context, j Command) (*task.Item, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", j.Name, err)
	}
	it := f.q.Add(j.Action(f.log),
		task.WithDescription(j.Name),
		task.WithResultHandler(func(err error, _ any) {
			if err != nil || f.store == nil {
				return
			}
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if perr := f.store.PutJobRun(sctx, j.Name, time.Now()); perr != nil {
				f.log.Warn("job cursor not saved", logx.String("job", j.Name), logx.Err(perr))
			}
		}),
	)
	if it == nil {
		return nil, ErrQueueClosed
	}
	f.log.Debug("job enqueued", logx.String("job", j.Name), logx.String("item", it.ID))
	return it, nil
}

func (f *Feeder) due(ctx context.Context, j Command, now time.Time) bool {
	switch j.Schedule.Kind {
	case Once:
		return true
	case Interval:
		if f.store == nil {
			return false
		}
		last, ok, err := f.store.GetJobRun(ctx, j.Name)
		if err != nil {
			f.log.Warn("job cursor unreadable", logx.String("job", j.Name), logx.Err(err))
			return false
		}
		return ok && now.Sub(last) >= j.Schedule.Every
	default:
		return false
	}
}

// restartLocked rebuilds the cron runner from f.jobs. Call with f.mu held.
func (f *Feeder) restartLocked() {
	if f.c != nil {
		<-f.c.Stop().Done()
	}
	clog := cronLogger{f.log}
	f.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(f.loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog)),
	)
	f.entries = map[string]cron.EntryID{}
	now := time.Now().In(f.loc)
	for _, j := range f.jobs {
		if j.Schedule.Kind == Once {
			continue
		}
		sched, err := j.Schedule.cronSchedule()
		if err != nil {
			f.log.Warn("job not scheduled", logx.String("job", j.Name), logx.Err(err))
			continue
		}
		if j.Schedule.Kind == Interval {
			sched = withStartupSpread(sched, j.Schedule.Every, now, j.Name)
		}
		j := j
		ctx := f.ctx
		f.entries[j.Name] = f.c.Schedule(sched, cron.FuncJob(func() {
			if _, err := f.Enqueue(ctx, j); err != nil && ctx.Err() == nil {
				f.log.Warn("scheduled enqueue failed", logx.String("job", j.Name), logx.Err(err))
			}
		}))
	}
	f.c.Start()
	f.log.Info("feeder scheduled", logx.String("tz", f.loc.String()), logx.Int("recurring", len(f.entries)), logx.Int("jobs", len(f.jobs)))
}

// spreadSchedule delays only the first run of an interval schedule so jobs
// sharing an interval don't all fire together after a restart.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withStartupSpread(base cron.Schedule, every time.Duration, now time.Time, tag string) cron.Schedule {
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), h.Sum64()))
	jitter := time.Duration(rng.Int64N(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
