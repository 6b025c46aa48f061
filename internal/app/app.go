package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"asyncq/internal/config"
	"asyncq/internal/eventbus"
	"asyncq/internal/jobs"
	"asyncq/internal/observability/debug"
	"asyncq/internal/observability/metrics"
	"asyncq/internal/runtime/supervisor"
	"asyncq/internal/storage"
	"asyncq/internal/task"
	"asyncq/internal/task/queue"
	"asyncq/internal/task/strategy"
	logx "asyncq/pkg/logx"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus     *eventbus.Bus
	store   storage.Store
	q       *queue.Queue
	metrics *metrics.Collector
	debug   *debug.Service
	feeder  *jobs.Feeder
	sd      *sdNotifier

	pipes     *errgroup.Group
	handle    *queue.Handle
	keepAlive bool

	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
	stopErr  error
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if store, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	cmds, err := jobs.FromConfigs(cfg.Jobs)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		bus:       eventbus.New(),
		store:     store,
		sd:        newSDNotifier(log.With(logx.String("comp", "systemd"))),
		keepAlive: !cfg.Queue.EndsWhenSettled(),
		done:      make(chan struct{}),
	}

	qc := mapQueueConfig(cfg)
	qc.KeepAliveInterval = a.sd.keepAliveInterval(qc.KeepAliveInterval)
	qc.OnKeepAlive = a.onKeepAlive
	a.q = queue.New(qc, logs.Logger(), a.bus)
	a.metrics = metrics.New(a.q)
	a.debug = debug.New(dcfg, debug.Sources{
		Metrics:  a.metrics.Registry(),
		Snapshot: func() any { return a.Snapshot(context.Background()) },
		Health:   a.health,
	}, logs.Logger())
	a.feeder = jobs.NewFeeder(a.q, store, logs.Logger())
	a.feeder.Apply(cmds, cfg.Feed)
	return a, nil
}

// validate runs the checks that need more than the config package knows.
func validate(_ context.Context, cfg *config.Config) error {
	var err error
	err = multierr.Append(err, jobs.Validate(cfg))
	if _, _, serr := mapStorageConfig(cfg); serr != nil {
		err = multierr.Append(err, serr)
	}
	if _, derr := mapDebugConfig(cfg); derr != nil {
		err = multierr.Append(err, derr)
	}
	return err
}

// Queue exposes the scheduler for embedding callers.
func (a *App) Queue() *queue.Queue { return a.q }

// Done is closed once the queue drained (end_when_settled) or the app
// supervisor stopped.
func (a *App) Done() <-chan struct{} { return a.done }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Result is the last run result, once the queue drained.
func (a *App) Result() (queue.Result, bool) {
	if a.handle == nil {
		return queue.Result{}, false
	}
	return a.handle.Result()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.Configure(
		config.WithLogger(a.logs.Logger().With(logx.String("comp", "config"))),
		config.WithValidator(validate),
	)

	g, gctx := errgroup.WithContext(a.sup.Context())
	a.pipes = g
	g.Go(func() error { return a.metrics.Run(gctx, a.bus) })
	// Subscribed before Run so no settlement is missed.
	stream := strategy.NewStream(a.q, 0)
	g.Go(func() error { return a.journal(stream) })

	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go0("app.done", func(c context.Context) {
		<-c.Done()
		a.closeDone()
	})

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}
	a.feeder.Start(a.sup.Context())

	a.handle = a.q.Run(workers(a.cfgm.Get()))
	if !a.keepAlive {
		a.sup.Go0("queue.end", func(c context.Context) {
			select {
			case <-c.Done():
				return
			case <-a.handle.Done():
			}
			if res, ok := a.handle.Result(); ok {
				a.log.Info("queue drained",
					logx.String("settled", humanize.Comma(int64(len(res.Settled)))),
					logx.Int("resolved", len(res.Resolved)),
					logx.Int("rejected", len(res.Rejected)),
					logx.Int("aborted", len(res.Aborted)),
				)
			}
			a.closeDone()
		})
	}

	a.sd.Ready()
	a.sd.Status(a.q.Stats())
	a.log.Info("app started",
		logx.Int("workers", a.q.Pool().Size()),
		logx.Int("pending", len(a.q.Pending())),
		logx.Bool("keep_alive", a.keepAlive),
	)
	return nil
}

func (a *App) closeDone() { a.doneOnce.Do(func() { close(a.done) }) }

func (a *App) onKeepAlive() {
	a.sd.Watchdog()
	a.sd.Status(a.q.Stats())
}

// journal appends every settlement to the store until the stream closes.
func (a *App) journal(stream *strategy.Stream) error {
	for s := range stream.C() {
		if a.store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := a.store.AppendOutcome(ctx, outcomeRecord(s))
		cancel()
		if err != nil {
			a.log.Warn("outcome not journaled", logx.String("item", s.Item.ID), logx.Err(err))
		}
	}
	return nil
}

func outcomeRecord(s task.Settlement) storage.OutcomeRecord {
	r := storage.OutcomeRecord{
		At:     s.At,
		Status: string(s.Status),
	}
	if it := s.Item; it != nil {
		r.ItemID = it.ID
		r.Retries = it.Retries
		r.Aborts = it.Aborts
		if it.Description != nil {
			r.Description = fmt.Sprint(it.Description)
		}
	}
	if s.Err != nil {
		r.Error = s.Err.Error()
	}
	if s.Data != nil {
		if b, err := json.Marshal(s.Data); err == nil {
			r.DataJSON = string(b)
		}
	}
	return r
}

// Snapshot is the /queue document.
type Snapshot struct {
	Stats       queue.Stats             `json:"stats"`
	Pending     []task.ItemView         `json:"pending"`
	NextRuns    map[string]time.Time    `json:"next_runs,omitempty"`
	Recent      []storage.OutcomeRecord `json:"recent,omitempty"`
	Supervisors map[string]any          `json:"supervisors,omitempty"`
	Config      config.ReloadStats      `json:"config"`
}

func (a *App) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		Stats:    a.q.Stats(),
		Pending:  a.q.Pending(),
		NextRuns: a.feeder.Next(),
		Config:   a.cfgm.Stats(),
	}
	if a.store != nil {
		if recent, err := a.store.RecentOutcomes(ctx, 20); err == nil {
			s.Recent = recent
		}
	}
	sups := map[string]any{"pool": a.q.Pool().Supervisor().Snapshot()}
	if a.sup != nil {
		sups["app"] = a.sup.Snapshot()
	}
	s.Supervisors = sups
	return s
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	select {
	case <-a.q.Done():
		return errors.New("queue destroyed")
	default:
		return nil
	}
}

// Stop shuts everything down in dependency order and returns the combined
// errors. Calling it again returns the first result.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	var errs error
	a.feeder.Stop()

	cleared := a.q.Stop()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.q.Pool().Wait(waitCtx); err != nil {
		a.log.Warn("items still running at shutdown", logx.Err(err))
	}
	cancel()
	a.q.Destroy()
	a.log.Debug("queue stopped", logx.Int("cleared", cleared))

	a.sup.Cancel()
	errs = multierr.Append(errs, a.pipes.Wait())
	a.debug.Stop(ctx)
	if a.store != nil {
		errs = multierr.Append(errs, a.store.Close())
	}
	a.bus.Close()
	errs = multierr.Append(errs, a.sup.Wait(ctx))

	a.log.Info("stopped", logx.Err(errs))
	errs = multierr.Append(errs, a.logs.Close())
	a.closeDone()
	return errs
}
