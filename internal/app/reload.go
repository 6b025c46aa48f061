package app

import (
	"context"
	"slices"
	"strings"

	"asyncq/internal/config"
	"asyncq/internal/jobs"
	logx "asyncq/pkg/logx"
)

// reloadLoop applies validated config changes published by the watcher.
func (a *App) reloadLoop(c context.Context) {
	sub, unsubscribe := a.cfgm.Subscribe()
	defer unsubscribe()

	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.apply(c, last, next)
			last = next
		}
	}
}

func (a *App) apply(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}

	if changed("queue") {
		if workers(prev) != workers(next) {
			a.q.Provision(workers(next))
			a.log.Info("pool resized", logx.Int("workers", a.q.Pool().Size()))
		}
		pq, nq := prev.Queue, next.Queue
		pq.Workers, nq.Workers = 0, 0
		if !queuePolicyEqual(pq, nq) {
			a.log.Warn("queue policy changed; restart required for changes to take effect")
		}
	}

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed("jobs") || changed("feed") {
		cmds, err := jobs.FromConfigs(next.Jobs)
		if err != nil {
			// The validator already rejected this; keep the previous set.
			a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
		} else {
			a.feeder.Apply(cmds, next.Feed)
		}
	}

	if changed("debug") {
		dc, err := mapDebugConfig(next)
		if err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(c, dc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func queuePolicyEqual(a, b config.QueueConfig) bool {
	return a.Retries == b.Retries &&
		a.RetryDelay() == b.RetryDelay() &&
		a.RejectedFirst == b.RejectedFirst &&
		a.ReAddAbortedItems == b.ReAddAbortedItems &&
		a.EndsWhenSettled() == b.EndsWhenSettled() &&
		a.MaxAbortReadds == b.MaxAbortReadds &&
		a.KeepAlive() == b.KeepAlive()
}
