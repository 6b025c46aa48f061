// Package metrics exports queue activity to Prometheus.
//
// The collector observes the bus through a tap and never runs inside a
// publisher's call stack. Events are dropped when it falls behind.
package metrics

import (
	"context"

	"asyncq/internal/eventbus"
	"asyncq/internal/task"
	"asyncq/internal/task/queue"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "asyncq"

// Collector owns a private registry with the queue's metrics.
type Collector struct {
	reg *prometheus.Registry

	events  *prometheus.CounterVec
	settled *prometheus.CounterVec
	retries *prometheus.CounterVec
	runTime prometheus.Histogram
	ends    prometheus.Counter
	invalid prometheus.Counter
}

// New registers the collector's metrics plus gauges reading q's state on scrape.
func New(q *queue.Queue) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus events by channel.",
		}, []string{"channel"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_settled_total",
			Help:      "Items reaching a terminal state, by status.",
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_readmitted_total",
			Help:      "Re-admissions of failed or aborted items.",
		}, []string{"reason"}),
		runTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_run_seconds",
			Help:      "Duration of a single item run.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}),
		ends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drained_total",
			Help:      "END events.",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_invalid_total",
			Help:      "Adds rejected for a missing action.",
		}),
	}
	c.reg.MustRegister(c.events, c.settled, c.retries, c.runTime, c.ends, c.invalid)

	gauge := func(name, help string, fn func(queue.Stats) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn(q.Stats())) })
	}
	c.reg.MustRegister(
		gauge("pending_items", "Items waiting in the pending list.", func(s queue.Stats) int { return s.Pending }),
		gauge("active_items", "Items dispatched and not yet final.", func(s queue.Stats) int { return s.Active }),
		gauge("readmitting_items", "Items inside a re-admission delay.", func(s queue.Stats) int { return s.Readding }),
		gauge("processors", "Pool size.", func(s queue.Stats) int { return s.Pool.Size }),
		gauge("processors_idle", "Idle processors.", func(s queue.Stats) int { return s.Pool.Idle }),
		gauge("processors_running", "Running processors.", func(s queue.Stats) int { return s.Pool.Running }),
		gauge("processors_aborting", "Processors whose item was aborted but hasn't returned.", func(s queue.Stats) int { return s.Pool.Aborting }),
	)
	return c
}

// Registry is what the debug server exposes on /metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Run consumes bus until ctx is done or the bus closes.
func (c *Collector) Run(ctx context.Context, bus *eventbus.Bus) error {
	events, unsub := bus.Tap(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe records one bus event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Channel {
	case task.ChannelAdded, task.ChannelDeleted, task.ChannelRunning, task.ChannelFinished,
		task.ChannelAborted, task.ChannelAvailableProcessor, task.ChannelEnd,
		task.ChannelRetrying, task.ChannelSettled:
		c.events.WithLabelValues(e.Channel).Inc()
	default:
		// Per-item channels would explode label cardinality.
		return
	}

	switch p := e.Payload.(type) {
	case task.Outcome:
		c.runTime.Observe(p.Took.Seconds())
	case task.Settlement:
		c.settled.WithLabelValues(string(p.Status)).Inc()
	case task.Readmission:
		reason := "retry"
		if p.Aborted {
			reason = "abort"
		}
		c.retries.WithLabelValues(reason).Inc()
	case queue.Result:
		c.ends.Inc()
	default:
		if e.Channel == task.ChannelAdded && e.Err != nil {
			c.invalid.Inc()
		}
	}
}
