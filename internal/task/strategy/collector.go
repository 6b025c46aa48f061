package strategy

import (
	"context"
	"sync"

	"asyncq/internal/eventbus"
	"asyncq/internal/task"
	"asyncq/internal/task/queue"
)

// Collector runs a queue to completion and keeps every settlement seen on
// the way, in order.
type Collector struct {
	q   *queue.Queue
	sub eventbus.Subscriber

	mu          sync.Mutex
	settlements []task.Settlement
}

// NewCollector subscribes to q's settlements. Call Run, then Wait.
func NewCollector(q *queue.Queue) *Collector {
	c := &Collector{q: q, sub: q.Listener("")}
	c.sub.On(task.ChannelSettled, func(_ error, payload any) {
		if st, ok := payload.(task.Settlement); ok {
			c.mu.Lock()
			c.settlements = append(c.settlements, st)
			c.mu.Unlock()
		}
	})
	return c
}

// Run starts the queue and waits for END. The subscription is dropped when
// it returns.
func (c *Collector) Run(ctx context.Context, maxParallel int) (queue.Result, error) {
	defer c.sub.Close()
	return c.q.Run(maxParallel).Wait(ctx)
}

// Settlements returns what has been collected so far.
func (c *Collector) Settlements() []task.Settlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]task.Settlement(nil), c.settlements...)
}

// Collect runs q with maxParallel processors and returns its result.
func Collect(ctx context.Context, q *queue.Queue, maxParallel int) (queue.Result, []task.Settlement, error) {
	c := NewCollector(q)
	res, err := c.Run(ctx, maxParallel)
	return res, c.Settlements(), err
}
