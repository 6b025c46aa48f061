// Package queue admits items, drains them through a processor pool and
// applies retry and abort policy until the queue runs dry.
package queue

import (
	"context"
	"sync"

	"asyncq/internal/eventbus"
	"asyncq/internal/task"
	"asyncq/internal/task/processor"
	logx "asyncq/pkg/logx"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Queue owns the pending list, the processor pool and the terminal result
// maps of its runs.
//
// A new queue is paused. Run provisions the pool and starts dispatch; once
// nothing is pending, running or waiting for re-admission the queue publishes
// END and pauses again, unless it is configured to stay alive.
//
// Lock order: a processor's abort lock, then Queue.mu, then the pool lock.
// Nothing is published while Queue.mu is held.
type Queue struct {
	cfg     Config
	clk     clock.Clock
	log     logx.Logger
	bus     *eventbus.Bus
	ownsBus bool
	pool    *processor.Pool
	sub     eventbus.Subscriber

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	destroyOnce sync.Once

	mu        sync.Mutex
	pending   []*task.Item
	paused    bool
	running   bool
	// abortWith is set while a pause or stop that aborts is in force, so an
	// item that was popped before it but started after it is aborted too.
	abortWith error
	destroyed bool

	// active holds items popped from pending whose outcome is not final yet.
	active    map[*task.Item]struct{}
	readding  int
	acquiring int

	timers   map[uint64]*clock.Timer
	timerSeq uint64

	resultSubs map[*task.Item]string

	settled  map[string]*task.Item
	resolved map[string]*task.Item
	rejected map[string]*task.Item
	aborted  map[string]*task.Item

	handles []*Handle

	// beforeRun, when set by tests, runs between popping an item and starting it.
	beforeRun func(*task.Item)

	keepAlive     *clock.Ticker
	keepAliveStop chan struct{}
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Pending  int             `json:"pending"`
	Active   int             `json:"active"`
	Readding int             `json:"readding"`
	Paused   bool            `json:"paused"`
	Running  bool            `json:"running"`
	Resolved int             `json:"resolved"`
	Rejected int             `json:"rejected"`
	Aborted  int             `json:"aborted"`
	Pool     processor.Stats `json:"pool"`
}

// New returns a paused queue with an empty pool. A nil bus gives the queue a
// private bus that is closed by Destroy.
func New(cfg Config, log logx.Logger, bus *eventbus.Bus) *Queue {
	cfg = cfg.normalize()
	owns := bus == nil
	if owns {
		bus = eventbus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:        cfg,
		clk:        cfg.Clock,
		log:        log.With(logx.String("comp", "queue")),
		bus:        bus,
		ownsBus:    owns,
		pool:       processor.NewPool(ctx, bus, log),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		paused:     true,
		active:     map[*task.Item]struct{}{},
		timers:     map[uint64]*clock.Timer{},
		resultSubs: map[*task.Item]string{},
	}
	q.resetResultsLocked()
	q.sub = eventbus.NewSubscriber(bus, "")
	q.sub.On(task.ChannelFinished, q.onFinished)
	q.sub.On(task.ChannelAborted, q.onAborted)
	return q
}

func (q *Queue) Bus() *eventbus.Bus { return q.bus }

func (q *Queue) Pool() *processor.Pool { return q.pool }

// Done is closed by Destroy.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Listener returns a subscriber on the queue's bus, typically bound to an
// item id to receive the outcome of every item carrying that id.
func (q *Queue) Listener(id string) eventbus.Subscriber {
	return eventbus.NewSubscriber(q.bus, id)
}

// Add appends a new item to pending and returns it. A nil action is reported
// on ADDED with task.ErrInvalidAction and Add returns nil.
func (q *Queue) Add(action task.Action, opts ...task.AddOption) *task.Item {
	if action == nil {
		q.log.Warn("item rejected", logx.Err(task.ErrInvalidAction))
		q.bus.Publish(task.ChannelAdded, task.ErrInvalidAction, nil)
		return nil
	}
	it := &task.Item{Action: action, AddedAt: q.clk.Now()}
	for _, o := range opts {
		if o != nil {
			o(it)
		}
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return nil
	}
	if it.OnResult != nil {
		subID := uuid.NewString()
		q.resultSubs[it] = subID
		q.bus.Subscribe(resultChannel(subID), subID, it.OnResult)
	}
	q.pending = append(q.pending, it)
	paused := q.paused
	q.mu.Unlock()

	q.log.Debug("item added", logx.String("item", it.ID))
	q.bus.Publish(task.ChannelAdded, nil, it)
	if !paused && q.pool.Idle() > 0 {
		q.next()
	}
	return it
}

// Remove drops every pending item with the given id and returns how many
// were removed.
func (q *Queue) Remove(id string) int {
	q.mu.Lock()
	kept := q.pending[:0]
	var removed []*task.Item
	for _, it := range q.pending {
		if it.ID == id {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	subs := q.takeResultSubsLocked(removed)
	q.mu.Unlock()

	q.dropResultSubs(subs)
	q.bus.Publish(task.ChannelDeleted, nil, task.Removal{ID: id, Removed: len(removed)})
	q.checkEnd()
	return len(removed)
}

// Clear empties pending and returns how many items it held.
func (q *Queue) Clear() int {
	q.mu.Lock()
	removed := q.pending
	q.pending = nil
	subs := q.takeResultSubsLocked(removed)
	q.mu.Unlock()

	q.dropResultSubs(subs)
	if len(removed) > 0 {
		q.log.Debug("pending cleared", logx.Int("removed", len(removed)))
	}
	q.bus.Publish(task.ChannelDeleted, nil, task.Removal{Removed: len(removed)})
	q.checkEnd()
	return len(removed)
}

// Pause stops dispatch. With abort, every running item is aborted with
// reason (task.ErrPaused when nil). Pausing a paused queue does nothing.
func (q *Queue) Pause(abort bool, reason error) {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}
	if abort && reason == nil {
		reason = task.ErrPaused
	}
	q.paused = true
	if abort {
		q.abortWith = reason
	}
	q.mu.Unlock()

	q.log.Debug("queue paused", logx.Bool("abort", abort))
	if abort {
		q.pool.AbortBusy(reason)
	}
}

// Resume restarts dispatch of up to n items; n <= 0 means the pool size.
func (q *Queue) Resume(n int) {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.paused = false
	q.abortWith = nil
	q.mu.Unlock()

	if n <= 0 {
		n = q.pool.Size()
	}
	for i := 0; i < n; i++ {
		q.next()
	}
}

// Stop pauses, aborts running items with task.ErrStopped, ends the keep-alive
// ticker and clears pending. Running items still deliver their outcome. It
// returns the cleared count.
func (q *Queue) Stop() int {
	q.mu.Lock()
	q.paused = true
	q.abortWith = task.ErrStopped
	q.stopKeepAliveLocked()
	q.mu.Unlock()

	q.pool.AbortBusy(task.ErrStopped)
	return q.Clear()
}

// Destroy stops the queue for good: pending timers and the keep-alive ticker
// are released, open run handles fail with task.ErrDestroyed and Done is
// closed. Items still running are not waited for; see Pool().Wait.
func (q *Queue) Destroy() {
	q.destroyOnce.Do(q.destroy)
}

func (q *Queue) destroy() {
	q.Stop()

	q.mu.Lock()
	q.destroyed = true
	q.running = false
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.readding = 0
	q.stopKeepAliveLocked()
	res := q.resultLocked()
	handles := q.handles
	q.handles = nil
	q.mu.Unlock()

	q.cancel()
	q.sub.Close()
	q.pool.Close()
	for _, h := range handles {
		h.settle(res, task.ErrDestroyed)
	}
	q.log.Info("queue destroyed", logx.Int("settled", len(res.Settled)), logx.Int("aborted", len(res.Aborted)))
	close(q.done)
	if q.ownsBus {
		q.bus.Close()
	}
}

// Run provisions the pool to maxParallel (when > 0, or to one processor when
// the pool is empty), resumes dispatch and returns a handle that resolves on
// END. Each END reports the items finalized since the previous one. A run over
// an empty queue stays open until items are added and drained.
func (q *Queue) Run(maxParallel int) *Handle {
	h := newHandle()
	if maxParallel > 0 || q.pool.Size() == 0 {
		q.pool.Provision(maxParallel)
	}

	q.mu.Lock()
	if q.destroyed {
		res := q.resultLocked()
		q.mu.Unlock()
		h.settle(res, task.ErrDestroyed)
		return h
	}
	q.handles = append(q.handles, h)
	if !q.running {
		q.running = true
		q.log.Info("queue running", logx.Int("workers", q.pool.Size()), logx.Int("pending", len(q.pending)))
	}
	q.startKeepAliveLocked()
	q.mu.Unlock()

	q.Resume(0)
	return h
}

// Provision resizes the pool; see processor.Pool.Provision. Extra idle
// processors start pulling pending items right away when not paused.
func (q *Queue) Provision(n int) {
	q.pool.Provision(n)
	if q.Paused() {
		return
	}
	for i := q.pool.Idle(); i > 0; i-- {
		q.next()
	}
}

// Pending returns a snapshot of the pending list.
func (q *Queue) Pending() []task.ItemView {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]task.ItemView, 0, len(q.pending))
	for _, it := range q.pending {
		out = append(out, it.View())
	}
	return out
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:  len(q.pending),
		Active:   len(q.active),
		Readding: q.readding,
		Paused:   q.paused,
		Running:  q.running,
		Resolved: len(q.resolved),
		Rejected: len(q.rejected),
		Aborted:  len(q.aborted),
		Pool:     q.pool.Stats(),
	}
}

func (q *Queue) resetResultsLocked() {
	q.settled = map[string]*task.Item{}
	q.resolved = map[string]*task.Item{}
	q.rejected = map[string]*task.Item{}
	q.aborted = map[string]*task.Item{}
}

func (q *Queue) resultLocked() Result {
	return Result{
		Settled:  copyItems(q.settled),
		Resolved: copyItems(q.resolved),
		Rejected: copyItems(q.rejected),
		Aborted:  copyItems(q.aborted),
	}
}

// resultChannel is the bus channel of one item's result handler. Items may
// share an id, so the handler is keyed by its subscription instead.
func resultChannel(subID string) string { return "result:" + subID }

func (q *Queue) takeResultSubsLocked(items []*task.Item) []string {
	var subs []string
	for _, it := range items {
		if id, ok := q.resultSubs[it]; ok {
			subs = append(subs, id)
			delete(q.resultSubs, it)
		}
	}
	return subs
}

func (q *Queue) dropResultSubs(subs []string) {
	for _, subID := range subs {
		q.bus.Unsubscribe(resultChannel(subID), subID)
	}
}

func (q *Queue) startKeepAliveLocked() {
	if !q.cfg.KeepAlive || q.keepAlive != nil {
		return
	}
	t := q.clk.Ticker(q.cfg.KeepAliveInterval)
	stop := make(chan struct{})
	q.keepAlive = t
	q.keepAliveStop = stop
	fn := q.cfg.OnKeepAlive
	q.pool.Supervisor().Go0("queue.keepalive", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				if fn != nil {
					fn()
				}
			}
		}
	})
}

func (q *Queue) stopKeepAliveLocked() {
	if q.keepAlive == nil {
		return
	}
	q.keepAlive.Stop()
	close(q.keepAliveStop)
	q.keepAlive = nil
	q.keepAliveStop = nil
}
