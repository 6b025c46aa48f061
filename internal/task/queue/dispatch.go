package queue

import (
	"time"

	"asyncq/internal/task"
	"asyncq/internal/task/processor"
	logx "asyncq/pkg/logx"
)

// next dispatches at most one pending item. When no processor is idle it
// queues an Acquire on the pool; the item is popped only once a processor is
// in hand, so Stop and Clear never race with an item parked in a waiter.
func (q *Queue) next() {
	q.mu.Lock()
	if q.paused || q.destroyed || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	if pr, ok := q.pool.TryAcquire(); ok {
		q.dispatch(pr)
		return
	}

	q.mu.Lock()
	if q.acquiring >= q.pool.Size() {
		q.mu.Unlock()
		return
	}
	q.acquiring++
	q.mu.Unlock()

	go func() {
		pr, err := q.pool.Acquire(q.ctx)
		q.mu.Lock()
		q.acquiring--
		q.mu.Unlock()
		if err != nil {
			return
		}
		q.dispatch(pr)
	}()
}

func (q *Queue) dispatch(pr *processor.Processor) {
	q.mu.Lock()
	if q.paused || q.destroyed || len(q.pending) == 0 {
		q.mu.Unlock()
		q.pool.Release(pr)
		q.checkEnd()
		return
	}
	it := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.active[it] = struct{}{}
	q.mu.Unlock()

	if q.beforeRun != nil {
		q.beforeRun(it)
	}
	if !pr.Run(it) {
		q.mu.Lock()
		delete(q.active, it)
		q.pending = append([]*task.Item{it}, q.pending...)
		q.mu.Unlock()
		q.pool.Release(pr)
		return
	}

	// A Pause(true) or Stop between the pop and Run found nothing to abort.
	q.mu.Lock()
	reason := q.abortWith
	q.mu.Unlock()
	if reason != nil {
		pr.Abort(reason)
	}
}

func (q *Queue) owns(it *task.Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return false
	}
	_, ok := q.active[it]
	return ok
}

func (q *Queue) onAborted(err error, payload any) {
	n, ok := payload.(task.AbortNotice)
	if !ok || n.Item == nil || !q.owns(n.Item) {
		return
	}
	q.log.Debug("item aborting", logx.String("item", n.Item.ID), logx.String("processor", n.ProcessorID), logx.Err(err))
}

// onFinished applies policy to the single outcome of a run, pulls the next
// pending item and checks for termination.
func (q *Queue) onFinished(_ error, payload any) {
	o, ok := payload.(task.Outcome)
	if !ok || o.Item == nil || !q.owns(o.Item) {
		return
	}

	switch {
	case o.Aborted:
		q.handleAborted(o)
	case o.Err != nil:
		q.handleFailed(o)
	default:
		q.finalize(o.Item, task.StatusResolved, nil, o.Data)
	}

	q.next()
	q.checkEnd()
}

func (q *Queue) handleFailed(o task.Outcome) {
	it := o.Item
	it.Err = o.Err
	if it.Retries < q.cfg.Retries && it.CanRetry(o.Err) {
		it.Retries++
		delay := q.cfg.TimeBetweenRetries
		if d, ok := task.RetryDelay(o.Err); ok {
			delay = d
		}
		q.log.Debug("item retry scheduled", logx.String("item", it.ID), logx.Int("attempt", it.Retries), logx.Duration("delay", delay), logx.Err(o.Err))
		q.readmit(it, delay, false)
		return
	}
	q.log.Warn("item rejected", logx.String("item", it.ID), logx.Int("retries", it.Retries), logx.Err(o.Err))
	q.finalize(it, task.StatusRejected, o.Err, nil)
}

func (q *Queue) handleAborted(o task.Outcome) {
	it := o.Item
	it.Err = o.Err
	if q.cfg.ReAddAbortedItems && (q.cfg.MaxAbortReadds == 0 || it.Aborts < q.cfg.MaxAbortReadds) {
		it.Aborts++
		q.log.Debug("aborted item re-added", logx.String("item", it.ID), logx.Int("aborts", it.Aborts))
		q.readmit(it, q.cfg.TimeBetweenRetries, true)
		return
	}
	q.log.Debug("item aborted", logx.String("item", it.ID), logx.Err(o.Err))
	q.finalize(it, task.StatusAborted, o.Err, nil)
}

// readmit moves it from active to the re-admission window. The readding
// count keeps checkEnd from firing while the delay runs.
func (q *Queue) readmit(it *task.Item, delay time.Duration, aborted bool) {
	q.mu.Lock()
	delete(q.active, it)
	q.readding++
	var seq uint64
	if delay > 0 {
		q.timerSeq++
		seq = q.timerSeq
		q.timers[seq] = q.clk.AfterFunc(delay, func() { q.readd(it, seq) })
	}
	q.mu.Unlock()

	q.bus.Publish(task.ChannelRetrying, it.Err, task.Readmission{Item: it, Delay: delay, Aborted: aborted})
	if delay <= 0 {
		q.readd(it, 0)
	}
}

func (q *Queue) readd(it *task.Item, seq uint64) {
	q.mu.Lock()
	if seq != 0 {
		if _, ok := q.timers[seq]; !ok {
			// Stopped by Destroy.
			q.mu.Unlock()
			return
		}
		delete(q.timers, seq)
	}
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.readding--
	if q.cfg.RejectedFirst {
		q.pending = append([]*task.Item{it}, q.pending...)
	} else {
		q.pending = append(q.pending, it)
	}
	q.mu.Unlock()

	q.next()
}

// finalize records it under status, delivers the outcome to the item's result
// handler, on its id channel and on SETTLED, then releases it from active.
func (q *Queue) finalize(it *task.Item, status task.Status, err error, data any) {
	now := q.clk.Now()

	q.mu.Lock()
	switch status {
	case task.StatusResolved:
		it.Err = nil
		it.Data = data
		q.resolved[it.ID] = it
		q.settled[it.ID] = it
	case task.StatusRejected:
		q.rejected[it.ID] = it
		q.settled[it.ID] = it
	case task.StatusAborted:
		q.aborted[it.ID] = it
	}
	subs := q.takeResultSubsLocked([]*task.Item{it})
	q.mu.Unlock()

	for _, subID := range subs {
		q.bus.Publish(resultChannel(subID), err, data)
	}
	q.dropResultSubs(subs)
	q.bus.Publish(it.ID, err, data)
	q.bus.Publish(task.ChannelSettled, err, task.Settlement{Item: it, Status: status, Err: err, Data: data, At: now})

	q.mu.Lock()
	delete(q.active, it)
	q.mu.Unlock()
}

// checkEnd publishes END once nothing is pending, active, awaiting
// re-admission or occupying a processor.
func (q *Queue) checkEnd() {
	q.mu.Lock()
	if !q.running || q.destroyed || q.cfg.KeepAlive ||
		len(q.pending) > 0 || len(q.active) > 0 || q.readding > 0 ||
		q.pool.Busy() > 0 {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.paused = true
	res := q.resultLocked()
	q.resetResultsLocked()
	handles := q.handles
	q.handles = nil
	q.mu.Unlock()

	q.log.Info("queue drained",
		logx.Int("resolved", len(res.Resolved)),
		logx.Int("rejected", len(res.Rejected)),
		logx.Int("aborted", len(res.Aborted)),
	)
	q.bus.Publish(task.ChannelEnd, nil, res)
	for _, h := range handles {
		h.settle(res, nil)
	}
}
