package queue

import (
	"context"
	"sync"

	"asyncq/internal/task"
)

// Result holds the terminal items of a run, keyed by item id. Settled is the
// union of Resolved and Rejected; Resolved, Rejected and Aborted are disjoint.
type Result struct {
	Settled  map[string]*task.Item
	Resolved map[string]*task.Item
	Rejected map[string]*task.Item
	Aborted  map[string]*task.Item
}

// Terminal is the number of items that reached a terminal state.
func (r Result) Terminal() int {
	return len(r.Resolved) + len(r.Rejected) + len(r.Aborted)
}

func copyItems(m map[string]*task.Item) map[string]*task.Item {
	out := make(map[string]*task.Item, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Handle resolves once the queue publishes END, or fails with
// task.ErrDestroyed when the queue is destroyed first.
type Handle struct {
	done chan struct{}
	once sync.Once

	res Result
	err error
}

func newHandle() *Handle { return &Handle{done: make(chan struct{})} }

func (h *Handle) settle(res Result, err error) {
	h.once.Do(func() {
		h.res = res
		h.err = err
		close(h.done)
	})
}

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle resolves or ctx is done. A destroyed queue
// yields task.ErrDestroyed together with the partial result.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the final result, or false while the run is still going.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.res, true
	default:
		return Result{}, false
	}
}
