package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"asyncq/internal/eventbus"
	"asyncq/internal/runtime/supervisor"
	"asyncq/internal/task"
	logx "asyncq/pkg/logx"
)

// ErrPoolClosed is returned by Acquire once the pool is closed.
var ErrPoolClosed = errors.New("processor pool closed")

// Debug lines per second allowed through from all processors together.
const itemLogBurst = 64

// State is the pool's view of a processor.
type State int

const (
	Idle State = iota
	Running
	Aborting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Aborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time count of pool state.
type Stats struct {
	Size     int `json:"size"`
	Idle     int `json:"idle"`
	Running  int `json:"running"`
	Aborting int `json:"aborting"`
	Retiring int `json:"retiring"`
	Waiting  int `json:"waiting"`
}

// Pool owns a set of processors and hands idle ones out in request order.
//
// Every processor has exactly one State. Idle processors are also kept in
// acquisition order; callers that find none idle queue up and are served
// first-come first-served as processors self-release on AVAILABLE_PROCESSOR.
//
// Processors removed by Provision while busy are retiring: they finish their
// current item and are dropped when they release. Retiring processors still
// count as running or aborting but not toward Size.
type Pool struct {
	bus *eventbus.Bus
	sup *supervisor.Supervisor
	log logx.Logger
	// shared by all processors; per-item debug lines are sampled
	itemLog logx.Logger
	sub     eventbus.Subscriber

	mu       sync.Mutex
	procs    map[string]*Processor
	state    map[string]State
	idle     []*Processor
	retiring map[string]struct{}
	waiters  []chan *Processor
	closed   bool
}

// NewPool returns an empty pool subscribed to bus. Item contexts derive from ctx.
func NewPool(ctx context.Context, bus *eventbus.Bus, log logx.Logger) *Pool {
	log = log.With(logx.String("comp", "pool"))
	p := &Pool{
		bus:      bus,
		sup:      supervisor.New(ctx, supervisor.WithLogger(log)),
		log:      log,
		itemLog:  log.Sampled(itemLogBurst, time.Second),
		procs:    map[string]*Processor{},
		state:    map[string]State{},
		retiring: map[string]struct{}{},
	}
	p.sub = eventbus.NewSubscriber(bus, "")
	p.sub.On(task.ChannelAvailableProcessor, p.onAvailable)
	p.sub.On(task.ChannelAborted, p.onAborted)
	return p
}

// Provision resizes the pool to n processors (n < 1 means 1). Shrinking
// removes idle processors first and retires busy ones after that.
func (p *Pool) Provision(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	size := len(p.procs) - len(p.retiring)
	switch {
	case size < n:
		for i := size; i < n; i++ {
			pr := New(p.bus, p.sup, p.itemLog)
			p.procs[pr.id] = pr
			p.state[pr.id] = Idle
			p.idle = append(p.idle, pr)
		}
		p.serveWaitersLocked()
	case size > n:
		drop := size - n
		for drop > 0 && len(p.idle) > 0 {
			last := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			delete(p.procs, last.id)
			delete(p.state, last.id)
			drop--
		}
		for id := range p.procs {
			if drop == 0 {
				break
			}
			if _, ok := p.retiring[id]; ok {
				continue
			}
			p.retiring[id] = struct{}{}
			drop--
		}
	default:
		return
	}
	p.log.Debug("pool provisioned", logx.Int("size", n), logx.Int("retiring", len(p.retiring)))
}

// TryAcquire returns the longest-idle processor, marking it running.
func (p *Pool) TryAcquire() (*Processor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) == 0 {
		return nil, false
	}
	return p.popIdleLocked(), true
}

// Acquire returns an idle processor, waiting behind earlier callers if none
// is free. A processor handed out is running until it self-releases or the
// caller gives it back with Release.
func (p *Pool) Acquire(ctx context.Context) (*Processor, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.idle) > 0 {
		pr := p.popIdleLocked()
		p.mu.Unlock()
		return pr, nil
	}
	w := make(chan *Processor, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case pr, ok := <-w:
		if !ok || pr == nil {
			return nil, ErrPoolClosed
		}
		return pr, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	p.mu.Unlock()
	// Served (or closed) concurrently with cancellation.
	if pr, ok := <-w; ok && pr != nil {
		p.Release(pr)
	}
	return nil, ctx.Err()
}

// Release returns pr to the pool. It is called for every AVAILABLE_PROCESSOR
// event and by callers that acquired a processor they ended up not using.
func (p *Pool) Release(pr *Processor) {
	if pr == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.procs[pr.id]; !ok {
		return
	}
	if _, ok := p.retiring[pr.id]; ok {
		delete(p.retiring, pr.id)
		delete(p.procs, pr.id)
		delete(p.state, pr.id)
		p.log.Debug("retired processor released", logx.String("processor", pr.id))
		return
	}
	if p.state[pr.id] == Idle {
		return
	}
	if !p.closed && len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.state[pr.id] = Running
		w <- pr
		return
	}
	p.state[pr.id] = Idle
	p.idle = append(p.idle, pr)
}

// AbortBusy aborts every running processor with reason and returns how many
// aborts were issued.
func (p *Pool) AbortBusy(reason error) int {
	p.mu.Lock()
	var busy []*Processor
	for id, st := range p.state {
		if st == Running {
			busy = append(busy, p.procs[id])
		}
	}
	p.mu.Unlock()

	n := 0
	for _, pr := range busy {
		if pr.Abort(reason) {
			n++
		}
	}
	return n
}

// Owns reports whether the processor id belongs to this pool.
func (p *Pool) Owns(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.procs[id]
	return ok
}

// State returns the state of processor id.
func (p *Pool) State(id string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[id]
	return st, ok
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs) - len(p.retiring)
}

func (p *Pool) Idle() int     { return p.Stats().Idle }
func (p *Pool) Running() int  { return p.Stats().Running }
func (p *Pool) Aborting() int { return p.Stats().Aborting }
func (p *Pool) Retiring() int { return p.Stats().Retiring }

// Busy is Running + Aborting, retiring processors included.
func (p *Pool) Busy() int {
	s := p.Stats()
	return s.Running + s.Aborting
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Size:     len(p.procs) - len(p.retiring),
		Retiring: len(p.retiring),
		Waiting:  len(p.waiters),
	}
	for _, st := range p.state {
		switch st {
		case Idle:
			s.Idle++
		case Running:
			s.Running++
		case Aborting:
			s.Aborting++
		}
	}
	return s
}

// Supervisor exposes the goroutine supervisor hosting item runs.
func (p *Pool) Supervisor() *supervisor.Supervisor { return p.sup }

// Close unsubscribes from the bus and fails pending Acquire calls. Running
// items are left alone; use Wait to block until they return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	p.sub.Close()
}

// Wait blocks until every item run has returned or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	return p.sup.Wait(ctx)
}

// Shutdown cancels every item context, then waits like Wait.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	return p.sup.Stop(ctx)
}

func (p *Pool) popIdleLocked() *Processor {
	pr := p.idle[0]
	p.idle[0] = nil
	p.idle = p.idle[1:]
	p.state[pr.id] = Running
	return pr
}

func (p *Pool) serveWaitersLocked() {
	for len(p.waiters) > 0 && len(p.idle) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- p.popIdleLocked()
	}
}

func (p *Pool) onAvailable(_ error, payload any) {
	if pr, ok := payload.(*Processor); ok {
		p.Release(pr)
	}
}

func (p *Pool) onAborted(_ error, payload any) {
	n, ok := payload.(task.AbortNotice)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.state[n.ProcessorID]; ok && st == Running {
		p.state[n.ProcessorID] = Aborting
	}
}
