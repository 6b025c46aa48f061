package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"asyncq/internal/eventbus"
	"asyncq/internal/runtime/supervisor"
	"asyncq/internal/task"
	logx "asyncq/pkg/logx"

	"github.com/google/uuid"
)

// Processor executes one item at a time.
//
// Lifecycle events go to the bus: RUNNING when a run starts, ABORTED when a
// run is cancelled, and on return AVAILABLE_PROCESSOR (payload *Processor)
// followed by exactly one FINISHED (payload task.Outcome).
type Processor struct {
	id  string
	bus *eventbus.Bus
	sup *supervisor.Supervisor
	log logx.Logger

	// abortMu serializes Abort against run completion so ABORTED is never
	// published after AVAILABLE_PROCESSOR for the same run.
	abortMu sync.Mutex

	mu       sync.Mutex
	current  *task.Item
	cancel   context.CancelCauseFunc
	aborting bool
}

// New returns an idle processor. Runs execute on sup and inherit its context.
func New(bus *eventbus.Bus, sup *supervisor.Supervisor, log logx.Logger) *Processor {
	id := uuid.NewString()
	return &Processor{
		id:  id,
		bus: bus,
		sup: sup,
		log: log.With(logx.String("processor", id)),
	}
}

func (p *Processor) ID() string { return p.id }

// Current returns the running item, or nil when idle.
func (p *Processor) Current() *task.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Run starts it on a new goroutine. It returns false without side effects when
// it or its action is nil, or when the processor is already busy.
func (p *Processor) Run(it *task.Item) bool {
	if it == nil || it.Action == nil {
		return false
	}

	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancelCause(p.sup.Context())
	p.current = it
	p.cancel = cancel
	p.aborting = false
	p.mu.Unlock()

	p.log.Debug("item started", logx.String("item", it.ID))
	p.bus.Publish(task.ChannelRunning, nil, task.Started{Item: it, ProcessorID: p.id})

	start := time.Now()
	p.sup.Go0("processor.run", func(context.Context) {
		data, err := call(ctx, it.Action)
		p.finish(ctx, it, data, err, time.Since(start))
	})
	return true
}

func call(ctx context.Context, fn task.Action) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &task.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

func (p *Processor) finish(ctx context.Context, it *task.Item, data any, err error, took time.Duration) {
	p.abortMu.Lock()
	p.mu.Lock()
	aborted := p.aborting && err != nil
	cancel := p.cancel
	p.current = nil
	p.cancel = nil
	p.aborting = false
	p.mu.Unlock()
	p.abortMu.Unlock()

	if aborted && !task.IsAborted(err) && errors.Is(err, context.Canceled) {
		if cause := task.AbortCause(ctx); cause != nil {
			err = cause
		}
	}
	if cancel != nil {
		cancel(nil)
	}

	var pe *task.PanicError
	switch {
	case errors.As(err, &pe):
		p.log.Error("item panicked", logx.String("item", it.ID), logx.Any("panic", pe.Value), logx.Stack(pe.Stack))
	case err != nil:
		p.log.Debug("item failed", logx.String("item", it.ID), logx.Bool("aborted", aborted), logx.Duration("took", took), logx.Err(err))
	default:
		p.log.Debug("item done", logx.String("item", it.ID), logx.Duration("took", took))
	}

	p.bus.Publish(task.ChannelAvailableProcessor, nil, p)
	p.bus.Publish(task.ChannelFinished, err, task.Outcome{
		Item:        it,
		Data:        data,
		Err:         err,
		ProcessorID: p.id,
		Took:        took,
		Aborted:     aborted,
	})
}

// Abort cancels the running item's context with an *task.AbortError cause and
// publishes ABORTED. It reports false when the processor is idle or the run
// was already aborted. The action still has to return on its own.
func (p *Processor) Abort(reason error) bool {
	p.abortMu.Lock()
	defer p.abortMu.Unlock()

	p.mu.Lock()
	if p.current == nil || p.aborting {
		p.mu.Unlock()
		return false
	}
	p.aborting = true
	it := p.current
	cancel := p.cancel
	p.mu.Unlock()

	ae := &task.AbortError{Reason: reason}
	cancel(ae)
	p.log.Debug("item abort requested", logx.String("item", it.ID), logx.Err(reason))
	p.bus.Publish(task.ChannelAborted, ae, task.AbortNotice{Item: it, ProcessorID: p.id})
	return true
}

func (p *Processor) String() string { return fmt.Sprintf("processor(%s)", p.id) }
