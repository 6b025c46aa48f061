package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives a published (error, payload) pair.
type Handler func(err error, payload any)

// Event is the observer view of a publish, delivered to taps.
//
// Contract:
//   - Tap delivery MUST be non-blocking.
//   - Taps use buffered channels; slow taps drop events.
type Event struct {
	Channel string
	Time    time.Time
	Err     error
	Payload any
}

// Bus is a named-channel publish/subscribe registry.
//
// Handlers are invoked synchronously by Publish, outside of any bus lock, so a
// handler may subscribe, unsubscribe or publish again. A panicking handler is
// not recovered: the panic reaches whoever called Publish.
//
// The zero value is not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]*channelSubs
	closed   bool

	taps map[uint64]chan Event
	seq  atomic.Uint64
}

type channelSubs struct {
	order    []string
	handlers map[string]Handler
}

// New returns an empty bus.
//
// It intentionally does not own any background goroutines.
func New() *Bus {
	return &Bus{
		channels: map[string]*channelSubs{},
		taps:     map[uint64]chan Event{},
	}
}

// Subscribe registers h for channel under subscriberID, replacing any previous
// registration of the same subscriberID on that channel.
func (b *Bus) Subscribe(channel, subscriberID string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	cs := b.channels[channel]
	if cs == nil {
		cs = &channelSubs{handlers: map[string]Handler{}}
		b.channels[channel] = cs
	}
	if _, ok := cs.handlers[subscriberID]; !ok {
		cs.order = append(cs.order, subscriberID)
	}
	cs.handlers[subscriberID] = h
}

// Unsubscribe removes subscriberID from channel. Missing registrations are ignored.
func (b *Bus) Unsubscribe(channel, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(channel, subscriberID)
}

// UnsubscribeAll removes subscriberID from every channel.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.channels {
		b.unsubscribeLocked(ch, subscriberID)
	}
}

func (b *Bus) unsubscribeLocked(channel, subscriberID string) {
	cs := b.channels[channel]
	if cs == nil {
		return
	}
	if _, ok := cs.handlers[subscriberID]; !ok {
		return
	}
	delete(cs.handlers, subscriberID)
	for i, id := range cs.order {
		if id == subscriberID {
			cs.order = append(cs.order[:i], cs.order[i+1:]...)
			break
		}
	}
	if len(cs.handlers) == 0 {
		delete(b.channels, channel)
	}
}

// Subscribers returns the number of handlers registered on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if cs := b.channels[channel]; cs != nil {
		return len(cs.handlers)
	}
	return 0
}

// Publish invokes every handler currently registered on channel and then
// offers the event to all taps.
func (b *Bus) Publish(channel string, err error, payload any) {
	// Snapshot handlers so Publish doesn't hold locks while calling out.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var hs []Handler
	if cs := b.channels[channel]; cs != nil {
		hs = make([]Handler, 0, len(cs.order))
		for _, id := range cs.order {
			hs = append(hs, cs.handlers[id])
		}
	}
	var taps []chan Event
	if len(b.taps) > 0 {
		taps = make([]chan Event, 0, len(b.taps))
		for _, ch := range b.taps {
			taps = append(taps, ch)
		}
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(err, payload)
	}

	if len(taps) == 0 {
		return
	}
	e := Event{Channel: channel, Time: time.Now(), Err: err, Payload: payload}
	for _, ch := range taps {
		// Non-blocking delivery. If a tap is slow, we drop.
		// If a tap unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Tap returns a buffered channel that observes every publish on every channel.
func (b *Bus) Tap(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.taps[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			_, ok := b.taps[id]
			delete(b.taps, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			if ok {
				close(ch)
			}
		})
	}
	return ch, unsub
}

// Close drops every subscription and closes all taps. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.channels = map[string]*channelSubs{}
	taps := b.taps
	b.taps = map[uint64]chan Event{}
	b.mu.Unlock()

	for _, ch := range taps {
		close(ch)
	}
}
