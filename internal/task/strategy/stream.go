// Package strategy adapts a queue's bus events into result-delivery shapes:
// an ordered stream of settlements and a promise-style collector.
package strategy

import (
	"sync"

	"asyncq/internal/eventbus"
	"asyncq/internal/task"
	"asyncq/internal/task/queue"
)

// Stream delivers every settlement of a queue, in publish order, on C.
//
// Settlements are buffered without bound so publishers never block. C is
// closed after END (or the queue's destruction) once the backlog drains, or
// immediately on Close.
type Stream struct {
	sub eventbus.Subscriber
	out chan task.Settlement

	mu     sync.Mutex
	buf    []task.Settlement
	ending bool

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// NewStream subscribes to q. buffer sizes C.
func NewStream(q *queue.Queue, buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	s := &Stream{
		sub:  q.Listener(""),
		out:  make(chan task.Settlement, buffer),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	s.sub.On(task.ChannelSettled, s.onSettled)
	s.sub.On(task.ChannelEnd, func(error, any) { s.end() })
	go func() {
		select {
		case <-q.Done():
			s.end()
		case <-s.stop:
		}
	}()
	go s.pump()
	return s
}

// C returns the settlement channel.
func (s *Stream) C() <-chan task.Settlement { return s.out }

// Close unsubscribes and closes C, dropping any backlog.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.sub.Close()
		close(s.stop)
	})
}

func (s *Stream) onSettled(_ error, payload any) {
	st, ok := payload.(task.Settlement)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, st)
	s.mu.Unlock()
	s.notify()
}

func (s *Stream) end() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.sub.Close()
	s.notify()
}

func (s *Stream) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) pump() {
	defer close(s.out)
	defer s.Close()
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			ending := s.ending
			s.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-s.wake:
			case <-s.stop:
				return
			}
			continue
		}
		next := s.buf[0]
		s.mu.Unlock()

		select {
		case s.out <- next:
			s.mu.Lock()
			s.buf[0] = task.Settlement{}
			s.buf = s.buf[1:]
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
