package eventbus

import "github.com/google/uuid"

// Subscriber binds a subscriber identity to a bus so callers don't have to
// thread the id through every On/Off call.
type Subscriber struct {
	bus *Bus
	id  string
}

// NewSubscriber returns a subscriber for bus. An empty id gets a random one.
func NewSubscriber(bus *Bus, id string) Subscriber {
	if id == "" {
		id = uuid.NewString()
	}
	return Subscriber{bus: bus, id: id}
}

func (s Subscriber) ID() string { return s.id }

func (s Subscriber) On(channel string, h Handler) {
	if s.bus == nil {
		return
	}
	s.bus.Subscribe(channel, s.id, h)
}

func (s Subscriber) Off(channel string) {
	if s.bus == nil {
		return
	}
	s.bus.Unsubscribe(channel, s.id)
}

// Close removes this subscriber from every channel.
func (s Subscriber) Close() {
	if s.bus == nil {
		return
	}
	s.bus.UnsubscribeAll(s.id)
}
