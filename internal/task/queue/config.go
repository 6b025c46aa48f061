package queue

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config is fixed for the life of a Queue.
type Config struct {
	// Retries is the maximum number of retry attempts per item.
	Retries int
	// TimeBetweenRetries delays re-admission of failed and re-added aborted items.
	TimeBetweenRetries time.Duration
	// RejectedFirst puts re-admitted items at the front of pending instead of the back.
	RejectedFirst bool
	// ReAddAbortedItems returns aborted items to pending without consuming a retry.
	ReAddAbortedItems bool
	// MaxAbortReadds caps abort re-admissions per item. 0 means unbounded.
	MaxAbortReadds int

	// KeepAlive keeps the queue alive once drained instead of publishing END.
	KeepAlive bool
	// KeepAliveInterval is the OnKeepAlive tick period (default 30s).
	KeepAliveInterval time.Duration
	// OnKeepAlive runs on every tick while a kept-alive queue is running.
	OnKeepAlive func()

	// Clock drives re-admission timers and the keep-alive ticker.
	Clock clock.Clock
}

func (c Config) normalize() Config {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.TimeBetweenRetries < 0 {
		c.TimeBetweenRetries = 0
	}
	if c.MaxAbortReadds < 0 {
		c.MaxAbortReadds = 0
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
