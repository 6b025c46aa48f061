package task

import (
	"context"
	"time"

	"asyncq/internal/eventbus"
)

// Action is the unit of work carried by an Item.
//
// ctx is the item's cancellation token. Cancellation is cooperative: when the
// item is aborted ctx is cancelled (context.Cause(ctx) is an *AbortError) and
// the action is expected to notice and return promptly. Nothing forces a
// running action to stop.
type Action func(ctx context.Context) (any, error)

// RetryPredicate decides whether a failed item may be re-admitted.
type RetryPredicate func(err error) bool

// Item is one queued unit of work.
//
// Items are created by the queue and mutated only by it; processors read
// Action and never write.
type Item struct {
	ID          string
	Action      Action
	Description any

	// Retries counts retry attempts already consumed.
	Retries int
	// Aborts counts abort re-admissions (they don't consume Retries).
	Aborts int

	ShouldRetry RetryPredicate

	Err  error
	Data any

	AddedAt time.Time

	// OnResult is subscribed on the per-item channel while the item is live.
	OnResult eventbus.Handler
}

// ItemView is a serializable snapshot of an Item. Function references are
// left out.
type ItemView struct {
	ID          string    `json:"id"`
	Description any       `json:"description,omitempty"`
	Retries     int       `json:"retries"`
	Aborts      int       `json:"aborts,omitempty"`
	Error       string    `json:"error,omitempty"`
	Data        any       `json:"data,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// View returns a snapshot of it.
func (it *Item) View() ItemView {
	if it == nil {
		return ItemView{}
	}
	v := ItemView{
		ID:          it.ID,
		Description: it.Description,
		Retries:     it.Retries,
		Aborts:      it.Aborts,
		Data:        it.Data,
		AddedAt:     it.AddedAt,
	}
	if it.Err != nil {
		v.Error = it.Err.Error()
	}
	return v
}

// CanRetry applies the item's retry predicate. Without one, every error is
// retryable except those wrapped with NoRetry.
func (it *Item) CanRetry(err error) bool {
	if it.ShouldRetry != nil {
		return it.ShouldRetry(err)
	}
	return !IsNoRetry(err)
}

// AddOption customizes an item at admission.
type AddOption func(*Item)

// WithID sets the item identifier. Empty ids are replaced by a generated one.
func WithID(id string) AddOption { return func(it *Item) { it.ID = id } }

// WithDescription attaches caller data that travels with the item.
func WithDescription(d any) AddOption { return func(it *Item) { it.Description = d } }

// WithResultHandler subscribes h on the item's own channel. It receives the
// final (error, data) pair once.
func WithResultHandler(h eventbus.Handler) AddOption {
	return func(it *Item) { it.OnResult = h }
}

// WithRetryPredicate overrides the default "retry unless NoRetry" policy.
func WithRetryPredicate(fn RetryPredicate) AddOption {
	return func(it *Item) { it.ShouldRetry = fn }
}
