package task

import "time"

// Bus channels shared by the queue, the pool and processors.
//
// Besides these, every item publishes its final (error, data) on a channel
// named after its id.
const (
	ChannelAdded              = "ADDED"
	ChannelDeleted            = "DELETED"
	ChannelRunning            = "RUNNING"
	ChannelFinished           = "FINISHED"
	ChannelAborted            = "ABORTED"
	ChannelAvailableProcessor = "AVAILABLE_PROCESSOR"
	ChannelEnd                = "END"

	// ChannelRetrying fires when a failed or aborted item is scheduled for re-admission.
	ChannelRetrying = "RETRYING"
	// ChannelSettled fires once per item reaching a terminal state.
	ChannelSettled = "SETTLED"
)

// Started is the RUNNING payload.
type Started struct {
	Item        *Item
	ProcessorID string
}

// Outcome is the FINISHED payload: the single result of one run of an item.
type Outcome struct {
	Item        *Item
	Data        any
	Err         error
	ProcessorID string
	Took        time.Duration

	// Aborted reports that the run was cancelled via Abort and returned an error.
	Aborted bool
}

// AbortNotice is the ABORTED payload. The bus error is the abort reason.
type AbortNotice struct {
	Item        *Item
	ProcessorID string
}

// Removal is the DELETED payload. ID is empty for Clear.
type Removal struct {
	ID      string
	Removed int
}

// Status classifies a terminal item.
type Status string

const (
	StatusResolved Status = "resolved"
	StatusRejected Status = "rejected"
	StatusAborted  Status = "aborted"
)

// Settlement is the SETTLED payload.
type Settlement struct {
	Item   *Item
	Status Status
	Err    error
	Data   any
	At     time.Time
}

// Readmission is the RETRYING payload.
type Readmission struct {
	Item    *Item
	Delay   time.Duration
	Aborted bool
}
