package app

// StopReason is logged on shutdown.
type StopReason string

const (
	StopSignal  StopReason = "signal"
	StopDrained StopReason = "drained"
	StopFatal   StopReason = "fatal_error"
)
