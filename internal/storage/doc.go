// Package storage provides the optional outcome journal.
//
// It records:
//   - One entry per settled item (resolved, rejected or aborted)
//   - The last run time of every scheduled job, so restarts keep cadence
package storage
