package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal plus a job cursor snapshot
//   - "sqlite": SQLite database file (build tag sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OutcomeRecord is one settled item.
// Keep it compact and schema-stable.
type OutcomeRecord struct {
	At          time.Time `json:"at"`
	ItemID      string    `json:"item_id"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Retries     int       `json:"retries"`
	Aborts      int       `json:"aborts,omitempty"`
	DataJSON    string    `json:"data,omitempty"`
}
