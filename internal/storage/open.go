package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "asyncq/pkg/logx"
)

// Store is the persistence API used by the app and the job feeder.
type Store interface {
	AppendOutcome(ctx context.Context, r OutcomeRecord) error
	// RecentOutcomes returns up to limit records, newest first.
	RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error)

	PutJobRun(ctx context.Context, job string, at time.Time) error
	GetJobRun(ctx context.Context, job string) (at time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "off", "disabled":
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
