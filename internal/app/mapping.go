package app

import (
	"fmt"
	"strings"
	"time"

	"asyncq/internal/config"
	"asyncq/internal/observability/debug"
	"asyncq/internal/storage"
	"asyncq/internal/task/queue"
	logx "asyncq/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapQueueConfig builds the queue policy. Workers is applied separately
// through Run/Provision so it can change on reload.
func mapQueueConfig(cfg *config.Config) queue.Config {
	qc := cfg.Queue
	return queue.Config{
		Retries:            qc.Retries,
		TimeBetweenRetries: qc.RetryDelay(),
		RejectedFirst:      qc.RejectedFirst,
		ReAddAbortedItems:  qc.ReAddAbortedItems,
		MaxAbortReadds:     qc.MaxAbortReadds,
		KeepAlive:          !qc.EndsWhenSettled(),
		KeepAliveInterval:  qc.KeepAlive(),
	}
}

func workers(cfg *config.Config) int {
	return max(1, cfg.Queue.Workers)
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./asyncq_store"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// 0 keeps /profile usable.
	write, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, time.Minute)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Prefix:        d.Prefix,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
