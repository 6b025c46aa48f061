package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Queue   QueueConfig    `json:"queue"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`
	Feed    FeedConfig     `json:"feed,omitempty"`
	Jobs    []JobConfig    `json:"jobs,omitempty"`
}

// QueueConfig controls the scheduler.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// EndWhenSettled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1
//   - retries: 0
//   - time_between_retries: "0s"
//   - end_when_settled: true
//   - max_abort_readds: 0 (unbounded)
//   - keep_alive_interval: "30s"
type QueueConfig struct {
	Workers            int    `json:"workers,omitempty"`
	Retries            int    `json:"retries,omitempty"`
	TimeBetweenRetries string `json:"time_between_retries,omitempty"`
	RejectedFirst      bool   `json:"rejected_first,omitempty"`
	ReAddAbortedItems  bool   `json:"re_add_aborted_items,omitempty"`
	EndWhenSettled     *bool  `json:"end_when_settled,omitempty"`
	MaxAbortReadds     int    `json:"max_abort_readds,omitempty"`
	KeepAliveInterval  string `json:"keep_alive_interval,omitempty"`
}

// EndsWhenSettled resolves the end_when_settled default.
func (q QueueConfig) EndsWhenSettled() bool {
	if q.EndWhenSettled == nil {
		return true
	}
	return *q.EndWhenSettled
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional outcome journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./asyncq_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional debug HTTP server (pprof, metrics, queue
// snapshot).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// FeedConfig limits how fast scheduled jobs are admitted to the queue.
// RatePerSec <= 0 disables limiting.
type FeedConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Timezone   string  `json:"timezone,omitempty"`
}

// JobConfig is one command enqueued as a queue item.
//
// Schedule accepts the same forms as jobs.ParseSchedule: empty (run once at
// start), "every <duration>", "HH:MM" or a cron expression.
type JobConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty"`

	Schedule string `json:"schedule,omitempty"`

	// NoRetryExitCodes are exit codes treated as permanent failures.
	NoRetryExitCodes []int `json:"no_retry_exit_codes,omitempty"`
}

// Validate checks values that decoding alone can't catch.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	q := c.Queue
	if q.Workers < 0 {
		errs = append(errs, fmt.Errorf("queue.workers: must be >= 0"))
	}
	if q.Retries < 0 {
		errs = append(errs, fmt.Errorf("queue.retries: must be >= 0"))
	}
	if q.MaxAbortReadds < 0 {
		errs = append(errs, fmt.Errorf("queue.max_abort_readds: must be >= 0"))
	}
	if _, err := ParseDurationField("queue.time_between_retries", q.TimeBetweenRetries); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("queue.keep_alive_interval", q.KeepAliveInterval); err != nil {
		errs = append(errs, err)
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.write_timeout", c.Debug.WriteTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Feed.RatePerSec < 0 || c.Feed.Burst < 0 {
		errs = append(errs, fmt.Errorf("feed: rate_per_sec and burst must be >= 0"))
	}
	seen := map[string]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		if strings.TrimSpace(j.Name) == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if seen[j.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, j.Name))
		}
		seen[j.Name] = true
		if strings.TrimSpace(j.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.command: required", path))
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
