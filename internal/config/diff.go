package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "asyncq/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	oq, nq := oldCfg.Queue, newCfg.Queue
	if oq.Workers != nq.Workers ||
		oq.Retries != nq.Retries ||
		strings.TrimSpace(oq.TimeBetweenRetries) != strings.TrimSpace(nq.TimeBetweenRetries) ||
		oq.RejectedFirst != nq.RejectedFirst ||
		oq.ReAddAbortedItems != nq.ReAddAbortedItems ||
		oq.EndsWhenSettled() != nq.EndsWhenSettled() ||
		oq.MaxAbortReadds != nq.MaxAbortReadds ||
		strings.TrimSpace(oq.KeepAliveInterval) != strings.TrimSpace(nq.KeepAliveInterval) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.workers", nq.Workers),
			logx.Int("queue.retries", nq.Retries),
			logx.Bool("queue.end_when_settled", nq.EndsWhenSettled()),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Debug server (never log token)
	od, nd := oldCfg.Debug, newCfg.Debug
	tokenChanged := (strings.TrimSpace(od.Token) != "") != (strings.TrimSpace(nd.Token) != "")
	od.Token, nd.Token = "", ""
	if od != nd || tokenChanged {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Feed != newCfg.Feed {
		changed = append(changed, "feed")
		attrs = append(attrs, logx.Float64("feed.rate_per_sec", newCfg.Feed.RatePerSec), logx.Int("feed.burst", newCfg.Feed.Burst))
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
