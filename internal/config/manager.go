package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "asyncq/pkg/logx"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second

	watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

// Validator runs checks beyond Config.Validate before a reload is committed.
type Validator func(ctx context.Context, cfg *Config) error

// ReloadStats counts what happened to file changes seen by Watch.
type ReloadStats struct {
	Applied     uint64    `json:"applied"`
	Rejected    uint64    `json:"rejected"`
	Unchanged   uint64    `json:"unchanged"`
	LastError   string    `json:"last_error,omitempty"`
	LastApplied time.Time `json:"last_applied,omitzero"`
}

// Manager holds the current config and republishes it on validated changes.
type Manager struct {
	path  string
	log   logx.Logger
	clock clock.Clock
	check Validator

	mu    sync.RWMutex
	cfg   *Config
	hash  uint64
	stats ReloadStats

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

type ManagerOption func(*Manager)

func WithLogger(log logx.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithValidator(fn Validator) ManagerOption {
	return func(m *Manager) { m.check = fn }
}

// WithClock drives the reload debounce. Tests pass a mock.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

func NewManager(path string, opts ...ManagerOption) *Manager {
	m := &Manager{
		path:  path,
		log:   logx.Nop(),
		clock: clock.New(),
		subs:  map[chan *Config]struct{}{},
	}
	m.Configure(opts...)
	return m
}

// Configure applies options after construction, before Watch starts.
func (m *Manager) Configure(opts ...ManagerOption) {
	for _, o := range opts {
		o(m)
	}
}

func (m *Manager) Path() string { return m.path }

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Decode parses data in the format implied by path's extension. YAML goes
// through JSON so both formats reject unknown fields.
func Decode(path string, data []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load parses the file and makes it current.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, contentHash(cfg))
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Stats() ReloadStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Subscribe returns a channel that always holds the newest unseen config.
// Intermediate versions are skipped when the reader is slow. The returned
// func unsubscribes and closes the channel.
func (m *Manager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		// Replace a pending stale value; the channel has room for one.
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// Reload re-reads the file and publishes it when its content changed and the
// validator accepts it.
func (m *Manager) Reload(ctx context.Context) error {
	cfg, err := m.Parse()
	if err == nil && m.check != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.check(vctx, cfg)
		cancel()
	}
	if err != nil {
		m.mu.Lock()
		m.stats.Rejected++
		m.stats.LastError = err.Error()
		m.mu.Unlock()
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return err
	}

	h := contentHash(cfg)
	m.mu.Lock()
	if h != 0 && h == m.hash {
		m.stats.Unchanged++
		m.mu.Unlock()
		return nil
	}
	m.cfg, m.hash = cfg, h
	m.stats.Applied++
	m.stats.LastError = ""
	m.stats.LastApplied = m.clock.Now()
	m.mu.Unlock()

	m.publish(cfg)
	m.log.Debug("config published", logx.String("hash", fmt.Sprintf("%x", h)))
	return nil
}

func contentHash(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Watch runs one fsnotify session on the config directory. It returns nil
// when ctx ends and an error when the watcher breaks; callers restart it.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var (
		tmu   sync.Mutex
		timer *clock.Timer
	)
	schedule := func() {
		tmu.Lock()
		defer tmu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = m.clock.AfterFunc(reloadDebounce, func() { _ = m.Reload(ctx) })
	}
	defer func() {
		tmu.Lock()
		if timer != nil {
			timer.Stop()
		}
		tmu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: events closed")
			}
			// Editors replace files by rename; match the base name only.
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&watchedOps != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			if err != nil {
				return fmt.Errorf("config watch: %w", err)
			}
		}
	}
}
