// Package debug runs the optional operator HTTP server: pprof, Prometheus
// metrics, a queue snapshot and a liveness probe.
package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "asyncq/internal/runtime/supervisor"
	logx "asyncq/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultAddr     = "127.0.0.1:6060"
	shutdownTimeout = 2 * time.Second
)

// Config controls the debug server.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

// Sources feed the non-pprof endpoints. Nil members disable their endpoint.
type Sources struct {
	Metrics  prometheus.Gatherer
	Snapshot func() any
	Health   func() error
}

// Service owns at most one running server. Start, Stop and Reconfigure may be
// called from any goroutine.
type Service struct {
	log logx.Logger
	src Sources

	mu  sync.Mutex
	cfg Config
	cur *instance
}

// instance is one Start..Stop lifetime.
type instance struct {
	sup   *rtsup.Supervisor
	ready chan struct{}

	mu sync.Mutex
	ln net.Listener
}

func (in *instance) addr() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ln == nil {
		return ""
	}
	return in.ln.Addr().String()
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "debug"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur == nil {
		return ""
	}
	return cur.addr()
}

// Ready is closed once the current instance is listening. Nil when stopped.
func (s *Service) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.ready
}

// Supervisor of the running instance, nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Reconfigure applies cfg on hot reload, starting, stopping or restarting the
// server when the listen-relevant settings changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the server if enabled and not already running. The server
// outlives cancellation of ctx; only Stop ends it.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}
	in := &instance{
		// Failures here must never cancel the app.
		sup: rtsup.New(context.WithoutCancel(ctx),
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
		ready: make(chan struct{}),
	}
	s.cur = in
	cfg := s.cfg
	in.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, in, cfg) },
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the server down, waiting at most until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	in := s.cur
	s.cur = nil
	s.mu.Unlock()
	if in == nil {
		return
	}
	if err := in.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("debug server stop", logx.Err(err))
	}
	s.log.Info("debug server stopped")
}

// serve runs one listener until ctx ends. Returning an error asks the
// supervisor to restart it.
func (s *Service) serve(ctx context.Context, in *instance, cfg Config) error {
	addr := cfg.addr()
	loopback := isLoopbackAddr(addr)
	if cfg.Token == "" && !loopback {
		if !cfg.AllowInsecure {
			// A restart cannot fix this until the config changes.
			s.log.Error("debug server refused: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return nil
		}
		s.log.Warn("debug server running without token on non-loopback addr", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	in.mu.Lock()
	in.ln = ln
	in.mu.Unlock()
	select {
	case <-in.ready:
	default:
		close(in.ready)
	}
	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.String("prefix", normalizePrefix(cfg.Prefix)),
		logx.Bool("token_set", cfg.Token != ""),
	)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}()

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("debug server exited unexpectedly")
	}
	_ = srv.Close()
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch h = strings.TrimSpace(h); {
	case h == "":
		return false
	case strings.EqualFold(h, "localhost"):
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
