package debug

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	logx "asyncq/pkg/logx"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler builds the mux for cfg:
//
//	GET /healthz       200 "ok" or 503 with the health error
//	GET /metrics       Prometheus exposition of Sources.Metrics
//	GET /queue         JSON of Sources.Snapshot (?pretty=1 to indent)
//	    <prefix>...    net/http/pprof, default prefix /debug/pprof/
//
// Every route sits behind the token when one is configured.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	guard := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle("GET /healthz", guard(http.HandlerFunc(s.healthz)))
	if s.src.Metrics != nil {
		mux.Handle("GET /metrics", guard(promhttp.HandlerFor(s.src.Metrics, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})))
	}
	if s.src.Snapshot != nil {
		mux.Handle("GET /queue", guard(http.HandlerFunc(s.queue)))
	}

	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	mux.Handle(prefix, guard(pprofIndexAt(prefix)))
	for name, h := range map[string]http.HandlerFunc{
		"cmdline": hpprof.Cmdline,
		"profile": hpprof.Profile,
		"symbol":  hpprof.Symbol,
		"trace":   hpprof.Trace,
	} {
		mux.Handle(base+"/"+name, guard(h))
	}
	mux.Handle(base, http.RedirectHandler(prefix, http.StatusPermanentRedirect))
	return mux
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.src.Health != nil {
		if err := s.src.Health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) queue(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if r.URL.Query().Has("pretty") {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(s.src.Snapshot()); err != nil {
		s.log.Debug("queue snapshot write failed", logx.Err(err))
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			ah := r.Header.Get("Authorization")
			if rest, ok := strings.CutPrefix(ah, "Bearer "); ok {
				got = strings.TrimSpace(rest)
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprofIndexAt serves pprof.Index, which only understands /debug/pprof/, under prefix.
func pprofIndexAt(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	})
}
