// Package api exposes the set registry over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3xpluto/go-ipset/internal/httpx"
	"github.com/3xpluto/go-ipset/internal/ipset"
	"github.com/3xpluto/go-ipset/internal/mw"
	"github.com/3xpluto/go-ipset/internal/ratelimit"
	"github.com/3xpluto/go-ipset/internal/registry"
)

// MaxBatch bounds the number of addresses in one batch match.
const MaxBatch = 10000

// Sets is the part of the registry the handlers need.
type Sets interface {
	Names() []string
	Lookup(name string) (*ipset.Set, bool)
	Meta(name string) (registry.Meta, bool)
	Status() []registry.Meta
	Reload(ctx context.Context, name string) ([]registry.Meta, error)
}

type Server struct {
	Sets    Sets
	Log     *slog.Logger
	Metrics *mw.Metrics
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer

	Limiter      ratelimit.Limiter // nil disables rate limiting
	IPR          mw.IPResolver
	MaxBodyBytes int64

	AdminSecret string
	AllowSet    string // admin callers must be members of this set when set
	ReloadSem   *mw.Semaphore

	ListenAddr string
	StartedAt  time.Time
}

func (s *Server) Handler() http.Handler {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}

	// outermost -> innermost: request id, route, metrics, access log, recover
	wrap := func(routeName string, h http.Handler) http.Handler {
		h = mw.Recover(s.Log, h)
		h = mw.AccessLog(s.Log, s.IPR, h)
		if s.Metrics != nil {
			h = mw.Instrument(s.Metrics, h)
		}
		h = mw.WithRoute(h, routeName)
		h = mw.RequestID(h)
		return h
	}
	public := func(routeName string, h http.Handler) http.Handler {
		return wrap(routeName, mw.RateLimit(s.Limiter, s.IPR, h))
	}
	admin := func(routeName string, h http.Handler) http.Handler {
		h = mw.RequireAdmin(s.AdminSecret, h)
		if s.AllowSet != "" {
			h = mw.AllowFrom(func() *ipset.Set {
				set, _ := s.Sets.Lookup(s.AllowSet)
				return set
			}, s.IPR, h)
		}
		return wrap(routeName, h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.Handle("GET /v1/sets", public("list_sets", http.HandlerFunc(s.listSets)))
	mux.Handle("GET /v1/sets/{name}/match", public("match", http.HandlerFunc(s.match)))
	mux.Handle("POST /v1/sets/{name}/match", public("match_batch",
		mw.MaxBodyBytes(s.MaxBodyBytes, http.HandlerFunc(s.matchBatch))))
	mux.Handle("GET /v1/sets/{name}/export", public("export", http.HandlerFunc(s.export)))

	mux.Handle("POST /-/reload", admin("admin_reload", mw.ConcurrencyLimit(s.ReloadSem, http.HandlerFunc(s.reload))))
	mux.Handle("GET /-/status", admin("admin_status", http.HandlerFunc(s.status)))
	return mux
}

type setSummary struct {
	Name     string      `json:"name"`
	BuiltAt  *time.Time  `json:"built_at,omitempty"`
	Prefixes int         `json:"prefixes"`
	Stats    ipset.Stats `json:"stats"`
}

func (s *Server) listSets(w http.ResponseWriter, _ *http.Request) {
	out := make([]setSummary, 0)
	for _, m := range s.Sets.Status() {
		sum := setSummary{
			Name:     m.Name,
			Prefixes: m.Stats.V4Prefixes + m.Stats.V6Prefixes,
			Stats:    m.Stats,
		}
		if !m.BuiltAt.IsZero() {
			t := m.BuiltAt
			sum.BuiltAt = &t
		}
		out = append(out, sum)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sets": out})
}

// lookup resolves the {name} path value, writing a 404 when it is unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (string, *ipset.Set, bool) {
	name := r.PathValue("name")
	set, ok := s.Sets.Lookup(name)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "unknown_set", map[string]any{"set": name})
		return name, nil, false
	}
	return name, set, true
}

type matchResult struct {
	IP    string `json:"ip"`
	Match bool   `json:"match"`
	Valid bool   `json:"valid"`
}

func (s *Server) check(name string, set *ipset.Set, ip string) matchResult {
	res := matchResult{IP: ip}
	if !ipset.ValidAddr(ip) {
		s.countMatch(name, "invalid")
		return res
	}
	res.Valid = true
	res.Match = set.Match(ip)
	if res.Match {
		s.countMatch(name, "hit")
	} else {
		s.countMatch(name, "miss")
	}
	return res
}

func (s *Server) countMatch(name, result string) {
	if s.Metrics != nil {
		s.Metrics.Matches.WithLabelValues(name, result).Inc()
	}
}

func (s *Server) match(w http.ResponseWriter, r *http.Request) {
	name, set, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res := s.check(name, set, r.URL.Query().Get("ip"))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"set":   name,
		"ip":    res.IP,
		"match": res.Match,
		"valid": res.Valid,
	})
}

type batchRequest struct {
	IPs []string `json:"ips"`
}

func (s *Server) matchBatch(w http.ResponseWriter, r *http.Request) {
	name, set, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request_too_large", map[string]any{"max_bytes": tooLarge.Limit})
			return
		}
		httpx.Error(w, http.StatusBadRequest, "bad_request", map[string]any{"detail": err.Error()})
		return
	}
	if len(req.IPs) > MaxBatch {
		httpx.Error(w, http.StatusBadRequest, "too_many_ips", map[string]any{"max": MaxBatch})
		return
	}
	results := make([]matchResult, 0, len(req.IPs))
	for _, ip := range req.IPs {
		results = append(results, s.check(name, set, ip))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"set": name, "results": results})
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	name, set, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if m, ok := s.Sets.Meta(name); ok && m.Digest != "" {
		w.Header().Set("ETag", `"`+m.Digest+`"`)
	}

	switch r.URL.Query().Get("format") {
	case "", "trie":
		b, err := set.MarshalJSON()
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "internal_error", nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	case "prefixes":
		prefixes := set.Prefixes()
		out := make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			out = append(out, p.String())
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"set": name, "prefixes": out})
	default:
		httpx.Error(w, http.StatusBadRequest, "bad_format", map[string]any{"formats": []string{"trie", "prefixes"}})
	}
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("set")
	metas, err := s.Sets.Reload(r.Context(), name)
	if errors.Is(err, registry.ErrUnknownSet) {
		httpx.Error(w, http.StatusNotFound, "unknown_set", map[string]any{"set": name})
		return
	}
	if err != nil {
		sub, _ := mw.Subject(r.Context())
		s.Log.Warn("admin reload failed",
			slog.String("rid", mw.RID(r.Context())),
			slog.String("sub", sub),
			slog.String("error", err.Error()),
		)
		httpx.Error(w, http.StatusInternalServerError, "reload_failed", map[string]any{
			"detail": err.Error(),
			"sets":   metas,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sets": metas})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	info, _ := debug.ReadBuildInfo()
	goVer := ""
	if info != nil {
		goVer = info.GoVersion
	}
	out := map[string]any{
		"time_utc":       time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(s.StartedAt).Seconds()),
		"listen_addr":    s.ListenAddr,
		"go_version":     goVer,
		"sets":           s.Sets.Status(),
	}
	if s.ReloadSem.Enabled() {
		out["reloads"] = map[string]any{
			"max_in_flight": s.ReloadSem.Cap(),
			"in_flight":     s.ReloadSem.InUse(),
		}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
