package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3xpluto/go-ipset/internal/config"
	"github.com/3xpluto/go-ipset/internal/ipset"
	"github.com/3xpluto/go-ipset/internal/setcache"
)

type Origin string

const (
	OriginCache    Origin = "cache"
	OriginCompiled Origin = "compiled"
)

var ErrUnknownSet = errors.New("unknown set")

// EntryLoader returns the raw entries of a set.
type EntryLoader interface {
	Load(ctx context.Context, sc config.SetConfig) ([]string, error)
}

type Options struct {
	Loader    EntryLoader
	Cache     setcache.Cache // nil disables caching
	CacheTTL  time.Duration
	KeyPrefix string
	Logger    *slog.Logger
	Metrics   *Metrics // optional
}

// Meta describes the version of a set currently being served.
type Meta struct {
	Name      string      `json:"name"`
	BuiltAt   time.Time   `json:"built_at"`
	Origin    Origin      `json:"origin"`
	Digest    string      `json:"digest"`
	Entries   int         `json:"entries"`
	Warnings  int         `json:"warnings"`
	Stats     ipset.Stats `json:"stats"`
	LastError string      `json:"last_error,omitempty"`
}

type entry struct {
	cfg    config.SetConfig
	holder ipset.Holder
	meta   atomic.Pointer[Meta]
}

// Registry serves named sets. Lookups are lock free; reloads are serialized.
type Registry struct {
	opts    Options
	log     *slog.Logger
	names   []string
	sets    map[string]*entry
	buildMu sync.Mutex
}

func New(sets []config.SetConfig, opts Options) (*Registry, error) {
	if opts.Loader == nil {
		return nil, errors.New("registry: loader required")
	}
	if opts.Cache == nil {
		opts.Cache = setcache.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		opts: opts,
		log:  opts.Logger,
		sets: make(map[string]*entry, len(sets)),
	}
	for _, sc := range sets {
		if _, dup := r.sets[sc.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate set %q", sc.Name)
		}
		e := &entry{cfg: sc}
		e.meta.Store(&Meta{Name: sc.Name})
		r.sets[sc.Name] = e
		r.names = append(r.names, sc.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Lookup returns the current version of a set. Sets that never loaded are
// empty.
func (r *Registry) Lookup(name string) (*ipset.Set, bool) {
	e, ok := r.sets[name]
	if !ok {
		return nil, false
	}
	return e.holder.Load(), true
}

func (r *Registry) Meta(name string) (Meta, bool) {
	e, ok := r.sets[name]
	if !ok {
		return Meta{}, false
	}
	return *e.meta.Load(), true
}

func (r *Registry) Status() []Meta {
	out := make([]Meta, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, *r.sets[n].meta.Load())
	}
	return out
}

// Reload rebuilds one set, or all of them when name is empty. A set whose
// source fails keeps serving its previous version.
func (r *Registry) Reload(ctx context.Context, name string) ([]Meta, error) {
	names := r.names
	if name != "" {
		if _, ok := r.sets[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSet, name)
		}
		names = []string{name}
	}

	r.buildMu.Lock()
	defer r.buildMu.Unlock()

	var errs []error
	out := make([]Meta, 0, len(names))
	for _, n := range names {
		m, err := r.reload(ctx, r.sets[n])
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}

func (r *Registry) reload(ctx context.Context, e *entry) (Meta, error) {
	name := e.cfg.Name
	raw, err := r.opts.Loader.Load(ctx, e.cfg)
	if err != nil {
		r.count(name, "source", "error")
		r.log.Error("set source failed; keeping previous version",
			slog.String("set", name), slog.String("error", err.Error()))
		m := *e.meta.Load()
		m.LastError = err.Error()
		e.meta.Store(&m)
		return m, fmt.Errorf("set %q: %w", name, err)
	}

	digest := setcache.Digest(raw)
	key := setcache.Key(r.opts.KeyPrefix, name, digest)
	now := time.Now().UTC()

	if set, warnings, ok := r.fromCache(ctx, name, key); ok {
		r.countWarnings(name, warnings)
		m := Meta{
			Name: name, BuiltAt: now, Origin: OriginCache, Digest: digest,
			Entries: len(raw), Warnings: total(warnings), Stats: set.Stats(),
		}
		r.publish(e, set, m)
		return m, nil
	}

	set, errs := ipset.New(raw, ipset.WithLogger(r.log.With(slog.String("set", name))))
	warnings := warningKinds(errs)
	r.countWarnings(name, warnings)

	if b, err := marshalCached(set, warnings); err == nil {
		if err := r.opts.Cache.Put(ctx, key, b, r.opts.CacheTTL); err != nil {
			r.log.Warn("set cache write failed", slog.String("set", name), slog.String("error", err.Error()))
		}
	}

	m := Meta{
		Name: name, BuiltAt: now, Origin: OriginCompiled, Digest: digest,
		Entries: len(raw), Warnings: len(errs), Stats: set.Stats(),
	}
	r.publish(e, set, m)
	return m, nil
}

func (r *Registry) fromCache(ctx context.Context, name, key string) (*ipset.Set, map[string]int, bool) {
	b, ok, err := r.opts.Cache.Get(ctx, key)
	if err != nil {
		r.log.Warn("set cache read failed", slog.String("set", name), slog.String("error", err.Error()))
		return nil, nil, false
	}
	if !ok {
		return nil, nil, false
	}
	set, warnings, err := unmarshalCached(b)
	if err != nil {
		r.log.Warn("discarding cached set", slog.String("set", name), slog.String("error", err.Error()))
		return nil, nil, false
	}
	return set, warnings, true
}

func (r *Registry) publish(e *entry, set *ipset.Set, m Meta) {
	e.holder.Store(set)
	e.meta.Store(&m)
	r.count(m.Name, string(m.Origin), "ok")
	if r.opts.Metrics != nil {
		r.opts.Metrics.Prefixes.WithLabelValues(m.Name).Set(float64(m.Stats.V4Prefixes + m.Stats.V6Prefixes))
	}
	r.log.Info("set loaded",
		slog.String("set", m.Name),
		slog.String("origin", string(m.Origin)),
		slog.Int("entries", m.Entries),
		slog.Int("warnings", m.Warnings),
		slog.Int("ipv4_prefixes", m.Stats.V4Prefixes),
		slog.Int("ipv6_prefixes", m.Stats.V6Prefixes),
	)
}

func (r *Registry) count(name, origin, outcome string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.Reloads.WithLabelValues(name, origin, outcome).Inc()
	}
}

// countWarnings counts skipped entries on every load, cached or compiled, so
// the counter tracks what each served version rejected.
func (r *Registry) countWarnings(name string, kinds map[string]int) {
	if r.opts.Metrics == nil {
		return
	}
	for kind, n := range kinds {
		r.opts.Metrics.Warnings.WithLabelValues(name, kind).Add(float64(n))
	}
}
