package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/3xpluto/go-ipset/internal/api"
	"github.com/3xpluto/go-ipset/internal/config"
	"github.com/3xpluto/go-ipset/internal/ipset"
	"github.com/3xpluto/go-ipset/internal/logging"
	"github.com/3xpluto/go-ipset/internal/mw"
	"github.com/3xpluto/go-ipset/internal/ratelimit"
	"github.com/3xpluto/go-ipset/internal/registry"
	"github.com/3xpluto/go-ipset/internal/setcache"
	"github.com/3xpluto/go-ipset/internal/source"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	log := logging.New("")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.LogLevel != "" && os.Getenv("IPSETD_LOG_LEVEL") == "" {
		log = logging.New(cfg.LogLevel)
	}
	if validateOnly {
		log.Info("config ok", slog.Int("sets", len(cfg.Sets)))
		return
	}

	// ---- Redis (shared by sources, cache and the limiter)
	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Not fatal: sets keep their previous (or empty) version until redis answers.
			log.Warn("redis unreachable at startup", slog.String("error", err.Error()))
		}
		cancel()
	}

	// ---- Compiled set cache
	var cache setcache.Cache
	switch cfg.Cache.Backend {
	case "redis":
		cache = setcache.NewRedisCache(rdb)
	case "memory":
		cache = setcache.NewMemoryCache(time.Minute)
	default:
		cache = setcache.Nop{}
	}
	defer cache.Close()

	// ---- Rate limiter backend
	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Backend {
		case "redis":
			limiter = ratelimit.NewRedisLimiter(rdb, "rl:", cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		default:
			limiter = ratelimit.NewMemoryLimiter(
				cfg.RateLimit.RPS,
				cfg.RateLimit.Burst,
				time.Duration(cfg.RateLimit.Memory.TTLSeconds)*time.Second,
				time.Duration(cfg.RateLimit.Memory.CleanupSeconds)*time.Second,
			)
		}
		defer limiter.Close()
	}

	// ---- Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := mw.NewMetrics(reg)

	// ---- Sets
	loader := source.Loader{}
	if rdb != nil {
		loader.Redis = rdb
	}
	sets, err := registry.New(cfg.Sets, registry.Options{
		Loader:    loader,
		Cache:     cache,
		CacheTTL:  time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		KeyPrefix: cfg.Cache.KeyPrefix,
		Logger:    log,
		Metrics:   registry.NewMetrics(reg),
	})
	if err != nil {
		log.Error("failed to create registry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := sets.Reload(ctx, ""); err != nil {
		// Failed sets serve empty until a later reload succeeds.
		log.Warn("initial load incomplete", slog.String("error", err.Error()))
	}

	trusted, _ := ipset.New(cfg.Server.TrustedProxies, ipset.WithLogger(log))
	srvAPI := &api.Server{
		Sets:         sets,
		Log:          log,
		Metrics:      httpMetrics,
		Gatherer:     reg,
		Limiter:      limiter,
		IPR:          mw.IPResolver{Trusted: trusted},
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		AdminSecret:  cfg.Admin.JWTSecret,
		AllowSet:     cfg.Admin.AllowSet,
		ReloadSem:    mw.NewSemaphore(cfg.Admin.MaxConcurrentReloads),
		ListenAddr:   cfg.Server.Addr,
		StartedAt:    time.Now(),
	}
	if cfg.Admin.JWTSecret == "" {
		log.Info("admin endpoints disabled: no admin.jwt_secret")
	}

	// ---- Server
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srvAPI.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("ipsetd listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	go reloadLoop(ctx, log, sets, time.Duration(cfg.Server.ReloadSeconds)*time.Second)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}

// reloadLoop rebuilds every set on SIGHUP and, when every > 0, periodically.
func reloadLoop(ctx context.Context, log *slog.Logger, sets *registry.Registry, every time.Duration) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}

	for {
		var trigger string
		select {
		case <-ctx.Done():
			return
		case <-hup:
			trigger = "sighup"
		case <-tick:
			trigger = "timer"
		}
		if _, err := sets.Reload(ctx, ""); err != nil {
			log.Warn("reload incomplete", slog.String("trigger", trigger), slog.String("error", err.Error()))
		}
	}
}
