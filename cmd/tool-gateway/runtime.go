package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
	"github.com/workato-devs/dewy-resort-sub000/internal/dispatcher"
	"github.com/workato-devs/dewy-resort-sub000/internal/ledger"
	"github.com/workato-devs/dewy-resort-sub000/internal/metrics"
	"github.com/workato-devs/dewy-resort-sub000/internal/registry"
	"github.com/workato-devs/dewy-resort-sub000/internal/storage"
	"github.com/workato-devs/dewy-resort-sub000/internal/store"
	"github.com/workato-devs/dewy-resort-sub000/internal/tracing"
	"github.com/workato-devs/dewy-resort-sub000/internal/upstream"
)

// runtime owns the long-lived gateway components. Reload swaps the provider
// and role configuration; listeners, database and caches keep their settings
// until restart.
type runtime struct {
	path       string
	logger     *zap.Logger
	promReg    *prometheus.Registry
	metrics    *metrics.Metrics
	tracer     trace.TracerProvider
	stopTracer func(context.Context) error
	db         *sqlx.DB
	redis      *redis.Client
	cache      upstream.ResponseCache
	events     storage.EventWriter
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher

	mu     sync.Mutex // serializes reloads
	cfg    atomic.Pointer[config.Config]
	client atomic.Pointer[upstream.Client]
}

func newRuntime(ctx context.Context, path string, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{path: path, logger: logger, promReg: prometheus.NewRegistry()}
	rt.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.metrics = metrics.NewMetrics(rt.promReg)

	tp, stop, err := tracing.NewProvider(ctx, cfg.Tracing, tracing.Options{})
	if err != nil {
		return nil, fmt.Errorf("newRuntime: %w", err)
	}
	rt.tracer, rt.stopTracer = tp, stop
	logger.Info("tracing configured", zap.String("exporter", cfg.Tracing.Exporter))

	db, err := store.OpenMigrated(ctx, cfg.Database)
	if err != nil {
		_ = stop(ctx)
		return nil, fmt.Errorf("newRuntime: %w", err)
	}
	rt.db = db

	switch cfg.Cache.Backend {
	case "redis":
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed, cache lookups will miss until it recovers",
				zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
		}
		rt.cache = upstream.NewRedisCache(rt.redis, cfg.Cache.KeyPrefix, cfg.Cache.TTL, logger)
	case "memory":
		rt.cache = upstream.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	default:
		logger.Info("response cache disabled")
	}

	// Audit events go to ClickHouse, or to the log when it is unavailable.
	if dsn := cfg.Audit.ClickHouseDSN; dsn != "" {
		chWriter, err := storage.NewClickHouseWriter(ctx, dsn, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			rt.events = storage.NewLogWriter(logger)
		} else {
			rt.events = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		rt.events = storage.NewLogWriter(logger)
		logger.Info("no clickhouse_dsn set, using log writer")
	}

	client := rt.newClient(cfg)
	rt.client.Store(client)
	rt.cfg.Store(cfg)

	rt.registry = registry.New(registry.UpstreamFetcher{Invoker: client}, registry.Config{
		TTL:          cfg.Registry.TTL,
		FetchTimeout: cfg.Registry.FetchTimeout,
		Snapshots:    registry.NewSQLSnapshotStore(db),
		Logger:       logger,
		Metrics:      rt.metrics,
	})

	rt.dispatcher = dispatcher.New(cfg, client, dispatcher.Options{
		Ledger:  ledger.NewSQLLedger(db, logger, rt.metrics),
		Tools:   rt.registry,
		Events:  rt.events,
		Logger:  logger,
		Metrics: rt.metrics,
	})
	return rt, nil
}

func (rt *runtime) newClient(cfg *config.Config) *upstream.Client {
	return upstream.NewClient(upstream.ProvidersFromConfig(cfg, rt.logger), upstream.Options{
		InitialBackoff: cfg.Upstream.InitialBackoff,
		MaxBackoff:     cfg.Upstream.MaxBackoff,
		Cache:          rt.cache,
		Metrics:        rt.metrics,
		Logger:         rt.logger,
		TracerProvider: rt.tracer,
	})
}

// reload re-reads the configuration file and swaps providers, proxy rules and
// roles in. An invalid file leaves the running configuration untouched.
func (rt *runtime) reload(_ context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cfg, err := config.Load(rt.path)
	if err != nil {
		return err
	}
	rt.apply(cfg)
	return nil
}

func (rt *runtime) apply(cfg *config.Config) {
	prev := rt.cfg.Load()
	client := rt.newClient(cfg)

	rt.registry.SetFetcher(registry.UpstreamFetcher{Invoker: client})
	for _, p := range cfg.Providers {
		rt.registry.Invalidate(p.Name)
	}
	for _, p := range prev.Providers {
		if _, ok := cfg.Provider(p.Name); !ok {
			rt.registry.Forget(p.Name)
		}
	}
	rt.dispatcher.Reload(cfg, client)
	rt.client.Store(client)
	rt.cfg.Store(cfg)

	rt.logger.Info("configuration reloaded",
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("proxy_rules", len(cfg.ProxyRules)),
		zap.Strings("roles", rt.dispatcher.Roles()),
	)
}

func (rt *runtime) hasProvider(name string) bool {
	return rt.client.Load().HasProvider(name)
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.stopTracer(ctx); err != nil {
		rt.logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	rt.events.Close()
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	_ = rt.db.Close()
}
