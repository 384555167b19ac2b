// Package registry caches upstream tool definitions per provider with a TTL
// freshness contract, single-flight refresh and a persisted fallback snapshot.
package registry

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/metrics"
	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
	"github.com/workato-devs/dewy-resort-sub000/internal/upstream"
)

// Fetcher retrieves the current tool definitions from a provider.
type Fetcher interface {
	FetchTools(ctx context.Context, provider string) ([]schema.ToolDefinition, error)
}

// Invoker is the part of the upstream client the registry needs.
type Invoker interface {
	Invoke(ctx context.Context, provider string, op upstream.Operation, payload map[string]any) (*upstream.Result, error)
}

// UpstreamFetcher lists tools through the upstream client, bypassing its response cache.
type UpstreamFetcher struct {
	Invoker Invoker
}

func (f UpstreamFetcher) FetchTools(ctx context.Context, provider string) ([]schema.ToolDefinition, error) {
	res, err := f.Invoker.Invoke(ctx, provider, upstream.Operation{Method: upstream.MethodListTools, NoCache: true}, nil)
	if err != nil {
		return nil, err
	}
	tools, err := res.Tools()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamUnavailable, err, "decode tools/list from %s", provider)
	}
	return tools, nil
}

// Config configures a Registry.
type Config struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	Snapshots    SnapshotStore // optional
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type fetcherBox struct{ f Fetcher }

// Registry serves CachedToolSets. Safe for concurrent use.
type Registry struct {
	fetcher      atomic.Pointer[fetcherBox]
	cache        *ToolSetCache
	group        singleflight.Group
	ttl          time.Duration
	fetchTimeout time.Duration
	snapshots    SnapshotStore
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// New creates a Registry.
func New(fetcher Fetcher, cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &Registry{
		cache:        NewToolSetCache(),
		ttl:          cfg.TTL,
		fetchTimeout: cfg.FetchTimeout,
		snapshots:    cfg.Snapshots,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          time.Now,
	}
	r.SetFetcher(fetcher)
	return r
}

// SetFetcher replaces the fetcher used for subsequent refreshes.
func (r *Registry) SetFetcher(f Fetcher) {
	r.fetcher.Store(&fetcherBox{f: f})
}

// ListTools returns the provider's tool set, fetching synchronously when the
// cached set is missing or older than the TTL. Concurrent callers share one fetch.
// When the fetch fails the previous set is returned, then the persisted snapshot;
// only when neither exists is the upstream error returned.
func (r *Registry) ListTools(ctx context.Context, provider string) (*CachedToolSet, error) {
	if set := r.cache.Get(provider); set != nil && set.Fresh(r.now(), r.ttl) {
		return set, nil
	}

	ch := r.group.DoChan(provider, func() (any, error) {
		if set := r.cache.Get(provider); set != nil && set.Fresh(r.now(), r.ttl) {
			return set, nil
		}
		return r.refresh(provider)
	})

	select {
	case <-ctx.Done():
		return nil, gatewayerr.Wrap(gatewayerr.KindTimeout, ctx.Err(), "list tools for %s", provider)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CachedToolSet), nil
	}
}

// refresh runs detached from any single caller so one caller giving up does
// not fail the others waiting on the same flight.
func (r *Registry) refresh(provider string) (*CachedToolSet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.fetchTimeout)
	defer cancel()

	start := r.now()
	tools, err := r.fetcher.Load().f.FetchTools(ctx, provider)
	if err == nil {
		set := newToolSet(provider, r.now(), tools)
		r.cache.Swap(set)
		r.metrics.ObserveRegistryRefresh(provider, "ok")
		r.logger.Debug("tool registry refreshed",
			zap.String("provider", provider),
			zap.Int("tools", len(tools)),
			zap.Duration("elapsed", r.now().Sub(start)),
		)
		if r.snapshots != nil {
			if err := r.snapshots.Save(ctx, set); err != nil {
				r.logger.Warn("failed to persist tool snapshot", zap.String("provider", provider), zap.Error(err))
			}
		}
		return set, nil
	}

	if stale := r.cache.Get(provider); stale != nil {
		r.metrics.ObserveRegistryRefresh(provider, "stale")
		r.logger.Warn("tool registry refresh failed, serving stale tool set",
			zap.String("provider", provider),
			zap.Time("fetched_at", stale.FetchedAt),
			zap.Error(err),
		)
		return stale.withSource(SourceStale), nil
	}

	if r.snapshots != nil {
		loadCtx, loadCancel := context.WithTimeout(context.Background(), r.fetchTimeout)
		defer loadCancel()
		snap, loadErr := r.snapshots.Load(loadCtx, provider)
		if loadErr != nil {
			r.logger.Warn("failed to load tool snapshot", zap.String("provider", provider), zap.Error(loadErr))
		}
		if snap != nil {
			r.cache.Swap(snap)
			r.metrics.ObserveRegistryRefresh(provider, "snapshot")
			r.logger.Warn("tool registry refresh failed, serving persisted snapshot",
				zap.String("provider", provider),
				zap.Time("fetched_at", snap.FetchedAt),
				zap.Error(err),
			)
			return snap, nil
		}
	}

	r.metrics.ObserveRegistryRefresh(provider, "error")
	r.logger.Error("tool registry refresh failed with no fallback",
		zap.String("provider", provider),
		zap.Error(err),
	)
	return nil, err
}

// Invalidate forces the next ListTools for provider to refetch. The current set
// stays available as the stale fallback.
func (r *Registry) Invalidate(provider string) {
	r.cache.Expire(provider)
	r.logger.Info("tool registry invalidated", zap.String("provider", provider))
}

// Forget drops everything cached for provider, including the stale fallback.
func (r *Registry) Forget(provider string) {
	r.cache.Delete(provider)
}
