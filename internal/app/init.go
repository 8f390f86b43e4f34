package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
)

// initInfra establishes optional external connections. Redis is dialled
// whenever REDIS_URL is set: the cache uses it in redis mode and the rate
// limiter uses it whenever limiting is enabled.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initProviders loads the model catalog and builds one adapter per
// configured provider.
func (a *App) initProviders(ctx context.Context) error {
	var cat *registry.Catalog
	if a.cfg.CatalogFile != "" {
		c, err := registry.LoadCatalog(a.cfg.CatalogFile)
		if err != nil {
			return err
		}
		cat = c
		a.log.Info("model catalog loaded",
			slog.String("file", a.cfg.CatalogFile),
			slog.Int("models", len(c.Models)),
			slog.Int("routes", len(c.Routes)),
		)
	}

	reg, err := registry.Build(ctx, a.cfg.Providers, cat,
		registry.WithResponseHeaderTimeout(a.cfg.Timeouts.Attempt))
	if err != nil {
		return err
	}
	adapters := reg.Adapters()
	if len(adapters) == 0 {
		return fmt.Errorf("no provider credentials configured")
	}
	a.registry = reg

	names := make([]string, 0, len(adapters))
	for _, ad := range adapters {
		names = append(names, ad.Name())
	}
	a.log.Info("providers loaded", slog.Any("providers", names))
	return nil
}

// initServices creates the cache, rate limiter, request log and Prometheus
// registry.
func (a *App) initServices(ctx context.Context) error {
	var backend cache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		backend = cache.NewRedisCache(a.rdb)
		a.cacheReady = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = cache.NewMemoryCache(ctx, a.cfg.Cache.MaxEntries)
		backend = a.memCache
		a.log.Info("cache backend: memory (in-process)", slog.Int("max_entries", a.cfg.Cache.MaxEntries))
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if backend != nil {
		exclusions, err := cache.NewExclusionList(a.cfg.Cache.Exclude)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		if exclusions.Len() > 0 {
			a.log.Info("cache exclusions loaded", slog.Int("rules", exclusions.Len()))
		}
		a.responses = cache.NewResponses(backend, exclusions, a.cfg.Cache.TTL, a.log)
	}

	if rpm := a.cfg.RateLimit.RPM; rpm > 0 {
		if a.rdb != nil {
			a.limiter = ratelimit.NewRedisLimiter(a.rdb, rpm, a.log)
			a.log.Info("rate limiting enabled", slog.Int("rpm_limit", rpm), slog.String("store", "redis"))
		} else {
			a.limiter = ratelimit.NewLocalLimiter(rpm)
			a.log.Info("rate limiting enabled", slog.Int("rpm_limit", rpm), slog.String("store", "local"))
		}
	}

	sink, err := a.requestLogSink(ctx)
	if err != nil {
		return fmt.Errorf("request log: %w", err)
	}
	a.reqLogger, err = logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		_ = sink.Close()
		return fmt.Errorf("request log: %w", err)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	return nil
}

func (a *App) requestLogSink(ctx context.Context) (logger.Sink, error) {
	switch a.cfg.RequestLog.Sink {
	case "clickhouse":
		s, err := logger.NewClickHouseSink(ctx, a.cfg.RequestLog.ClickHouseDSN, a.cfg.RequestLog.ClickHouseTable)
		if err != nil {
			return nil, err
		}
		a.log.Info("request log sink: clickhouse", slog.String("table", a.cfg.RequestLog.ClickHouseTable))
		return s, nil
	case "none":
		return logger.NopSink{}, nil
	default:
		return logger.NewSlogSink(a.log), nil
	}
}

// initGateway wires the Gateway to every configured subsystem.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.New(a.baseCtx, a.registry, proxy.Options{
		Logger:     a.log,
		Metrics:    a.prom,
		Cache:      a.responses,
		CacheReady: a.cacheReady,
		Limiter:    a.limiter,
		RequestLog: a.reqLogger,
		Retry: proxy.RetryPolicy{
			MaxAttempts:    a.cfg.Retry.MaxAttempts,
			BaseBackoff:    a.cfg.Retry.BaseBackoff,
			MaxBackoff:     a.cfg.Retry.MaxBackoff,
			AttemptTimeout: a.cfg.Timeouts.Attempt,
		},
		Breaker: proxy.CBConfig{
			FailureThreshold: a.cfg.Breaker.FailureThreshold,
			Cooldown:         a.cfg.Breaker.Cooldown,
		},
		RequestTimeout: a.cfg.Timeouts.Request,
		APIKeys:        a.cfg.Auth.APIKeys,
		CORSOrigins:    a.cfg.CORSOrigins,
	})
	if len(a.cfg.Auth.APIKeys) == 0 {
		a.log.Warn("no API_KEYS configured, the gateway accepts unauthenticated requests")
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	return nil
}
