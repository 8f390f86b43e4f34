// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an OpenAI-compatible request, builds the fallback
// chain for its model from the registry, answers from the cache when it can,
// and hands the chain to the Orchestrator, which tries candidates in order
// behind per-provider circuit breakers.
//
// Key design constraints:
//   - Logger, cache, metrics and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts and cancellation propagate.
//   - Streaming responses are never cached and never fall back once the
//     first chunk reached the client.
package proxy

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/internal/stream"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// DefaultRequestTimeout bounds a request, fallbacks and streaming included.
const DefaultRequestTimeout = 120 * time.Second

// Options holds optional collaborators and tuning for a Gateway. Zero values
// have sensible defaults.
type Options struct {
	// Logger is the structured logger for request events and failover
	// diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// Cache answers repeated non-streaming completions. Nil disables it.
	Cache *cache.Responses
	// CacheReady reports backend reachability for /readiness.
	CacheReady func() bool

	// Limiter enforces the per-principal RPM limit. Nil disables it.
	Limiter ratelimit.Limiter

	// RequestLog receives one record per completed request.
	RequestLog *logger.Logger

	Retry   RetryPolicy
	Breaker CBConfig

	// RequestTimeout bounds a request, a stream until its last chunk
	// included, when the caller's context has no earlier deadline.
	// Default: 120s.
	RequestTimeout time.Duration

	// APIKeys lists accepted bearer keys. Empty leaves the gateway open.
	APIKeys []string
	// CORSOrigins is the allowlist; nil or ["*"] allows any origin.
	CORSOrigins []string

	// DisableHealthProbes skips the background health checker.
	DisableHealthProbes bool
}

// Gateway is the entry point: every dependency is injected through New so
// it can be replaced with doubles in unit tests.
type Gateway struct {
	registry *registry.Registry
	orch     *Orchestrator
	cache    *cache.Responses
	limiter  ratelimit.Limiter
	reqLog   *logger.Logger
	metrics  *metrics.Registry
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger

	requestTimeout time.Duration
	apiKeys        map[string]bool
	corsOrigins    []string
}

// New creates a Gateway serving the adapters of reg.
func New(ctx context.Context, reg *registry.Registry, opts Options) *Gateway {
	if ctx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	obs := Observers{LogObserver{Log: log}}
	if opts.Metrics != nil {
		obs = append(obs, MetricsObserver{M: opts.Metrics})
	}
	cb := NewCircuitBreakerWithConfig(opts.Breaker)

	g := &Gateway{
		registry:       reg,
		orch:           NewOrchestrator(reg, cb, opts.Retry, obs, log),
		cache:          opts.Cache,
		limiter:        opts.Limiter,
		reqLog:         opts.RequestLog,
		metrics:        opts.Metrics,
		baseCtx:        ctx,
		log:            log,
		requestTimeout: timeout,
		corsOrigins:    opts.CORSOrigins,
	}
	if len(opts.APIKeys) > 0 {
		g.apiKeys = make(map[string]bool, len(opts.APIKeys))
		for _, k := range opts.APIKeys {
			g.apiKeys[k] = true
		}
	}

	if g.metrics != nil {
		for _, a := range reg.Adapters() {
			g.metrics.InitCircuitBreaker(a.Name())
		}
	}
	if !opts.DisableHealthProbes {
		g.health = NewHealthChecker(ctx, reg.Adapters(), cb, opts.CacheReady, g.metrics)
	}
	return g
}

// Close stops background work owned by the gateway.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// Orchestrator exposes the fallback driver, mainly for health reporting.
func (g *Gateway) Orchestrator() *Orchestrator { return g.orch }

type principalKey struct{}

// WithPrincipal attaches the authenticated caller to ctx. The principal
// partitions the response cache.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the caller attached by WithPrincipal.
func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// CreateChatCompletion answers req without streaming.
func (g *Gateway) CreateChatCompletion(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
	resp, _, err := g.complete(ctx, req)
	return resp, err
}

// complete also reports whether the answer came from the cache.
func (g *Gateway) complete(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, bool, error) {
	if err := schema.Validate(req); err != nil {
		return nil, false, err
	}
	if req.Stream {
		return nil, false, apierr.Validation("stream", "use CreateChatCompletionStream for stream=true")
	}
	chain, err := g.plan(req.Model, req.Route, req.Fallbacks)
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := g.withDeadline(ctx)
	defer cancel()

	principal := PrincipalFrom(ctx)
	eligible := g.cache.Eligible(req)
	if eligible {
		if resp, ok := g.cache.Lookup(ctx, principal, req); ok {
			g.cacheGet("hit")
			return resp, true, nil
		}
		g.cacheGet("miss")
	} else {
		g.cacheGet("bypass")
	}

	resp, err := g.orch.Complete(ctx, chain, req)
	if err != nil {
		return nil, false, err
	}

	if eligible {
		err := g.cache.Store(ctx, principal, req, resp)
		if err != nil {
			g.log.WarnContext(ctx, "cache_store_failed", slog.String("error", err.Error()))
		}
		if g.metrics != nil {
			g.metrics.CacheSet(err == nil)
		}
	}
	return resp, false, nil
}

// CreateChatCompletionStream opens a streamed completion. The returned
// stream is committed to one provider; the caller must drain or Close it.
// Cancelling ctx stops the stream, and the request timeout bounds it from
// the first attempt to the last chunk.
func (g *Gateway) CreateChatCompletionStream(ctx context.Context, req *schema.ChatRequest) (*stream.Stream, error) {
	if err := schema.Validate(req); err != nil {
		return nil, err
	}
	r := *req
	r.Stream = true
	chain, err := g.plan(r.Model, r.Route, r.Fallbacks)
	if err != nil {
		return nil, err
	}

	ctx, cancel := g.withDeadline(ctx)
	s, err := g.orch.Stream(ctx, chain, &r, stream.OnClose(cancel))
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// CreateEmbedding embeds req.Input with the first provider of the model's
// chain that serves embeddings.
func (g *Gateway) CreateEmbedding(ctx context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error) {
	if err := schema.ValidateEmbedding(req); err != nil {
		return nil, err
	}
	chain, err := g.plan(req.Model, "", nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()
	return g.orch.Embed(ctx, chain, req)
}

// ListModels returns the catalog of configured providers. It never calls
// upstream.
func (g *Gateway) ListModels() schema.ModelList {
	return g.registry.Models()
}

// plan builds the fallback chain. "auto" (or no model) picks the models of
// the route tier in order.
func (g *Gateway) plan(model, route string, extra []string) ([]registry.Candidate, error) {
	var chain []registry.Candidate
	if model == "" || model == schema.ModelAuto {
		if route == "" {
			route = registry.DefaultTier
		}
		tier := g.registry.Tier(route)
		if len(tier) == 0 {
			return nil, apierr.Validation("route", "unknown route %q", route)
		}
		chain = g.registry.Plan(tier[0], slices.Concat(tier[1:], extra))
	} else {
		chain = g.registry.Plan(model, extra)
	}

	if len(chain) == 0 {
		return nil, apierr.Validation("model", "model %q is not served by any provider", model)
	}
	for _, c := range chain {
		if g.registry.Configured(c.Descriptor.Name) {
			return chain, nil
		}
	}
	return nil, apierr.NotConfigured(chain[0].Descriptor.Name)
}

func (g *Gateway) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= g.requestTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.requestTimeout)
}

func (g *Gateway) cacheGet(result string) {
	if g.metrics != nil {
		g.metrics.CacheGet(result)
	}
}
