package proxy

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/internal/stream"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 250 * time.Millisecond
	DefaultMaxBackoff  = 4 * time.Second
)

// RetryPolicy bounds the attempts made against one candidate.
type RetryPolicy struct {
	// MaxAttempts is the number of calls per candidate, first try included.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// AttemptTimeout bounds one call. For streams it bounds the time to the
	// first upstream event only.
	AttemptTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	return p
}

// backoff returns the full-jitter wait before retry n (1-based), never less
// than the provider's Retry-After.
func (p RetryPolicy) backoff(n int, retryAfter time.Duration) time.Duration {
	ceil := p.MaxBackoff
	if shift := n - 1; shift < 16 {
		ceil = min(p.BaseBackoff<<shift, p.MaxBackoff)
	}
	wait := time.Duration(rand.Int64N(int64(ceil) + 1))
	return max(wait, retryAfter)
}

// AdapterSource hands out the adapter serving a descriptor.
type AdapterSource interface {
	AdapterFor(providers.Descriptor) (providers.Adapter, error)
}

// Orchestrator drives a fallback chain: candidates are tried in order, each
// with bounded retries, while per-provider breakers keep failing providers
// out of the chain.
type Orchestrator struct {
	adapters AdapterSource
	breaker  *CircuitBreaker
	policy   RetryPolicy
	obs      Observer
	log      *slog.Logger

	sleep func(context.Context, time.Duration) error
}

// NewOrchestrator builds an orchestrator. A nil breaker gets defaults; a nil
// observer discards events.
func NewOrchestrator(adapters AdapterSource, cb *CircuitBreaker, policy RetryPolicy, obs Observer, log *slog.Logger) *Orchestrator {
	if cb == nil {
		cb = NewCircuitBreaker()
	}
	if obs == nil {
		obs = Observers(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		adapters: adapters,
		breaker:  cb,
		policy:   policy.withDefaults(),
		obs:      obs,
		log:      log,
		sleep:    sleepCtx,
	}
	cb.onChange = obs.BreakerChanged
	return o
}

// Breaker exposes the breaker table for health reporting.
func (o *Orchestrator) Breaker() *CircuitBreaker { return o.breaker }

// attempt performs one upstream call for a prepared candidate.
type attempt[T any] func(ctx context.Context) (T, error)

// prepare translates the request for one candidate. Errors it returns end
// the chain.
type prepare[T any] func(a providers.Adapter, c registry.Candidate) (attempt[T], error)

// Complete runs a non-streaming chat completion over chain.
func (o *Orchestrator) Complete(ctx context.Context, chain []registry.Candidate, req *schema.ChatRequest) (*schema.ChatResponse, error) {
	// One entry per upstream attempt; failed attempts report no tokens.
	var spent []schema.Usage
	resp, err := run(o, ctx, chain, func(a providers.Adapter, c registry.Candidate) (attempt[*schema.ChatResponse], error) {
		preq, err := a.TranslateRequest(forCandidate(req, c))
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (*schema.ChatResponse, error) {
			ctx, cancel := o.attemptContext(ctx)
			defer cancel()
			raw, err := a.Invoke(ctx, preq)
			if err != nil {
				spent = append(spent, schema.Usage{})
				return nil, err
			}
			resp, err := a.TranslateResponse(raw)
			if err != nil {
				spent = append(spent, schema.Usage{})
				return nil, err
			}
			spent = append(spent, resp.Usage)
			resp.Provider = a.Name()
			return resp, nil
		}, nil
	})
	if err != nil {
		return nil, err
	}
	resp.Usage = schema.MergeUsage(spent)
	return resp, nil
}

// Stream opens a streaming chat completion over chain. The first upstream
// event is awaited before committing to a candidate; failures up to that
// point fall back like Complete. Once committed there is no fallback: a
// mid-stream failure ends the stream with an error terminal chunk. opts
// are applied to the committed stream.
func (o *Orchestrator) Stream(ctx context.Context, chain []registry.Candidate, req *schema.ChatRequest, opts ...stream.Option) (*stream.Stream, error) {
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	return run(o, ctx, chain, func(a providers.Adapter, c registry.Candidate) (attempt[*stream.Stream], error) {
		preq, err := a.TranslateRequest(forCandidate(req, c))
		if err != nil {
			return nil, err
		}
		sopts := append([]stream.Option{stream.WithModel(c.Model), stream.WithUsage(includeUsage)}, opts...)
		return func(ctx context.Context) (*stream.Stream, error) {
			return o.openStream(ctx, a, preq, sopts...)
		}, nil
	})
}

func (o *Orchestrator) openStream(ctx context.Context, a providers.Adapter, preq *providers.Request, opts ...stream.Option) (*stream.Stream, error) {
	sctx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	var timer *time.Timer
	if o.policy.AttemptTimeout > 0 {
		timer = time.AfterFunc(o.policy.AttemptTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	next, stop := iter.Pull2(a.InvokeStreaming(sctx, preq))
	ev, err, ok := next()
	if timer != nil && !timer.Stop() && timedOut.Load() {
		stop()
		cancel()
		e := apierr.New(apierr.KindUpstreamTimeout, "no stream event within %s", o.policy.AttemptTimeout)
		e.Provider = a.Name()
		return nil, e
	}
	if err != nil || !ok {
		stop()
		cancel()
		if err == nil {
			return nil, apierr.Malformed(a.Name(), errors.New("stream ended before the first event"))
		}
		return nil, err
	}
	opts = append(opts, stream.OnClose(cancel))
	return stream.New(a, stream.Prepend(ev, next), stop, opts...), nil
}

// Embed runs an embedding request over chain.
func (o *Orchestrator) Embed(ctx context.Context, chain []registry.Candidate, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error) {
	return run(o, ctx, chain, func(a providers.Adapter, c registry.Candidate) (attempt[*schema.EmbeddingResponse], error) {
		emb, ok := a.(providers.Embedder)
		if !ok || !a.Descriptor().Capabilities.Has(providers.CapEmbeddings) {
			return nil, apierr.Unsupported(a.Name(), "embeddings", "model")
		}
		r := *req
		r.Model = c.Model
		return func(ctx context.Context) (*schema.EmbeddingResponse, error) {
			ctx, cancel := o.attemptContext(ctx)
			defer cancel()
			resp, err := emb.Embed(ctx, &r)
			if err != nil {
				return nil, err
			}
			resp.Provider = a.Name()
			return resp, nil
		}, nil
	})
}

func forCandidate(req *schema.ChatRequest, c registry.Candidate) *schema.ChatRequest {
	r := *req
	r.Model = c.Model
	return &r
}

func run[T any](o *Orchestrator, ctx context.Context, chain []registry.Candidate, prep prepare[T]) (T, error) {
	// Breakers only narrow the chain; when every candidate is cooling down
	// the whole chain is tried anyway.
	candidates := make([]registry.Candidate, 0, len(chain))
	for _, c := range chain {
		if o.breaker.Available(c.Descriptor.Name) {
			candidates = append(candidates, c)
		}
	}
	gated := len(candidates) > 0
	if !gated {
		candidates = chain
	}

	p := &pass[T]{o: o, prep: prep}
	if val, done, err := p.try(ctx, candidates, gated); done {
		return val, err
	}
	// A breaker can reopen while a request waits behind its half-open
	// trial. When that skipped every candidate, fall back to the whole chain.
	if gated && p.attempted == 0 && p.skipped > 0 {
		if val, done, err := p.try(ctx, chain, false); done {
			return val, err
		}
	}

	agg := apierr.AllProvidersFailed(p.causes)
	for _, c := range p.causes {
		agg.RetryAfter = max(agg.RetryAfter, c.Err.RetryAfter)
	}
	var zero T
	return zero, agg
}

// pass walks candidates in order and remembers what it tried across walks.
type pass[T any] struct {
	o    *Orchestrator
	prep prepare[T]

	causes    []apierr.Cause
	attempted int
	skipped   int
	prev      string
	reason    apierr.Kind
}

// try returns done when a candidate succeeded or the chain must stop.
func (p *pass[T]) try(ctx context.Context, candidates []registry.Candidate, gated bool) (T, bool, error) {
	var zero T
	o := p.o
	for _, c := range candidates {
		name := c.Descriptor.Name
		if err := ctx.Err(); err != nil {
			return zero, true, contextError(name, err)
		}
		a, err := o.adapters.AdapterFor(c.Descriptor)
		if err != nil {
			o.log.DebugContext(ctx, "candidate_not_configured",
				slog.String("provider", name),
				slog.String("model", c.Model),
			)
			continue
		}

		if gated {
			ok, err := o.breaker.Acquire(ctx, name)
			if err != nil {
				return zero, true, contextError(name, err)
			}
			if !ok {
				p.skipped++
				continue
			}
		}

		call, err := p.prep(a, c)
		if err != nil {
			o.breaker.Release(name)
			return zero, true, translate(a, err)
		}
		if p.prev != "" {
			o.obs.Failover(p.prev, name, p.reason)
		}

		p.attempted++
		start := time.Now()
		val, err := retry(o, ctx, a, c, call)
		dur := time.Since(start)
		if err == nil {
			o.breaker.RecordSuccess(name)
			o.obs.AttemptSucceeded(name, c.Model, dur)
			return val, true, nil
		}

		e := translate(a, err)
		if final(e.Kind) {
			o.breaker.Release(name)
			return zero, true, e
		}
		o.breaker.RecordFailure(name)
		o.obs.AttemptFailed(name, c.Model, e, dur)
		o.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("provider", name),
			slog.String("model", c.Model),
			slog.String("reason", string(e.Kind)),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", e.Error()),
		)
		p.causes = append(p.causes, apierr.Cause{Provider: name, Model: c.Model, Err: e})
		p.prev, p.reason = name, e.Kind
	}
	return zero, false, nil
}

func retry[T any](o *Orchestrator, ctx context.Context, a providers.Adapter, c registry.Candidate, call attempt[T]) (T, error) {
	var zero T
	for n := 1; ; n++ {
		val, err := call(ctx)
		if err == nil {
			return val, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, contextError(a.Name(), ctxErr)
		}
		e := translate(a, err)
		if !e.Retryable || n >= o.policy.MaxAttempts {
			return zero, e
		}
		wait := o.policy.backoff(n, e.RetryAfter)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return zero, e
		}
		o.log.DebugContext(ctx, "provider_retry",
			slog.String("provider", a.Name()),
			slog.String("model", c.Model),
			slog.Int("attempt", n),
			slog.Duration("backoff", wait),
			slog.String("reason", string(e.Kind)),
		)
		if err := o.sleep(ctx, wait); err != nil {
			return zero, contextError(a.Name(), err)
		}
	}
}

func (o *Orchestrator) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.policy.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, o.policy.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}

// final reports kinds that no other candidate would answer differently.
func final(k apierr.Kind) bool {
	switch k {
	case apierr.KindValidation, apierr.KindUnsupportedFeature, apierr.KindUpstreamInvalidRequest,
		apierr.KindCancelled, apierr.KindInternal:
		return true
	}
	return false
}

func translate(a providers.Adapter, err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	return a.TranslateError(err)
}

// contextError maps the request context ending: cancellation by the caller
// or the request deadline running out.
func contextError(provider string, err error) *apierr.Error {
	if errors.Is(err, context.Canceled) {
		e := apierr.New(apierr.KindCancelled, "request cancelled")
		e.Cause = err
		return e
	}
	e := apierr.New(apierr.KindUpstreamTimeout, "request deadline exceeded")
	e.Provider = provider
	e.Retryable = false
	e.Cause = err
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
