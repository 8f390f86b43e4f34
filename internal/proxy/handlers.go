package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/internal/stream"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	routeChat       = "chat_completions"
	routeEmbeddings = "embeddings"

	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	headerProvider = "X-Gateway-Provider"
)

// requestRecord accumulates what the request log and metrics need about one
// request while it is being served.
type requestRecord struct {
	start     time.Time
	route     string
	reqBytes  int
	requestID string
	principal string

	model    string
	provider string
	stream   bool
	cache    string // hit | miss | bypass
	usage    schema.Usage
	err      error
}

func (g *Gateway) begin(ctx *fasthttp.RequestCtx, route string) *requestRecord {
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	rec := &requestRecord{
		start:    time.Now(),
		route:    route,
		reqBytes: len(ctx.PostBody()),
		cache:    "bypass",
	}
	rec.requestID, _ = ctx.UserValue(userValueRequestID).(string)
	rec.principal, _ = ctx.UserValue(userValuePrincipal).(string)
	return rec
}

// finish emits metrics and the request log entry. For streams it runs when
// the body writer is done, after the handler returned.
func (g *Gateway) finish(rec *requestRecord, status int) {
	dur := time.Since(rec.start)
	outcome := "success"
	var kind apierr.Kind
	if rec.err != nil {
		kind = apierr.KindOf(rec.err)
		outcome = string(kind)
	}

	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(rec.route, status, dur, rec.reqBytes)
		g.metrics.ObserveRequest(rec.provider, rec.route, outcome, rec.cache, dur)
		g.metrics.AddTokens(rec.provider, rec.usage.PromptTokens, rec.usage.CompletionTokens, rec.cache == "hit")
		if kind == apierr.KindAllProvidersFailed {
			g.metrics.RecordFailoverExhausted(rec.route)
		}
	}

	if rec.err != nil {
		attrs := []any{
			slog.String("request_id", rec.requestID),
			slog.String("model", rec.model),
			slog.String("kind", string(kind)),
			slog.Int("status", status),
			slog.Duration("elapsed", dur),
			slog.String("error", rec.err.Error()),
		}
		switch {
		case kind == apierr.KindCancelled:
			g.log.Info("request_cancelled", attrs...)
		case apierr.StatusFor(rec.err) < fasthttp.StatusInternalServerError:
			g.log.Info("request_rejected", attrs...)
		default:
			g.log.Error("request_failed", attrs...)
		}
	}

	if g.reqLog == nil {
		return
	}
	g.reqLog.Log(logger.RequestLog{
		RequestID:    rec.requestID,
		Principal:    rec.principal,
		Route:        rec.route,
		Model:        rec.model,
		Provider:     rec.provider,
		Stream:       rec.stream,
		Status:       uint16(status),
		ErrorKind:    string(kind),
		InputTokens:  uint32(max(rec.usage.PromptTokens, 0)),
		OutputTokens: uint32(max(rec.usage.CompletionTokens, 0)),
		LatencyMs:    uint32(min(dur.Milliseconds(), int64(^uint32(0)))),
		Cached:       rec.cache == "hit",
		CreatedAt:    time.Now(),
	})
}

func (g *Gateway) fail(ctx *fasthttp.RequestCtx, rec *requestRecord, err error) {
	rec.err = err
	if e, ok := apierr.As(err); ok && e.Provider != "" && rec.provider == "" {
		rec.provider = e.Provider
	}
	apierr.WriteError(ctx, err)
}

// handleChatCompletions serves POST /v1/chat/completions as JSON or SSE.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	rec := g.begin(ctx, routeChat)
	if streaming := g.serveChat(ctx, rec); !streaming {
		g.finish(rec, ctx.Response.StatusCode())
	}
}

// serveChat reports true when a stream writer took over the response and
// will call finish itself.
func (g *Gateway) serveChat(ctx *fasthttp.RequestCtx, rec *requestRecord) bool {
	var req schema.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		g.fail(ctx, rec, apierr.Validation("", "invalid JSON: %s", err.Error()))
		return false
	}
	rec.model = req.Model
	rec.stream = req.Stream

	if req.Stream {
		return g.serveStream(ctx, rec, &req)
	}

	resp, cached, err := g.complete(WithPrincipal(ctx, rec.principal), &req)
	switch {
	case cached:
		rec.cache = "hit"
	case g.cache.Eligible(&req):
		rec.cache = "miss"
	}
	if err != nil {
		g.fail(ctx, rec, err)
		return false
	}
	rec.provider = resp.Provider
	rec.usage = resp.Usage

	body, err := json.Marshal(resp)
	if err != nil {
		g.fail(ctx, rec, apierr.New(apierr.KindInternal, "failed to serialize response"))
		return false
	}

	if cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	if resp.Provider != "" {
		ctx.Response.Header.Set(headerProvider, resp.Provider)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	return false
}

// serveStream opens the stream before committing the response so that a
// chain that fails before its first event still gets a JSON error. The
// stream context is detached from the RequestCtx, which fasthttp recycles
// once the handler returns.
func (g *Gateway) serveStream(ctx *fasthttp.RequestCtx, rec *requestRecord, req *schema.ChatRequest) bool {
	sctx, cancel := context.WithCancel(WithPrincipal(g.baseCtx, rec.principal))
	s, err := g.CreateChatCompletionStream(sctx, req)
	if err != nil {
		cancel()
		g.fail(ctx, rec, err)
		return false
	}
	rec.provider = s.Provider()
	if g.metrics != nil {
		g.metrics.ObserveFirstChunk(rec.provider, time.Since(rec.start))
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set(headerProvider, rec.provider)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer s.Close()

		werr := stream.WriteSSE(w, s)
		rec.usage = s.Usage()
		rec.err = s.Err()
		if werr != nil && rec.err == nil {
			rec.err = apierr.New(apierr.KindCancelled, "client went away: %v", werr)
		}
		g.finish(rec, fasthttp.StatusOK)
	})
	return true
}

// handleEmbeddings serves POST /v1/embeddings.
func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	rec := g.begin(ctx, routeEmbeddings)
	defer func() { g.finish(rec, ctx.Response.StatusCode()) }()

	var req schema.EmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		g.fail(ctx, rec, apierr.Validation("", "invalid JSON: %s", err.Error()))
		return
	}
	rec.model = req.Model

	resp, err := g.CreateEmbedding(WithPrincipal(ctx, rec.principal), &req)
	if err != nil {
		g.fail(ctx, rec, err)
		return
	}
	rec.provider = resp.Provider
	rec.usage.PromptTokens = resp.Usage.PromptTokens

	body, err := json.Marshal(resp)
	if err != nil {
		g.fail(ctx, rec, apierr.New(apierr.KindInternal, "failed to serialize response"))
		return
	}
	ctx.Response.Header.Set(headerProvider, resp.Provider)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleModels serves GET /v1/models.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.ListModels())
}
