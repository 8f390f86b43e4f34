package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers/providertest"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// serveRouter starts the full handler chain on an in-memory listener and
// returns an HTTP client bound to it.
func serveRouter(t *testing.T, gw *Gateway, mgmt *ManagementRoutes) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	srv := gw.Server(mgmt)
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func post(t *testing.T, c *http.Client, path, body string, headers ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return do(t, c, req)
}

func get(t *testing.T, c *http.Client, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://gateway"+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return do(t, c, req)
}

func do(t *testing.T, c *http.Client, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

const chatBody = `{"model":"model-a","messages":[{"role":"user","content":"hi"}]}`

func errorCode(t *testing.T, body string) string {
	t.Helper()
	var env struct {
		Error apierr.APIError `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("error envelope %q: %v", body, err)
	}
	return env.Error.Code
}

// --- chat completions -------------------------------------------------------

func TestRouter_ChatCompletion(t *testing.T) {
	a := providertest.New("a").Reply("hello")
	gw := newTestGateway(t, nil, Options{Cache: newMemoryResponses(t)}, a)
	c := serveRouter(t, gw, nil)

	resp, body := post(t, c, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Cache"); got != xCacheMISS {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if got := resp.Header.Get(headerProvider); got != "a" {
		t.Errorf("%s = %q", headerProvider, got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing")
	}

	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "chat.completion" || len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello" {
		t.Errorf("unexpected body %s", body)
	}

	resp, _ = post(t, c, "/v1/chat/completions", chatBody)
	if got := resp.Header.Get("X-Cache"); got != xCacheHIT {
		t.Errorf("second call X-Cache = %q, want HIT", got)
	}
	if a.Calls.Load() != 1 {
		t.Errorf("upstream calls = %d", a.Calls.Load())
	}
}

func TestRouter_ChatCompletion_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t, nil, Options{}, providertest.New("a").Reply("x"))
	c := serveRouter(t, gw, nil)

	resp, body := post(t, c, "/v1/chat/completions", `{"model":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if code := errorCode(t, body); code != string(apierr.KindValidation) {
		t.Errorf("code = %q", code)
	}
}

func TestRouter_ChatCompletion_AllFailed(t *testing.T) {
	a := providertest.New("a").Fail(apierr.Upstream("a", 500, "boom"))
	gw := newTestGateway(t, nil, Options{}, a)
	c := serveRouter(t, gw, nil)

	resp, body := post(t, c, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if code := errorCode(t, body); code != string(apierr.KindAllProvidersFailed) {
		t.Errorf("code = %q", code)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t, nil, Options{}, providertest.New("a"))
	c := serveRouter(t, gw, nil)

	resp, _ := get(t, c, "/v1/chat/completions")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// --- streaming --------------------------------------------------------------

func TestRouter_Stream(t *testing.T) {
	a := providertest.New("a").StreamText("Hel", "lo")
	gw := newTestGateway(t, nil, Options{}, a)
	c := serveRouter(t, gw, nil)

	resp, body := post(t, c, "/v1/chat/completions",
		`{"model":"model-a","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, data)
		}
	}
	if len(frames) < 3 || frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("frames = %q", frames)
	}
	if !strings.Contains(body, `"Hel"`) || !strings.Contains(body, `"lo"`) {
		t.Errorf("content deltas missing from %s", body)
	}
	if !strings.Contains(body, `"chat.completion.chunk"`) {
		t.Errorf("chunk object missing from %s", body)
	}
}

func TestRouter_Stream_FailsBeforeFirstChunk(t *testing.T) {
	a := providertest.New("a").Stream(providertest.Step{Err: apierr.Upstream("a", 500, "boom")})
	gw := newTestGateway(t, nil, Options{}, a)
	c := serveRouter(t, gw, nil)

	resp, body := post(t, c, "/v1/chat/completions",
		`{"model":"model-a","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want a JSON error", ct)
	}
	if code := errorCode(t, body); code != string(apierr.KindAllProvidersFailed) {
		t.Errorf("code = %q", code)
	}
}

func TestRouter_Stream_MidStreamErrorFrame(t *testing.T) {
	a := providertest.New("a").Stream(
		providertest.Step{Chunk: schema.ContentChunk("part")},
		providertest.Step{Err: apierr.Upstream("a", 500, "lost")},
	)
	gw := newTestGateway(t, nil, Options{}, a)
	c := serveRouter(t, gw, nil)

	resp, body := post(t, c, "/v1/chat/completions",
		`{"model":"model-a","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"error"`) || !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("expected error frame then [DONE], got %s", body)
	}
}

// --- embeddings / models ----------------------------------------------------

func TestRouter_Embeddings(t *testing.T) {
	gw := newTestGateway(t, nil, Options{}, providertest.New("a"))
	c := serveRouter(t, gw, nil)

	resp, body := post(t, c, "/v1/embeddings", `{"model":"model-a","input":["x","y"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil || len(out.Data) != 2 {
		t.Errorf("body = %s err=%v", body, err)
	}

	resp, _ = post(t, c, "/v1/embeddings", `{"input":["x"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing model status = %d", resp.StatusCode)
	}
}

func TestRouter_Models(t *testing.T) {
	gw := newTestGateway(t, nil, Options{}, providertest.New("a"), providertest.New("b"))
	c := serveRouter(t, gw, nil)

	resp, body := get(t, c, "/v1/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 2 {
		t.Errorf("models = %s", body)
	}
}

// --- health -----------------------------------------------------------------

func TestRouter_HealthWithoutChecker(t *testing.T) {
	gw := newTestGateway(t, nil, Options{}, providertest.New("a"))
	c := serveRouter(t, gw, nil)

	resp, body := get(t, c, "/health")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}
	resp, _ = get(t, c, "/readiness")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness = %d", resp.StatusCode)
	}
}

func TestRouter_HealthWithChecker(t *testing.T) {
	a := providertest.New("a")
	b := providertest.New("b").Unhealthy(apierr.Upstream("b", 503, "down"))
	g := New(context.Background(), newTestRegistry(t, nil, a, b), Options{Logger: quietLogger()})
	t.Cleanup(g.Close)
	c := serveRouter(t, g, nil)

	resp, body := get(t, c, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap HealthSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != "degraded" {
		t.Errorf("status = %q", snap.Status)
	}
	if snap.Providers["a"].Status != "ok" || snap.Providers["b"].Status != "degraded" {
		t.Errorf("providers = %+v", snap.Providers)
	}

	resp, _ = get(t, c, "/readiness")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("one healthy provider should be ready, got %d", resp.StatusCode)
	}
}

func TestRouter_NotReadyWhenCacheDown(t *testing.T) {
	a := providertest.New("a")
	g := New(context.Background(), newTestRegistry(t, nil, a), Options{
		Logger:     quietLogger(),
		CacheReady: func() bool { return false },
	})
	t.Cleanup(g.Close)
	c := serveRouter(t, g, nil)

	resp, _ := get(t, c, "/readiness")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness = %d, want 503", resp.StatusCode)
	}
}

// --- auth / rate limit ------------------------------------------------------

func TestRouter_Auth(t *testing.T) {
	gw := newTestGateway(t, nil, Options{APIKeys: []string{"sk-good"}}, providertest.New("a").Reply("x"))
	c := serveRouter(t, gw, nil)

	resp, body := post(t, c, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key status = %d", resp.StatusCode)
	}
	if code := errorCode(t, body); code != apierr.CodeInvalidAPIKey {
		t.Errorf("code = %q", code)
	}

	resp, _ = post(t, c, "/v1/chat/completions", chatBody, "Authorization", "Bearer sk-bad")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key status = %d", resp.StatusCode)
	}

	resp, _ = post(t, c, "/v1/chat/completions", chatBody, "Authorization", "Bearer sk-good")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good key status = %d", resp.StatusCode)
	}

	resp, _ = get(t, c, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health must stay open, got %d", resp.StatusCode)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	m := metrics.New()
	gw := newTestGateway(t, nil, Options{
		Limiter: ratelimit.NewLocalLimiter(1),
		Metrics: m,
	}, providertest.New("a").Reply("x"))
	c := serveRouter(t, gw, nil)

	resp, _ := post(t, c, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, _ = post(t, c, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}

	resp, _ = get(t, c, "/v1/models")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET must not be limited, got %d", resp.StatusCode)
	}
}

// --- request log / metrics --------------------------------------------------

type recordingSink struct {
	mu      sync.Mutex
	entries []logger.RequestLog
}

func (s *recordingSink) Write(_ context.Context, batch []logger.RequestLog) error {
	s.mu.Lock()
	s.entries = append(s.entries, batch...)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestRouter_RequestLog(t *testing.T) {
	sink := &recordingSink{}
	reqLog, err := logger.New(context.Background(), sink, quietLogger())
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	a := providertest.New("a").Reply("x")
	gw := newTestGateway(t, nil, Options{RequestLog: reqLog}, a)
	c := serveRouter(t, gw, nil)

	post(t, c, "/v1/chat/completions", chatBody, "Authorization", "Bearer sk-1")
	post(t, c, "/v1/chat/completions", `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)
	if err := reqLog.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(sink.entries))
	}
	ok, bad := sink.entries[0], sink.entries[1]
	if ok.Provider != "a" || ok.Status != 200 || ok.InputTokens != 3 || ok.OutputTokens != 2 {
		t.Errorf("success entry = %+v", ok)
	}
	if !strings.HasPrefix(ok.Principal, "key:") || ok.RequestID == "" {
		t.Errorf("principal/request id = %q/%q", ok.Principal, ok.RequestID)
	}
	if bad.Status != 400 || bad.ErrorKind != string(apierr.KindValidation) || bad.Principal != anonymousPrincipal {
		t.Errorf("failure entry = %+v", bad)
	}
}

func TestRouter_Metrics(t *testing.T) {
	m := metrics.New()
	gw := newTestGateway(t, nil, Options{Metrics: m}, providertest.New("a").Reply("x"))
	c := serveRouter(t, gw, &ManagementRoutes{Metrics: m.Handler()})

	post(t, c, "/v1/chat/completions", chatBody)

	resp, body := get(t, c, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "provider=\"a\"") {
		t.Errorf("metrics output lacks provider label:\n%s", body)
	}
}

func TestRouter_NoMetricsRouteWithoutManagement(t *testing.T) {
	gw := newTestGateway(t, nil, Options{}, providertest.New("a"))
	c := serveRouter(t, gw, nil)

	resp, _ := get(t, c, "/metrics")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"hello": "world"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("content type = %q", ctx.Response.Header.ContentType())
	}
	var out map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil || out["hello"] != "world" {
		t.Errorf("body = %s err=%v", ctx.Response.Body(), err)
	}
}
