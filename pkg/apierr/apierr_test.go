package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{401, KindUpstreamAuthFailed},
		{403, KindUpstreamAuthFailed},
		{408, KindUpstreamTimeout},
		{429, KindUpstreamRateLimited},
		{500, KindUpstreamServerError},
		{503, KindUpstreamServerError},
		{529, KindUpstreamServerError},
		{400, KindUpstreamInvalidRequest},
		{404, KindUpstreamInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := KindForStatus(tt.status); got != tt.kind {
				t.Errorf("expected %s, got %s", tt.kind, got)
			}
		})
	}
}

func TestUpstream_Retryable(t *testing.T) {
	for status, want := range map[int]bool{429: true, 500: true, 504: true, 401: false, 400: false} {
		if got := Upstream("openai", status, "x").Retryable; got != want {
			t.Errorf("status %d: expected retryable=%v, got %v", status, want, got)
		}
	}
}

func TestFromTransport(t *testing.T) {
	if got := FromTransport("p", context.Canceled).Kind; got != KindCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
	if got := FromTransport("p", fmt.Errorf("dial: %w", context.DeadlineExceeded)).Kind; got != KindUpstreamTimeout {
		t.Errorf("expected timeout, got %s", got)
	}
	e := FromTransport("p", errors.New("connection refused"))
	if e.Kind != KindUpstreamServerError || !e.Retryable {
		t.Errorf("expected retryable server error, got %+v", e)
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("attempt: %w", Unsupported("bedrock", "tools", "tools"))
	if KindOf(err) != KindUnsupportedFeature {
		t.Errorf("expected unsupported feature, got %s", KindOf(err))
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("plain errors should be internal")
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	if got := ParseRetryAfter(h); got != 3*time.Second {
		t.Errorf("expected 3s, got %s", got)
	}
	h.Set("retry-after-ms", "250")
	if got := ParseRetryAfter(h); got != 250*time.Millisecond {
		t.Errorf("ms header should win, got %s", got)
	}
	if ParseRetryAfter(nil) != 0 {
		t.Error("nil header should yield zero")
	}
}

func TestWriteError_StatusAndEnvelope(t *testing.T) {
	tests := []struct {
		err    error
		status int
		param  string
	}{
		{Validation("temperature", "out of range"), 400, "temperature"},
		{Unsupported("bedrock", "tools", "tools"), 400, "tools"},
		{NotConfigured("azure"), 501, ""},
		{Upstream("openai", 429, "slow down"), 429, ""},
		{Upstream("openai", 504, "late"), 504, ""},
		{Upstream("openai", 401, "bad key"), 502, ""},
		{New(KindCancelled, "gone"), StatusClientClosedRequest, ""},
		{errors.New("boom"), 500, ""},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			var ctx fasthttp.RequestCtx
			WriteError(&ctx, tt.err)
			if got := ctx.Response.StatusCode(); got != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, got)
			}
			var env struct {
				Error APIError `json:"error"`
			}
			if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if env.Error.Param != tt.param {
				t.Errorf("expected param %q, got %q", tt.param, env.Error.Param)
			}
			if env.Error.Message == "" || env.Error.Type == "" {
				t.Errorf("incomplete envelope: %+v", env.Error)
			}
		})
	}
}

func TestWriteError_RetryAfterHeader(t *testing.T) {
	e := Upstream("anthropic", 429, "busy")
	e.RetryAfter = 2 * time.Second

	var ctx fasthttp.RequestCtx
	WriteError(&ctx, e)
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "2" {
		t.Errorf("expected Retry-After 2, got %q", got)
	}
}

func TestAllProvidersFailed_Status(t *testing.T) {
	rl := func(p string) Cause { return Cause{Provider: p, Err: Upstream(p, 429, "x")} }

	same := AllProvidersFailed([]Cause{rl("a"), rl("b")})
	if got := StatusFor(same); got != 429 {
		t.Errorf("uniform rate limits should map to 429, got %d", got)
	}
	mixed := AllProvidersFailed([]Cause{rl("a"), {Provider: "b", Err: Upstream("b", 500, "x")}})
	if got := StatusFor(mixed); got != 502 {
		t.Errorf("mixed causes should map to 502, got %d", got)
	}
	if len(mixed.Causes) != 2 || mixed.Causes[1].Provider != "b" {
		t.Errorf("causes should keep chain order: %+v", mixed.Causes)
	}
}

func TestWriteError_AllFailedRetryAfter(t *testing.T) {
	rl := func(p string) Cause { return Cause{Provider: p, Err: Upstream(p, 429, "x")} }

	agg := AllProvidersFailed([]Cause{rl("a"), rl("b")})
	agg.RetryAfter = 3 * time.Second
	var ctx fasthttp.RequestCtx
	WriteError(&ctx, agg)
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "3" {
		t.Errorf("expected Retry-After 3, got %q", got)
	}

	mixed := AllProvidersFailed([]Cause{rl("a"), {Provider: "b", Err: Upstream("b", 500, "x")}})
	mixed.RetryAfter = 3 * time.Second
	var ctx2 fasthttp.RequestCtx
	WriteError(&ctx2, mixed)
	if got := ctx2.Response.Header.Peek("Retry-After"); len(got) != 0 {
		t.Errorf("a 502 should not carry Retry-After, got %q", got)
	}
}
