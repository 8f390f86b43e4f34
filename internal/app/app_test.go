package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
)

func testConfig(t *testing.T) *config.GatewayConfig {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
	}))
	t.Cleanup(upstream.Close)

	descs := registry.DefaultDescriptors()
	for i := range descs {
		if descs[i].Name == "openai" {
			descs[i].Credential.Key = "sk-test"
			descs[i].BaseURL = upstream.URL
		}
	}
	return &config.GatewayConfig{
		Port:        0,
		LogLevel:    "info",
		Providers:   descs,
		Cache:       config.CacheConfig{Mode: "memory", TTL: time.Minute, MaxEntries: 10},
		Breaker:     config.BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute},
		Retry:       config.RetryConfig{MaxAttempts: 2, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond},
		Timeouts:    config.TimeoutConfig{Attempt: 5 * time.Second, Request: 10 * time.Second},
		RequestLog:  config.RequestLogConfig{Sink: "none"},
		CORSOrigins: []string{"*"},
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_MemoryCache(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.gw == nil || a.mgmt == nil || a.mgmt.Metrics == nil {
		t.Fatal("gateway and management routes should be wired")
	}
	if a.memCache == nil || a.responses == nil {
		t.Error("memory cache should be wired")
	}
	if a.limiter != nil {
		t.Error("RPM 0 should disable the limiter")
	}
	if got := a.registry.Adapters(); len(got) != 1 || got[0].Name() != "openai" {
		t.Errorf("adapters = %v", got)
	}
}

func TestNew_RedisBackedServices(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Cache.Mode = "redis"
	cfg.RateLimit.RPM = 5

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.rdb == nil || a.cacheReady == nil || !a.cacheReady() {
		t.Error("redis should be connected and ready")
	}
	if _, ok := a.limiter.(*ratelimit.RedisLimiter); !ok {
		t.Errorf("limiter = %T, want redis-backed", a.limiter)
	}
}

func TestNew_LocalLimiterWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Mode = "none"
	cfg.RateLimit.RPM = 5

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.responses != nil {
		t.Error("cache mode none should not wire a cache")
	}
	if _, ok := a.limiter.(*ratelimit.LocalLimiter); !ok {
		t.Errorf("limiter = %T, want local", a.limiter)
	}
}

func TestNew_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.GatewayConfig)
	}{
		{"no credentials", func(c *config.GatewayConfig) {
			c.Providers = registry.DefaultDescriptors()
		}},
		{"declared provider without key", func(c *config.GatewayConfig) {
			for i := range c.Providers {
				if c.Providers[i].Name == "anthropic" {
					c.Providers[i].Optional = false
				}
			}
		}},
		{"unreachable redis", func(c *config.GatewayConfig) {
			c.Redis.URL = "redis://127.0.0.1:1"
		}},
		{"missing catalog", func(c *config.GatewayConfig) {
			c.CatalogFile = "/nonexistent/catalog.yaml"
		}},
		{"bad exclusion", func(c *config.GatewayConfig) {
			c.Cache.Exclude = []string{"re:("}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := New(context.Background(), cfg, quietLogger(), "test"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_NilContext(t *testing.T) {
	var ctx context.Context
	if _, err := New(ctx, testConfig(t), quietLogger(), "test"); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestCloseTwice(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Close()
	a.Close()
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"redis://:secret@localhost:6379": "redis://***@localhost:6379",
		"redis://user:p@ss@host:6379/0":  "redis://***@host:6379/0",
		"redis://localhost:6379":         "redis://localhost:6379",
		"user:pw@host":                   "***@host",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
