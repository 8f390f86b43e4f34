package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/providertest"
)

func adapters(fakes ...*providertest.Fake) []providers.Adapter {
	out := make([]providers.Adapter, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

// --- NewHealthChecker -------------------------------------------------------

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	var ctx context.Context
	NewHealthChecker(ctx, nil, nil, nil, nil)
}

func TestNewHealthChecker_RunsInitialProbe(t *testing.T) {
	hc := NewHealthChecker(context.Background(), adapters(providertest.New("openai")), nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Providers["openai"].Status != "ok" {
		t.Errorf("expected openai=ok after initial probe, got %s", snap.Providers["openai"].Status)
	}
}

// --- Snapshot ---------------------------------------------------------------

func TestSnapshot_AllHealthy(t *testing.T) {
	hc := NewHealthChecker(context.Background(),
		adapters(providertest.New("openai"), providertest.New("claude")), nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.Cache != "ok" {
		t.Errorf("no cache probe should report ok, got %s", snap.Cache)
	}
	for name, p := range snap.Providers {
		if p.Breaker != "closed" {
			t.Errorf("%s breaker = %s, want closed", name, p.Breaker)
		}
	}
}

func TestSnapshot_DegradedProvider(t *testing.T) {
	hc := NewHealthChecker(context.Background(), adapters(
		providertest.New("openai"),
		providertest.New("grok").Unhealthy(errors.New("unreachable")),
	), nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded, got %s", snap.Status)
	}
	if snap.Providers["grok"].Status != "degraded" {
		t.Errorf("grok = %s", snap.Providers["grok"].Status)
	}
	if snap.Providers["openai"].Status != "ok" {
		t.Errorf("openai = %s", snap.Providers["openai"].Status)
	}
}

func TestSnapshot_CacheDown(t *testing.T) {
	hc := NewHealthChecker(context.Background(), adapters(providertest.New("openai")),
		nil, func() bool { return false }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Cache != "down" || snap.Status != "degraded" {
		t.Errorf("cache=%s status=%s", snap.Cache, snap.Status)
	}
}

func TestSnapshot_OpenBreakerDegrades(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{FailureThreshold: 1, Cooldown: time.Minute})
	cb.RecordFailure("openai")

	hc := NewHealthChecker(context.Background(), adapters(providertest.New("openai")), cb, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Providers["openai"].Breaker != "open" {
		t.Errorf("breaker = %s, want open", snap.Providers["openai"].Breaker)
	}
	if snap.Status != "degraded" {
		t.Errorf("status = %s", snap.Status)
	}
}

// --- ReadinessOK ------------------------------------------------------------

func TestReadinessOK(t *testing.T) {
	tests := []struct {
		name  string
		fakes []*providertest.Fake
		cache func() bool
		want  bool
	}{
		{
			name:  "healthy",
			fakes: []*providertest.Fake{providertest.New("a")},
			want:  true,
		},
		{
			name: "one of two providers up",
			fakes: []*providertest.Fake{
				providertest.New("a").Unhealthy(errors.New("x")),
				providertest.New("b"),
			},
			want: true,
		},
		{
			name:  "no provider up",
			fakes: []*providertest.Fake{providertest.New("a").Unhealthy(errors.New("x"))},
			want:  false,
		},
		{
			name:  "cache down",
			fakes: []*providertest.Fake{providertest.New("a")},
			cache: func() bool { return false },
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(context.Background(), adapters(tt.fakes...), nil, tt.cache, nil)
			defer hc.Close()
			if got := hc.ReadinessOK(); got != tt.want {
				t.Errorf("ReadinessOK() = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- componentStatus --------------------------------------------------------

func TestComponentStatus_DefaultUnknown(t *testing.T) {
	var cs componentStatus
	if cs.get() != "unknown" {
		t.Errorf("expected 'unknown' default, got %q", cs.get())
	}
}

func TestComponentStatus_SetGet(t *testing.T) {
	var cs componentStatus
	cs.set("ok")
	if cs.get() != "ok" {
		t.Errorf("expected 'ok', got %q", cs.get())
	}
	cs.set("degraded")
	if cs.get() != "degraded" {
		t.Errorf("expected 'degraded', got %q", cs.get())
	}
}

// --- Close ------------------------------------------------------------------

func TestHealthChecker_CloseTwice(t *testing.T) {
	hc := NewHealthChecker(context.Background(), adapters(providertest.New("openai")), nil, nil, nil)
	hc.Close()
	hc.Close()
}

func TestHealthChecker_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hc := NewHealthChecker(ctx, adapters(providertest.New("openai")), nil, nil, nil)
	cancel()

	done := make(chan struct{})
	go func() {
		hc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("probe loop did not stop after context cancellation")
	}
}
