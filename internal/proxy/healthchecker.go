package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"golang.org/x/sync/errgroup"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against every configured adapter and
// the cache backend, and exposes the latest results together with breaker
// state.
type HealthChecker struct {
	adapters   []providers.Adapter
	breaker    *CircuitBreaker
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	providerStatuses map[string]*componentStatus
	cacheStatus      componentStatus

	startTime time.Time
	interval  time.Duration
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. A nil cacheReady means no cache backend to probe.
func NewHealthChecker(
	ctx context.Context,
	adapters []providers.Adapter,
	cb *CircuitBreaker,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		adapters:         adapters,
		breaker:          cb,
		cacheReady:       cacheReady,
		providerStatuses: make(map[string]*componentStatus, len(adapters)),
		startTime:        time.Now(),
		interval:         healthProbeInterval,
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for _, a := range adapters {
		hc.providerStatuses[a.Name()] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// ProviderHealth is the reported state of one provider.
type ProviderHealth struct {
	Status  string `json:"status"`
	Breaker string `json:"breaker"`
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Providers     map[string]ProviderHealth `json:"providers"`
	Cache         string                    `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results. A provider whose
// breaker is open counts as degraded whatever its probe said.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]ProviderHealth, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		ph := ProviderHealth{Status: s.get(), Breaker: BreakerClosed.String()}
		if hc.breaker != nil {
			ph.Breaker = hc.breaker.StateLabel(name)
		}
		if ph.Status != "ok" || ph.Breaker == BreakerOpen.String() {
			overall = "degraded"
		}
		provs[name] = ph
	}

	cache := hc.cacheStatus.get()
	if cache != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         cache,
	}
}

// ReadinessOK returns true when the cache is reachable and at least one
// provider answered its last probe (used by GET /readiness).
func (hc *HealthChecker) ReadinessOK() bool {
	if hc.cacheStatus.get() != "ok" {
		return false
	}
	for _, s := range hc.providerStatuses {
		if s.get() == "ok" {
			return true
		}
	}
	return false
}

// Close stops the background probe goroutine. It is safe to call twice.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Probes never fail the group; each records its own outcome.
	var g errgroup.Group
	for _, a := range hc.adapters {
		s := hc.providerStatuses[a.Name()]
		g.Go(func() error {
			ok := a.HealthCheck(ctx) == nil
			if ok {
				s.set("ok")
			} else {
				s.set("degraded")
			}
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(a.Name(), ok)
			}
			return nil
		})
	}

	g.Go(func() error {
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("down")
		}
		return nil
	})

	_ = g.Wait()
}
