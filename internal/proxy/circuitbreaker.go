package proxy

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the operational state of a per-provider circuit breaker.
//
//	BreakerClosed   normal operation; requests pass through.
//	BreakerOpen     provider is failing; it is skipped until the cooldown ends.
//	BreakerHalfOpen one trial request probes the provider; others wait for it.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerOpen     BreakerState = 1
	BreakerHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker defaults.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 60 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// DefaultFailureThreshold and DefaultCooldown.
type CBConfig struct {
	// FailureThreshold is the number of consecutive failed candidates that
	// opens the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker skips the provider before a trial
	// request is let through.
	Cooldown time.Duration
}

func (c *CBConfig) threshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c *CBConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return DefaultCooldown
}

// providerCB holds per-provider breaker state.
type providerCB struct {
	mu sync.Mutex

	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	// trial is closed when the half-open trial resolves.
	trial chan struct{}
}

// CircuitBreaker manages independent breakers for each provider. Records are
// created on the first failure and live for the process. It is safe for
// concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
	now      func() time.Time

	// onChange is called outside the record lock on every transition.
	onChange func(provider string, from, to BreakerState)
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Available reports whether provider belongs in a fallback chain: anything
// but an open breaker still inside its cooldown.
func (cb *CircuitBreaker) Available(provider string) bool {
	pcb := cb.get(provider)
	if pcb == nil {
		return true
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state != BreakerOpen || cb.now().Sub(pcb.openedAt) >= cb.cfg.cooldown()
}

// Acquire decides whether a request may call provider now.
//
//   - Closed → true.
//   - Open within cooldown → false.
//   - Open past cooldown → the caller becomes the half-open trial → true.
//   - HalfOpen → blocks until the trial resolves or ctx ends, then
//     re-evaluates.
//
// A caller that acquired the trial must resolve it with RecordSuccess,
// RecordFailure or Release.
func (cb *CircuitBreaker) Acquire(ctx context.Context, provider string) (bool, error) {
	pcb := cb.get(provider)
	if pcb == nil {
		return true, nil
	}
	for {
		pcb.mu.Lock()
		switch pcb.state {
		case BreakerClosed:
			pcb.mu.Unlock()
			return true, nil

		case BreakerOpen:
			if cb.now().Sub(pcb.openedAt) < cb.cfg.cooldown() {
				pcb.mu.Unlock()
				return false, nil
			}
			pcb.state = BreakerHalfOpen
			pcb.trial = make(chan struct{})
			pcb.mu.Unlock()
			cb.changed(provider, BreakerOpen, BreakerHalfOpen)
			return true, nil

		default:
			wait := pcb.trial
			pcb.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
}

// RecordSuccess resets the breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}
	pcb.mu.Lock()
	from := pcb.state
	pcb.state = BreakerClosed
	pcb.consecutiveFailures = 0
	pcb.resolveTrial()
	pcb.mu.Unlock()

	if from != BreakerClosed {
		cb.changed(provider, from, BreakerClosed)
	}
}

// RecordFailure counts one failed candidate. The breaker opens when the
// consecutive count reaches the threshold, or at once when the failure was
// the half-open trial.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.getOrCreate(provider)

	pcb.mu.Lock()
	from := pcb.state
	pcb.consecutiveFailures++
	switch {
	case from == BreakerHalfOpen:
		pcb.state = BreakerOpen
		pcb.openedAt = cb.now()
		pcb.resolveTrial()
	case from == BreakerClosed && pcb.consecutiveFailures >= cb.cfg.threshold():
		pcb.state = BreakerOpen
		pcb.openedAt = cb.now()
	}
	to := pcb.state
	pcb.mu.Unlock()

	if from != to {
		cb.changed(provider, from, to)
	}
}

// Release gives back a half-open trial that ended without a verdict, such as
// a cancelled request or one the provider rejected as invalid. The breaker
// returns to Open with its original cooldown so the next request becomes the
// trial.
func (cb *CircuitBreaker) Release(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}
	pcb.mu.Lock()
	released := pcb.state == BreakerHalfOpen
	if released {
		pcb.state = BreakerOpen
		pcb.resolveTrial()
	}
	pcb.mu.Unlock()

	if released {
		cb.changed(provider, BreakerHalfOpen, BreakerOpen)
	}
}

// State returns the current state for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) BreakerState {
	pcb := cb.get(provider)
	if pcb == nil {
		return BreakerClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// Failures returns the consecutive failure count for provider.
func (cb *CircuitBreaker) Failures(provider string) int {
	pcb := cb.get(provider)
	if pcb == nil {
		return 0
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.consecutiveFailures
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	return cb.State(provider).String()
}

func (p *providerCB) resolveTrial() {
	if p.trial != nil {
		close(p.trial)
		p.trial = nil
	}
}

func (cb *CircuitBreaker) changed(provider string, from, to BreakerState) {
	if cb.onChange != nil {
		cb.onChange(provider, from, to)
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[provider]
}

func (cb *CircuitBreaker) getOrCreate(provider string) *providerCB {
	if pcb := cb.get(provider); pcb != nil {
		return pcb
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	pcb, ok := cb.breakers[provider]
	if !ok {
		pcb = &providerCB{}
		cb.breakers[provider] = pcb
	}
	return pcb
}
