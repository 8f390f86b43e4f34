package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Observer receives orchestrator events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// AttemptFailed fires once per candidate whose attempts were exhausted.
	AttemptFailed(provider, model string, err *apierr.Error, dur time.Duration)
	AttemptSucceeded(provider, model string, dur time.Duration)
	BreakerChanged(provider string, from, to BreakerState)
	// Failover fires when the chain moves on from a failed candidate.
	Failover(from, to string, reason apierr.Kind)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) AttemptFailed(provider, model string, err *apierr.Error, dur time.Duration) {
	for _, ob := range o {
		ob.AttemptFailed(provider, model, err, dur)
	}
}

func (o Observers) AttemptSucceeded(provider, model string, dur time.Duration) {
	for _, ob := range o {
		ob.AttemptSucceeded(provider, model, dur)
	}
}

func (o Observers) BreakerChanged(provider string, from, to BreakerState) {
	for _, ob := range o {
		ob.BreakerChanged(provider, from, to)
	}
}

func (o Observers) Failover(from, to string, reason apierr.Kind) {
	for _, ob := range o {
		ob.Failover(from, to, reason)
	}
}

// MetricsObserver feeds orchestrator events into the Prometheus registry.
type MetricsObserver struct {
	M *metrics.Registry
}

func (m MetricsObserver) AttemptFailed(provider, _ string, err *apierr.Error, dur time.Duration) {
	m.M.ObserveUpstreamAttempt(provider, string(err.Kind), dur)
	m.M.RecordError(provider, string(err.Kind))
}

func (m MetricsObserver) AttemptSucceeded(provider, _ string, dur time.Duration) {
	m.M.ObserveUpstreamAttempt(provider, "success", dur)
}

func (m MetricsObserver) BreakerChanged(provider string, _, to BreakerState) {
	m.M.SetCircuitBreaker(provider, int64(to))
}

func (m MetricsObserver) Failover(from, to string, reason apierr.Kind) {
	m.M.RecordFailover(from, to, string(reason))
}

// LogObserver writes breaker transitions to slog. Attempt failures are
// logged by the orchestrator itself with request context.
type LogObserver struct {
	Log *slog.Logger
}

func (LogObserver) AttemptFailed(string, string, *apierr.Error, time.Duration) {}
func (LogObserver) AttemptSucceeded(string, string, time.Duration)             {}
func (LogObserver) Failover(string, string, apierr.Kind)                       {}

func (l LogObserver) BreakerChanged(provider string, from, to BreakerState) {
	level := slog.LevelInfo
	if to == BreakerOpen {
		level = slog.LevelWarn
	}
	l.Log.Log(context.Background(), level, "breaker_"+to.String(),
		slog.String("provider", provider),
		slog.String("from", from.String()),
	)
}
