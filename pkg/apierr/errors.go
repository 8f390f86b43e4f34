package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind is the canonical error category. Callers branch on Kind, never on
// message text.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindProviderNotConfigured  Kind = "provider_not_configured"
	KindUnsupportedFeature     Kind = "unsupported_feature"
	KindUpstreamTimeout        Kind = "upstream_timeout"
	KindUpstreamRateLimited    Kind = "upstream_rate_limited"
	KindUpstreamServerError    Kind = "upstream_server_error"
	KindUpstreamAuthFailed     Kind = "upstream_auth_failed"
	KindUpstreamMalformed      Kind = "upstream_malformed"
	KindUpstreamInvalidRequest Kind = "upstream_invalid_request"
	KindAllProvidersFailed     Kind = "all_providers_failed"
	KindCancelled              Kind = "cancelled"
	KindInternal               Kind = "internal_error"
)

// Error is the single error type that crosses component boundaries.
type Error struct {
	Kind     Kind
	Message  string
	Param    string
	Provider string
	// Status is the upstream HTTP status, 0 when the failure never reached
	// the provider.
	Status     int
	Retryable  bool
	RetryAfter time.Duration
	// Causes is set on KindAllProvidersFailed, one entry per candidate in
	// chain order.
	Causes []Cause
	Cause  error
}

// Cause records why one candidate of a fallback chain failed.
type Cause struct {
	Provider string
	Model    string
	Err      *Error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Param != "" {
		fmt.Fprintf(&b, " (param %s)", e.Param)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the upstream HTTP status code.
func (e *Error) HTTPStatus() int { return e.Status }

// New creates an error of the given kind. Retryable is derived from the kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableKind(kind),
	}
}

// Validation reports a request that fails schema or invariant checks.
func Validation(param, format string, args ...any) *Error {
	e := New(KindValidation, format, args...)
	e.Param = param
	return e
}

// NotConfigured reports a provider that has no usable credential.
func NotConfigured(provider string) *Error {
	e := New(KindProviderNotConfigured, "provider %q is not configured", provider)
	e.Provider = provider
	return e
}

// Unsupported reports a capability the resolved provider does not advertise.
func Unsupported(provider, feature, param string) *Error {
	e := New(KindUnsupportedFeature, "provider does not support %s", feature)
	e.Provider = provider
	e.Param = param
	return e
}

// Malformed reports an upstream payload that could not be translated.
func Malformed(provider string, cause error) *Error {
	e := New(KindUpstreamMalformed, "could not translate upstream response")
	e.Provider = provider
	e.Cause = cause
	return e
}

// Upstream classifies an upstream HTTP failure by status code.
func Upstream(provider string, status int, message string) *Error {
	kind := KindForStatus(status)
	if message == "" {
		message = http.StatusText(status)
	}
	e := New(kind, "%s", message)
	e.Provider = provider
	e.Status = status
	return e
}

// KindForStatus maps an upstream HTTP status onto the taxonomy.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUpstreamAuthFailed
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindUpstreamTimeout
	case status == http.StatusTooManyRequests:
		return KindUpstreamRateLimited
	case status >= 500, status == 0:
		return KindUpstreamServerError
	default:
		return KindUpstreamInvalidRequest
	}
}

// FromTransport classifies a transport-level failure (no HTTP response).
// Context errors become Cancelled or UpstreamTimeout; anything else is
// treated as a retryable server error.
func FromTransport(provider string, err error) *Error {
	var e *Error
	switch {
	case errors.Is(err, context.Canceled):
		e = New(KindCancelled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		e = New(KindUpstreamTimeout, "upstream timed out")
	default:
		e = New(KindUpstreamServerError, "upstream unreachable")
	}
	e.Provider = provider
	e.Cause = err
	return e
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// AllProvidersFailed aggregates the per-candidate causes of an exhausted chain.
func AllProvidersFailed(causes []Cause) *Error {
	names := make([]string, 0, len(causes))
	for _, c := range causes {
		names = append(names, c.Provider)
	}
	e := New(KindAllProvidersFailed, "all providers failed: %s", strings.Join(names, ", "))
	e.Causes = causes
	return e
}

// As returns the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the canonical kind of err, KindInternal when err is not an
// *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// ParseRetryAfter reads Retry-After (seconds or HTTP date) and the
// millisecond variant some providers send.
func ParseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if ms := h.Get("retry-after-ms"); ms != "" {
		var n float64
		if _, err := fmt.Sscanf(ms, "%g", &n); err == nil && n > 0 {
			return time.Duration(n * float64(time.Millisecond))
		}
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	var secs float64
	if _, err := fmt.Sscanf(v, "%g", &secs); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func retryableKind(k Kind) bool {
	switch k {
	case KindUpstreamTimeout, KindUpstreamRateLimited, KindUpstreamServerError:
		return true
	}
	return false
}
