// Package apierr provides the canonical error taxonomy and its mapping to
// OpenAI-format HTTP error envelopes.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// StatusClientClosedRequest is written when the caller went away.
const StatusClientClosedRequest = 499

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param,omitempty"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Envelope renders err as the OpenAI-style error body.
func Envelope(err error) []byte {
	_, body := render(err)
	b, _ := json.Marshal(body)
	return b
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	writeEnvelope(ctx, status, envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}

// WriteError maps any error onto its HTTP status and envelope.
//
//	Validation, UnsupportedFeature, UpstreamInvalidRequest → 400
//	ProviderNotConfigured → 501
//	UpstreamRateLimited   → 429 (+ Retry-After when known)
//	AllProvidersFailed    → 429/504 when every cause agrees, else 502
//	UpstreamTimeout       → 504
//	Cancelled             → 499
//	everything upstream   → 502
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	status, body := render(err)
	if e, ok := As(err); ok && status == fasthttp.StatusTooManyRequests && e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	}
	writeEnvelope(ctx, status, body)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// StatusFor returns the HTTP status the gateway answers with for err.
func StatusFor(err error) int {
	status, _ := render(err)
	return status
}

func render(err error) (int, envelope) {
	e, ok := As(err)
	if !ok {
		e = New(KindOf(err), "internal error")
	}
	api := APIError{Message: e.Message, Param: e.Param, Code: string(e.Kind)}
	if e.Provider != "" && e.Kind != KindAllProvidersFailed {
		api.Message = e.Provider + ": " + e.Message
	}

	var status int
	switch e.Kind {
	case KindValidation, KindUnsupportedFeature, KindUpstreamInvalidRequest:
		status, api.Type = fasthttp.StatusBadRequest, TypeInvalidRequest
	case KindProviderNotConfigured:
		status, api.Type = fasthttp.StatusNotImplemented, TypeInvalidRequest
	case KindUpstreamRateLimited:
		status, api.Type = fasthttp.StatusTooManyRequests, TypeRateLimitError
	case KindUpstreamTimeout:
		status, api.Type = fasthttp.StatusGatewayTimeout, TypeProviderError
	case KindUpstreamAuthFailed:
		status, api.Type = fasthttp.StatusBadGateway, TypeAuthenticationErr
	case KindUpstreamServerError, KindUpstreamMalformed:
		status, api.Type = fasthttp.StatusBadGateway, TypeProviderError
	case KindAllProvidersFailed:
		status, api.Type = allFailedStatus(e), TypeProviderError
	case KindCancelled:
		status, api.Type = StatusClientClosedRequest, TypeInvalidRequest
	default:
		status, api.Type = fasthttp.StatusInternalServerError, TypeServerError
		api.Code = CodeInternalError
	}
	return status, envelope{Error: api}
}

// allFailedStatus surfaces 429/504 when every cause agrees, 502 otherwise.
func allFailedStatus(e *Error) int {
	if len(e.Causes) == 0 || e.Causes[0].Err == nil {
		return fasthttp.StatusBadGateway
	}
	first := e.Causes[0].Err.Kind
	for _, c := range e.Causes[1:] {
		if c.Err == nil || c.Err.Kind != first {
			return fasthttp.StatusBadGateway
		}
	}
	switch first {
	case KindUpstreamRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindUpstreamTimeout:
		return fasthttp.StatusGatewayTimeout
	}
	return fasthttp.StatusBadGateway
}

func writeEnvelope(ctx *fasthttp.RequestCtx, status int, env envelope) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(env)
	ctx.SetBody(body)
}
