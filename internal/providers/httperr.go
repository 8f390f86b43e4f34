package providers

import (
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const maxErrorBody = 64 << 10

// ErrorFromResponse classifies a non-2xx upstream response. The message is
// pulled from the usual envelope shapes ({"error":{"message"}},
// {"message"}, {"Message"}, {"error":"..."}) so raw bodies never reach
// the caller.
func ErrorFromResponse(provider string, resp *http.Response) *apierr.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := apierr.Upstream(provider, resp.StatusCode, ErrorMessage(body))
	e.RetryAfter = apierr.ParseRetryAfter(resp.Header)
	return e
}

// ErrorMessage extracts a human-readable message from an error body.
func ErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"error.message", "message", "Message", "error"} {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.String() != "" {
			return truncate(r.String(), 512)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
