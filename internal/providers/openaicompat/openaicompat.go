// Package openaicompat serves xAI Grok and any other endpoint that speaks
// the OpenAI chat completions API (Groq, DeepSeek, Together AI, Mistral…).
package openaicompat

import (
	"net/http"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/openai"
)

// XAIBaseURL is the Grok API root.
const XAIBaseURL = "https://api.x.ai/v1"

// KnownBaseURLs holds default roots for well-known compatible providers,
// keyed by provider name.
var KnownBaseURLs = map[string]string{
	"xai":        XAIBaseURL,
	"groq":       "https://api.groq.com/openai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"together":   "https://api.together.xyz/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"perplexity": "https://api.perplexity.ai",
	"cerebras":   "https://api.cerebras.ai/v1",
}

// New builds a compat adapter. An empty desc.BaseURL is filled from
// KnownBaseURLs.
func New(desc providers.Descriptor, client *http.Client) *openai.Adapter {
	if desc.BaseURL == "" {
		desc.BaseURL = KnownBaseURLs[desc.Name]
	}
	opts := []openai.Option{openai.CompatMode()}
	if client != nil {
		opts = append(opts, openai.WithHTTPClient(client))
	}
	return openai.New(desc, opts...)
}

// NewGrok builds the xAI adapter.
func NewGrok(key string, client *http.Client) *openai.Adapter {
	return New(providers.Descriptor{
		Name:         "xai",
		Kind:         providers.KindOpenAICompat,
		Credential:   providers.Credential{Ref: "XAI_API_KEY", Key: key},
		Capabilities: providers.CapChat | providers.CapStream | providers.CapTools,
		OwnedBy:      "xai",
	}, client)
}
