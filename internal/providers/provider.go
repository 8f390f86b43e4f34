// Package providers defines the contract every upstream adapter implements
// (OpenAI, Anthropic, Gemini, Azure OpenAI, Bedrock, Grok and other
// OpenAI-compatible endpoints) and the helpers they share.
//
// Each adapter lives in its own sub-package. An adapter translates a
// canonical request into its native payload, performs the upstream call and
// translates the answer back. Adapters that also serve embeddings implement
// Embedder.
package providers

import (
	"context"
	"iter"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

type (
	// Request is a provider-native request produced by TranslateRequest.
	// Body holds the adapter's own payload type.
	Request struct {
		// Model is the upstream model ID or deployment name.
		Model  string
		Stream bool
		Body   any
	}

	// Response is a provider-native response produced by Invoke.
	Response struct {
		Body any
	}

	// Event is one provider-native stream event.
	Event struct {
		Type string
		Body any
	}
)

// Adapter translates between the canonical schema and one provider's wire
// format and performs the upstream calls. Implementations are safe for
// concurrent use.
type Adapter interface {
	Name() string
	Descriptor() Descriptor

	// TranslateRequest is pure. It fails with an UnsupportedFeature error
	// when req needs a capability the descriptor does not advertise.
	TranslateRequest(req *schema.ChatRequest) (*Request, error)
	Invoke(ctx context.Context, req *Request) (*Response, error)
	// InvokeStreaming returns a lazy single-pass sequence. Nothing is sent
	// upstream until iteration starts; the connection is closed when
	// iteration ends, early or not.
	InvokeStreaming(ctx context.Context, req *Request) iter.Seq2[Event, error]

	TranslateResponse(resp *Response) (*schema.ChatResponse, error)
	// TranslateStreamEvent returns nil for control events (pings, block
	// boundaries). A returned chunk with a finish reason marks the end of
	// generation; usage goes in chunk.Usage.
	TranslateStreamEvent(ev Event, state *StreamState) (*schema.StreamChunk, error)
	TranslateError(err error) *apierr.Error

	HealthCheck(ctx context.Context) error
}

// Embedder is implemented by adapters that serve the embeddings API.
// Check with a type assertion before calling.
type Embedder interface {
	Embed(ctx context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error)
}

// StreamState is the per-stream scratch space the normalizer hands to
// TranslateStreamEvent. It is owned by one stream and never shared.
type StreamState struct {
	ID      string
	Model   string
	Created int64
	// Done is set by adapters whose protocol has an explicit end marker
	// separate from the finish reason.
	Done bool

	toolIndex map[int]int
}

// ToolIndex maps a provider content-block index to a dense canonical tool
// call index, allocating the next one on first sight.
func (s *StreamState) ToolIndex(block int) int {
	if s.toolIndex == nil {
		s.toolIndex = make(map[int]int)
	}
	if i, ok := s.toolIndex[block]; ok {
		return i
	}
	i := len(s.toolIndex)
	s.toolIndex[block] = i
	return i
}

// NextToolIndex allocates a tool call index for providers that emit whole
// calls without block indexes.
func (s *StreamState) NextToolIndex() int {
	return s.ToolIndex(-len(s.toolIndex) - 1)
}

// HasToolCalls reports whether any tool call index was allocated.
func (s *StreamState) HasToolCalls() bool { return len(s.toolIndex) > 0 }

// IsToolBlock reports whether block was registered through ToolIndex.
func (s *StreamState) IsToolBlock(block int) bool {
	_, ok := s.toolIndex[block]
	return ok
}

// Defaults shared by adapters.
const (
	// DefaultMaxTokens is sent to providers that require max_tokens when the
	// caller leaves it out.
	DefaultMaxTokens = 1024
	ProviderTimeout  = 30 * time.Second
)

// EventBody asserts the adapter-specific body type of ev.
func EventBody[T any](provider string, ev Event) (T, error) {
	v, ok := ev.Body.(T)
	if !ok {
		var zero T
		return zero, apierr.Malformed(provider, errUnexpectedBody(ev.Body))
	}
	return v, nil
}

// RequestBody asserts the adapter-specific body type of req.
func RequestBody[T any](provider string, req *Request) (T, error) {
	var zero T
	if req == nil {
		return zero, apierr.New(apierr.KindInternal, "%s: nil request", provider)
	}
	v, ok := req.Body.(T)
	if !ok {
		return zero, apierr.New(apierr.KindInternal, "%s: unexpected request body %T", provider, req.Body)
	}
	return v, nil
}

// ResponseBody asserts the adapter-specific body type of resp.
func ResponseBody[T any](provider string, resp *Response) (T, error) {
	var zero T
	if resp == nil {
		return zero, apierr.Malformed(provider, errUnexpectedBody(nil))
	}
	v, ok := resp.Body.(T)
	if !ok {
		return zero, apierr.Malformed(provider, errUnexpectedBody(resp.Body))
	}
	return v, nil
}
