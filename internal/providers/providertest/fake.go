// Package providertest provides a scriptable in-process adapter for tests of
// the registry, orchestrator and HTTP layer.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Step is one scripted stream frame: a chunk, an error, or a pause until
// Wait is closed.
type Step struct {
	Chunk *schema.StreamChunk
	Err   error
	Wait  <-chan struct{}
}

// Fake is an Adapter whose answers are scripted. Replies and Streams are
// consumed one per call; the last entry repeats.
type Fake struct {
	Desc providers.Descriptor

	mu        sync.Mutex
	replies   []func(*schema.ChatRequest) (*schema.ChatResponse, error)
	streams   [][]Step
	translate error
	health    error
	embed     func(*schema.EmbeddingRequest) (*schema.EmbeddingResponse, error)

	Calls       atomic.Int32
	StreamCalls atomic.Int32
	// Closed counts streams whose iteration ended.
	Closed atomic.Int32
}

// New returns a fake with every capability.
func New(name string) *Fake {
	return &Fake{Desc: providers.Descriptor{
		Name:         name,
		Kind:         providers.KindOpenAICompat,
		Credential:   providers.Credential{Key: "test"},
		Capabilities: providers.CapChat | providers.CapStream | providers.CapEmbeddings | providers.CapTools,
	}}
}

// Descriptors returns the descriptors of fakes, for registry.Build.
func Descriptors(fakes ...*Fake) []providers.Descriptor {
	out := make([]providers.Descriptor, len(fakes))
	for i, f := range fakes {
		out[i] = f.Desc
	}
	return out
}

// Factory returns a registry factory that hands out the fake registered
// under the descriptor's name.
func Factory(fakes ...*Fake) func(context.Context, providers.Descriptor, *http.Client) (providers.Adapter, error) {
	byName := make(map[string]*Fake, len(fakes))
	for _, f := range fakes {
		byName[f.Desc.Name] = f
	}
	return func(_ context.Context, d providers.Descriptor, _ *http.Client) (providers.Adapter, error) {
		f, ok := byName[d.Name]
		if !ok {
			return nil, fmt.Errorf("providertest: no fake named %q", d.Name)
		}
		return f, nil
	}
}

// Reply scripts a successful answer with the given text.
func (f *Fake) Reply(text string) *Fake {
	return f.ReplyWith(func(req *schema.ChatRequest) (*schema.ChatResponse, error) {
		return &schema.ChatResponse{
			ID:      "fake-" + f.Desc.Name,
			Object:  "chat.completion",
			Created: 1,
			Model:   req.Model,
			Choices: []schema.Choice{{
				Message:      schema.Message{Role: schema.RoleAssistant, Content: schema.TextContent(text)},
				FinishReason: schema.FinishStop,
			}},
			Usage: schema.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}, nil
	})
}

// Fail scripts an error answer.
func (f *Fake) Fail(err error) *Fake {
	return f.ReplyWith(func(*schema.ChatRequest) (*schema.ChatResponse, error) { return nil, err })
}

// ReplyWith scripts an arbitrary answer.
func (f *Fake) ReplyWith(fn func(*schema.ChatRequest) (*schema.ChatResponse, error)) *Fake {
	f.mu.Lock()
	f.replies = append(f.replies, fn)
	f.mu.Unlock()
	return f
}

// Stream scripts one streaming call.
func (f *Fake) Stream(steps ...Step) *Fake {
	f.mu.Lock()
	f.streams = append(f.streams, steps)
	f.mu.Unlock()
	return f
}

// StreamText scripts a stream of content chunks followed by finish "stop".
func (f *Fake) StreamText(parts ...string) *Fake {
	steps := make([]Step, 0, len(parts)+1)
	for _, p := range parts {
		steps = append(steps, Step{Chunk: schema.ContentChunk(p)})
	}
	steps = append(steps, Step{Chunk: schema.FinishChunk(schema.FinishStop)})
	return f.Stream(steps...)
}

// RejectTranslate makes TranslateRequest fail with err.
func (f *Fake) RejectTranslate(err error) *Fake {
	f.translate = err
	return f
}

// Unhealthy makes HealthCheck fail with err.
func (f *Fake) Unhealthy(err error) *Fake {
	f.mu.Lock()
	f.health = err
	f.mu.Unlock()
	return f
}

// EmbedWith scripts Embed.
func (f *Fake) EmbedWith(fn func(*schema.EmbeddingRequest) (*schema.EmbeddingResponse, error)) *Fake {
	f.embed = fn
	return f
}

func (f *Fake) Name() string                     { return f.Desc.Name }
func (f *Fake) Descriptor() providers.Descriptor { return f.Desc }

type request struct {
	req *schema.ChatRequest
}

func (f *Fake) TranslateRequest(req *schema.ChatRequest) (*providers.Request, error) {
	if f.translate != nil {
		return nil, f.translate
	}
	if err := providers.CheckCapabilities(f.Desc, req); err != nil {
		return nil, err
	}
	return &providers.Request{Model: req.Model, Stream: req.Stream, Body: request{req: req}}, nil
}

func (f *Fake) Invoke(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	n := int(f.Calls.Add(1))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := providers.RequestBody[request](f.Desc.Name, req)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if len(f.replies) == 0 {
		f.mu.Unlock()
		return nil, errors.New("providertest: no reply scripted")
	}
	fn := f.replies[min(n, len(f.replies))-1]
	f.mu.Unlock()

	resp, err := fn(body.req)
	if err != nil {
		return nil, err
	}
	return &providers.Response{Body: resp}, nil
}

func (f *Fake) InvokeStreaming(ctx context.Context, _ *providers.Request) iter.Seq2[providers.Event, error] {
	return func(yield func(providers.Event, error) bool) {
		n := int(f.StreamCalls.Add(1))
		defer f.Closed.Add(1)

		f.mu.Lock()
		if len(f.streams) == 0 {
			f.mu.Unlock()
			yield(providers.Event{}, errors.New("providertest: no stream scripted"))
			return
		}
		steps := f.streams[min(n, len(f.streams))-1]
		f.mu.Unlock()

		for _, s := range steps {
			if s.Wait != nil {
				select {
				case <-s.Wait:
				case <-ctx.Done():
					yield(providers.Event{}, ctx.Err())
					return
				}
				continue
			}
			if s.Err != nil {
				yield(providers.Event{}, s.Err)
				return
			}
			c := *s.Chunk
			c.Choices = append([]schema.StreamChoice(nil), s.Chunk.Choices...)
			if !yield(providers.Event{Type: "chunk", Body: &c}, nil) {
				return
			}
		}
	}
}

func (f *Fake) TranslateResponse(resp *providers.Response) (*schema.ChatResponse, error) {
	return providers.ResponseBody[*schema.ChatResponse](f.Desc.Name, resp)
}

func (f *Fake) TranslateStreamEvent(ev providers.Event, state *providers.StreamState) (*schema.StreamChunk, error) {
	c, err := providers.EventBody[*schema.StreamChunk](f.Desc.Name, ev)
	if err != nil {
		return nil, err
	}
	if state.ID == "" {
		state.ID = "fake-" + f.Desc.Name
	}
	return c, nil
}

func (f *Fake) TranslateError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	return apierr.FromTransport(f.Desc.Name, err)
}

func (f *Fake) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *Fake) Embed(_ context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error) {
	f.Calls.Add(1)
	if f.embed != nil {
		return f.embed(req)
	}
	resp := &schema.EmbeddingResponse{Object: "list", Model: req.Model}
	for i := range req.Input {
		resp.Data = append(resp.Data, schema.EmbeddingData{Object: "embedding", Index: i, Embedding: []float64{float64(i), 0.5}})
	}
	resp.Usage = schema.EmbeddingUsage{PromptTokens: len(req.Input), TotalTokens: len(req.Input)}
	return resp, nil
}
