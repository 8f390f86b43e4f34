// Package stream turns a provider's native event sequence into canonical
// chat.completion.chunk values and writes them as Server-Sent Events.
package stream

import (
	"iter"
	"strings"
	"sync"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
)

// Puller yields the next upstream event. ok is false once the upstream
// sequence ended.
type Puller func() (ev providers.Event, err error, ok bool)

// Prepend returns a Puller that yields ev first and then continues with next.
// The orchestrator uses it to replay the event it peeked before committing.
func Prepend(ev providers.Event, next Puller) Puller {
	replayed := false
	return func() (providers.Event, error, bool) {
		if !replayed {
			replayed = true
			return ev, nil, true
		}
		return next()
	}
}

// Option configures a Stream.
type Option func(*Stream)

// WithModel sets the model reported when the provider does not name one.
func WithModel(model string) Option {
	return func(s *Stream) { s.model = model }
}

// WithUsage emits usage on the wire, as OpenAI does under
// stream_options.include_usage.
func WithUsage(include bool) Option {
	return func(s *Stream) { s.includeUsage = include }
}

// OnClose registers fn to run once when the stream is closed.
func OnClose(fn func()) Option {
	return func(s *Stream) { s.onClose = append(s.onClose, fn) }
}

// Stream is a single-pass canonical chunk sequence. Chunks may be ranged
// over once; Err and Usage are valid after iteration ends. Close releases
// the upstream connection and is safe to call more than once.
type Stream struct {
	n *normalizer

	model        string
	includeUsage bool
	onClose      []func()

	once    sync.Once
	started bool
	err     error
}

// New builds a stream over adapter's events. stop is called on Close.
func New(adapter providers.Adapter, pull Puller, stop func(), opts ...Option) *Stream {
	s := &Stream{}
	for _, o := range opts {
		o(s)
	}
	s.n = newNormalizer(adapter, pull, s.model, s.includeUsage)
	if stop != nil {
		s.onClose = append([]func(){stop}, s.onClose...)
	}
	return s
}

// FromSeq builds a stream over a lazy event sequence.
func FromSeq(adapter providers.Adapter, seq iter.Seq2[providers.Event, error], opts ...Option) *Stream {
	next, stop := iter.Pull2(seq)
	return New(adapter, next, stop, opts...)
}

// Chunks returns the canonical chunk sequence. Breaking out of the loop
// closes the stream.
func (s *Stream) Chunks() iter.Seq[*schema.StreamChunk] {
	return func(yield func(*schema.StreamChunk) bool) {
		if s.started {
			return
		}
		s.started = true
		defer s.Close()
		for {
			c, ok := s.n.next()
			if !ok {
				s.err = s.n.err
				return
			}
			if !yield(c) {
				return
			}
		}
	}
}

// Err returns the translated cause of an abnormal end, nil otherwise.
func (s *Stream) Err() error { return s.err }

// Usage returns the usage reported by the provider so far.
func (s *Stream) Usage() schema.Usage { return s.n.usage }

// Provider names the adapter serving the stream.
func (s *Stream) Provider() string { return s.n.adapter.Name() }

// ID returns the completion ID shared by every chunk. It is empty until the
// first chunk was produced.
func (s *Stream) ID() string { return s.n.id }

// Close stops the upstream sequence.
func (s *Stream) Close() {
	s.once.Do(func() {
		for _, fn := range s.onClose {
			fn()
		}
	})
}

// Collect drains s and assembles the equivalent non-streaming response.
func Collect(s *Stream) (*schema.ChatResponse, error) {
	var (
		resp    = &schema.ChatResponse{Object: "chat.completion"}
		content = map[int]*strings.Builder{}
		tools   = map[int]map[int]*schema.ToolCall{}
		choices = map[int]*schema.Choice{}
		order   []int
	)
	for c := range s.Chunks() {
		resp.ID, resp.Model, resp.Created = c.ID, c.Model, c.Created
		if c.Usage != nil {
			resp.Usage = *c.Usage
		}
		for _, ch := range c.Choices {
			choice, ok := choices[ch.Index]
			if !ok {
				choice = &schema.Choice{Index: ch.Index, Message: schema.Message{Role: schema.RoleAssistant}}
				choices[ch.Index] = choice
				content[ch.Index] = &strings.Builder{}
				tools[ch.Index] = map[int]*schema.ToolCall{}
				order = append(order, ch.Index)
			}
			content[ch.Index].WriteString(ch.Delta.Content)
			for _, tc := range ch.Delta.ToolCalls {
				call, ok := tools[ch.Index][tc.Index]
				if !ok {
					call = &schema.ToolCall{Type: "function"}
					tools[ch.Index][tc.Index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				call.Function.Name += tc.Function.Name
				call.Function.Arguments += tc.Function.Arguments
			}
			if ch.FinishReason != nil {
				choice.FinishReason = *ch.FinishReason
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if resp.Usage.IsZero() {
		resp.Usage = s.Usage()
	}
	for _, idx := range order {
		choice := choices[idx]
		choice.Message.Content = schema.TextContent(content[idx].String())
		for i := 0; i < len(tools[idx]); i++ {
			if tc, ok := tools[idx][i]; ok {
				choice.Message.ToolCalls = append(choice.Message.ToolCalls, *tc)
			}
		}
		resp.Choices = append(resp.Choices, *choice)
	}
	resp.Provider = s.Provider()
	return resp, nil
}
