package stream

import (
	"time"
	"unicode/utf8"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const chunkObject = "chat.completion.chunk"

type phase uint8

const (
	phaseStart phase = iota
	phaseRoleEmitted
	phaseStreaming
	phaseFinished
	phaseClosed
)

// normalizer is the per-stream state machine. It pulls one upstream event
// only when the consumer asks for the next chunk and queued output is
// exhausted.
type normalizer struct {
	adapter      providers.Adapter
	pull         Puller
	includeUsage bool

	phase   phase
	state   providers.StreamState
	id      string
	model   string
	created int64

	queue []*schema.StreamChunk
	// carry holds trailing bytes of an incomplete UTF-8 sequence per choice.
	carry map[int]string

	usage     schema.Usage
	usageSent schema.Usage
	err       error
}

func newNormalizer(a providers.Adapter, pull Puller, model string, includeUsage bool) *normalizer {
	return &normalizer{
		adapter:      a,
		pull:         pull,
		includeUsage: includeUsage,
		model:        model,
		carry:        make(map[int]string),
	}
}

// next returns the next canonical chunk; ok is false once the stream ended.
func (n *normalizer) next() (*schema.StreamChunk, bool) {
	for len(n.queue) == 0 {
		if n.phase == phaseClosed {
			return nil, false
		}
		n.advance()
	}
	c := n.queue[0]
	n.queue = n.queue[1:]
	return c, true
}

// advance pulls one upstream event and queues whatever it produces.
func (n *normalizer) advance() {
	ev, err, ok := n.pull()
	switch {
	case !ok:
		n.end()
		return
	case err != nil:
		n.fail(err)
		return
	}

	chunk, err := n.adapter.TranslateStreamEvent(ev, &n.state)
	if err != nil {
		n.fail(err)
		return
	}
	if n.phase == phaseStart {
		n.start()
	}

	if chunk != nil {
		if chunk.Usage != nil {
			n.usage = n.usage.Fold(*chunk.Usage)
			chunk.Usage = nil
		}
		// After the terminal chunk only late usage matters.
		if n.phase != phaseFinished && n.emit(chunk) {
			n.phase = phaseFinished
		}
	}

	if n.state.Done {
		n.end()
	}
}

// start stamps the stream identity and queues the role chunk.
func (n *normalizer) start() {
	n.id = n.state.ID
	if n.id == "" {
		n.id = providers.NewCompletionID()
	}
	if n.state.Model != "" {
		n.model = n.state.Model
	}
	n.created = n.state.Created
	if n.created == 0 {
		n.created = time.Now().Unix()
	}
	n.queue = append(n.queue, n.stamp(&schema.StreamChunk{
		Choices: []schema.StreamChoice{{Delta: schema.Delta{Role: schema.RoleAssistant}}},
	}))
	n.phase = phaseRoleEmitted
}

// emit queues a translated chunk and reports whether it was terminal.
func (n *normalizer) emit(c *schema.StreamChunk) bool {
	terminal := false
	choices := c.Choices[:0]
	for _, ch := range c.Choices {
		ch.Delta.Role = ""
		text := n.carry[ch.Index] + ch.Delta.Content
		if ch.FinishReason != nil {
			terminal = true
			delete(n.carry, ch.Index)
		} else {
			text, n.carry[ch.Index] = splitIncomplete(text)
		}
		ch.Delta.Content = text
		if ch.Delta.Content == "" && len(ch.Delta.ToolCalls) == 0 && ch.FinishReason == nil {
			continue
		}
		choices = append(choices, ch)
	}
	c.Choices = choices
	if len(c.Choices) == 0 {
		return false
	}
	if terminal {
		n.attachUsage(c)
	}
	n.queue = append(n.queue, n.stamp(c))
	n.phase = max(n.phase, phaseStreaming)
	return terminal
}

// end handles upstream EOF or an explicit end marker.
func (n *normalizer) end() {
	switch n.phase {
	case phaseStart:
		n.start()
		fallthrough
	case phaseRoleEmitted, phaseStreaming:
		reason := schema.FinishStop
		if n.state.HasToolCalls() {
			reason = schema.FinishToolCalls
		}
		n.terminal(reason)
	case phaseFinished:
		if n.includeUsage && n.usage != n.usageSent && !n.usage.IsZero() {
			u := n.usage
			n.usageSent = u
			n.queue = append(n.queue, n.stamp(&schema.StreamChunk{Choices: []schema.StreamChoice{}, Usage: &u}))
		}
	}
	n.phase = phaseClosed
}

// fail ends the stream with a synthetic error terminal unless generation had
// already finished, in which case the error is dropped.
func (n *normalizer) fail(err error) {
	if n.phase == phaseFinished {
		n.end()
		return
	}
	if n.phase == phaseStart {
		n.start()
	}
	e, ok := apierr.As(err)
	if !ok {
		e = n.adapter.TranslateError(err)
	}
	n.err = e
	n.terminal(schema.FinishError)
	n.phase = phaseClosed
}

// terminal queues a finish chunk. A normal finish flushes held-back bytes;
// an error finish drops them.
func (n *normalizer) terminal(reason string) {
	c := &schema.StreamChunk{Choices: []schema.StreamChoice{{
		FinishReason: &reason,
	}}}
	if reason != schema.FinishError {
		c.Choices[0].Delta.Content = n.carry[0]
		n.attachUsage(c)
	}
	delete(n.carry, 0)
	n.queue = append(n.queue, n.stamp(c))
	n.phase = phaseFinished
}

func (n *normalizer) attachUsage(c *schema.StreamChunk) {
	if !n.includeUsage || n.usage.IsZero() {
		return
	}
	u := n.usage
	n.usageSent = u
	c.Usage = &u
}

func (n *normalizer) stamp(c *schema.StreamChunk) *schema.StreamChunk {
	c.ID = n.id
	c.Object = chunkObject
	c.Created = n.created
	c.Model = n.model
	return c
}

// splitIncomplete cuts a trailing incomplete UTF-8 sequence off s.
func splitIncomplete(s string) (string, string) {
	for i := 1; i < utf8.UTFMax && i <= len(s); i++ {
		if !utf8.RuneStart(s[len(s)-i]) {
			continue
		}
		if !utf8.FullRuneInString(s[len(s)-i:]) {
			return s[:len(s)-i], s[len(s)-i:]
		}
		break
	}
	return s, ""
}
