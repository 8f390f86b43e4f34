package stream

import (
	"bufio"
	"bytes"
	"context"
	"iter"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/providertest"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

func open(t *testing.T, f *providertest.Fake, opts ...Option) *Stream {
	t.Helper()
	req, err := f.TranslateRequest(&schema.ChatRequest{Model: "m", Stream: true, Messages: []schema.Message{{Role: "user", Content: schema.TextContent("hi")}}})
	if err != nil {
		t.Fatalf("TranslateRequest: %v", err)
	}
	return FromSeq(f, f.InvokeStreaming(context.Background(), req), opts...)
}

func drain(s *Stream) []*schema.StreamChunk {
	var out []*schema.StreamChunk
	for c := range s.Chunks() {
		out = append(out, c)
	}
	return out
}

func finish(c *schema.StreamChunk) string { return c.FinishReason() }

func TestNormalize_RoleAndTerminal(t *testing.T) {
	f := providertest.New("p").StreamText("Hel", "lo")
	s := open(t, f, WithModel("gpt-x"))
	chunks := drain(s)

	if len(chunks) != 4 {
		t.Fatalf("want 4 chunks (role, Hel, lo, finish), got %d", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != schema.RoleAssistant || chunks[0].DeltaContent() != "" {
		t.Errorf("first chunk should be the role chunk, got %+v", chunks[0].Choices[0].Delta)
	}
	for i, c := range chunks {
		if c.ID != "fake-p" || c.Object != "chat.completion.chunk" || c.Model != "gpt-x" || c.Created == 0 {
			t.Errorf("chunk %d not stamped: id=%q object=%q model=%q created=%d", i, c.ID, c.Object, c.Model, c.Created)
		}
	}
	terminals := 0
	for _, c := range chunks {
		if finish(c) != "" {
			terminals++
		}
	}
	if terminals != 1 || finish(chunks[3]) != schema.FinishStop {
		t.Errorf("want exactly one terminal chunk with stop, got %d (last %q)", terminals, finish(chunks[3]))
	}
	if s.Err() != nil {
		t.Errorf("unexpected error: %v", s.Err())
	}
	if f.Closed.Load() != 1 {
		t.Errorf("upstream should be closed once, got %d", f.Closed.Load())
	}
}

func TestNormalize_RoleOnlyUpstreamChunkDropped(t *testing.T) {
	role := &schema.StreamChunk{Choices: []schema.StreamChoice{{Delta: schema.Delta{Role: "assistant"}}}}
	f := providertest.New("p").Stream(
		providertest.Step{Chunk: role},
		providertest.Step{Chunk: schema.ContentChunk("x")},
		providertest.Step{Chunk: schema.FinishChunk(schema.FinishLength)},
	)
	chunks := drain(open(t, f))
	if len(chunks) != 3 {
		t.Fatalf("want role, x, finish; got %d chunks", len(chunks))
	}
	if finish(chunks[2]) != schema.FinishLength {
		t.Errorf("finish = %q, want length", finish(chunks[2]))
	}
}

func TestNormalize_UTF8HeldBack(t *testing.T) {
	// "é" is 0xC3 0xA9; "😀" is 4 bytes.
	f := providertest.New("p").StreamText("caf\xc3", "\xa9 \xf0\x9f", "\x98\x80!")
	chunks := drain(open(t, f))

	var b strings.Builder
	for i, c := range chunks {
		if !utf8.ValidString(c.DeltaContent()) {
			t.Errorf("chunk %d carries invalid UTF-8: %q", i, c.DeltaContent())
		}
		b.WriteString(c.DeltaContent())
	}
	if b.String() != "café 😀!" {
		t.Errorf("content = %q", b.String())
	}
}

func TestNormalize_UTF8FlushedOnFinish(t *testing.T) {
	f := providertest.New("p").Stream(providertest.Step{Chunk: schema.ContentChunk("ok\xe2\x82")})
	chunks := drain(open(t, f))
	last := chunks[len(chunks)-1]
	if finish(last) != schema.FinishStop {
		t.Fatalf("want synthesized stop, got %q", finish(last))
	}
	if last.DeltaContent() != "\xe2\x82" {
		t.Errorf("held bytes should be flushed on the terminal chunk, got %q", last.DeltaContent())
	}
}

func TestNormalize_UTF8DroppedOnError(t *testing.T) {
	f := providertest.New("p").Stream(
		providertest.Step{Chunk: schema.ContentChunk("ok\xe2\x82")},
		providertest.Step{Err: apierr.Upstream("p", 500, "boom")},
	)
	s := open(t, f)
	chunks := drain(s)
	last := chunks[len(chunks)-1]
	if finish(last) != schema.FinishError {
		t.Fatalf("want error terminal, got %q", finish(last))
	}
	if last.DeltaContent() != "" {
		t.Errorf("error terminal should not flush held bytes, got %q", last.DeltaContent())
	}
	for i, c := range chunks {
		if !utf8.ValidString(c.DeltaContent()) {
			t.Errorf("chunk %d carries invalid UTF-8: %q", i, c.DeltaContent())
		}
	}
}

func TestNormalize_MidStreamError(t *testing.T) {
	f := providertest.New("p").Stream(
		providertest.Step{Chunk: schema.ContentChunk("c1")},
		providertest.Step{Chunk: schema.ContentChunk("c2")},
		providertest.Step{Err: apierr.Upstream("p", 500, "boom")},
	)
	s := open(t, f)
	chunks := drain(s)

	if len(chunks) != 4 {
		t.Fatalf("want role, c1, c2, error; got %d chunks", len(chunks))
	}
	if finish(chunks[3]) != schema.FinishError {
		t.Errorf("terminal finish = %q, want error", finish(chunks[3]))
	}
	if apierr.KindOf(s.Err()) != apierr.KindUpstreamServerError {
		t.Errorf("Err kind = %v, want server error", apierr.KindOf(s.Err()))
	}
}

func TestNormalize_ErrorAfterFinishIgnored(t *testing.T) {
	f := providertest.New("p").Stream(
		providertest.Step{Chunk: schema.ContentChunk("done")},
		providertest.Step{Chunk: schema.FinishChunk(schema.FinishStop)},
		providertest.Step{Err: apierr.Upstream("p", 500, "late")},
	)
	s := open(t, f)
	chunks := drain(s)
	if len(chunks) != 3 || s.Err() != nil {
		t.Errorf("want 3 chunks and no error, got %d chunks, err %v", len(chunks), s.Err())
	}
}

func TestNormalize_UsageAfterFinish(t *testing.T) {
	script := func() *providertest.Fake {
		return providertest.New("p").Stream(
			providertest.Step{Chunk: schema.ContentChunk("hi")},
			providertest.Step{Chunk: schema.FinishChunk(schema.FinishStop)},
			providertest.Step{Chunk: &schema.StreamChunk{Usage: &schema.Usage{PromptTokens: 4, CompletionTokens: 1}}},
		)
	}

	s := open(t, script(), WithUsage(true))
	chunks := drain(s)
	if len(chunks) != 4 {
		t.Fatalf("want role, hi, finish, usage; got %d", len(chunks))
	}
	last := chunks[3]
	if len(last.Choices) != 0 || last.Usage == nil || last.Usage.TotalTokens != 5 {
		t.Errorf("trailing usage chunk wrong: %+v", last)
	}

	s = open(t, script())
	chunks = drain(s)
	if len(chunks) != 3 {
		t.Fatalf("usage should stay off the wire without include_usage, got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if c.Usage != nil {
			t.Error("usage leaked onto the wire")
		}
	}
	if s.Usage().TotalTokens != 5 {
		t.Errorf("Usage() = %+v", s.Usage())
	}
}

func TestNormalize_UsageFoldedIntoTerminal(t *testing.T) {
	start := &schema.StreamChunk{Usage: &schema.Usage{PromptTokens: 10}}
	fin := schema.FinishChunk(schema.FinishStop)
	fin.Usage = &schema.Usage{CompletionTokens: 3}
	f := providertest.New("p").Stream(
		providertest.Step{Chunk: start},
		providertest.Step{Chunk: schema.ContentChunk("x")},
		providertest.Step{Chunk: fin},
	)
	chunks := drain(open(t, f, WithUsage(true)))
	last := chunks[len(chunks)-1]
	if last.Usage == nil || *last.Usage != (schema.Usage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13}) {
		t.Errorf("terminal usage = %+v", last.Usage)
	}
	for _, c := range chunks[:len(chunks)-1] {
		if c.Usage != nil {
			t.Errorf("non-terminal chunk carries usage: %+v", c)
		}
	}
}

func TestNormalize_EarlyBreakClosesUpstream(t *testing.T) {
	f := providertest.New("p").StreamText("a", "b", "c", "d")
	s := open(t, f)
	for range s.Chunks() {
		break
	}
	if f.Closed.Load() != 1 {
		t.Errorf("upstream not closed after early break")
	}
	s.Close()
	if f.Closed.Load() != 1 {
		t.Errorf("Close should be idempotent")
	}
}

func TestNormalize_NoReadAhead(t *testing.T) {
	pulls := 0
	pull := func() (providers.Event, error, bool) {
		pulls++
		return providers.Event{Type: "chunk", Body: schema.ContentChunk("x")}, nil, true
	}
	s := New(providertest.New("p"), pull, nil)
	got := 0
	for range s.Chunks() {
		got++
		if got == 2 {
			break
		}
	}
	if pulls != 1 {
		t.Errorf("role chunk and first content chunk need one pull, got %d", pulls)
	}
}

func TestPrepend(t *testing.T) {
	f := providertest.New("p").StreamText("second")
	req, _ := f.TranslateRequest(&schema.ChatRequest{Model: "m", Stream: true, Messages: []schema.Message{{Role: "user"}}})
	seq := f.InvokeStreaming(context.Background(), req)

	next, stop := iter.Pull2(seq)
	first := providers.Event{Type: "chunk", Body: schema.ContentChunk("first ")}
	s := New(f, Prepend(first, next), stop)

	resp, err := Collect(s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Content() != "first second" {
		t.Errorf("content = %q", resp.Content())
	}
}

func TestCollect_MatchesNonStreaming(t *testing.T) {
	parts := []string{"The ", "quick ", "brown ", "fox"}
	f := providertest.New("p").StreamText(parts...).Reply(strings.Join(parts, ""))

	streamed, err := Collect(open(t, f))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	req, _ := f.TranslateRequest(&schema.ChatRequest{Model: "m", Messages: []schema.Message{{Role: "user"}}})
	raw, err := f.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	plain, _ := f.TranslateResponse(raw)

	if streamed.Content() != plain.Content() {
		t.Errorf("streamed %q != non-streamed %q", streamed.Content(), plain.Content())
	}
	if streamed.Choices[0].FinishReason != plain.Choices[0].FinishReason {
		t.Errorf("finish %q != %q", streamed.Choices[0].FinishReason, plain.Choices[0].FinishReason)
	}
}

func TestCollect_ToolCalls(t *testing.T) {
	tc := func(id, name, args string) *schema.StreamChunk {
		return &schema.StreamChunk{Choices: []schema.StreamChoice{{Delta: schema.Delta{ToolCalls: []schema.ToolCallDelta{{
			Index: 0, ID: id, Type: "function", Function: schema.FunctionCallDelta{Name: name, Arguments: args},
		}}}}}}
	}
	f := providertest.New("p").Stream(
		providertest.Step{Chunk: tc("call_1", "lookup", "")},
		providertest.Step{Chunk: tc("", "", `{"q":`)},
		providertest.Step{Chunk: tc("", "", `"go"}`)},
		providertest.Step{Chunk: schema.FinishChunk(schema.FinishToolCalls)},
	)
	resp, err := Collect(open(t, f))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 || calls[0].ID != "call_1" || calls[0].Function.Name != "lookup" || calls[0].Function.Arguments != `{"q":"go"}` {
		t.Errorf("tool calls = %+v", calls)
	}
	if resp.Choices[0].FinishReason != schema.FinishToolCalls {
		t.Errorf("finish = %q", resp.Choices[0].FinishReason)
	}
}

func TestWriteSSE(t *testing.T) {
	f := providertest.New("p").StreamText("hi")
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteSSE(w, open(t, f)); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	out := buf.String()
	frames := strings.Split(strings.TrimSuffix(out, "\n\n"), "\n\n")
	if len(frames) != 4 {
		t.Fatalf("want role, hi, finish, [DONE]; got %d frames:\n%s", len(frames), out)
	}
	for _, fr := range frames {
		if !strings.HasPrefix(fr, "data: ") {
			t.Errorf("frame without data prefix: %q", fr)
		}
	}
	if !strings.Contains(frames[0], `"delta":{"role":"assistant","content":""}`) {
		t.Errorf("role frame = %s", frames[0])
	}
	if frames[3] != "data: [DONE]" {
		t.Errorf("last frame = %q", frames[3])
	}
}

func TestWriteSSE_ErrorFrame(t *testing.T) {
	f := providertest.New("p").Stream(
		providertest.Step{Chunk: schema.ContentChunk("partial")},
		providertest.Step{Err: apierr.Upstream("p", 503, "overloaded")},
	)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteSSE(w, open(t, f)); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"finish_reason":"error"`) {
		t.Errorf("missing error terminal chunk:\n%s", out)
	}
	if !strings.Contains(out, `"code":"upstream_server_error"`) {
		t.Errorf("missing error frame:\n%s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream must end with [DONE]:\n%s", out)
	}
}
