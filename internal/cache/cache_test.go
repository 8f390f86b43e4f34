package cache

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/schema"
)

func request(model, text string) *schema.ChatRequest {
	return &schema.ChatRequest{
		Model:    model,
		Messages: []schema.Message{{Role: schema.RoleUser, Content: schema.TextContent(text)}},
	}
}

func TestKey_IgnoresRoutingFields(t *testing.T) {
	a := request("gpt-4o", "hi")
	b := request("gpt-4o", "hi")
	b.Fallbacks = []string{"claude-3-5-sonnet"}
	b.Route = "quality"
	b.StreamOptions = &schema.StreamOptions{IncludeUsage: true}

	if Key("p", a) != Key("p", b) {
		t.Error("fallbacks, route and stream options must not change the key")
	}
}

func TestKey_RouteMattersForAuto(t *testing.T) {
	q := request(schema.ModelAuto, "hi")
	q.Route = "quality"
	b := request(schema.ModelAuto, "hi")
	b.Route = "budget"

	if Key("p", q) == Key("p", b) {
		t.Error("the route hint picks the model for auto requests and must change the key")
	}
}

func TestKey_Partitions(t *testing.T) {
	base := Key("p", request("gpt-4o", "hi"))

	temp := 0.7
	withTemp := request("gpt-4o", "hi")
	withTemp.Temperature = &temp

	cases := map[string]string{
		"principal":   Key("q", request("gpt-4o", "hi")),
		"model":       Key("p", request("gpt-4o-mini", "hi")),
		"content":     Key("p", request("gpt-4o", "hello")),
		"temperature": Key("p", withTemp),
	}
	for name, k := range cases {
		if k == base {
			t.Errorf("%s should change the key", name)
		}
	}
}

func TestResponses_Eligible(t *testing.T) {
	el, _ := NewExclusionList([]string{"o1-*"})
	r := NewResponses(NewMemoryCache(context.Background(), 0), el, 0, nil)

	two := 2
	multi := request("gpt-4o", "hi")
	multi.N = &two
	streaming := request("gpt-4o", "hi")
	streaming.Stream = true

	cases := []struct {
		name string
		req  *schema.ChatRequest
		want bool
	}{
		{"plain", request("gpt-4o", "hi"), true},
		{"excluded", request("o1-mini", "hi"), false},
		{"multi-choice", multi, false},
		{"streaming", streaming, false},
	}
	for _, c := range cases {
		if got := r.Eligible(c.req); got != c.want {
			t.Errorf("%s: Eligible = %v, want %v", c.name, got, c.want)
		}
	}

	var nilResponses *Responses
	if nilResponses.Eligible(request("gpt-4o", "hi")) {
		t.Error("nil Responses is never eligible")
	}
}

func TestResponses_RoundTrip(t *testing.T) {
	mem := NewMemoryCache(context.Background(), 0)
	defer mem.Close()
	r := NewResponses(mem, nil, time.Minute, nil)
	req := request("gpt-4o", "hi")

	if _, ok := r.Lookup(context.Background(), "p", req); ok {
		t.Fatal("empty cache should miss")
	}
	resp := &schema.ChatResponse{
		ID: "chatcmpl-1", Object: "chat.completion", Model: "gpt-4o",
		Choices: []schema.Choice{{Message: schema.Message{Role: schema.RoleAssistant, Content: schema.TextContent("hello")}, FinishReason: schema.FinishStop}},
		Usage:   schema.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}
	if err := r.Store(context.Background(), "p", req, resp); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, ok := r.Lookup(context.Background(), "p", req)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Content() != "hello" || got.Usage.TotalTokens != 2 || got.ID != "chatcmpl-1" {
		t.Errorf("got %+v", got)
	}
	if _, ok := r.Lookup(context.Background(), "other", req); ok {
		t.Error("another principal must not see the entry")
	}
}

func TestResponses_CorruptEntryIsMiss(t *testing.T) {
	mem := NewMemoryCache(context.Background(), 0)
	defer mem.Close()
	r := NewResponses(mem, nil, 0, nil)
	req := request("gpt-4o", "hi")
	_ = mem.Set(context.Background(), Key("p", req), []byte("{not json"), time.Minute)

	if _, ok := r.Lookup(context.Background(), "p", req); ok {
		t.Error("corrupt entry should read as a miss")
	}
}
