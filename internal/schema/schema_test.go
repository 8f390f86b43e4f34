package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int         { return &v }

func userOnly(model string) *ChatRequest {
	return &ChatRequest{
		Model:    model,
		Messages: []Message{{Role: RoleUser, Content: TextContent("2+2?")}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(r *ChatRequest)
		param string
	}{
		{"valid", func(r *ChatRequest) {}, ""},
		{"missing model", func(r *ChatRequest) { r.Model = "" }, "model"},
		{"route hint without model", func(r *ChatRequest) { r.Model = ""; r.Route = "budget" }, ""},
		{"no messages", func(r *ChatRequest) { r.Messages = nil }, "messages"},
		{"unknown role", func(r *ChatRequest) { r.Messages[0].Role = "robot" }, "messages[0].role"},
		{"tool without id", func(r *ChatRequest) {
			r.Messages = append(r.Messages, Message{Role: RoleTool, Content: TextContent("4")})
		}, "messages[1].tool_call_id"},
		{"temperature zero", func(r *ChatRequest) { r.Temperature = f64(0) }, ""},
		{"temperature two", func(r *ChatRequest) { r.Temperature = f64(2) }, ""},
		{"temperature too high", func(r *ChatRequest) { r.Temperature = f64(2.1) }, "temperature"},
		{"temperature negative", func(r *ChatRequest) { r.Temperature = f64(-0.1) }, "temperature"},
		{"top_p too high", func(r *ChatRequest) { r.TopP = f64(1.5) }, "top_p"},
		{"presence penalty", func(r *ChatRequest) { r.PresencePenalty = f64(-3) }, "presence_penalty"},
		{"frequency penalty", func(r *ChatRequest) { r.FrequencyPenalty = f64(2.5) }, "frequency_penalty"},
		{"max_tokens zero", func(r *ChatRequest) { r.MaxTokens = intp(0) }, "max_tokens"},
		{"n zero", func(r *ChatRequest) { r.N = intp(0) }, "n"},
		{"n two", func(r *ChatRequest) { r.N = intp(2) }, ""},
		{"stream with n two", func(r *ChatRequest) { r.Stream = true; r.N = intp(2) }, "n"},
		{"stream with n one", func(r *ChatRequest) { r.Stream = true; r.N = intp(1) }, ""},
		{"tool without name", func(r *ChatRequest) { r.Tools = []Tool{{Type: "function"}} }, "tools[0].function.name"},
		{"duplicate tool", func(r *ChatRequest) {
			r.Tools = []Tool{{Function: FunctionDef{Name: "a"}}, {Function: FunctionDef{Name: "a"}}}
		}, "tools[1].function.name"},
		{"tool_choice undeclared", func(r *ChatRequest) {
			r.ToolChoice = &ToolChoice{Mode: ToolChoiceFunction, Function: "nope"}
		}, "tool_choice"},
		{"tool_choice required without tools", func(r *ChatRequest) {
			r.ToolChoice = &ToolChoice{Mode: ToolChoiceRequired}
		}, "tool_choice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := userOnly("gpt-4")
			tt.edit(r)
			err := Validate(r)
			if tt.param == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			e, ok := apierr.As(err)
			if !ok {
				t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
			}
			if e.Kind != apierr.KindValidation {
				t.Errorf("expected validation kind, got %s", e.Kind)
			}
			if e.Param != tt.param {
				t.Errorf("expected param %q, got %q", tt.param, e.Param)
			}
		})
	}
}

func TestChatRequest_DecodeVariants(t *testing.T) {
	body := `{
		"model": "gpt-4",
		"messages": [
			{"role": "system", "content": "Be terse"},
			{"role": "user", "content": [{"type": "text", "text": "Hel"}, {"type": "image_url", "image_url": {"url": "x"}}, {"type": "text", "text": "lo"}]},
			{"role": "assistant", "content": null, "tool_calls": [{"id": "c1", "type": "function", "function": {"name": "f", "arguments": "{}"}}]}
		],
		"stop": "END",
		"tool_choice": {"type": "function", "function": {"name": "f"}},
		"tools": [{"type": "function", "function": {"name": "f", "parameters": {"type": "object"}}}]
	}`

	var r ChatRequest
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := r.Messages[1].Content.PlainText(); got != "Hello" {
		t.Errorf("expected joined text parts, got %q", got)
	}
	if got := r.Messages[2].Content.PlainText(); got != "" {
		t.Errorf("null content should decode empty, got %q", got)
	}
	if len(r.Stop) != 1 || r.Stop[0] != "END" {
		t.Errorf("string stop should decode to one element, got %v", r.Stop)
	}
	if r.ToolChoice == nil || r.ToolChoice.Mode != ToolChoiceFunction || r.ToolChoice.Function != "f" {
		t.Errorf("unexpected tool_choice: %+v", r.ToolChoice)
	}
	if err := Validate(&r); err != nil {
		t.Errorf("decoded request should validate: %v", err)
	}

	out, err := json.Marshal(r.ToolChoice)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"name":"f"`) {
		t.Errorf("named tool_choice should round trip, got %s", out)
	}
}

func TestEmbeddingInput_StringOrArray(t *testing.T) {
	var one, many EmbeddingRequest
	if err := json.Unmarshal([]byte(`{"model":"m","input":"hi"}`), &one); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"model":"m","input":["a","b"]}`), &many); err != nil {
		t.Fatal(err)
	}
	if len(one.Input) != 1 || one.Input[0] != "hi" {
		t.Errorf("unexpected single input: %v", one.Input)
	}
	if len(many.Input) != 2 {
		t.Errorf("unexpected batch input: %v", many.Input)
	}
	if err := json.Unmarshal([]byte(`{"model":"m","input":42}`), &one); err == nil {
		t.Error("numeric input should fail to decode")
	}
	if err := ValidateEmbedding(&EmbeddingRequest{Model: "m"}); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("empty input should be a validation error, got %v", err)
	}
}

func TestMergeUsage_ReportsFinalAttemptOnly(t *testing.T) {
	abandoned := Usage{PromptTokens: 40, CompletionTokens: 7, TotalTokens: 47}
	final := Usage{PromptTokens: 12, CompletionTokens: 3}

	got := MergeUsage([]Usage{abandoned, final})
	want := Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if !MergeUsage(nil).IsZero() {
		t.Error("no attempts should report no usage")
	}
}

func TestUsage_Fold(t *testing.T) {
	u := Usage{PromptTokens: 25}.Fold(Usage{CompletionTokens: 9})
	if u.PromptTokens != 25 || u.CompletionTokens != 9 || u.TotalTokens != 34 {
		t.Errorf("unexpected folded usage: %+v", u)
	}
}

func TestDelta_RoleChunkCarriesEmptyContent(t *testing.T) {
	b, err := json.Marshal(Delta{Role: RoleAssistant})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"role":"assistant","content":""}` {
		t.Errorf("unexpected role delta: %s", b)
	}

	b, _ = json.Marshal(Delta{})
	if string(b) != `{}` {
		t.Errorf("empty delta should marshal to {}, got %s", b)
	}
}

func TestStreamChunk_FinishReasonIsNullUntilSet(t *testing.T) {
	b, _ := json.Marshal(ContentChunk("hi"))
	if !strings.Contains(string(b), `"finish_reason":null`) {
		t.Errorf("content chunk should carry finish_reason null, got %s", b)
	}
	b, _ = json.Marshal(FinishChunk(FinishStop))
	if !strings.Contains(string(b), `"finish_reason":"stop"`) {
		t.Errorf("finish chunk should carry the reason, got %s", b)
	}
}
