package schema

import "encoding/json"

// Canonical finish reasons. FinishError only appears on the synthetic
// terminal chunk of a stream that broke before the provider finished.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// ValidFinishReason reports whether r is one of the four canonical values.
func ValidFinishReason(r string) bool {
	switch r {
	case FinishStop, FinishLength, FinishToolCalls, FinishContentFilter:
		return true
	}
	return false
}

// ChatResponse is the canonical non-streaming completion.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// Provider names the adapter that produced the response.
	Provider string `json:"-"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Content returns the text of the first choice.
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content.PlainText()
}

// Usage counts tokens for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one incremental unit of a streamed completion.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the partial message carried by a chunk.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// MarshalJSON always writes content on the role chunk so clients see
// {"role":"assistant","content":""}.
func (d Delta) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role      string          `json:"role,omitempty"`
		Content   *string         `json:"content,omitempty"`
		ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
	}
	w := wire{Role: d.Role, ToolCalls: d.ToolCalls}
	if d.Content != "" || d.Role != "" {
		c := d.Content
		w.Content = &c
	}
	return json.Marshal(w)
}

// ToolCallDelta is a streamed fragment of a tool call.
type ToolCallDelta struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function FunctionCallDelta `json:"function"`
}

type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// FinishReason returns the finish reason of the first choice, "" when unset.
func (c *StreamChunk) FinishReason() string {
	if len(c.Choices) == 0 || c.Choices[0].FinishReason == nil {
		return ""
	}
	return *c.Choices[0].FinishReason
}

// DeltaContent returns the content delta of the first choice.
func (c *StreamChunk) DeltaContent() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// ContentChunk builds a single-choice chunk carrying text.
func ContentChunk(text string) *StreamChunk {
	return &StreamChunk{Choices: []StreamChoice{{Delta: Delta{Content: text}}}}
}

// FinishChunk builds a single-choice chunk carrying only a finish reason.
func FinishChunk(reason string) *StreamChunk {
	return &StreamChunk{Choices: []StreamChoice{{FinishReason: &reason}}}
}
