// Package anthropic adapts the Claude Messages API through the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Tool results travel as user turns.
var roles = providers.RoleMap{
	schema.RoleTool: schema.RoleUser,
}

var stopReasons = map[anthropic.StopReason]string{
	anthropic.StopReasonEndTurn:      schema.FinishStop,
	anthropic.StopReasonStopSequence: schema.FinishStop,
	anthropic.StopReasonMaxTokens:    schema.FinishLength,
	anthropic.StopReasonToolUse:      schema.FinishToolCalls,
	anthropic.StopReasonRefusal:      schema.FinishContentFilter,
}

type (
	// request is the translated payload. Claude has no n parameter, so n>1
	// fans out into parallel calls.
	request struct {
		Params anthropic.MessageNewParams
		N      int
	}

	Adapter struct {
		desc   providers.Descriptor
		client anthropic.Client
	}

	Option func(*options)

	options struct {
		http *http.Client
	}
)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.http = c }
}

// New creates a Claude adapter. desc.BaseURL overrides the API root.
func New(desc providers.Descriptor, opts ...Option) *Adapter {
	o := options{http: &http.Client{Timeout: providers.ProviderTimeout}}
	for _, fn := range opts {
		fn(&o)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(desc.Credential.Key),
		option.WithHTTPClient(o.http),
		option.WithMaxRetries(0),
	}
	if desc.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(desc.BaseURL))
	}
	return &Adapter{desc: desc, client: anthropic.NewClient(sdkOpts...)}
}

func (a *Adapter) Name() string                     { return a.desc.Name }
func (a *Adapter) Descriptor() providers.Descriptor { return a.desc }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.Name(), a.TranslateError(err))
	}
	return nil
}

func (a *Adapter) TranslateRequest(req *schema.ChatRequest) (*providers.Request, error) {
	if err := providers.CheckCapabilities(a.desc, req); err != nil {
		return nil, err
	}

	system, rest := providers.HoistSystem(req.Messages)
	model := a.desc.UpstreamModel(req.Model)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(providers.MaxTokens(req)),
		Messages:  make([]anthropic.MessageParam, 0, len(rest)),
	}
	// Parallel tool results must answer their calls in one user turn.
	for _, m := range rest {
		msg := toSDKMessage(m)
		if n := len(params.Messages); n > 0 && params.Messages[n-1].Role == msg.Role {
			params.Messages[n-1].Content = append(params.Messages[n-1].Content, msg.Content...)
			continue
		}
		params.Messages = append(params.Messages, msg)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = []string(req.Stop)
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, toSDKTool(t))
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case schema.ToolChoiceAuto:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		case schema.ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case schema.ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case schema.ToolChoiceFunction:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: tc.Function}}
		}
	}

	return &providers.Request{
		Model:  model,
		Stream: req.Stream,
		Body:   request{Params: params, N: req.Choices()},
	}, nil
}

func (a *Adapter) Invoke(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	body, err := providers.RequestBody[request](a.Name(), req)
	if err != nil {
		return nil, err
	}
	msgs, err := providers.FanOut(ctx, body.N, func(ctx context.Context) (*anthropic.Message, error) {
		return a.client.Messages.New(ctx, body.Params)
	})
	if err != nil {
		return nil, a.TranslateError(err)
	}
	return &providers.Response{Body: msgs}, nil
}

func (a *Adapter) InvokeStreaming(ctx context.Context, req *providers.Request) iter.Seq2[providers.Event, error] {
	return func(yield func(providers.Event, error) bool) {
		body, err := providers.RequestBody[request](a.Name(), req)
		if err != nil {
			yield(providers.Event{}, err)
			return
		}

		stream := a.client.Messages.NewStreaming(ctx, body.Params)
		defer stream.Close()

		for stream.Next() {
			ev := stream.Current()
			if !yield(providers.Event{Type: string(ev.Type), Body: ev}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(providers.Event{}, a.TranslateError(err))
		}
	}
}

func (a *Adapter) TranslateResponse(resp *providers.Response) (*schema.ChatResponse, error) {
	msgs, err := providers.ResponseBody[[]*anthropic.Message](a.Name(), resp)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return nil, apierr.Malformed(a.Name(), errors.New("empty response"))
	}

	out := &schema.ChatResponse{
		ID:       msgs[0].ID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    string(msgs[0].Model),
		Provider: a.Name(),
	}
	for i, msg := range msgs {
		var text strings.Builder
		choice := schema.Choice{Index: i}
		for _, block := range msg.Content {
			switch v := block.AsAny().(type) {
			case anthropic.TextBlock:
				text.WriteString(v.Text)
			case anthropic.ToolUseBlock:
				args, _ := json.Marshal(v.Input)
				choice.Message.ToolCalls = append(choice.Message.ToolCalls, schema.ToolCall{
					ID:   v.ID,
					Type: "function",
					Function: schema.FunctionCall{
						Name:      v.Name,
						Arguments: providers.RepairArguments(string(args)),
					},
				})
			}
		}
		choice.Message.Role = schema.RoleAssistant
		choice.Message.Content = schema.TextContent(text.String())
		choice.FinishReason = finishReason(msg.StopReason)

		out.Choices = append(out.Choices, choice)
		out.Usage.PromptTokens += int(msg.Usage.InputTokens)
		out.Usage.CompletionTokens += int(msg.Usage.OutputTokens)
	}
	out.Usage = out.Usage.Normalized()
	return out, nil
}

func (a *Adapter) TranslateStreamEvent(ev providers.Event, state *providers.StreamState) (*schema.StreamChunk, error) {
	union, err := providers.EventBody[anthropic.MessageStreamEventUnion](a.Name(), ev)
	if err != nil {
		return nil, err
	}

	switch v := union.AsAny().(type) {
	case anthropic.MessageStartEvent:
		state.ID = v.Message.ID
		state.Model = string(v.Message.Model)
		if v.Message.Usage.InputTokens > 0 {
			return &schema.StreamChunk{Usage: &schema.Usage{PromptTokens: int(v.Message.Usage.InputTokens)}}, nil
		}

	case anthropic.ContentBlockStartEvent:
		if v.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		idx := state.ToolIndex(int(v.Index))
		return toolChunk(schema.ToolCallDelta{
			Index:    idx,
			ID:       v.ContentBlock.ID,
			Type:     "function",
			Function: schema.FunctionCallDelta{Name: v.ContentBlock.Name},
		}), nil

	case anthropic.ContentBlockDeltaEvent:
		switch d := v.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if d.Text == "" {
				return nil, nil
			}
			return schema.ContentChunk(d.Text), nil
		case anthropic.InputJSONDelta:
			if d.PartialJSON == "" || !state.IsToolBlock(int(v.Index)) {
				return nil, nil
			}
			return toolChunk(schema.ToolCallDelta{
				Index:    state.ToolIndex(int(v.Index)),
				Function: schema.FunctionCallDelta{Arguments: d.PartialJSON},
			}), nil
		}

	case anthropic.MessageDeltaEvent:
		chunk := &schema.StreamChunk{}
		if v.Usage.OutputTokens > 0 {
			chunk.Usage = &schema.Usage{CompletionTokens: int(v.Usage.OutputTokens)}
		}
		if v.Delta.StopReason != "" {
			r := finishReason(v.Delta.StopReason)
			chunk.Choices = []schema.StreamChoice{{FinishReason: &r}}
		}
		if chunk.Usage == nil && chunk.Choices == nil {
			return nil, nil
		}
		return chunk, nil

	case anthropic.MessageStopEvent:
		state.Done = true
	}
	return nil, nil
}

// TranslateError maps SDK and transport errors onto the canonical taxonomy.
func (a *Adapter) TranslateError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e := apierr.Upstream(a.Name(), apiErr.StatusCode, providers.ErrorMessage([]byte(apiErr.RawJSON())))
		if apiErr.Response != nil {
			e.RetryAfter = apierr.ParseRetryAfter(apiErr.Response.Header)
		}
		e.Cause = err
		return e
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apierr.Malformed(a.Name(), err)
	}
	return apierr.FromTransport(a.Name(), err)
}

func finishReason(r anthropic.StopReason) string {
	if f, ok := stopReasons[r]; ok {
		return f
	}
	return schema.FinishStop
}

func toolChunk(d schema.ToolCallDelta) *schema.StreamChunk {
	return &schema.StreamChunk{Choices: []schema.StreamChoice{{
		Delta: schema.Delta{ToolCalls: []schema.ToolCallDelta{d}},
	}}}
}

func toSDKMessage(m schema.Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if roles.Map(m.Role) == schema.RoleAssistant {
		role = anthropic.MessageParamRoleAssistant
	}

	text := m.Content.PlainText()
	var blocks []anthropic.ContentBlockParamUnion
	if m.Role == schema.RoleTool {
		blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, text, false))
	} else {
		if text != "" || len(m.ToolCalls) == 0 {
			blocks = append(blocks, anthropic.NewTextBlock(text))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, providers.ArgumentsObject(tc.Function.Arguments), tc.Function.Name))
		}
	}
	return anthropic.MessageParam{Role: role, Content: blocks}
}

func toSDKTool(t schema.Tool) anthropic.ToolUnionParam {
	js := providers.Schema(t.Function.Parameters)
	input := anthropic.ToolInputSchemaParam{Properties: js["properties"]}
	if req, ok := js["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				input.Required = append(input.Required, s)
			}
		}
	}
	tool := anthropic.ToolUnionParamOfTool(input, t.Function.Name)
	if t.Function.Description != "" {
		tool.OfTool.Description = anthropic.String(t.Function.Description)
	}
	return tool
}
