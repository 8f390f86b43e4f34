// Package openai adapts the OpenAI chat completions and embeddings APIs.
// The same adapter, in compat mode, serves any OpenAI-compatible endpoint.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Adapter struct {
	desc   providers.Descriptor
	client openaiSDK.Client
	http   *http.Client
	compat bool
}

type Option func(*Adapter)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.http = c }
}

// CompatMode targets OpenAI-compatible servers: the output limit is sent as
// max_tokens and stream_options is left out, since most of them reject the
// newer fields.
func CompatMode() Option {
	return func(a *Adapter) { a.compat = true }
}

// New builds an adapter for desc. desc.BaseURL defaults to the public API.
func New(desc providers.Descriptor, opts ...Option) *Adapter {
	a := &Adapter{desc: desc}
	for _, o := range opts {
		o(a)
	}
	if a.http == nil {
		a.http = &http.Client{Timeout: providers.ProviderTimeout}
	}

	base := desc.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	a.client = openaiSDK.NewClient(
		option.WithAPIKey(desc.Credential.Key),
		option.WithBaseURL(base),
		option.WithHTTPClient(a.http),
		// Retries belong to the orchestrator.
		option.WithMaxRetries(0),
	)
	return a
}

func (a *Adapter) Name() string                     { return a.desc.Name }
func (a *Adapter) Descriptor() providers.Descriptor { return a.desc }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s: health check: %w", a.Name(), a.TranslateError(err))
	}
	return nil
}

func (a *Adapter) TranslateRequest(req *schema.ChatRequest) (*providers.Request, error) {
	if err := providers.CheckCapabilities(a.desc, req); err != nil {
		return nil, err
	}

	model := a.desc.UpstreamModel(req.Model)
	params := openaiSDK.ChatCompletionNewParams{
		Model:    model,
		Messages: make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, toSDKMessage(m))
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(*req.FrequencyPenalty)
	}
	if n, ok := req.OutputLimit(); ok {
		if a.compat {
			params.MaxTokens = openaiSDK.Int(int64(n))
		} else {
			params.MaxCompletionTokens = openaiSDK.Int(int64(n))
		}
	}
	if req.N != nil {
		params.N = openaiSDK.Int(int64(*req.N))
	}
	if req.Seed != nil {
		params.Seed = openaiSDK.Int(*req.Seed)
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: []string(req.Stop)}
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}
	if req.Stream && !a.compat {
		params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{IncludeUsage: openaiSDK.Bool(true)}
	}

	for _, t := range req.Tools {
		fn := openaiSDK.FunctionDefinitionParam{
			Name:       t.Function.Name,
			Parameters: openaiSDK.FunctionParameters(providers.Schema(t.Function.Parameters)),
		}
		if t.Function.Description != "" {
			fn.Description = openaiSDK.String(t.Function.Description)
		}
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionFunctionTool(fn))
	}
	if tc := req.ToolChoice; tc != nil {
		if tc.Mode == schema.ToolChoiceFunction {
			params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
				OfFunctionToolChoice: &openaiSDK.ChatCompletionNamedToolChoiceParam{
					Function: openaiSDK.ChatCompletionNamedToolChoiceFunctionParam{Name: tc.Function},
				},
			}
		} else {
			params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openaiSDK.String(tc.Mode)}
		}
	}

	return &providers.Request{Model: model, Stream: req.Stream, Body: params}, nil
}

func (a *Adapter) Invoke(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params, err := providers.RequestBody[openaiSDK.ChatCompletionNewParams](a.Name(), req)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.TranslateError(err)
	}
	return &providers.Response{Body: resp}, nil
}

func (a *Adapter) InvokeStreaming(ctx context.Context, req *providers.Request) iter.Seq2[providers.Event, error] {
	return func(yield func(providers.Event, error) bool) {
		params, err := providers.RequestBody[openaiSDK.ChatCompletionNewParams](a.Name(), req)
		if err != nil {
			yield(providers.Event{}, err)
			return
		}

		stream := a.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			if !yield(providers.Event{Type: "chunk", Body: stream.Current()}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(providers.Event{}, a.TranslateError(err))
		}
	}
}

func (a *Adapter) TranslateResponse(resp *providers.Response) (*schema.ChatResponse, error) {
	cc, err := providers.ResponseBody[*openaiSDK.ChatCompletion](a.Name(), resp)
	if err != nil {
		return nil, err
	}
	if len(cc.Choices) == 0 {
		return nil, apierr.Malformed(a.Name(), errors.New("response has no choices"))
	}

	out := &schema.ChatResponse{
		ID:       cc.ID,
		Object:   "chat.completion",
		Created:  cc.Created,
		Model:    cc.Model,
		Choices:  make([]schema.Choice, 0, len(cc.Choices)),
		Provider: a.Name(),
		Usage: schema.Usage{
			PromptTokens:     int(cc.Usage.PromptTokens),
			CompletionTokens: int(cc.Usage.CompletionTokens),
			TotalTokens:      int(cc.Usage.TotalTokens),
		}.Normalized(),
	}
	if out.ID == "" {
		out.ID = providers.NewCompletionID()
	}

	for _, c := range cc.Choices {
		msg := schema.Message{
			Role:    schema.RoleAssistant,
			Content: schema.TextContent(c.Message.Content),
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: providers.RepairArguments(tc.Function.Arguments),
				},
			})
		}
		out.Choices = append(out.Choices, schema.Choice{
			Index:        int(c.Index),
			Message:      msg,
			FinishReason: finishReason(c.FinishReason, len(msg.ToolCalls) > 0),
		})
	}
	return out, nil
}

func (a *Adapter) TranslateStreamEvent(ev providers.Event, state *providers.StreamState) (*schema.StreamChunk, error) {
	chunk, err := providers.EventBody[openaiSDK.ChatCompletionChunk](a.Name(), ev)
	if err != nil {
		return nil, err
	}
	if state.ID == "" {
		state.ID = chunk.ID
	}
	if state.Model == "" {
		state.Model = chunk.Model
	}

	out := &schema.StreamChunk{}
	if u := chunk.Usage; u.PromptTokens > 0 || u.CompletionTokens > 0 {
		out.Usage = &schema.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		}
	}
	if len(chunk.Choices) == 0 {
		if out.Usage == nil {
			return nil, nil
		}
		return out, nil
	}

	c := chunk.Choices[0]
	choice := schema.StreamChoice{
		Index: int(c.Index),
		Delta: schema.Delta{Content: c.Delta.Content},
	}
	for _, tc := range c.Delta.ToolCalls {
		choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, schema.ToolCallDelta{
			Index: int(tc.Index),
			ID:    tc.ID,
			Type:  tc.Type,
			Function: schema.FunctionCallDelta{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	if c.FinishReason != "" {
		r := finishReason(c.FinishReason, false)
		choice.FinishReason = &r
	}

	if choice.Delta.Content == "" && len(choice.Delta.ToolCalls) == 0 && choice.FinishReason == nil && out.Usage == nil {
		return nil, nil
	}
	out.Choices = []schema.StreamChoice{choice}
	return out, nil
}

// TranslateError maps SDK and transport errors onto the canonical taxonomy.
func (a *Adapter) TranslateError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		e := apierr.Upstream(a.Name(), apiErr.StatusCode, apiErr.Message)
		if apiErr.Response != nil {
			e.RetryAfter = apierr.ParseRetryAfter(apiErr.Response.Header)
		}
		e.Cause = err
		return e
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return apierr.Malformed(a.Name(), err)
	}
	return apierr.FromTransport(a.Name(), err)
}

// Embed implements providers.Embedder.
func (a *Adapter) Embed(ctx context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error) {
	if !a.desc.Capabilities.Has(providers.CapEmbeddings) {
		return nil, apierr.Unsupported(a.Name(), "embeddings", "model")
	}

	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(a.desc.UpstreamModel(req.Model)),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string(req.Input),
		},
	}
	if req.Dimensions != nil {
		params.Dimensions = openaiSDK.Int(int64(*req.Dimensions))
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}

	resp, err := a.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, a.TranslateError(err)
	}

	out := &schema.EmbeddingResponse{
		Object:   "list",
		Model:    resp.Model,
		Data:     make([]schema.EmbeddingData, len(resp.Data)),
		Provider: a.Name(),
		Usage: schema.EmbeddingUsage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	for i, d := range resp.Data {
		out.Data[i] = schema.EmbeddingData{
			Object:    "embedding",
			Index:     int(d.Index),
			Embedding: d.Embedding,
		}
	}
	return out, nil
}

func finishReason(r string, hasToolCalls bool) string {
	switch r {
	case "length":
		return schema.FinishLength
	case "tool_calls", "function_call":
		return schema.FinishToolCalls
	case "content_filter":
		return schema.FinishContentFilter
	}
	if hasToolCalls {
		return schema.FinishToolCalls
	}
	return schema.FinishStop
}

func toSDKMessage(m schema.Message) openaiSDK.ChatCompletionMessageParamUnion {
	text := m.Content.PlainText()
	switch m.Role {
	case schema.RoleDeveloper:
		return openaiSDK.DeveloperMessage(text)
	case schema.RoleSystem:
		return openaiSDK.SystemMessage(text)
	case schema.RoleTool:
		return openaiSDK.ToolMessage(text, m.ToolCallID)
	case schema.RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return openaiSDK.AssistantMessage(text)
		}
		asst := openaiSDK.ChatCompletionAssistantMessageParam{}
		if text != "" {
			asst.Content.OfString = openaiSDK.String(text)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, openaiSDK.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openaiSDK.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				},
			})
		}
		return openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	default:
		return openaiSDK.UserMessage(text)
	}
}
