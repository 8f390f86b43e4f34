// Package azure implements the adapter for Azure OpenAI.
// Azure OpenAI uses deployment-based URLs and the "api-key" header instead of
// the standard "Authorization: Bearer" scheme.
//
// Model routing: descriptor deployments map model prefixes to deployment
// names. Without a match, the "azure-" prefix is stripped, so "azure-gpt-4o"
// goes to deployment "gpt-4o".
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// DefaultAPIVersion is used when the descriptor does not pin one.
const DefaultAPIVersion = "2024-10-21"

// Older API versions reject the developer role.
var roles = providers.RoleMap{
	schema.RoleDeveloper: schema.RoleSystem,
}

type chatRequest struct {
	Messages         []schema.Message   `json:"messages"`
	Stream           bool               `json:"stream,omitempty"`
	StreamOptions    *streamOptions     `json:"stream_options,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	N                *int               `json:"n,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	Seed             *int64             `json:"seed,omitempty"`
	Tools            []schema.Tool      `json:"tools,omitempty"`
	ToolChoice       *schema.ToolChoice `json:"tool_choice,omitempty"`
	User             string             `json:"user,omitempty"`

	deployment string
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Index        int             `json:"index"`
	Message      *schema.Message `json:"message,omitempty"`
	Delta        *delta          `json:"delta,omitempty"`
	FinishReason *string         `json:"finish_reason"`
}

type delta struct {
	Content   string                 `json:"content"`
	ToolCalls []schema.ToolCallDelta `json:"tool_calls"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usage) canonical() schema.Usage {
	if u == nil {
		return schema.Usage{}
	}
	return schema.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}.Normalized()
}

// Adapter talks to one Azure OpenAI resource.
type Adapter struct {
	desc       providers.Descriptor
	endpoint   string // e.g. "https://myresource.openai.azure.com"
	apiVersion string
	client     *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an Azure OpenAI adapter. desc.BaseURL is the resource
// endpoint.
func New(desc providers.Descriptor, opts ...Option) *Adapter {
	a := &Adapter{
		desc:       desc,
		endpoint:   strings.TrimRight(desc.BaseURL, "/"),
		apiVersion: desc.APIVersion,
		client:     &http.Client{Timeout: providers.ProviderTimeout},
	}
	if a.apiVersion == "" {
		a.apiVersion = DefaultAPIVersion
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string                     { return a.desc.Name }
func (a *Adapter) Descriptor() providers.Descriptor { return a.desc }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	u := fmt.Sprintf("%s/openai/models?api-version=%s", a.endpoint, url.QueryEscape(a.apiVersion))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.Name(), err)
	}
	req.Header.Set("api-key", a.desc.Credential.Key)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.Name(), a.TranslateError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: health check: %w", a.Name(), providers.ErrorFromResponse(a.Name(), resp))
	}
	return nil
}

func (a *Adapter) TranslateRequest(req *schema.ChatRequest) (*providers.Request, error) {
	if err := providers.CheckCapabilities(a.desc, req); err != nil {
		return nil, err
	}

	msgs := make([]schema.Message, len(req.Messages))
	for i, m := range req.Messages {
		m.Role = roles.Map(m.Role)
		msgs[i] = m
	}

	cr := chatRequest{
		Messages:         msgs,
		Stream:           req.Stream,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		N:                req.N,
		Stop:             []string(req.Stop),
		Seed:             req.Seed,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		User:             req.User,
		deployment:       a.desc.UpstreamModel(req.Model),
	}
	if n, ok := req.OutputLimit(); ok {
		cr.MaxTokens = &n
	}
	if req.Stream {
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	return &providers.Request{Model: cr.deployment, Stream: req.Stream, Body: cr}, nil
}

func (a *Adapter) Invoke(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	cr, err := providers.RequestBody[chatRequest](a.Name(), req)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, a.deploymentURL(cr.deployment, "chat/completions"), cr, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierr.Malformed(a.Name(), err)
	}
	return &providers.Response{Body: &out}, nil
}

func (a *Adapter) InvokeStreaming(ctx context.Context, req *providers.Request) iter.Seq2[providers.Event, error] {
	return func(yield func(providers.Event, error) bool) {
		cr, err := providers.RequestBody[chatRequest](a.Name(), req)
		if err != nil {
			yield(providers.Event{}, err)
			return
		}
		resp, err := a.post(ctx, a.deploymentURL(cr.deployment, "chat/completions"), cr, true)
		if err != nil {
			yield(providers.Event{}, err)
			return
		}

		dec := ssestream.NewDecoder(resp)
		defer dec.Close()

		for dec.Next() {
			data := bytes.TrimSpace(dec.Event().Data)
			if len(data) == 0 {
				continue
			}
			if string(data) == "[DONE]" {
				yield(providers.Event{Type: "done"}, nil)
				return
			}
			if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
				yield(providers.Event{}, apierr.Upstream(a.Name(), 0, msg.String()))
				return
			}

			var chunk chatResponse
			if err := json.Unmarshal(data, &chunk); err != nil {
				yield(providers.Event{}, apierr.Malformed(a.Name(), err))
				return
			}
			if !yield(providers.Event{Type: "chunk", Body: &chunk}, nil) {
				return
			}
		}
		if err := dec.Err(); err != nil {
			yield(providers.Event{}, a.TranslateError(err))
		}
	}
}

func (a *Adapter) TranslateResponse(resp *providers.Response) (*schema.ChatResponse, error) {
	cr, err := providers.ResponseBody[*chatResponse](a.Name(), resp)
	if err != nil {
		return nil, err
	}
	if len(cr.Choices) == 0 {
		return nil, apierr.Malformed(a.Name(), errors.New("response has no choices"))
	}

	out := &schema.ChatResponse{
		ID:       cr.ID,
		Object:   "chat.completion",
		Created:  cr.Created,
		Model:    cr.Model,
		Usage:    cr.Usage.canonical(),
		Provider: a.Name(),
	}
	if out.ID == "" {
		out.ID = providers.NewCompletionID()
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}

	for _, c := range cr.Choices {
		msg := schema.Message{Role: schema.RoleAssistant}
		if c.Message != nil {
			msg.Content = c.Message.Content
			msg.ToolCalls = c.Message.ToolCalls
			for i := range msg.ToolCalls {
				msg.ToolCalls[i].Function.Arguments = providers.RepairArguments(msg.ToolCalls[i].Function.Arguments)
			}
		}
		out.Choices = append(out.Choices, schema.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: finishReason(c.FinishReason, len(msg.ToolCalls) > 0),
		})
	}
	return out, nil
}

func (a *Adapter) TranslateStreamEvent(ev providers.Event, state *providers.StreamState) (*schema.StreamChunk, error) {
	if ev.Type == "done" {
		state.Done = true
		return nil, nil
	}
	cr, err := providers.EventBody[*chatResponse](a.Name(), ev)
	if err != nil {
		return nil, err
	}
	if state.ID == "" {
		state.ID = cr.ID
	}
	if state.Model == "" {
		state.Model = cr.Model
	}

	out := &schema.StreamChunk{}
	if cr.Usage != nil {
		u := cr.Usage.canonical()
		out.Usage = &u
	}
	// The first Azure chunk only carries prompt filter results.
	if len(cr.Choices) == 0 || (cr.Choices[0].Delta == nil && cr.Choices[0].FinishReason == nil) {
		if out.Usage == nil {
			return nil, nil
		}
		return out, nil
	}

	c := cr.Choices[0]
	sc := schema.StreamChoice{Index: c.Index}
	if c.Delta != nil {
		sc.Delta.Content = c.Delta.Content
		sc.Delta.ToolCalls = c.Delta.ToolCalls
	}
	if c.FinishReason != nil && *c.FinishReason != "" {
		r := finishReason(c.FinishReason, false)
		sc.FinishReason = &r
	}
	if sc.Delta.Content == "" && len(sc.Delta.ToolCalls) == 0 && sc.FinishReason == nil && out.Usage == nil {
		return nil, nil
	}
	out.Choices = []schema.StreamChoice{sc}
	return out, nil
}

func (a *Adapter) TranslateError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apierr.Malformed(a.Name(), err)
	}
	return apierr.FromTransport(a.Name(), err)
}

type embeddingRequest struct {
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
	User       string   `json:"user,omitempty"`
}

// Embed implements providers.Embedder.
func (a *Adapter) Embed(ctx context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error) {
	if !a.desc.Capabilities.Has(providers.CapEmbeddings) {
		return nil, apierr.Unsupported(a.Name(), "embeddings", "model")
	}

	deployment := a.desc.UpstreamModel(req.Model)
	resp, err := a.post(ctx, a.deploymentURL(deployment, "embeddings"), embeddingRequest{
		Input:      []string(req.Input),
		Dimensions: req.Dimensions,
		User:       req.User,
	}, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.TranslateError(err)
	}
	if !gjson.ValidBytes(body) {
		return nil, apierr.Malformed(a.Name(), errors.New("invalid embeddings body"))
	}

	root := gjson.ParseBytes(body)
	out := &schema.EmbeddingResponse{
		Object:   "list",
		Model:    root.Get("model").String(),
		Provider: a.Name(),
		Usage: schema.EmbeddingUsage{
			PromptTokens: int(root.Get("usage.prompt_tokens").Int()),
			TotalTokens:  int(root.Get("usage.total_tokens").Int()),
		},
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	root.Get("data").ForEach(func(_, item gjson.Result) bool {
		d := schema.EmbeddingData{Object: "embedding", Index: int(item.Get("index").Int())}
		for _, v := range item.Get("embedding").Array() {
			d.Embedding = append(d.Embedding, v.Float())
		}
		out.Data = append(out.Data, d)
		return true
	})
	if len(out.Data) != len(req.Input) {
		return nil, apierr.Malformed(a.Name(), errors.New("embedding count does not match input"))
	}
	return out, nil
}

func (a *Adapter) deploymentURL(deployment, op string) string {
	return fmt.Sprintf(
		"%s/openai/deployments/%s/%s?api-version=%s",
		a.endpoint, url.PathEscape(deployment), op, url.QueryEscape(a.apiVersion),
	)
}

// post sends body and returns the response on 200. Any other status is
// translated and the body closed.
func (a *Adapter) post(ctx context.Context, u string, body any, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "%s: marshal request: %v", a.Name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "%s: %v", a.Name(), err)
	}
	httpReq.Header.Set("api-key", a.desc.Credential.Key)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.TranslateError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providers.ErrorFromResponse(a.Name(), resp)
	}
	return resp, nil
}

func finishReason(r *string, hasToolCalls bool) string {
	if hasToolCalls {
		return schema.FinishToolCalls
	}
	if r == nil {
		return schema.FinishStop
	}
	switch *r {
	case "length":
		return schema.FinishLength
	case "tool_calls", "function_call":
		return schema.FinishToolCalls
	case "content_filter":
		return schema.FinishContentFilter
	}
	return schema.FinishStop
}
