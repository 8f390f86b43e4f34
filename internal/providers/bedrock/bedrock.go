// Package bedrock implements the adapter for AWS Bedrock.
// It uses the Bedrock Converse API with AWS SigV4 request signing; streamed
// responses arrive as AWS event-stream frames.
package bedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const (
	signingName   = "bedrock"
	defaultRegion = "us-east-1"
)

// Converse only knows user and assistant; tool results are user turns.
var roles = providers.RoleMap{
	schema.RoleTool: schema.RoleUser,
}

var stopReasons = map[string]string{
	"end_turn":             schema.FinishStop,
	"stop_sequence":        schema.FinishStop,
	"max_tokens":           schema.FinishLength,
	"tool_use":             schema.FinishToolCalls,
	"guardrail_intervened": schema.FinishContentFilter,
	"content_filtered":     schema.FinishContentFilter,
}

// Stream exceptions carry no HTTP status; these stand in for one.
var exceptionStatus = map[string]int{
	"throttlingException":         http.StatusTooManyRequests,
	"validationException":         http.StatusBadRequest,
	"accessDeniedException":       http.StatusForbidden,
	"modelTimeoutException":       http.StatusRequestTimeout,
	"serviceUnavailableException": http.StatusServiceUnavailable,
	"internalServerException":     http.StatusInternalServerError,
	"modelStreamErrorException":   http.StatusBadGateway,
}

// ─── Converse API types ───────────────────────────────────────────────────────

type converseRequest struct {
	Messages        []converseMessage `json:"messages"`
	System          []textBlock       `json:"system,omitempty"`
	InferenceConfig *inferenceConfig  `json:"inferenceConfig,omitempty"`
	ToolConfig      *toolConfig       `json:"toolConfig,omitempty"`

	modelID string
	n       int
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Text       *string     `json:"text,omitempty"`
	ToolUse    *toolUse    `json:"toolUse,omitempty"`
	ToolResult *toolResult `json:"toolResult,omitempty"`
}

type textBlock struct {
	Text string `json:"text"`
}

type toolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type toolResult struct {
	ToolUseID string      `json:"toolUseId"`
	Content   []textBlock `json:"content"`
}

type inferenceConfig struct {
	MaxTokens     int      `json:"maxTokens"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type toolConfig struct {
	Tools      []toolEntry     `json:"tools"`
	ToolChoice json.RawMessage `json:"toolChoice,omitempty"`
}

type toolEntry struct {
	ToolSpec toolSpec `json:"toolSpec"`
}

type toolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

type converseResponse struct {
	Output struct {
		Message converseMessage `json:"message"`
	} `json:"output"`
	StopReason string        `json:"stopReason"`
	Usage      converseUsage `json:"usage"`
}

type converseUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// event is one decoded event-stream frame.
type event struct {
	Type    string
	Payload []byte
}

// result is the fan-out of one non-streaming request.
type result struct {
	Model     string
	Responses []*converseResponse
}

// Adapter implements the Converse API for one AWS region.
type Adapter struct {
	desc        providers.Descriptor
	region      string
	endpointURL string // optional override for the runtime endpoint (testing)
	creds       aws.CredentialsProvider
	signer      *v4.Signer
	client      *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a Bedrock adapter. The credential carries the access key in
// Key, the secret in Secret and an optional session token in Token.
// desc.BaseURL overrides the regional endpoint.
func New(desc providers.Descriptor, opts ...Option) *Adapter {
	a := &Adapter{
		desc:        desc,
		region:      desc.Region,
		endpointURL: strings.TrimRight(desc.BaseURL, "/"),
		creds: credentials.NewStaticCredentialsProvider(
			desc.Credential.Key, desc.Credential.Secret, desc.Credential.Token,
		),
		signer: v4.NewSigner(),
		client: &http.Client{Timeout: providers.ProviderTimeout},
	}
	if a.region == "" {
		a.region = defaultRegion
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string                     { return a.desc.Name }
func (a *Adapter) Descriptor() providers.Descriptor { return a.desc }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	endpoint := a.baseEndpoint("bedrock") + "/foundation-models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.Name(), err)
	}
	if err := a.sign(ctx, req, nil); err != nil {
		return fmt.Errorf("%s: health check sign: %w", a.Name(), err)
	}

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

// ─── Request building ─────────────────────────────────────────────────────────

func (a *Adapter) TranslateRequest(req *schema.ChatRequest) (*providers.Request, error) {
	if err := providers.CheckCapabilities(a.desc, req); err != nil {
		return nil, err
	}

	system, rest := providers.HoistSystem(req.Messages)
	cr := converseRequest{
		Messages: make([]converseMessage, 0, len(rest)),
		InferenceConfig: &inferenceConfig{
			MaxTokens:     providers.MaxTokens(req),
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: []string(req.Stop),
		},
		modelID: a.desc.UpstreamModel(req.Model),
		n:       req.Choices(),
	}
	if system != "" {
		cr.System = []textBlock{{Text: system}}
	}
	// Converse requires alternating roles: adjacent messages of one role,
	// such as parallel tool results, are folded into a single turn.
	for _, m := range rest {
		msg := toConverseMessage(m)
		if n := len(cr.Messages); n > 0 && cr.Messages[n-1].Role == msg.Role {
			cr.Messages[n-1].Content = append(cr.Messages[n-1].Content, msg.Content...)
			continue
		}
		cr.Messages = append(cr.Messages, msg)
	}

	if len(req.Tools) > 0 {
		tc := &toolConfig{}
		for _, t := range req.Tools {
			tc.Tools = append(tc.Tools, toolEntry{ToolSpec: toolSpec{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				InputSchema: map[string]any{"json": providers.Schema(t.Function.Parameters)},
			}})
		}
		if choice := req.ToolChoice; choice != nil {
			switch choice.Mode {
			case schema.ToolChoiceAuto:
				tc.ToolChoice = json.RawMessage(`{"auto":{}}`)
			case schema.ToolChoiceRequired:
				tc.ToolChoice = json.RawMessage(`{"any":{}}`)
			case schema.ToolChoiceFunction:
				name, _ := json.Marshal(choice.Function)
				tc.ToolChoice = json.RawMessage(`{"tool":{"name":` + string(name) + `}}`)
			case schema.ToolChoiceNone:
				// Converse has no "none". Leaving the tools out has the same
				// effect, but only while no tool blocks are in the history.
				if !hasToolHistory(rest) {
					tc = nil
				}
			}
		}
		cr.ToolConfig = tc
	}

	return &providers.Request{Model: cr.modelID, Stream: req.Stream, Body: cr}, nil
}

func hasToolHistory(msgs []schema.Message) bool {
	for _, m := range msgs {
		if m.Role == schema.RoleTool || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

func toConverseMessage(m schema.Message) converseMessage {
	role := roles.Map(m.Role)
	if role != schema.RoleAssistant {
		role = schema.RoleUser
	}
	text := m.Content.PlainText()

	var blocks []contentBlock
	if m.Role == schema.RoleTool {
		blocks = append(blocks, contentBlock{ToolResult: &toolResult{
			ToolUseID: m.ToolCallID,
			Content:   []textBlock{{Text: text}},
		}})
		return converseMessage{Role: role, Content: blocks}
	}

	if text != "" || len(m.ToolCalls) == 0 {
		blocks = append(blocks, contentBlock{Text: &text})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, contentBlock{ToolUse: &toolUse{
			ToolUseID: tc.ID,
			Name:      tc.Function.Name,
			Input:     json.RawMessage(providers.RepairArguments(tc.Function.Arguments)),
		}})
	}
	return converseMessage{Role: role, Content: blocks}
}

// ─── Non-streaming ────────────────────────────────────────────────────────────

func (a *Adapter) Invoke(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	cr, err := providers.RequestBody[converseRequest](a.Name(), req)
	if err != nil {
		return nil, err
	}

	// Converse has no n parameter.
	resps, err := providers.FanOut(ctx, cr.n, func(ctx context.Context) (*converseResponse, error) {
		resp, err := a.post(ctx, a.runtimeEndpoint(cr.modelID, "converse"), cr)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var out converseResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, apierr.Malformed(a.Name(), err)
		}
		return &out, nil
	})
	if err != nil {
		return nil, a.TranslateError(err)
	}
	return &providers.Response{Body: result{Model: cr.modelID, Responses: resps}}, nil
}

func (a *Adapter) TranslateResponse(resp *providers.Response) (*schema.ChatResponse, error) {
	res, err := providers.ResponseBody[result](a.Name(), resp)
	if err != nil {
		return nil, err
	}
	if len(res.Responses) == 0 {
		return nil, apierr.Malformed(a.Name(), errors.New("empty response"))
	}

	out := &schema.ChatResponse{
		ID:       providers.NewCompletionID(),
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    res.Model,
		Provider: a.Name(),
	}
	for i, cr := range res.Responses {
		var text strings.Builder
		msg := schema.Message{Role: schema.RoleAssistant}
		for _, b := range cr.Output.Message.Content {
			if b.Text != nil {
				text.WriteString(*b.Text)
			}
			if b.ToolUse != nil {
				msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
					ID:   b.ToolUse.ToolUseID,
					Type: "function",
					Function: schema.FunctionCall{
						Name:      b.ToolUse.Name,
						Arguments: providers.RepairArguments(string(b.ToolUse.Input)),
					},
				})
			}
		}
		msg.Content = schema.TextContent(text.String())
		out.Choices = append(out.Choices, schema.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: finishReason(cr.StopReason),
		})
		out.Usage.PromptTokens += cr.Usage.InputTokens
		out.Usage.CompletionTokens += cr.Usage.OutputTokens
	}
	out.Usage = out.Usage.Normalized()
	return out, nil
}

// ─── Streaming ────────────────────────────────────────────────────────────────

func (a *Adapter) InvokeStreaming(ctx context.Context, req *providers.Request) iter.Seq2[providers.Event, error] {
	return func(yield func(providers.Event, error) bool) {
		cr, err := providers.RequestBody[converseRequest](a.Name(), req)
		if err != nil {
			yield(providers.Event{}, err)
			return
		}
		resp, err := a.post(ctx, a.runtimeEndpoint(cr.modelID, "converse-stream"), cr)
		if err != nil {
			yield(providers.Event{}, err)
			return
		}
		defer resp.Body.Close()

		dec := eventstream.NewDecoder()
		for {
			msg, err := dec.Decode(resp.Body, nil)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(providers.Event{}, a.TranslateError(err))
				return
			}

			switch headerString(msg.Headers, ":message-type") {
			case "exception":
				yield(providers.Event{}, a.exception(headerString(msg.Headers, ":exception-type"), msg.Payload))
				return
			case "error":
				yield(providers.Event{}, a.exception(headerString(msg.Headers, ":error-code"), msg.Payload))
				return
			}

			ev := event{Type: headerString(msg.Headers, ":event-type"), Payload: msg.Payload}
			if !yield(providers.Event{Type: ev.Type, Body: ev}, nil) {
				return
			}
		}
	}
}

func (a *Adapter) TranslateStreamEvent(pev providers.Event, state *providers.StreamState) (*schema.StreamChunk, error) {
	ev, err := providers.EventBody[event](a.Name(), pev)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(ev.Payload) {
		return nil, apierr.Malformed(a.Name(), fmt.Errorf("invalid %s payload", ev.Type))
	}
	p := gjson.ParseBytes(ev.Payload)

	switch ev.Type {
	case "messageStart":
		return nil, nil

	case "contentBlockStart":
		start := p.Get("start.toolUse")
		if !start.Exists() {
			return nil, nil
		}
		return toolChunk(schema.ToolCallDelta{
			Index:    state.ToolIndex(int(p.Get("contentBlockIndex").Int())),
			ID:       start.Get("toolUseId").String(),
			Type:     "function",
			Function: schema.FunctionCallDelta{Name: start.Get("name").String()},
		}), nil

	case "contentBlockDelta":
		if text := p.Get("delta.text"); text.Exists() {
			if text.String() == "" {
				return nil, nil
			}
			return schema.ContentChunk(text.String()), nil
		}
		block := int(p.Get("contentBlockIndex").Int())
		if input := p.Get("delta.toolUse.input"); input.Exists() && state.IsToolBlock(block) {
			return toolChunk(schema.ToolCallDelta{
				Index:    state.ToolIndex(block),
				Function: schema.FunctionCallDelta{Arguments: input.String()},
			}), nil
		}
		return nil, nil

	case "messageStop":
		return schema.FinishChunk(finishReason(p.Get("stopReason").String())), nil

	case "metadata":
		u := p.Get("usage")
		if !u.Exists() {
			return nil, nil
		}
		usage := schema.Usage{
			PromptTokens:     int(u.Get("inputTokens").Int()),
			CompletionTokens: int(u.Get("outputTokens").Int()),
			TotalTokens:      int(u.Get("totalTokens").Int()),
		}.Normalized()
		return &schema.StreamChunk{Usage: &usage}, nil
	}
	return nil, nil
}

func (a *Adapter) TranslateError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apierr.Malformed(a.Name(), err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return apierr.Malformed(a.Name(), err)
	}
	return apierr.FromTransport(a.Name(), err)
}

func (a *Adapter) exception(kind string, payload []byte) *apierr.Error {
	status, ok := exceptionStatus[kind]
	if !ok {
		status = http.StatusBadGateway
	}
	msg := providers.ErrorMessage(payload)
	if msg == "" {
		msg = kind
	}
	return apierr.Upstream(a.Name(), status, msg)
}

func finishReason(r string) string {
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

func headerString(h eventstream.Headers, name string) string {
	v := h.Get(name)
	if v == nil {
		return ""
	}
	return v.String()
}

// ─── Transport ────────────────────────────────────────────────────────────────

// baseEndpoint returns the root URL for a given Bedrock sub-service.
// When endpointURL is set (e.g. for testing), it is used for all services.
func (a *Adapter) baseEndpoint(subservice string) string {
	if a.endpointURL != "" {
		return a.endpointURL
	}
	return fmt.Sprintf("https://%s.%s.amazonaws.com", subservice, a.region)
}

func (a *Adapter) runtimeEndpoint(modelID, op string) string {
	return fmt.Sprintf("%s/model/%s/%s", a.baseEndpoint("bedrock-runtime"), url.PathEscape(modelID), op)
}

func (a *Adapter) post(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "%s: marshal: %v", a.Name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "%s: %v", a.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := a.sign(ctx, httpReq, payload); err != nil {
		return nil, apierr.New(apierr.KindInternal, "%s: sign: %v", a.Name(), err)
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

func (a *Adapter) sign(ctx context.Context, req *http.Request, payload []byte) error {
	creds, err := a.creds.Retrieve(ctx)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(payload)
	return a.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), signingName, a.region, time.Now())
}
