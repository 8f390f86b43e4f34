// Package gemini adapts Google Gemini through the GenAI SDK. The same
// adapter serves Vertex AI when the descriptor names a project.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const defaultLocation = "us-central1"

var roles = providers.RoleMap{
	schema.RoleAssistant: string(genai.RoleModel),
	schema.RoleTool:      string(genai.RoleUser),
}

var finishReasons = map[genai.FinishReason]string{
	genai.FinishReasonStop:                  schema.FinishStop,
	genai.FinishReasonMaxTokens:             schema.FinishLength,
	genai.FinishReasonSafety:                schema.FinishContentFilter,
	genai.FinishReasonRecitation:            schema.FinishContentFilter,
	genai.FinishReasonBlocklist:             schema.FinishContentFilter,
	genai.FinishReasonProhibitedContent:     schema.FinishContentFilter,
	genai.FinishReasonSPII:                  schema.FinishContentFilter,
	genai.FinishReasonMalformedFunctionCall: schema.FinishStop,
}

type (
	request struct {
		Model    string
		Contents []*genai.Content
		Config   *genai.GenerateContentConfig
	}

	// result keeps the requested model; Gemini only reports a version.
	result struct {
		Model string
		Resp  *genai.GenerateContentResponse
	}

	Adapter struct {
		desc   providers.Descriptor
		client *genai.Client
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

// New creates a Gemini adapter. A descriptor with a Project uses the Vertex
// AI backend with Application Default Credentials; otherwise the API key is
// used against the Gemini API.
func New(ctx context.Context, desc providers.Descriptor, opts ...Option) (*Adapter, error) {
	o := options{http: &http.Client{Timeout: providers.ProviderTimeout}}
	for _, fn := range opts {
		fn(&o)
	}

	cfg := &genai.ClientConfig{HTTPClient: o.http}
	if desc.Project != "" {
		cfg.Backend = genai.BackendVertexAI
		cfg.Project = desc.Project
		cfg.Location = desc.Location
		if cfg.Location == "" {
			cfg.Location = defaultLocation
		}
	} else {
		cfg.Backend = genai.BackendGeminiAPI
		cfg.APIKey = desc.Credential.Key
	}
	if desc.BaseURL != "" {
		base, ver := splitBaseURLAndVersion(desc.BaseURL)
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: ver}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: create client: %w", desc.Name, err)
	}
	return &Adapter{desc: desc, client: client}, nil
}

func (a *Adapter) Name() string                     { return a.desc.Name }
func (a *Adapter) Descriptor() providers.Descriptor { return a.desc }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
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
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.PresencePenalty != nil {
		cfg.PresencePenalty = genai.Ptr(float32(*req.PresencePenalty))
	}
	if req.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = genai.Ptr(float32(*req.FrequencyPenalty))
	}
	if n, ok := req.OutputLimit(); ok {
		cfg.MaxOutputTokens = int32(n)
	}
	if req.Seed != nil {
		cfg.Seed = genai.Ptr(int32(*req.Seed))
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = []string(req.Stop)
	}
	if n := req.Choices(); n > 1 {
		cfg.CandidateCount = int32(n)
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Function.Name,
				Description:          t.Function.Description,
				ParametersJsonSchema: providers.Schema(t.Function.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if tc := req.ToolChoice; tc != nil {
		fc := &genai.FunctionCallingConfig{}
		switch tc.Mode {
		case schema.ToolChoiceAuto:
			fc.Mode = genai.FunctionCallingConfigModeAuto
		case schema.ToolChoiceNone:
			fc.Mode = genai.FunctionCallingConfigModeNone
		case schema.ToolChoiceRequired:
			fc.Mode = genai.FunctionCallingConfigModeAny
		case schema.ToolChoiceFunction:
			fc.Mode = genai.FunctionCallingConfigModeAny
			fc.AllowedFunctionNames = []string{tc.Function}
		}
		cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fc}
	}

	model := a.desc.UpstreamModel(req.Model)
	return &providers.Request{
		Model:  model,
		Stream: req.Stream,
		Body:   request{Model: model, Contents: toContents(rest), Config: cfg},
	}, nil
}

func (a *Adapter) Invoke(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	body, err := providers.RequestBody[request](a.Name(), req)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Models.GenerateContent(ctx, body.Model, body.Contents, body.Config)
	if err != nil {
		return nil, a.TranslateError(err)
	}
	return &providers.Response{Body: result{Model: body.Model, Resp: resp}}, nil
}

func (a *Adapter) InvokeStreaming(ctx context.Context, req *providers.Request) iter.Seq2[providers.Event, error] {
	return func(yield func(providers.Event, error) bool) {
		body, err := providers.RequestBody[request](a.Name(), req)
		if err != nil {
			yield(providers.Event{}, err)
			return
		}
		for resp, err := range a.client.Models.GenerateContentStream(ctx, body.Model, body.Contents, body.Config) {
			if err != nil {
				yield(providers.Event{}, a.TranslateError(err))
				return
			}
			if !yield(providers.Event{Type: "chunk", Body: result{Model: body.Model, Resp: resp}}, nil) {
				return
			}
		}
	}
}

func (a *Adapter) TranslateResponse(resp *providers.Response) (*schema.ChatResponse, error) {
	res, err := providers.ResponseBody[result](a.Name(), resp)
	if err != nil {
		return nil, err
	}
	if res.Resp == nil {
		return nil, apierr.Malformed(a.Name(), errors.New("empty response"))
	}

	out := &schema.ChatResponse{
		ID:       res.Resp.ResponseID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    res.Model,
		Provider: a.Name(),
		Usage:    usage(res.Resp.UsageMetadata),
	}
	if out.ID == "" {
		out.ID = providers.NewCompletionID()
	}

	if len(res.Resp.Candidates) == 0 {
		if pf := res.Resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
			out.Choices = []schema.Choice{{
				Message:      schema.Message{Role: schema.RoleAssistant},
				FinishReason: schema.FinishContentFilter,
			}}
			return out, nil
		}
		return nil, apierr.Malformed(a.Name(), errors.New("response has no candidates"))
	}

	for i, c := range res.Resp.Candidates {
		if c == nil {
			continue
		}
		text, calls := candidateParts(c)
		msg := schema.Message{Role: schema.RoleAssistant, Content: schema.TextContent(text)}
		for _, fc := range calls {
			msg.ToolCalls = append(msg.ToolCalls, toolCall(fc))
		}
		out.Choices = append(out.Choices, schema.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: finishReason(c.FinishReason, len(calls) > 0),
		})
	}
	return out, nil
}

func (a *Adapter) TranslateStreamEvent(ev providers.Event, state *providers.StreamState) (*schema.StreamChunk, error) {
	res, err := providers.EventBody[result](a.Name(), ev)
	if err != nil {
		return nil, err
	}
	if res.Resp == nil {
		return nil, nil
	}
	if state.ID == "" && res.Resp.ResponseID != "" {
		state.ID = res.Resp.ResponseID
	}
	if state.Model == "" {
		state.Model = res.Model
	}

	chunk := &schema.StreamChunk{}
	if res.Resp.UsageMetadata != nil {
		u := usage(res.Resp.UsageMetadata)
		chunk.Usage = &u
	}

	if len(res.Resp.Candidates) > 0 && res.Resp.Candidates[0] != nil {
		c := res.Resp.Candidates[0]
		text, calls := candidateParts(c)

		var sc schema.StreamChoice
		sc.Delta.Content = text
		for _, fc := range calls {
			tc := toolCall(fc)
			sc.Delta.ToolCalls = append(sc.Delta.ToolCalls, schema.ToolCallDelta{
				Index: state.NextToolIndex(),
				ID:    tc.ID,
				Type:  tc.Type,
				Function: schema.FunctionCallDelta{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if c.FinishReason != "" && c.FinishReason != genai.FinishReasonUnspecified {
			r := finishReason(c.FinishReason, state.HasToolCalls())
			sc.FinishReason = &r
		}
		if text != "" || len(sc.Delta.ToolCalls) > 0 || sc.FinishReason != nil {
			chunk.Choices = []schema.StreamChoice{sc}
		}
	}

	if chunk.Choices == nil && chunk.Usage == nil {
		return nil, nil
	}
	return chunk, nil
}

func (a *Adapter) TranslateError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return upstream(a.Name(), apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return upstream(a.Name(), *apiErrPtr, err)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apierr.Malformed(a.Name(), err)
	}
	return apierr.FromTransport(a.Name(), err)
}

// Embed sends all inputs in one EmbedContent batch.
func (a *Adapter) Embed(ctx context.Context, req *schema.EmbeddingRequest) (*schema.EmbeddingResponse, error) {
	if !a.desc.Capabilities.Has(providers.CapEmbeddings) {
		return nil, apierr.Unsupported(a.Name(), "embeddings", "model")
	}

	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	var cfg *genai.EmbedContentConfig
	if req.Dimensions != nil {
		cfg = &genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(int32(*req.Dimensions))}
	}

	model := a.desc.UpstreamModel(req.Model)
	resp, err := a.client.Models.EmbedContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, a.TranslateError(err)
	}
	if resp == nil || len(resp.Embeddings) != len(req.Input) {
		return nil, apierr.Malformed(a.Name(), errors.New("embedding count does not match input"))
	}

	out := &schema.EmbeddingResponse{Object: "list", Model: req.Model, Provider: a.Name()}
	for i, emb := range resp.Embeddings {
		d := schema.EmbeddingData{Object: "embedding", Index: i}
		if emb != nil {
			d.Embedding = make([]float64, len(emb.Values))
			for j, v := range emb.Values {
				d.Embedding[j] = float64(v)
			}
		}
		out.Data = append(out.Data, d)
	}
	return out, nil
}

func upstream(provider string, apiErr genai.APIError, cause error) *apierr.Error {
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Status
	}
	e := apierr.Upstream(provider, apiErr.Code, msg)
	e.Cause = cause
	return e
}

func usage(m *genai.GenerateContentResponseUsageMetadata) schema.Usage {
	if m == nil {
		return schema.Usage{}
	}
	return schema.Usage{
		PromptTokens:     int(m.PromptTokenCount),
		CompletionTokens: int(m.CandidatesTokenCount),
		TotalTokens:      int(m.TotalTokenCount),
	}.Normalized()
}

func finishReason(r genai.FinishReason, hasTools bool) string {
	if hasTools {
		return schema.FinishToolCalls
	}
	if f, ok := finishReasons[r]; ok {
		return f
	}
	return schema.FinishStop
}

func candidateParts(c *genai.Candidate) (string, []*genai.FunctionCall) {
	if c.Content == nil {
		return "", nil
	}
	var (
		sb    strings.Builder
		calls []*genai.FunctionCall
	)
	for _, p := range c.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return sb.String(), calls
}

func toolCall(fc *genai.FunctionCall) schema.ToolCall {
	id := fc.ID
	if id == "" {
		id = providers.NewToolCallID()
	}
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	return schema.ToolCall{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: fc.Name, Arguments: string(args)},
	}
}

// toContents maps canonical messages onto Gemini turns. Tool results need
// the function name, which is recovered from the assistant call that
// produced the tool_call_id. Adjacent messages of the same role share one
// turn, so parallel tool results answer their calls together.
func toContents(msgs []schema.Message) []*genai.Content {
	names := map[string]string{}
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := roles.Map(m.Role)
		if role != string(genai.RoleModel) {
			role = string(genai.RoleUser)
		}

		var parts []*genai.Part
		switch {
		case m.Role == schema.RoleTool:
			name := m.Name
			if name == "" {
				name = names[m.ToolCallID]
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     name,
				Response: toolResult(m.Content.PlainText()),
			}})

		case len(m.ToolCalls) > 0:
			if text := m.Content.PlainText(); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Function.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: providers.ArgumentsObject(tc.Function.Arguments),
				}})
			}

		default:
			parts = append(parts, &genai.Part{Text: m.Content.PlainText()})
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

// toolResult wraps a tool's output as the object Gemini expects. JSON
// objects pass through; anything else goes under "output".
func toolResult(text string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"output": text}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}
