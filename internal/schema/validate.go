package schema

import (
	"strconv"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Model value that asks the gateway to pick a chain from the route hint.
const ModelAuto = "auto"

const maxChoices = 128

// Validate checks the request invariants. It returns a *apierr.Error of kind
// KindValidation naming the offending parameter.
func Validate(r *ChatRequest) error {
	if r == nil {
		return apierr.Validation("", "request body is required")
	}
	if r.Model == "" && r.Route == "" {
		return apierr.Validation("model", "model is required")
	}
	if len(r.Messages) == 0 {
		return apierr.Validation("messages", "messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleDeveloper, RoleUser, RoleAssistant:
		case RoleTool:
			if m.ToolCallID == "" {
				return apierr.Validation(param("messages", i, "tool_call_id"), "tool messages require tool_call_id")
			}
		default:
			return apierr.Validation(param("messages", i, "role"), "unknown role %q", m.Role)
		}
	}

	if err := inRange("temperature", r.Temperature, 0, 2); err != nil {
		return err
	}
	if err := inRange("top_p", r.TopP, 0, 1); err != nil {
		return err
	}
	if err := inRange("presence_penalty", r.PresencePenalty, -2, 2); err != nil {
		return err
	}
	if err := inRange("frequency_penalty", r.FrequencyPenalty, -2, 2); err != nil {
		return err
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return apierr.Validation("max_tokens", "max_tokens must be at least 1")
	}
	if r.MaxCompletionTokens != nil && *r.MaxCompletionTokens < 1 {
		return apierr.Validation("max_completion_tokens", "max_completion_tokens must be at least 1")
	}
	if n := r.Choices(); n < 1 || n > maxChoices {
		return apierr.Validation("n", "n must be between 1 and %d", maxChoices)
	}
	if r.Stream && r.Choices() != 1 {
		return apierr.Validation("n", "n must be 1 when stream is true")
	}

	names := make(map[string]struct{}, len(r.Tools))
	for i, t := range r.Tools {
		if t.Type != "" && t.Type != "function" {
			return apierr.Validation(param("tools", i, "type"), "unsupported tool type %q", t.Type)
		}
		if t.Function.Name == "" {
			return apierr.Validation(param("tools", i, "function.name"), "tool name is required")
		}
		if _, dup := names[t.Function.Name]; dup {
			return apierr.Validation(param("tools", i, "function.name"), "duplicate tool %q", t.Function.Name)
		}
		names[t.Function.Name] = struct{}{}
	}
	if tc := r.ToolChoice; tc != nil {
		switch tc.Mode {
		case ToolChoiceAuto, ToolChoiceNone:
		case ToolChoiceRequired:
			if len(r.Tools) == 0 {
				return apierr.Validation("tool_choice", "tool_choice requires tools")
			}
		case ToolChoiceFunction:
			if _, ok := names[tc.Function]; !ok {
				return apierr.Validation("tool_choice", "tool_choice names undeclared tool %q", tc.Function)
			}
		default:
			return apierr.Validation("tool_choice", "unknown tool_choice %q", tc.Mode)
		}
	}
	return nil
}

// ValidateEmbedding checks an embeddings request.
func ValidateEmbedding(r *EmbeddingRequest) error {
	if r == nil {
		return apierr.Validation("", "request body is required")
	}
	if r.Model == "" {
		return apierr.Validation("model", "model is required")
	}
	if len(r.Input) == 0 {
		return apierr.Validation("input", "input must not be empty")
	}
	for i, s := range r.Input {
		if s == "" {
			return apierr.Validation(param("input", i, ""), "input must not contain empty strings")
		}
	}
	if r.Dimensions != nil && *r.Dimensions < 1 {
		return apierr.Validation("dimensions", "dimensions must be at least 1")
	}
	return nil
}

func inRange(name string, v *float64, lo, hi float64) error {
	if v == nil {
		return nil
	}
	if *v < lo || *v > hi {
		return apierr.Validation(name, "%s must be between %g and %g", name, lo, hi)
	}
	return nil
}

func param(field string, i int, sub string) string {
	p := field + "[" + strconv.Itoa(i) + "]"
	if sub != "" {
		p += "." + sub
	}
	return p
}
