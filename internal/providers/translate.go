package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// RoleMap renames canonical roles for one provider. Roles not in the map
// pass through unchanged.
type RoleMap map[string]string

func (m RoleMap) Map(role string) string {
	if r, ok := m[role]; ok {
		return r
	}
	return role
}

// HoistSystem splits system and developer messages out of msgs for
// providers that take a single system field. Their text is joined with "\n"
// in order of appearance; the remaining messages keep their order.
func HoistSystem(msgs []schema.Message) (string, []schema.Message) {
	var parts []string
	rest := make([]schema.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == schema.RoleSystem || m.Role == schema.RoleDeveloper {
			parts = append(parts, m.Content.PlainText())
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n"), rest
}

// CheckCapabilities fails with UnsupportedFeature when req needs something
// d does not advertise.
func CheckCapabilities(d Descriptor, req *schema.ChatRequest) error {
	if !d.Capabilities.Has(CapChat) {
		return apierr.Unsupported(d.Name, "chat completions", "model")
	}
	if req.Stream && !d.Capabilities.Has(CapStream) {
		return apierr.Unsupported(d.Name, "streaming", "stream")
	}
	if !d.Capabilities.Has(CapTools) {
		if len(req.Tools) > 0 {
			return apierr.Unsupported(d.Name, "tools", "tools")
		}
		for i, m := range req.Messages {
			if len(m.ToolCalls) > 0 || m.Role == schema.RoleTool {
				return apierr.Unsupported(d.Name, "tools", fmt.Sprintf("messages[%d]", i))
			}
		}
	}
	return nil
}

// MaxTokens returns the caller's output limit or DefaultMaxTokens.
func MaxTokens(req *schema.ChatRequest) int {
	if n, ok := req.OutputLimit(); ok {
		return n
	}
	return DefaultMaxTokens
}

// RepairArguments returns tool-call arguments as valid JSON. Some models
// emit trailing commas or unquoted keys; those are repaired, anything that
// cannot be repaired is returned unchanged.
func RepairArguments(args string) string {
	if args == "" {
		return "{}"
	}
	if json.Valid([]byte(args)) {
		return args
	}
	fixed, err := jsonrepair.JSONRepair(args)
	if err != nil || !json.Valid([]byte(fixed)) {
		return args
	}
	return fixed
}

// ArgumentsObject decodes tool-call arguments into an object for providers
// that take structured input.
func ArgumentsObject(args string) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal([]byte(RepairArguments(args)), &out)
	return out
}

// Schema decodes a tool's JSON schema, defaulting to an empty object schema.
func Schema(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

// NewCompletionID returns an OpenAI-style completion ID.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewToolCallID returns an ID for providers that do not assign one.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func errUnexpectedBody(v any) error {
	return fmt.Errorf("unexpected payload type %T", v)
}
