package registry

import (
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/azure"
	"github.com/nulpointcorp/inference-gateway/internal/providers/openaicompat"
)

// Route sends models to a provider. Exact routes match the whole model name;
// prefix routes match its beginning.
type Route struct {
	Match    string `yaml:"match"`
	Prefix   bool   `yaml:"prefix"`
	Provider string `yaml:"provider"`
}

// ModelEntry is one row of the static model list. Every entry is also an
// exact route.
type ModelEntry struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	OwnedBy  string `yaml:"owned_by"`
}

var (
	chatCaps  = providers.CapChat | providers.CapStream | providers.CapTools
	embedCaps = chatCaps | providers.CapEmbeddings
)

// DefaultDescriptors returns the built-in providers. All are optional until
// configuration declares them; credentials are filled in from Credential.Ref.
func DefaultDescriptors() []providers.Descriptor {
	return []providers.Descriptor{
		{Name: "openai", Kind: providers.KindOpenAI, Credential: providers.Credential{Ref: "OPENAI_API_KEY"}, Capabilities: embedCaps, OwnedBy: "openai", Optional: true},
		{Name: "anthropic", Kind: providers.KindAnthropic, Credential: providers.Credential{Ref: "ANTHROPIC_API_KEY"}, Capabilities: chatCaps, OwnedBy: "anthropic", Optional: true},
		{Name: "gemini", Kind: providers.KindGemini, Credential: providers.Credential{Ref: "GOOGLE_API_KEY"}, Capabilities: embedCaps, OwnedBy: "google", Optional: true},
		{Name: "azure", Kind: providers.KindAzure, Credential: providers.Credential{Ref: "AZURE_OPENAI_API_KEY"}, Capabilities: embedCaps, APIVersion: azure.DefaultAPIVersion, OwnedBy: "azure-openai", Optional: true},
		{Name: "bedrock", Kind: providers.KindBedrock, Credential: providers.Credential{Ref: "AWS_ACCESS_KEY_ID"}, Capabilities: providers.CapChat | providers.CapStream, Region: "us-east-1", OwnedBy: "aws-bedrock", Optional: true},
		{Name: "xai", Kind: providers.KindOpenAICompat, BaseURL: openaicompat.XAIBaseURL, Credential: providers.Credential{Ref: "XAI_API_KEY"}, Capabilities: chatCaps, OwnedBy: "xai", Optional: true},

		// OpenAI-compatible extras.
		{Name: "mistral", Kind: providers.KindOpenAICompat, BaseURL: openaicompat.KnownBaseURLs["mistral"], Credential: providers.Credential{Ref: "MISTRAL_API_KEY"}, Capabilities: embedCaps, OwnedBy: "mistralai", Optional: true},
		{Name: "deepseek", Kind: providers.KindOpenAICompat, BaseURL: openaicompat.KnownBaseURLs["deepseek"], Credential: providers.Credential{Ref: "DEEPSEEK_API_KEY"}, Capabilities: chatCaps, OwnedBy: "deepseek", Optional: true},
		{Name: "groq", Kind: providers.KindOpenAICompat, BaseURL: openaicompat.KnownBaseURLs["groq"], Credential: providers.Credential{Ref: "GROQ_API_KEY"}, Capabilities: chatCaps, OwnedBy: "groq", Optional: true},
		{Name: "together", Kind: providers.KindOpenAICompat, BaseURL: openaicompat.KnownBaseURLs["together"], Credential: providers.Credential{Ref: "TOGETHER_API_KEY"}, Capabilities: chatCaps, OwnedBy: "together", Optional: true},
		{Name: "perplexity", Kind: providers.KindOpenAICompat, BaseURL: openaicompat.KnownBaseURLs["perplexity"], Credential: providers.Credential{Ref: "PERPLEXITY_API_KEY"}, Capabilities: providers.CapChat | providers.CapStream, OwnedBy: "perplexity", Optional: true},
		{Name: "cerebras", Kind: providers.KindOpenAICompat, BaseURL: openaicompat.KnownBaseURLs["cerebras"], Credential: providers.Credential{Ref: "CEREBRAS_API_KEY"}, Capabilities: chatCaps, OwnedBy: "cerebras", Optional: true},
	}
}

// DefaultRoutes is the prefix table. Declaration order breaks ties between
// prefixes of equal length.
func DefaultRoutes() []Route {
	return []Route{
		{Match: "gpt-", Prefix: true, Provider: "openai"},
		{Match: "o1-", Prefix: true, Provider: "openai"},
		{Match: "o3-", Prefix: true, Provider: "openai"},
		{Match: "o4-", Prefix: true, Provider: "openai"},
		{Match: "chatgpt-", Prefix: true, Provider: "openai"},
		{Match: "text-embedding-", Prefix: true, Provider: "openai"},
		{Match: "claude-", Prefix: true, Provider: "anthropic"},
		{Match: "gemini-", Prefix: true, Provider: "gemini"},
		{Match: "gemma-", Prefix: true, Provider: "gemini"},
		{Match: "text-embedding-004", Provider: "gemini"},
		{Match: "azure-", Prefix: true, Provider: "azure"},
		{Match: "anthropic.", Prefix: true, Provider: "bedrock"},
		{Match: "amazon.", Prefix: true, Provider: "bedrock"},
		{Match: "meta.", Prefix: true, Provider: "bedrock"},
		{Match: "mistral.", Prefix: true, Provider: "bedrock"},
		{Match: "cohere.", Prefix: true, Provider: "bedrock"},
		{Match: "us.", Prefix: true, Provider: "bedrock"},
		{Match: "eu.", Prefix: true, Provider: "bedrock"},
		{Match: "grok-", Prefix: true, Provider: "xai"},
		{Match: "mistral-", Prefix: true, Provider: "mistral"},
		{Match: "codestral-", Prefix: true, Provider: "mistral"},
		{Match: "deepseek-", Prefix: true, Provider: "deepseek"},
		{Match: "sonar", Prefix: true, Provider: "perplexity"},
	}
}

// DefaultTier serves "auto" requests that name no route.
const DefaultTier = "quality"

// DefaultTiers lists the built-in route tiers for model "auto". Models whose
// provider is not configured are skipped when the chain is planned.
func DefaultTiers() map[string][]string {
	return map[string][]string{
		"quality": {"gpt-4o", "claude-3-5-sonnet-20241022", "gemini-2.5-pro", "grok-3"},
		"budget":  {"gpt-4o-mini", "gemini-2.0-flash", "claude-3-5-haiku-20241022", "grok-3-mini"},
	}
}

// DefaultModels is the static list served by /v1/models.
func DefaultModels() []ModelEntry {
	return []ModelEntry{
		// OpenAI
		{ID: "gpt-4", Provider: "openai"},
		{ID: "gpt-4-turbo", Provider: "openai"},
		{ID: "gpt-3.5-turbo", Provider: "openai"},
		{ID: "gpt-4o", Provider: "openai"},
		{ID: "gpt-4o-mini", Provider: "openai"},
		{ID: "gpt-4.1", Provider: "openai"},
		{ID: "gpt-4.1-mini", Provider: "openai"},
		{ID: "gpt-4.1-nano", Provider: "openai"},
		{ID: "o1", Provider: "openai"},
		{ID: "o3", Provider: "openai"},
		{ID: "o3-mini", Provider: "openai"},
		{ID: "o4-mini", Provider: "openai"},
		{ID: "text-embedding-3-small", Provider: "openai"},
		{ID: "text-embedding-3-large", Provider: "openai"},
		{ID: "text-embedding-ada-002", Provider: "openai"},

		// Anthropic
		{ID: "claude-3-opus-20240229", Provider: "anthropic"},
		{ID: "claude-3-sonnet-20240229", Provider: "anthropic"},
		{ID: "claude-3-haiku-20240307", Provider: "anthropic"},
		{ID: "claude-3-5-sonnet-20241022", Provider: "anthropic"},
		{ID: "claude-3-5-haiku-20241022", Provider: "anthropic"},
		{ID: "claude-3-7-sonnet-20250219", Provider: "anthropic"},
		{ID: "claude-sonnet-4", Provider: "anthropic"},
		{ID: "claude-opus-4", Provider: "anthropic"},

		// Google
		{ID: "gemini-pro", Provider: "gemini"},
		{ID: "gemini-pro-vision", Provider: "gemini"},
		{ID: "gemini-1.5-pro", Provider: "gemini"},
		{ID: "gemini-1.5-flash", Provider: "gemini"},
		{ID: "gemini-2.0-flash", Provider: "gemini"},
		{ID: "gemini-2.5-pro", Provider: "gemini"},
		{ID: "gemini-2.5-flash", Provider: "gemini"},
		{ID: "text-embedding-004", Provider: "gemini"},
		{ID: "embedding-001", Provider: "gemini"},

		// AWS Bedrock
		{ID: "anthropic.claude-v2", Provider: "bedrock"},
		{ID: "anthropic.claude-instant-v1", Provider: "bedrock"},
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Provider: "bedrock"},
		{ID: "amazon.titan-text-express-v1", Provider: "bedrock"},
		{ID: "meta.llama3-70b-instruct-v1:0", Provider: "bedrock"},

		// Azure OpenAI
		{ID: "azure-gpt-4", Provider: "azure"},
		{ID: "azure-gpt-35-turbo", Provider: "azure"},
		{ID: "azure-gpt-4o", Provider: "azure"},

		// xAI
		{ID: "grok-1", Provider: "xai"},
		{ID: "grok-2", Provider: "xai"},
		{ID: "grok-3", Provider: "xai"},
		{ID: "grok-3-mini", Provider: "xai"},

		// OpenAI-compatible
		{ID: "mistral-large-latest", Provider: "mistral"},
		{ID: "mistral-small-latest", Provider: "mistral"},
		{ID: "mistral-embed", Provider: "mistral"},
		{ID: "deepseek-chat", Provider: "deepseek"},
		{ID: "deepseek-reasoner", Provider: "deepseek"},
		{ID: "llama-3.3-70b-versatile", Provider: "groq"},
		{ID: "llama-3.1-8b-instant", Provider: "groq"},
		{ID: "meta-llama/Llama-3.3-70B-Instruct-Turbo", Provider: "together"},
		{ID: "sonar", Provider: "perplexity"},
		{ID: "sonar-pro", Provider: "perplexity"},
		{ID: "llama3.1-8b", Provider: "cerebras"},
	}
}
