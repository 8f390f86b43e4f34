package providers

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Kind selects the adapter implementation for a descriptor.
type Kind string

const (
	KindOpenAI       Kind = "openai"
	KindAnthropic    Kind = "anthropic"
	KindGemini       Kind = "gemini"
	KindAzure        Kind = "azure"
	KindBedrock      Kind = "bedrock"
	KindOpenAICompat Kind = "openai_compat"
)

// Capability is a bit set of features a provider supports.
type Capability uint8

const (
	CapChat Capability = 1 << iota
	CapStream
	CapEmbeddings
	CapTools
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapChat, "chat"},
	{CapStream, "stream"},
	{CapEmbeddings, "embeddings"},
	{CapTools, "tools"},
}

// Has reports whether every bit of want is set.
func (c Capability) Has(want Capability) bool { return c&want == want }

func (c Capability) String() string {
	var names []string
	for _, n := range capabilityNames {
		if c.Has(n.c) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseCapabilities turns names like "chat", "tools" into a set.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
outer:
	for _, raw := range names {
		name := strings.TrimSpace(strings.ToLower(raw))
		if name == "" {
			continue
		}
		for _, n := range capabilityNames {
			if n.name == name {
				c |= n.c
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown capability %q", raw)
	}
	return c, nil
}

// Credential holds the secret material for one provider. Ref names the
// config key the secret came from so errors never print the secret itself.
type Credential struct {
	Ref    string
	Key    string
	Secret string
	Token  string
}

// Empty reports whether no key material is present.
func (c Credential) Empty() bool { return c.Key == "" }

// Descriptor is the immutable configuration of one provider.
type Descriptor struct {
	Name         string
	Kind         Kind
	BaseURL      string
	Credential   Credential
	Capabilities Capability
	// Deployments maps a model-name prefix to an Azure deployment.
	Deployments map[string]string
	APIVersion  string
	Region      string
	Project     string
	Location    string
	OwnedBy     string
	// Optional marks providers that were not explicitly configured; they
	// may lack credentials without failing the build.
	Optional bool
}

// Clone returns a deep copy so the registry's copy cannot be mutated
// through a shared map.
func (d Descriptor) Clone() Descriptor {
	d.Deployments = maps.Clone(d.Deployments)
	return d
}

// UpstreamModel returns the model ID or deployment sent upstream for model.
// The longest matching deployment prefix wins; Azure otherwise strips its
// "azure-" routing prefix.
func (d Descriptor) UpstreamModel(model string) string {
	if len(d.Deployments) > 0 {
		prefixes := make([]string, 0, len(d.Deployments))
		for p := range d.Deployments {
			prefixes = append(prefixes, p)
		}
		sort.Slice(prefixes, func(i, j int) bool {
			if len(prefixes[i]) != len(prefixes[j]) {
				return len(prefixes[i]) > len(prefixes[j])
			}
			return prefixes[i] < prefixes[j]
		})
		for _, p := range prefixes {
			if strings.HasPrefix(model, p) {
				return d.Deployments[p]
			}
		}
	}
	if d.Kind == KindAzure {
		return strings.TrimPrefix(model, "azure-")
	}
	return model
}

// HasCredential reports whether d carries what its kind needs to
// authenticate. Vertex AI uses ambient Google credentials; Bedrock needs a
// key pair.
func (d Descriptor) HasCredential() bool {
	switch d.Kind {
	case KindGemini:
		return d.Project != "" || !d.Credential.Empty()
	case KindBedrock:
		return d.Credential.Key != "" && d.Credential.Secret != ""
	}
	return !d.Credential.Empty()
}

// Owner returns the owned_by value used in model listings.
func (d Descriptor) Owner() string {
	if d.OwnedBy != "" {
		return d.OwnedBy
	}
	return d.Name
}
