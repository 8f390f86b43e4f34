// Package registry maps model names to provider descriptors and owns the
// shared adapter instances built from them.
package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/anthropic"
	"github.com/nulpointcorp/inference-gateway/internal/providers/azure"
	"github.com/nulpointcorp/inference-gateway/internal/providers/bedrock"
	"github.com/nulpointcorp/inference-gateway/internal/providers/gemini"
	"github.com/nulpointcorp/inference-gateway/internal/providers/openai"
	"github.com/nulpointcorp/inference-gateway/internal/providers/openaicompat"
	"github.com/nulpointcorp/inference-gateway/internal/schema"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Factory builds the adapter for one descriptor.
type Factory func(ctx context.Context, desc providers.Descriptor, client *http.Client) (providers.Adapter, error)

var defaultFactories = map[providers.Kind]Factory{
	providers.KindOpenAI: func(_ context.Context, d providers.Descriptor, c *http.Client) (providers.Adapter, error) {
		return openai.New(d, openai.WithHTTPClient(c)), nil
	},
	providers.KindOpenAICompat: func(_ context.Context, d providers.Descriptor, c *http.Client) (providers.Adapter, error) {
		return openaicompat.New(d, c), nil
	},
	providers.KindAnthropic: func(_ context.Context, d providers.Descriptor, c *http.Client) (providers.Adapter, error) {
		return anthropic.New(d, anthropic.WithHTTPClient(c)), nil
	},
	providers.KindGemini: func(ctx context.Context, d providers.Descriptor, c *http.Client) (providers.Adapter, error) {
		return gemini.New(ctx, d, gemini.WithHTTPClient(c))
	},
	providers.KindAzure: func(_ context.Context, d providers.Descriptor, c *http.Client) (providers.Adapter, error) {
		return azure.New(d, azure.WithHTTPClient(c)), nil
	},
	providers.KindBedrock: func(_ context.Context, d providers.Descriptor, c *http.Client) (providers.Adapter, error) {
		return bedrock.New(d, bedrock.WithHTTPClient(c)), nil
	},
}

// Candidate is one entry of a fallback chain.
type Candidate struct {
	Descriptor providers.Descriptor
	Model      string
}

// Key identifies the candidate for de-duplication.
func (c Candidate) Key() string { return c.Descriptor.Name + "\x00" + c.Model }

// Registry is immutable after Build and safe for concurrent use.
type Registry struct {
	descriptors []providers.Descriptor
	byName      map[string]int
	adapters    map[string]providers.Adapter

	exact    map[string][]string
	prefixes []Route

	models    []ModelEntry
	fallbacks map[string][]string
	tiers     map[string][]string
	created   int64
}

type options struct {
	factories      map[providers.Kind]Factory
	client         *http.Client
	headerTimeout  time.Duration
	disableDefault bool
}

// Option configures Build.
type Option func(*options)

// WithFactory overrides the adapter constructor for kind.
func WithFactory(kind providers.Kind, f Factory) Option {
	return func(o *options) { o.factories[kind] = f }
}

// WithHTTPClient makes every adapter share c instead of its own pool.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithResponseHeaderTimeout bounds how long adapters wait for upstream
// response headers. Body reads are bounded by the request context only, so
// long streams are not cut.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.headerTimeout = d }
}

// WithoutDefaults drops the built-in routes and model list; only the catalog
// is used.
func WithoutDefaults() Option {
	return func(o *options) { o.disableDefault = true }
}

// Build constructs an adapter for every descriptor that has credentials.
// A descriptor that is not Optional and lacks credentials fails the build.
func Build(ctx context.Context, descs []providers.Descriptor, cat *Catalog, opts ...Option) (*Registry, error) {
	o := options{
		factories:     make(map[providers.Kind]Factory, len(defaultFactories)),
		headerTimeout: providers.ProviderTimeout,
	}
	for k, f := range defaultFactories {
		o.factories[k] = f
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cat == nil {
		cat = &Catalog{}
	}

	r := &Registry{
		byName:    make(map[string]int, len(descs)),
		adapters:  make(map[string]providers.Adapter, len(descs)),
		exact:     make(map[string][]string),
		fallbacks: make(map[string][]string),
		tiers:     make(map[string][]string),
		created:   time.Now().Unix(),
	}

	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("registry: descriptor without name")
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate provider %q", d.Name)
		}
		d = d.Clone()
		if deps, ok := cat.Deployments[d.Name]; ok {
			if d.Deployments == nil {
				d.Deployments = make(map[string]string, len(deps))
			}
			for prefix, dep := range deps {
				d.Deployments[prefix] = dep
			}
		}
		r.byName[d.Name] = len(r.descriptors)
		r.descriptors = append(r.descriptors, d)

		if !d.HasCredential() {
			if d.Optional {
				continue
			}
			e := apierr.NotConfigured(d.Name)
			e.Message = fmt.Sprintf("provider %q is declared but %s is not set", d.Name, credentialRef(d))
			return nil, e
		}
		factory, ok := o.factories[d.Kind]
		if !ok {
			return nil, fmt.Errorf("registry: provider %q: unknown kind %q", d.Name, d.Kind)
		}
		a, err := factory(ctx, d, o.httpClient())
		if err != nil {
			return nil, fmt.Errorf("registry: build %s: %w", d.Name, err)
		}
		r.adapters[d.Name] = a
	}

	routes := slices.Clone(cat.Routes)
	models := slices.Clone(cat.Models)
	if !o.disableDefault {
		routes = append(routes, DefaultRoutes()...)
		models = append(models, DefaultModels()...)
	}
	for _, rt := range routes {
		if _, ok := r.byName[rt.Provider]; !ok {
			return nil, fmt.Errorf("registry: route %q targets unknown provider %q", rt.Match, rt.Provider)
		}
		if rt.Prefix {
			r.prefixes = append(r.prefixes, rt)
		} else {
			r.addExact(rt.Match, rt.Provider)
		}
	}
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if _, ok := r.byName[m.Provider]; !ok {
			return nil, fmt.Errorf("registry: model %q targets unknown provider %q", m.ID, m.Provider)
		}
		r.addExact(m.ID, m.Provider)
		if key := m.Provider + "\x00" + m.ID; !seen[key] {
			seen[key] = true
			r.models = append(r.models, m)
		}
	}
	// Longest prefix first; the stable sort keeps declaration order on ties.
	slices.SortStableFunc(r.prefixes, func(a, b Route) int { return len(b.Match) - len(a.Match) })

	for model, fbs := range cat.Fallbacks {
		r.fallbacks[model] = slices.Clone(fbs)
	}
	if !o.disableDefault {
		for tier, ms := range DefaultTiers() {
			r.tiers[tier] = ms
		}
	}
	for tier, ms := range cat.Tiers {
		r.tiers[strings.ToLower(tier)] = slices.Clone(ms)
	}
	return r, nil
}

func (o options) httpClient() *http.Client {
	if o.client != nil {
		return o.client
	}
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: o.headerTimeout,
	}}
}

func credentialRef(d providers.Descriptor) string {
	if d.Credential.Ref != "" {
		return d.Credential.Ref
	}
	return "its credential"
}

func (r *Registry) addExact(model, provider string) {
	if !slices.Contains(r.exact[model], provider) {
		r.exact[model] = append(r.exact[model], provider)
	}
}

// Resolve returns the descriptors that serve model: exact entries first, then
// prefix routes by descending prefix length. Each provider appears once. An
// unknown model yields an empty slice.
func (r *Registry) Resolve(model string) []providers.Descriptor {
	var out []providers.Descriptor
	seen := make(map[string]bool)
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, r.descriptors[r.byName[name]].Clone())
	}
	for _, name := range r.exact[model] {
		add(name)
	}
	for _, rt := range r.prefixes {
		if strings.HasPrefix(model, rt.Match) {
			add(rt.Provider)
		}
	}
	return out
}

// AdapterFor returns the shared adapter for desc.
func (r *Registry) AdapterFor(desc providers.Descriptor) (providers.Adapter, error) {
	if a, ok := r.adapters[desc.Name]; ok {
		return a, nil
	}
	return nil, apierr.NotConfigured(desc.Name)
}

// Descriptor returns the descriptor registered under name.
func (r *Registry) Descriptor(name string) (providers.Descriptor, bool) {
	i, ok := r.byName[name]
	if !ok {
		return providers.Descriptor{}, false
	}
	return r.descriptors[i].Clone(), true
}

// Adapters returns the configured adapters in declaration order.
func (r *Registry) Adapters() []providers.Adapter {
	out := make([]providers.Adapter, 0, len(r.adapters))
	for _, d := range r.descriptors {
		if a, ok := r.adapters[d.Name]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Configured reports whether provider has an adapter.
func (r *Registry) Configured(provider string) bool {
	_, ok := r.adapters[provider]
	return ok
}

// Models lists the catalog entries of configured providers.
func (r *Registry) Models() schema.ModelList {
	list := schema.ModelList{Object: "list", Data: make([]schema.Model, 0, len(r.models))}
	for _, m := range r.models {
		if !r.Configured(m.Provider) {
			continue
		}
		owner := m.OwnedBy
		if owner == "" {
			owner = r.descriptors[r.byName[m.Provider]].Owner()
		}
		list.Data = append(list.Data, schema.Model{
			ID:      m.ID,
			Object:  "model",
			Created: r.created,
			OwnedBy: owner,
		})
	}
	return list
}

// Tier returns the models of a route tier such as "quality" or "budget".
func (r *Registry) Tier(name string) []string {
	return slices.Clone(r.tiers[strings.ToLower(name)])
}

// Plan builds the fallback chain for model: its own providers, then the
// configured fallbacks for it, then extra in order. Duplicate
// provider+model pairs are dropped.
func (r *Registry) Plan(model string, extra []string) []Candidate {
	var chain []Candidate
	seen := make(map[string]bool)
	add := func(m string) {
		for _, d := range r.Resolve(m) {
			c := Candidate{Descriptor: d, Model: m}
			if seen[c.Key()] {
				continue
			}
			seen[c.Key()] = true
			chain = append(chain, c)
		}
	}
	add(model)
	for _, fb := range r.fallbacks[model] {
		add(fb)
	}
	for _, fb := range extra {
		add(fb)
	}
	return chain
}
