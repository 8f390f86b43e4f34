package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the optional model catalog file. Its routes and models are
// consulted before the built-in tables.
//
//	routes:
//	  - match: "llama-"
//	    prefix: true
//	    provider: groq
//	models:
//	  - id: llama-3.3-70b-versatile
//	    provider: groq
//	fallbacks:
//	  gpt-4o: [claude-3-5-sonnet-20241022, gemini-1.5-pro]
//	tiers:
//	  quality: [gpt-4o, claude-3-5-sonnet-20241022]
//	  budget: [gpt-4o-mini, gemini-1.5-flash]
//	deployments:
//	  azure:
//	    gpt-4o: prod-gpt4o
type Catalog struct {
	Routes      []Route                      `yaml:"routes"`
	Models      []ModelEntry                 `yaml:"models"`
	Fallbacks   map[string][]string          `yaml:"fallbacks"`
	Tiers       map[string][]string          `yaml:"tiers"`
	Deployments map[string]map[string]string `yaml:"deployments"`
}

// LoadCatalog reads a catalog file. Unknown keys are rejected.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("model catalog %s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for i, rt := range cat.Routes {
		if rt.Match == "" || rt.Provider == "" {
			return nil, fmt.Errorf("routes[%d]: match and provider are required", i)
		}
	}
	for i, m := range cat.Models {
		if m.ID == "" || m.Provider == "" {
			return nil, fmt.Errorf("models[%d]: id and provider are required", i)
		}
	}
	return &cat, nil
}
