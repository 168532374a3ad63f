package tools

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Definition is a function tool as advertised to the realtime model.
type Definition struct {
	Type        string         `json:"type" yaml:"-"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

// Catalog is the coach persona and the tools it may call.
type Catalog struct {
	Instructions string       `yaml:"instructions"`
	Tools        []Definition `yaml:"tools"`
}

var (
	catalogOnce sync.Once
	catalog     Catalog
	catalogErr  error
)

// LoadCatalog parses the embedded catalogue. Every listed tool must be a known Name.
func LoadCatalog() (Catalog, error) {
	catalogOnce.Do(func() {
		catalog, catalogErr = parseCatalog(catalogYAML)
	})
	if catalogErr != nil {
		return Catalog{}, catalogErr
	}
	out := Catalog{Instructions: catalog.Instructions, Tools: make([]Definition, len(catalog.Tools))}
	copy(out.Tools, catalog.Tools)
	return out, nil
}

func parseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse tool catalog: %w", err)
	}
	if c.Instructions == "" {
		return Catalog{}, fmt.Errorf("tool catalog: instructions are empty")
	}
	seen := make(map[string]bool, len(c.Tools))
	for i := range c.Tools {
		t := &c.Tools[i]
		if !Name(t.Name).Valid() {
			return Catalog{}, fmt.Errorf("tool catalog: unknown tool %q", t.Name)
		}
		if seen[t.Name] {
			return Catalog{}, fmt.Errorf("tool catalog: duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
		t.Type = "function"
		if t.Parameters == nil {
			t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
	}
	return c, nil
}
