// Package toolset serves builtin tool providers: their YAML schemas, the
// tools they implement, and resolution of an agent's toolset ids into
// callable tools.
package toolset

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed providers
var builtinFS embed.FS

// BuiltinFS returns the embedded provider schema tree.
func BuiltinFS() fs.FS {
	sub, err := fs.Sub(builtinFS, "providers")
	if err != nil {
		panic(err)
	}
	return sub
}

// ProviderSchema is the YAML description of a toolset provider.
type ProviderSchema struct {
	Identity Identity     `yaml:"identity" json:"identity"`
	Tools    []ToolSchema `yaml:"tools" json:"tools"`
}

type Identity struct {
	Name        string   `yaml:"name" json:"name"`
	Author      string   `yaml:"author,omitempty" json:"author,omitempty"`
	Label       string   `yaml:"label,omitempty" json:"label,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Icon        string   `yaml:"icon,omitempty" json:"icon,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

type ToolSchema struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description" json:"description"`
	Parameters  []ToolParameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

type ToolParameter struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// JSONSchema renders the tool's parameters as a JSON Schema object.
func (t ToolSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(t.Parameters))
	required := []string{}
	for _, p := range t.Parameters {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		props[p.Name] = map[string]any{"type": typ, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// SchemaCache loads provider schemas from "{name}/{name}.yaml" under its
// file system. Entries are loaded once and never evicted.
type SchemaCache struct {
	fsys fs.FS

	mu      sync.RWMutex
	schemas map[string]*ProviderSchema
}

func NewSchemaCache(fsys fs.FS) *SchemaCache {
	return &SchemaCache{fsys: fsys, schemas: make(map[string]*ProviderSchema)}
}

// Get returns the schema of provider name.
func (c *SchemaCache) Get(name string) (*ProviderSchema, error) {
	c.mu.RLock()
	s, ok := c.schemas[name]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	data, err := fs.ReadFile(c.fsys, path.Join(name, name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("invalid provider schema for %s: %w", name, err)
	}
	var schema ProviderSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("invalid provider schema for %s: %w", name, err)
	}
	if schema.Identity.Name == "" {
		schema.Identity.Name = name
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.schemas[name]; ok {
		return cached, nil
	}
	c.schemas[name] = &schema
	return &schema, nil
}

// Providers lists the provider directory names available in the cache's
// file system.
func (c *SchemaCache) Providers() ([]string, error) {
	entries, err := fs.ReadDir(c.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read provider dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// List returns provider schemas filtered by name (when names is non-empty)
// and by tags (every tag must be present on the provider).
func (c *SchemaCache) List(names, tags []string) ([]ProviderSchema, error) {
	providers, err := c.Providers()
	if err != nil {
		return nil, err
	}
	out := []ProviderSchema{}
	for _, p := range providers {
		if len(names) > 0 && !slices.Contains(names, p) {
			continue
		}
		schema, err := c.Get(p)
		if err != nil {
			return nil, err
		}
		if !hasAllTags(schema.Identity.Tags, tags) {
			continue
		}
		out = append(out, *schema)
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	for _, t := range want {
		if !slices.Contains(have, t) {
			return false
		}
	}
	return true
}
