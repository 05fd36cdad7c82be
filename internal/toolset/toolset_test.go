package toolset

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
)

func TestSchemaCache_List(t *testing.T) {
	c := NewSchemaCache(BuiltinFS())

	all, err := c.List(nil, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List() returned %d providers, want 2", len(all))
	}

	tests := []struct {
		name  string
		names []string
		tags  []string
		want  []string
	}{
		{"by name", []string{"calculator"}, nil, []string{"calculator"}},
		{"shared tag", nil, []string{"utilities"}, []string{"calculator", "datetime"}},
		{"all tags required", nil, []string{"utilities", "productivity"}, []string{"calculator"}},
		{"unknown tag", nil, []string{"search"}, nil},
		{"unknown name", []string{"missing"}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.List(tt.names, tt.tags)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			var names []string
			for _, p := range got {
				names = append(names, p.Identity.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("List() = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestSchemaCache_InvalidSchema(t *testing.T) {
	fsys := fstest.MapFS{
		"broken/broken.yaml": {Data: []byte("identity: [not, a, map]")},
		"plain/plain.yaml":   {Data: []byte("tools: []")},
	}
	c := NewSchemaCache(fsys)

	if _, err := c.Get("broken"); err == nil || !strings.Contains(err.Error(), "invalid provider schema for broken") {
		t.Errorf("Get(broken) error = %v", err)
	}
	if _, err := c.Get("absent"); err == nil {
		t.Error("Get(absent) error = nil, want error")
	}

	s, err := c.Get("plain")
	if err != nil {
		t.Fatalf("Get(plain) error = %v", err)
	}
	if s.Identity.Name != "plain" {
		t.Errorf("Identity.Name = %q, want plain", s.Identity.Name)
	}
	again, _ := c.Get("plain")
	if again != s {
		t.Error("Get() reloaded a cached schema")
	}
}

func TestResolver_Calculator(t *testing.T) {
	r := NewResolver(NewSchemaCache(BuiltinFS()))

	tools, err := r.Resolve(context.Background(), []string{"calculator", "unknown"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("Resolve() returned %d tools, want 1", len(tools))
	}
	def := tools[0].Definition()
	if def.Name != "calculate" {
		t.Errorf("Definition().Name = %q", def.Name)
	}
	if req, _ := def.Parameters["required"].([]string); len(req) != 1 || req[0] != "expression" {
		t.Errorf("required = %v", def.Parameters["required"])
	}

	out, err := tools[0].Call(context.Background(), `{"expression":"(3 + 4) * 2"}`)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out != "14" {
		t.Errorf("Call() = %q, want 14", out)
	}

	if _, err := tools[0].Call(context.Background(), `{}`); err == nil {
		t.Error("Call() without expression error = nil")
	}
	if _, err := tools[0].Call(context.Background(), `not json`); err == nil {
		t.Error("Call() with bad arguments error = nil")
	}
}

func TestResolver_Datetime(t *testing.T) {
	r := NewResolver(NewSchemaCache(BuiltinFS()))
	tools, err := r.Resolve(context.Background(), []string{"datetime"})
	if err != nil || len(tools) != 1 {
		t.Fatalf("Resolve() = %d tools, error = %v", len(tools), err)
	}
	if _, err := tools[0].Call(context.Background(), `{"timezone":"Nowhere/Atlantis"}`); err == nil {
		t.Error("Call() with unknown timezone error = nil")
	}
	out, err := tools[0].Call(context.Background(), "")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !strings.HasSuffix(out, "Z") {
		t.Errorf("Call() = %q, want UTC timestamp", out)
	}
}
