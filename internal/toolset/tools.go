package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/internal/llm"
)

// Tool is a callable tool bound into an agent.
type Tool interface {
	Definition() llm.ToolDefinition
	// Call runs the tool with JSON-encoded arguments.
	Call(ctx context.Context, arguments string) (string, error)
}

// Func implements one tool of a provider.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Resolver turns toolset ids into tools. A toolset id names a provider;
// every tool in its schema that has a registered implementation is bound.
type Resolver struct {
	schemas *SchemaCache

	mu    sync.RWMutex
	funcs map[string]map[string]Func // provider → tool → impl
}

// NewResolver creates a resolver with the builtin providers registered.
func NewResolver(schemas *SchemaCache) *Resolver {
	r := &Resolver{schemas: schemas, funcs: make(map[string]map[string]Func)}
	r.Register("calculator", "calculate", calculate)
	r.Register("datetime", "current_time", currentTime)
	return r
}

// Register binds an implementation to a provider tool.
func (r *Resolver) Register(provider, tool string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.funcs[provider] == nil {
		r.funcs[provider] = make(map[string]Func)
	}
	r.funcs[provider][tool] = fn
}

// Resolve returns the tools of the given toolsets in order. Unknown
// toolsets are skipped with a warning.
func (r *Resolver) Resolve(_ context.Context, ids []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []Tool
	for _, id := range ids {
		impls, ok := r.funcs[id]
		if !ok {
			log.Warn().Str("toolset", id).Msg("Toolset has no builtin implementation, skipping")
			continue
		}
		schema, err := r.schemas.Get(id)
		if err != nil {
			return nil, err
		}
		for _, ts := range schema.Tools {
			fn, ok := impls[ts.Name]
			if !ok {
				continue
			}
			tools = append(tools, &funcTool{
				def: llm.ToolDefinition{Name: ts.Name, Description: ts.Description, Parameters: ts.JSONSchema()},
				fn:  fn,
			})
		}
	}
	return tools, nil
}

type funcTool struct {
	def llm.ToolDefinition
	fn  Func
}

func (t *funcTool) Definition() llm.ToolDefinition { return t.def }

func (t *funcTool) Call(ctx context.Context, arguments string) (string, error) {
	args := map[string]any{}
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", t.def.Name, err)
		}
	}
	return t.fn(ctx, args)
}

// ── Builtin implementations ─────────────────────────────────

func calculate(_ context.Context, args map[string]any) (string, error) {
	expression, _ := args["expression"].(string)
	if strings.TrimSpace(expression) == "" {
		return "", fmt.Errorf("expression is required")
	}
	out, err := expr.Eval(expression, nil)
	if err != nil {
		return "", fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return fmt.Sprint(out), nil
}

func currentTime(_ context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}
