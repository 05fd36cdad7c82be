// Package llm defines the opaque chat-completion capability agents run on
// and a registry of provider drivers that implement it.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xpertai/control-plane/pkg/models"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a chat transcript.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a complete function call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object
}

// ToolDefinition advertises a callable tool. Parameters is a JSON Schema
// object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is a provider-neutral chat completion request. An empty Model
// selects the driver's default.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature *float64
}

type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// Chunk is one streamed piece of a completion. Content carries text
// deltas; ToolCalls, Usage and FinishReason arrive complete, typically on
// the last chunk.
type Chunk struct {
	Content      string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason string
}

// ChatModel streams a completion. The chunk channel is closed when the
// completion ends; a failure is then reported on the error channel.
// Implementations must stop promptly when ctx is cancelled.
type ChatModel interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// Response is a fully collected completion.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Collect drains a stream into a Response. onChunk, when non-nil, sees
// every chunk as it arrives.
func Collect(ctx context.Context, m ChatModel, req Request, onChunk func(Chunk)) (*Response, error) {
	chunks, errc := m.Stream(ctx, req)
	var (
		b    strings.Builder
		resp Response
	)
	for ck := range chunks {
		if onChunk != nil {
			onChunk(ck)
		}
		b.WriteString(ck.Content)
		resp.ToolCalls = append(resp.ToolCalls, ck.ToolCalls...)
		if ck.Usage != nil {
			resp.Usage = *ck.Usage
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp.Content = b.String()
	return &resp, nil
}

// ── Driver registry ──────────────────────────────────────────

// Registry maps provider names ("openai", "anthropic", ...) to drivers.
type Registry struct {
	mu       sync.RWMutex
	drivers  map[string]ChatModel
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]ChatModel)}
}

// RegisterDriver adds or replaces a driver. The first driver registered
// becomes the default.
func (r *Registry) RegisterDriver(name string, m ChatModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = m
	if r.fallback == "" {
		r.fallback = name
	}
}

// SetDefault selects the driver used when a copilot model names no provider.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	r.fallback = name
	r.mu.Unlock()
}

func (r *Registry) GetDriver(name string) (ChatModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.drivers[name]
	return m, ok
}

// ListDrivers returns the registered provider names, sorted.
func (r *Registry) ListDrivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the driver and model name for a copilot model. A nil
// copilot model, or one without a provider, uses the default driver.
func (r *Registry) Resolve(cm *models.CopilotModel) (ChatModel, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, model := r.fallback, ""
	if cm != nil {
		if cm.Provider != "" {
			provider = cm.Provider
		}
		model = cm.Model
	}
	m, ok := r.drivers[provider]
	if !ok {
		return nil, "", fmt.Errorf("no chat model driver for provider %q", provider)
	}
	return m, model, nil
}
