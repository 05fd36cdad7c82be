// Package anthropic adapts the Anthropic Messages API to llm.ChatModel.
// Completions are requested in one call and delivered as a single chunk.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/xpertai/control-plane/internal/llm"
)

type Options struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

type Model struct {
	client *anthropic.Client
	opts   Options
}

func New(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       string(anthropic.ModelClaude3_5Sonnet20241022),
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

func (m *Model) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, <-chan error) {
	out := make(chan llm.Chunk, 1)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(out)

		resp, err := m.client.Messages.New(ctx, m.buildParams(req))
		if err != nil {
			errc <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		var (
			text strings.Builder
			ck   llm.Chunk
		)
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.AsText().Text)
			case "tool_use":
				tu := block.AsToolUse()
				args := "{}"
				if tu.Input != nil {
					if raw, err := json.Marshal(tu.Input); err == nil {
						args = string(raw)
					}
				}
				ck.ToolCalls = append(ck.ToolCalls, llm.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
			}
		}
		ck.Content = text.String()
		ck.FinishReason = string(resp.StopReason)
		ck.Usage = &llm.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}

		select {
		case out <- ck:
		case <-ctx.Done():
			errc <- ctx.Err()
		}
	}()
	return out, errc
}

func (m *Model) buildParams(req llm.Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = m.opts.Model
	}
	temperature := m.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(temperature),
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			if msg.Content != "" {
				params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
			}
		case llm.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			}
		case llm.RoleTool:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

func buildTools(tools []llm.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := t.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, t.Name)
	}
	return out
}
