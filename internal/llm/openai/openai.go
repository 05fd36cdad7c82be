// Package openai adapts the OpenAI Chat Completions API (streaming, with
// tool calling) to llm.ChatModel.
package openai

import (
	"context"
	"fmt"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/xpertai/control-plane/internal/llm"
)

type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// Model streams completions from OpenAI or a compatible endpoint.
type Model struct {
	client *openai.Client
	opts   Options
}

// aggCall collects the partial deltas of one streamed tool call.
type aggCall struct{ id, name, args string }

func New(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       openai.ChatModelGPT4oMini,
		Temperature: 0.7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

func (m *Model) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, <-chan error) {
	out := make(chan llm.Chunk, 32)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(out)

		send := func(ck llm.Chunk) bool {
			select {
			case out <- ck:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stream := m.client.Chat.Completions.NewStreaming(ctx, m.buildParams(req))
		defer stream.Close()

		agg := map[int64]*aggCall{}
		var usage *llm.Usage
		finish := ""
		for stream.Next() {
			ck := stream.Current()
			if ck.Usage.TotalTokens > 0 {
				usage = &llm.Usage{
					InputTokens:  ck.Usage.PromptTokens,
					OutputTokens: ck.Usage.CompletionTokens,
					TotalTokens:  ck.Usage.TotalTokens,
				}
			}
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" && !send(llm.Chunk{Content: ch.Delta.Content}) {
					errc <- ctx.Err()
					return
				}
				for _, tc := range ch.Delta.ToolCalls {
					ac, ok := agg[tc.Index]
					if !ok {
						ac = &aggCall{}
						agg[tc.Index] = ac
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					ac.args += tc.Function.Arguments
				}
				if ch.FinishReason != "" {
					finish = ch.FinishReason
				}
			}
		}
		if err := stream.Err(); err != nil {
			errc <- fmt.Errorf("openai streaming error: %w", err)
			return
		}

		final := llm.Chunk{Usage: usage, FinishReason: finish}
		indexes := make([]int64, 0, len(agg))
		for i := range agg {
			indexes = append(indexes, i)
		}
		sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })
		for _, i := range indexes {
			ac := agg[i]
			final.ToolCalls = append(final.ToolCalls, llm.ToolCall{ID: ac.id, Name: ac.name, Arguments: ac.args})
		}
		if !send(final) {
			errc <- ctx.Err()
		}
	}()
	return out, errc
}

func (m *Model) buildParams(req llm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = m.opts.Model
	}
	temperature := m.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	params := openai.ChatCompletionNewParams{
		Messages:    buildMessages(req.Messages),
		Model:       model,
		Temperature: openai.Float(temperature),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

func buildMessages(msgs []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}})
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
