package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/internal/graph"
	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/pkg/models"
)

// DefaultRetrievalTopK is the number of chunks retrieved per knowledgebase.
const DefaultRetrievalTopK = 4

// Tool is what a worker can call.
type Tool interface {
	Definition() llm.ToolDefinition
	Call(ctx context.Context, arguments string) (string, error)
}

// usageTool is implemented by tools that spend model tokens themselves.
type usageTool interface {
	CallWithUsage(ctx context.Context, arguments string) (string, int64, error)
}

// errStopped is returned when the consumer stopped listening.
var errStopped = errors.New("event stream closed")

func (c *Compiler) worker(m *member, signals *Signals) graph.NodeFunc[State, models.ChatEvent] {
	return func(ctx context.Context, s State, emit func(models.ChatEvent) bool) (State, error) {
		if !emit(models.LifecycleEvent(models.OnAgentStart, models.AgentEventData{AgentKey: m.key, Title: m.title})) {
			return s, stopErr(ctx)
		}

		output, err := c.runLoop(ctx, m, signals, s, emit)
		end := models.AgentEventData{AgentKey: m.key, Title: m.title, Output: output, Tokens: s.Meter.Get(m.key)}
		if err != nil {
			end.Error = err.Error()
			emit(models.LifecycleEvent(models.OnAgentEnd, end))
			return s, err
		}
		if !emit(models.LifecycleEvent(models.OnAgentEnd, end)) {
			return s, stopErr(ctx)
		}

		s.Messages = append(s.Messages, llm.Message{Role: llm.RoleAssistant, Content: output, Name: m.key})
		s.Output = output
		s.Steps++
		s.Next = ""
		return s, nil
	}
}

// runLoop is the agentic loop of one worker step.
func (c *Compiler) runLoop(ctx context.Context, m *member, signals *Signals, s State, emit func(models.ChatEvent) bool) (string, error) {
	if err := ValidateParameters(m.parameters, s.Parameters); err != nil {
		return "", err
	}

	system := RenderPrompt(m.prompt, promptVars(s.Input, s.Parameters))
	system += renderSignals(signals)
	knowledge, err := c.retrieve(ctx, m, s.Input, emit)
	if err != nil {
		return "", err
	}
	system += knowledge

	messages := make([]llm.Message, 0, len(s.Messages)+1)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, s.Messages...)

	var last string
	for turn := 1; turn <= c.maxTurns; turn++ {
		stopped := false
		resp, err := llm.Collect(ctx, m.model, llm.Request{
			Model:    m.modelName,
			Messages: messages,
			Tools:    m.toolDefs,
		}, func(ck llm.Chunk) {
			if ck.Content != "" && !stopped && !emit(models.MessageChunk(ck.Content)) {
				stopped = true
			}
		})
		if err != nil {
			return last, fmt.Errorf("model call failed (turn %d): %w", turn, err)
		}
		if stopped {
			return last, stopErr(ctx)
		}
		s.Meter.Add(m.key, resp.Usage.TotalTokens)
		last = resp.Content

		if len(resp.ToolCalls) == 0 {
			log.Debug().Str("agent", m.key).Int("turns", turn).Msg("Worker step complete")
			return resp.Content, nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			result, err := c.callTool(ctx, m, s.Meter, tc, emit)
			if err != nil {
				return last, err
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: result, ToolCallID: tc.ID, Name: tc.Name})
		}
	}

	log.Warn().Str("agent", m.key).Int("max_turns", c.maxTurns).Msg("Worker hit max turns")
	return last, nil
}

// callTool runs one tool call and reports it. Tool failures are fed back
// to the model as text; only a stopped stream aborts the loop.
func (c *Compiler) callTool(ctx context.Context, m *member, meter *Meter, tc llm.ToolCall, emit func(models.ChatEvent) bool) (string, error) {
	var input any = tc.Arguments
	var parsed map[string]any
	if json.Unmarshal([]byte(tc.Arguments), &parsed) == nil {
		input = parsed
	}
	if !emit(models.LifecycleEvent(models.OnToolStart, models.StepEventData{AgentKey: m.key, Name: tc.Name, Input: input})) {
		return "", stopErr(ctx)
	}

	var (
		result string
		tokens int64
		err    error
	)
	tool, ok := m.tools[tc.Name]
	switch {
	case !ok:
		err = fmt.Errorf("tool %q is not available", tc.Name)
	default:
		if ut, ok := tool.(usageTool); ok {
			result, tokens, err = ut.CallWithUsage(ctx, tc.Arguments)
		} else {
			result, err = tool.Call(ctx, tc.Arguments)
		}
	}
	meter.Add(StepKey(m.key, tc.Name), tokens)

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn().Str("agent", m.key).Str("tool", tc.Name).Err(err).Msg("Tool call failed")
		if !emit(models.LifecycleEvent(models.OnToolError, models.StepEventData{AgentKey: m.key, Name: tc.Name, Input: input, Error: err.Error(), Tokens: tokens})) {
			return "", stopErr(ctx)
		}
		return "Error: " + err.Error(), nil
	}
	if !emit(models.LifecycleEvent(models.OnToolEnd, models.StepEventData{AgentKey: m.key, Name: tc.Name, Input: input, Output: result, Tokens: tokens})) {
		return "", stopErr(ctx)
	}
	return result, nil
}

// retrieve queries each attached knowledgebase and renders the hits as
// prompt context. Retrieval failures are reported and skipped.
func (c *Compiler) retrieve(ctx context.Context, m *member, query string, emit func(models.ChatEvent) bool) (string, error) {
	if c.knowledge == nil || len(m.knowledgeIDs) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, kb := range m.knowledgeIDs {
		if !emit(models.LifecycleEvent(models.OnRetrieverStart, models.StepEventData{AgentKey: m.key, Name: kb, Input: query})) {
			return "", stopErr(ctx)
		}
		results, err := c.knowledge.Retriever([]string{kb}).Retrieve(ctx, query, DefaultRetrievalTopK)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if !emit(models.LifecycleEvent(models.OnRetrieverError, models.StepEventData{AgentKey: m.key, Name: kb, Input: query, Error: err.Error()})) {
				return "", stopErr(ctx)
			}
			continue
		}
		var found []string
		for _, r := range results {
			found = append(found, r.Content)
		}
		if !emit(models.LifecycleEvent(models.OnRetrieverEnd, models.StepEventData{
			AgentKey: m.key, Name: kb, Input: query, Output: fmt.Sprintf("%d documents", len(found)),
		})) {
			return "", stopErr(ctx)
		}
		for _, f := range found {
			b.WriteString("\n---\n")
			b.WriteString(f)
		}
	}
	if b.Len() == 0 {
		return "", nil
	}
	return "\n\nUse the following knowledge when it is relevant:" + b.String(), nil
}

func stopErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errStopped
}
