package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpertai/control-plane/internal/agent"
	"github.com/xpertai/control-plane/internal/draft"
	"github.com/xpertai/control-plane/internal/knowledge"
	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/internal/llm/llmtest"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/internal/toolset"
	"github.com/xpertai/control-plane/pkg/models"
)

type fakeModels struct {
	model llm.ChatModel
	calls int
}

func (f *fakeModels) Resolve(*models.CopilotModel) (llm.ChatModel, string, error) {
	f.calls++
	return f.model, "", nil
}

type xpertMap map[string]*models.Xpert

func (m xpertMap) GetXpert(_ context.Context, id string) (*models.Xpert, error) {
	if x, ok := m[id]; ok {
		return x, nil
	}
	return nil, &store.ErrNotFound{Entity: "xpert", Key: id}
}

func run(t *testing.T, r *agent.Runnable, s agent.State) (agent.State, []models.ChatEvent, error) {
	t.Helper()
	var events []models.ChatEvent
	out, err := r.Run(context.Background(), s, func(ev models.ChatEvent) bool {
		events = append(events, ev)
		return true
	})
	return out, events, err
}

func eventNames(events []models.ChatEvent) []string {
	var names []string
	for _, ev := range events {
		if ev.Type == models.ChatEventMessage {
			names = append(names, "MESSAGE")
			continue
		}
		names = append(names, string(ev.Event))
	}
	return names
}

func soloXpert() *models.Xpert {
	return &models.Xpert{
		ID:    "x-1",
		Name:  "solo",
		Agent: &models.XpertAgent{Key: "root", Name: "assistant", Prompt: "You help {{user}}."},
	}
}

func TestCompile_SingleAgent(t *testing.T) {
	model := llmtest.New(llmtest.Text(12, "Hel", "lo"))
	c := agent.NewCompiler(&fakeModels{model: model}, nil, nil, nil)

	r, err := c.Compile(context.Background(), soloXpert(), agent.Options{})
	require.NoError(t, err)

	out, events, err := run(t, r, agent.NewState("hi", map[string]any{"user": "Ada"}, nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"on_agent_start", "MESSAGE", "MESSAGE", "on_agent_end"}, eventNames(events))
	assert.Equal(t, "Hello", out.Output)
	assert.Equal(t, 1, out.Steps)
	assert.Equal(t, int64(12), out.Meter.Get("root"))

	reqs := model.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, llm.RoleSystem, reqs[0].Messages[0].Role)
	assert.Equal(t, "You help Ada.", reqs[0].Messages[0].Content)
}

func TestCompile_SupervisorRoutesMembers(t *testing.T) {
	model := llmtest.New(
		llmtest.Text(2, "billing"),   // supervisor
		llmtest.Text(5, "Refunded."), // billing worker
		llmtest.Text(1, "FINISH"),    // supervisor
	)
	x := &models.Xpert{
		ID:    "x-1",
		Agent: &models.XpertAgent{Key: "root", Name: "triage"},
		Agents: []models.XpertAgent{
			{Key: "billing", Name: "billing", LeaderKey: "root", Description: "Handles refunds"},
			{Key: "tech", Name: "tech", LeaderKey: "root"},
		},
	}
	c := agent.NewCompiler(&fakeModels{model: model}, nil, nil, nil)
	r, err := c.Compile(context.Background(), x, agent.Options{})
	require.NoError(t, err)

	out, events, err := run(t, r, agent.NewState("refund please", nil, nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"on_agent_start", "MESSAGE", "on_agent_end"}, eventNames(events))
	assert.Equal(t, "billing", events[0].Data.(models.AgentEventData).AgentKey)
	assert.Equal(t, "Refunded.", out.Output)
	assert.Equal(t, int64(3), out.Meter.Get("root"), "supervisor usage is charged to the root agent")
	assert.Equal(t, int64(5), out.Meter.Get("billing"))

	system := model.Requests()[0].Messages[0].Content
	assert.Contains(t, system, "- billing: Handles refunds")
}

func TestCompile_ToolLoop(t *testing.T) {
	model := llmtest.New(
		llmtest.Call(4, "call-1", "calculate", `{"expression": "6 * 7"}`),
		llmtest.Text(3, "The answer is 42."),
	)
	x := soloXpert()
	x.Agent.Prompt = ""
	x.Agent.ToolsetIDs = []string{"calculator"}

	tools := toolset.NewResolver(toolset.NewSchemaCache(toolset.BuiltinFS()))
	c := agent.NewCompiler(&fakeModels{model: model}, tools, nil, nil)
	r, err := c.Compile(context.Background(), x, agent.Options{})
	require.NoError(t, err)

	out, events, err := run(t, r, agent.NewState("what is 6*7", nil, nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"on_agent_start", "on_tool_start", "on_tool_end", "MESSAGE", "on_agent_end"}, eventNames(events))
	end := events[2].Data.(models.StepEventData)
	assert.Equal(t, "calculate", end.Name)
	assert.Equal(t, "42", end.Output)
	assert.Equal(t, int64(7), out.Meter.Get("root"))

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call-1", last.ToolCallID)
	assert.Equal(t, "42", last.Content)
}

func TestCompile_UnknownToolIsReported(t *testing.T) {
	model := llmtest.New(
		llmtest.Call(1, "c1", "missing", `{}`),
		llmtest.Text(1, "sorry"),
	)
	c := agent.NewCompiler(&fakeModels{model: model}, nil, nil, nil)
	r, err := c.Compile(context.Background(), soloXpert(), agent.Options{})
	require.NoError(t, err)

	_, events, err := run(t, r, agent.NewState("x", map[string]any{"user": "u"}, nil))
	require.NoError(t, err)
	assert.Contains(t, eventNames(events), "on_tool_error")
}

func TestCompile_InvalidDraftFailsBeforeNodes(t *testing.T) {
	x := soloXpert()
	x.Draft = &models.TeamDraft{
		Nodes: []models.TeamNode{
			{Type: models.NodeTypeAgent, Key: "root", Entity: models.NodeEntity{Name: "a"}},
			{Type: models.NodeTypeAgent, Key: "lonely", Entity: models.NodeEntity{Name: "b"}},
		},
	}
	resolver := &fakeModels{model: llmtest.New()}
	c := agent.NewCompiler(resolver, nil, nil, nil)

	_, err := c.Compile(context.Background(), x, agent.Options{IsDraft: true})
	var verr *draft.ValidationError
	require.True(t, errors.As(err, &verr), "Compile() error = %v, want ValidationError", err)
	assert.Zero(t, resolver.calls, "no member may be resolved for an invalid draft")

	// The published team ignores the broken draft.
	_, err = c.Compile(context.Background(), x, agent.Options{})
	assert.NoError(t, err)
}

func TestCompile_MissingParameter(t *testing.T) {
	x := soloXpert()
	x.Agent.Parameters = []models.Parameter{{Name: "user", Type: models.ParameterString}}
	c := agent.NewCompiler(&fakeModels{model: llmtest.New(llmtest.Text(1, "x"))}, nil, nil, nil)
	r, err := c.Compile(context.Background(), x, agent.Options{})
	require.NoError(t, err)

	_, events, err := run(t, r, agent.NewState("hi", nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required parameters: user")
	require.NotEmpty(t, events)
	end := events[len(events)-1].Data.(models.AgentEventData)
	assert.NotEmpty(t, end.Error)
}

func TestCompile_KnowledgeRetrieval(t *testing.T) {
	kb := knowledge.NewStore()
	kb.AddText("kb-faq", "Refunds are issued within 5 days.", nil)

	model := llmtest.New(llmtest.Text(1, "Within 5 days."))
	x := soloXpert()
	x.Agent.KnowledgebaseIDs = []string{"kb-faq"}
	c := agent.NewCompiler(&fakeModels{model: model}, nil, kb, nil)
	r, err := c.Compile(context.Background(), x, agent.Options{})
	require.NoError(t, err)

	_, events, err := run(t, r, agent.NewState("when are refunds issued", map[string]any{"user": "u"}, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"on_agent_start", "on_retriever_start", "on_retriever_end", "MESSAGE", "on_agent_end"}, eventNames(events))
	assert.Contains(t, model.Requests()[0].Messages[0].Content, "Refunds are issued within 5 days.")
}

func TestCompile_SignalsInPrompt(t *testing.T) {
	model := llmtest.New(llmtest.Text(1, "ok"))
	c := agent.NewCompiler(&fakeModels{model: model}, nil, nil, nil)
	r, err := c.Compile(context.Background(), soloXpert(), agent.Options{
		Signals: &agent.Signals{IndicatorCodes: []string{"GMV", "CAC"}, Tags: []string{"sales"}},
	})
	require.NoError(t, err)

	_, _, err = run(t, r, agent.NewState("x", map[string]any{"user": "u"}, nil))
	require.NoError(t, err)
	system := model.Requests()[0].Messages[0].Content
	assert.Contains(t, system, "Indicator codes: CAC, GMV")
	assert.Contains(t, system, "Tags: sales")
}

func TestCompile_SubTeamTool(t *testing.T) {
	sub := &models.Xpert{ID: "x-sub", Name: "ops team", Agent: &models.XpertAgent{Key: "ops-root"}}
	model := llmtest.New(
		llmtest.Call(2, "c1", "ops_team", `{"input": "restart the server"}`), // parent root
		llmtest.Text(9, "Restarted."), // sub-team root
		llmtest.Text(1, "Done."),      // parent root
	)
	x := soloXpert()
	x.Agent.CollaboratorIDs = []string{"x-sub"}

	c := agent.NewCompiler(&fakeModels{model: model}, nil, nil, xpertMap{"x-sub": sub})
	r, err := c.Compile(context.Background(), x, agent.Options{})
	require.NoError(t, err)

	out, events, err := run(t, r, agent.NewState("restart", map[string]any{"user": "u"}, nil))
	require.NoError(t, err)

	var toolEnd *models.StepEventData
	for _, ev := range events {
		if ev.Event == models.OnToolEnd {
			d := ev.Data.(models.StepEventData)
			toolEnd = &d
		}
	}
	require.NotNil(t, toolEnd)
	assert.Equal(t, "Restarted.", toolEnd.Output)
	assert.Equal(t, int64(9), toolEnd.Tokens)
	assert.Equal(t, int64(9), out.Meter.Get(agent.StepKey("root", "ops_team")))
	assert.Equal(t, int64(3), out.Meter.Get("root"))
	assert.True(t, strings.HasPrefix(out.Output, "Done"))
}

func TestValidateParameters_Select(t *testing.T) {
	params := []models.Parameter{{Name: "tier", Type: models.ParameterSelect, Options: []string{"gold", "silver"}}}
	assert.NoError(t, agent.ValidateParameters(params, map[string]any{"tier": "gold"}))
	assert.Error(t, agent.ValidateParameters(params, map[string]any{"tier": "bronze"}))
}
