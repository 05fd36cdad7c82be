package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpertai/control-plane/internal/agent"
	"github.com/xpertai/control-plane/internal/checkpoint"
	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/internal/llm/llmtest"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/internal/tokens"
	"github.com/xpertai/control-plane/internal/toolset"
	"github.com/xpertai/control-plane/pkg/models"
)

type fakeRecorder struct {
	mu       sync.Mutex
	recorded []tokens.Usage
	allowErr error
	err      error
}

func (f *fakeRecorder) Allow(context.Context, tokens.Usage) error { return f.allowErr }

func (f *fakeRecorder) Record(_ context.Context, u tokens.Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, u)
	return f.err
}

type fixture struct {
	store    *store.MemoryStore
	saver    *checkpoint.MemorySaver
	recorder *fakeRecorder
	svc      *Service
	xpert    *models.Xpert
}

func newFixture(t *testing.T, model llm.ChatModel) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore("")

	x := &models.Xpert{WorkspaceID: "ws", Name: "support", Latest: true,
		CopilotModel: &models.CopilotModel{CopilotID: "copilot-1", Model: "scripted-1"}}
	require.NoError(t, s.CreateXpert(ctx, x))
	require.NoError(t, s.CreateAgent(ctx, &models.XpertAgent{Key: "root", Name: "assistant", XpertID: x.ID}))
	x, err := s.GetXpert(ctx, x.ID)
	require.NoError(t, err)

	registry := llm.NewRegistry()
	registry.RegisterDriver("scripted", model)
	tools := toolset.NewResolver(toolset.NewSchemaCache(toolset.BuiltinFS()))
	compiler := agent.NewCompiler(registry, tools, nil, s)

	f := &fixture{store: s, saver: checkpoint.NewMemorySaver(), recorder: &fakeRecorder{}, xpert: x}
	f.svc = NewService(s, compiler, WithCheckpoints(f.saver), WithTokenRecorder(f.recorder))
	return f
}

func drain(t *testing.T, events <-chan models.ChatEvent) []models.ChatEvent {
	t.Helper()
	var out []models.ChatEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("chat stream did not close")
		}
	}
}

func conversationData(t *testing.T, ev models.ChatEvent) models.ConversationEventData {
	t.Helper()
	d, ok := ev.Data.(models.ConversationEventData)
	require.True(t, ok, "event %s carries %T", ev.Event, ev.Data)
	return d
}

func TestChat_StreamsAndFinalizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llmtest.New(llmtest.Text(12, "Hel", "lo")))

	events, err := f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, Input: map[string]any{"input": "hi there"}}, Options{})
	require.NoError(t, err)
	got := drain(t, events)

	require.NotEmpty(t, got)
	assert.Equal(t, models.OnConversationStart, got[0].Event)
	last := got[len(got)-1]
	assert.Equal(t, models.OnConversationEnd, last.Event)
	end := conversationData(t, last)
	assert.Equal(t, models.ExecutionSuccess, end.Status)

	root, err := f.store.GetExecution(ctx, end.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, root.Status)
	assert.Equal(t, "Hello", root.Outputs["output"])
	assert.Equal(t, int64(12), root.Tokens)
	assert.Equal(t, "root", root.AgentKey)

	conv, err := f.store.GetConversation(ctx, end.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi there", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleHuman, conv.Messages[0].Role)
	ai := conv.Messages[1]
	assert.Equal(t, "Hello", ai.Content.PlainText())
	assert.Equal(t, models.ExecutionSuccess, ai.Status)
	assert.Equal(t, root.ID, ai.ExecutionID)

	tuple, err := f.saver.GetTuple(ctx, checkpoint.Config{ThreadID: conv.ThreadID})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Len(t, tuple.Checkpoint.ChannelValues.Messages, 2)

	require.Len(t, f.recorder.recorded, 1, "usage is recorded once per turn")
	assert.Equal(t, int64(12), f.recorder.recorded[0].TokenUsed)
	assert.Equal(t, "scripted-1", f.recorder.recorded[0].Model)
	assert.Equal(t, "copilot-1", f.recorder.recorded[0].CopilotID)
}

func TestChat_ContinuesConversation(t *testing.T) {
	ctx := context.Background()
	model := llmtest.New(llmtest.Text(1, "first"), llmtest.Text(1, "second"))
	f := newFixture(t, model)

	events, err := f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, Input: map[string]any{"input": "one"}}, Options{})
	require.NoError(t, err)
	convID := conversationData(t, drain(t, events)[0]).ID

	events, err = f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, ConversationID: convID, Input: map[string]any{"input": "two"}}, Options{})
	require.NoError(t, err)
	drain(t, events)

	conv, err := f.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "one", conv.Title)
	assert.Equal(t, "second", conv.Messages[3].Content.PlainText())

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	var history []string
	for _, m := range reqs[1].Messages {
		history = append(history, m.Content)
	}
	assert.Equal(t, []string{"one", "first", "two"}, history)
}

func TestChat_ToolExecutionsAreNested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llmtest.New(
		llmtest.Call(4, "c1", "calculate", `{"expression": "6 * 7"}`),
		llmtest.Text(3, "42"),
	))

	events, err := f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, Input: map[string]any{"input": "6*7?"}},
		Options{Toolsets: []string{"calculator"}})
	require.NoError(t, err)
	got := drain(t, events)
	end := conversationData(t, got[len(got)-1])

	children, err := f.store.ListSubExecutions(ctx, end.ExecutionID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	tool := children[0]
	assert.Equal(t, models.ExecutionKindTool, tool.Kind)
	assert.Equal(t, agent.StepKey("root", "calculate"), tool.AgentKey)
	assert.Equal(t, models.ExecutionSuccess, tool.Status)
	assert.Equal(t, "42", tool.Outputs["output"])

	root, err := f.store.GetExecution(ctx, end.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), root.Tokens)
}

func TestChat_CancelBeforeFirstMessage(t *testing.T) {
	ctx := context.Background()
	model := llmtest.New(llmtest.Turn{Block: true})
	f := newFixture(t, model)

	events, err := f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, Input: map[string]any{"input": "hang"}}, Options{})
	require.NoError(t, err)

	first := <-events
	require.Equal(t, models.OnConversationStart, first.Event)
	start := conversationData(t, first)

	select {
	case <-model.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("model was never called")
	}
	assert.True(t, f.svc.Cancel(start.ID))

	for _, ev := range drain(t, events) {
		assert.NotEqual(t, models.ChatEventMessage, ev.Type)
	}

	root, err := f.store.GetExecution(ctx, start.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionError, root.Status)
	assert.Equal(t, "canceled", root.Error)

	children, err := f.store.ListSubExecutions(ctx, root.ID)
	require.NoError(t, err)
	for _, c := range children {
		assert.NotEqual(t, models.ExecutionRunning, c.Status, "orphaned running record %s", c.AgentKey)
	}

	conv, err := f.store.GetConversation(ctx, start.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2, "the AI message is persisted exactly once")
	assert.Equal(t, models.ExecutionError, conv.Messages[1].Status)

	assert.False(t, f.svc.Cancel(start.ID), "finished turns are unregistered")
}

func TestChat_ProviderErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llmtest.New(llmtest.Turn{Chunks: []string{"par"}, Err: errors.New("upstream 500")}))

	events, err := f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, Input: map[string]any{"input": "x"}}, Options{})
	require.NoError(t, err)
	got := drain(t, events)

	var sawError bool
	for _, ev := range got {
		if ev.Event == models.OnError {
			sawError = true
			assert.Contains(t, ev.Data.(models.ErrorEventData).Message, "upstream 500")
		}
	}
	assert.True(t, sawError)

	end := conversationData(t, got[len(got)-1])
	root, err := f.store.GetExecution(ctx, end.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionError, root.Status)
	assert.Equal(t, "par", root.Outputs["output"], "partial output is kept")
}

func TestChat_LimitExceededKeepsContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llmtest.New(llmtest.Text(50, "answer")))
	f.recorder.err = &tokens.LimitExceededError{Key: "k", Used: 150, Limit: 100}

	events, err := f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, Input: map[string]any{"input": "x"}}, Options{})
	require.NoError(t, err)
	got := drain(t, events)

	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, models.OnError, got[len(got)-2].Event)
	end := conversationData(t, got[len(got)-1])
	assert.Equal(t, models.ExecutionSuccess, end.Status)

	conv, err := f.store.GetConversation(ctx, end.ID)
	require.NoError(t, err)
	assert.Equal(t, "answer", conv.Messages[1].Content.PlainText())
}

func TestChat_LimitBlocksNewTurns(t *testing.T) {
	f := newFixture(t, llmtest.New())
	f.recorder.allowErr = &tokens.LimitExceededError{Key: "k", Used: 100, Limit: 100}

	_, err := f.svc.Chat(context.Background(), Request{XpertID: f.xpert.ID, Input: map[string]any{"input": "x"}}, Options{})
	var limitErr *tokens.LimitExceededError
	assert.True(t, errors.As(err, &limitErr))

	convs, err := f.store.ListConversations(context.Background(), f.xpert.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestChat_UnknownXpert(t *testing.T) {
	f := newFixture(t, llmtest.New())
	_, err := f.svc.Chat(context.Background(), Request{XpertID: "missing"}, Options{})
	var nf *store.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestChat_RejectsSecondTurnOnBusyConversation(t *testing.T) {
	ctx := context.Background()
	model := llmtest.New(llmtest.Turn{Block: true}, llmtest.Text(1, "later"))
	f := newFixture(t, model)

	events, err := f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, Input: map[string]any{"input": "first"}}, Options{})
	require.NoError(t, err)
	start := conversationData(t, <-events)
	select {
	case <-model.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("model was never called")
	}

	_, err = f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, ConversationID: start.ID, Input: map[string]any{"input": "second"}}, Options{})
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, start.ID, busy.ConversationID)

	require.True(t, f.svc.Cancel(start.ID), "the first turn stays cancellable")
	drain(t, events)

	conv, err := f.store.GetConversation(ctx, start.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2, "the rejected turn stored nothing")

	events, err = f.svc.Chat(ctx, Request{XpertID: f.xpert.ID, ConversationID: start.ID, Input: map[string]any{"input": "third"}}, Options{})
	require.NoError(t, err)
	drain(t, events)

	conv, err = f.store.GetConversation(ctx, start.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "later", conv.Messages[3].Content.PlainText())
}
