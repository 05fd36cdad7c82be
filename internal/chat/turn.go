package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xpertai/control-plane/internal/agent"
	"github.com/xpertai/control-plane/internal/checkpoint"
	"github.com/xpertai/control-plane/internal/tokens"
	"github.com/xpertai/control-plane/pkg/models"
)

// turn is the state of one running chat turn. Everything except once is
// owned by the run goroutine.
type turn struct {
	svc    *Service
	xpert  *models.Xpert
	conv   *models.ChatConversation
	root   *models.XpertAgentExecution
	ai     models.ChatMessage
	state  agent.State
	usage  tokens.Usage
	span   trace.Span
	cancel context.CancelFunc
	start  time.Time

	agents  map[string]*models.XpertAgentExecution // by agent key, root excluded
	steps   map[string]*models.XpertAgentExecution // by agent.StepKey
	charged map[string]int64                       // agent tokens already booked
	result  strings.Builder

	once sync.Once
}

func (t *turn) run(ctx context.Context, r *agent.Runnable, out chan<- models.ChatEvent) {
	defer close(out)
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("execution", t.root.ID).Msg("Chat turn panicked")
			t.finalize(ctx, fmt.Errorf("internal error: %v", p))
		}
	}()

	t.svc.metrics.TurnStarted()
	forward := true
	send := func(ev models.ChatEvent) bool {
		if !forward {
			return false
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			forward = false
			return false
		}
	}

	send(models.LifecycleEvent(models.OnConversationStart, models.ConversationEventData{
		ID:          t.conv.ID,
		Title:       t.conv.Title,
		ExecutionID: t.root.ID,
		Status:      models.ExecutionRunning,
		State:       models.ExecutionRunning.Protocol(),
	}))

	events, errc := r.Stream(ctx, t.state)
	for ev := range events {
		t.handle(ctx, ev)
		send(ev)
	}
	err := <-errc

	for _, ev := range t.finalize(ctx, err) {
		if !send(ev) {
			break
		}
	}
}

// handle applies one graph event to the pending AI message or to the
// execution records.
func (t *turn) handle(ctx context.Context, ev models.ChatEvent) {
	if ev.Type == models.ChatEventMessage {
		models.AppendMessageContent(&t.ai, ev.Data)
		if s, ok := ev.Data.(string); ok {
			t.result.WriteString(s)
		}
		return
	}

	switch ev.Event {
	case models.OnAgentStart:
		d, _ := ev.Data.(models.AgentEventData)
		t.agentStarted(ctx, d)
	case models.OnAgentEnd:
		d, _ := ev.Data.(models.AgentEventData)
		t.agentEnded(ctx, d)
	case models.OnToolStart:
		d, _ := ev.Data.(models.StepEventData)
		t.stepStarted(ctx, models.ExecutionKindTool, d)
	case models.OnRetrieverStart:
		d, _ := ev.Data.(models.StepEventData)
		t.stepStarted(ctx, models.ExecutionKindRetriever, d)
	case models.OnToolEnd, models.OnRetrieverEnd:
		d, _ := ev.Data.(models.StepEventData)
		t.stepEnded(ctx, models.ExecutionSuccess, d)
	case models.OnToolError, models.OnRetrieverError:
		d, _ := ev.Data.(models.StepEventData)
		t.stepEnded(ctx, models.ExecutionError, d)
	}
}

func (t *turn) agentStarted(ctx context.Context, d models.AgentEventData) {
	if d.AgentKey == t.root.AgentKey {
		return
	}
	if e, ok := t.agents[d.AgentKey]; ok && e.Status == models.ExecutionRunning {
		return
	}
	e := &models.XpertAgentExecution{
		XpertID:        t.xpert.ID,
		ParentID:       t.root.ID,
		Kind:           models.ExecutionKindAgent,
		AgentKey:       d.AgentKey,
		Title:          d.Title,
		Inputs:         map[string]any{"input": t.state.Input},
		Status:         models.ExecutionRunning,
		ParentThreadID: t.conv.ThreadID,
	}
	t.agents[d.AgentKey] = e
	t.persist(ctx, e)
}

func (t *turn) agentEnded(ctx context.Context, d models.AgentEventData) {
	if d.AgentKey == t.root.AgentKey {
		return
	}
	e, ok := t.agents[d.AgentKey]
	if !ok || e.Status != models.ExecutionRunning {
		return
	}
	// Agent usage arrives as a running total per key.
	e.Tokens = d.Tokens - t.charged[d.AgentKey]
	t.charged[d.AgentKey] = d.Tokens
	e.Outputs = map[string]any{"output": d.Output}
	status := models.ExecutionSuccess
	if d.Error != "" {
		status = models.ExecutionError
	}
	e.Finish(status, d.Error, time.Now().UTC())
	t.persist(ctx, e)
}

// parentOf returns the execution a tool or retriever of agentKey hangs off.
func (t *turn) parentOf(agentKey string) *models.XpertAgentExecution {
	if e, ok := t.agents[agentKey]; ok {
		return e
	}
	return t.root
}

func (t *turn) stepStarted(ctx context.Context, kind models.ExecutionKind, d models.StepEventData) {
	parent := t.parentOf(d.AgentKey)
	e := &models.XpertAgentExecution{
		XpertID:        t.xpert.ID,
		ParentID:       parent.ID,
		Kind:           kind,
		AgentKey:       agent.StepKey(d.AgentKey, d.Name),
		Title:          d.Name,
		Inputs:         map[string]any{"input": d.Input},
		Status:         models.ExecutionRunning,
		ParentThreadID: t.conv.ThreadID,
	}
	t.steps[e.AgentKey] = e
	t.persist(ctx, e)
}

func (t *turn) stepEnded(ctx context.Context, status models.ExecutionStatus, d models.StepEventData) {
	key := agent.StepKey(d.AgentKey, d.Name)
	e, ok := t.steps[key]
	if !ok || e.Status != models.ExecutionRunning {
		return
	}
	e.Outputs = map[string]any{"output": d.Output}
	e.Tokens = d.Tokens
	e.Finish(status, d.Error, time.Now().UTC())
	t.persist(ctx, e)
	if e.Kind == models.ExecutionKindTool {
		t.svc.metrics.ToolCalled(d.Name, string(status))
	}
}

// persist writes a record even when the turn is being cancelled.
func (t *turn) persist(ctx context.Context, e *models.XpertAgentExecution) {
	if err := t.svc.store.UpsertExecution(context.WithoutCancel(ctx), e); err != nil {
		log.Error().Err(err).Str("execution", e.ID).Str("key", e.AgentKey).Msg("Failed to save execution")
	}
}

// finalize closes the turn once and returns the frames still to be sent.
// It runs on a context detached from cancellation so every record reaches
// a terminal status.
func (t *turn) finalize(runCtx context.Context, runErr error) []models.ChatEvent {
	var notices []models.ChatEvent
	t.once.Do(func() {
		canceled := runCtx.Err() != nil
		ctx := context.WithoutCancel(runCtx)
		now := time.Now().UTC()
		defer t.span.End()
		defer t.svc.unregister(t)
		defer t.cancel()

		status, errMsg := models.ExecutionSuccess, ""
		switch {
		case canceled:
			status, errMsg = models.ExecutionError, "canceled"
		case runErr != nil:
			status, errMsg = models.ExecutionError, runErr.Error()
		}

		for _, group := range []map[string]*models.XpertAgentExecution{t.steps, t.agents} {
			for _, e := range group {
				if e.Status != models.ExecutionRunning {
					continue
				}
				reason := errMsg
				if reason == "" {
					reason = "interrupted"
				}
				e.Finish(models.ExecutionError, reason, now)
				t.persist(ctx, e)
			}
		}

		t.root.Outputs = map[string]any{"output": t.result.String()}
		t.root.Tokens = t.state.Meter.Get(t.root.AgentKey)
		t.root.Finish(status, errMsg, now)
		t.persist(ctx, t.root)

		t.ai.Status = status
		t.conv.Messages = append(t.conv.Messages, t.ai)
		if err := t.svc.store.UpsertConversation(ctx, t.conv); err != nil {
			log.Error().Err(err).Str("conversation", t.conv.ID).Msg("Failed to save AI message")
		}

		if t.svc.checkpoints != nil {
			if _, err := t.svc.checkpoints.Put(ctx, checkpoint.Config{ThreadID: t.conv.ThreadID}, checkpoint.Checkpoint{
				ChannelValues: checkpoint.ChannelValues{Messages: storedMessages(t.conv.Messages)},
			}); err != nil {
				log.Warn().Err(err).Str("thread", t.conv.ThreadID).Msg("Failed to write checkpoint")
			}
		}

		total := t.state.Meter.Total()
		if t.svc.tokens != nil && total > 0 {
			u := t.usage
			u.TokenUsed = total
			var limitErr *tokens.LimitExceededError
			switch err := t.svc.tokens.Record(ctx, u); {
			case errors.As(err, &limitErr):
				t.svc.metrics.LimitExceeded()
				log.Warn().Err(err).Str("conversation", t.conv.ID).Msg("Token limit exceeded")
				notices = append(notices, models.LifecycleEvent(models.OnError, models.ErrorEventData{Message: err.Error()}))
			case err != nil:
				log.Warn().Err(err).Str("conversation", t.conv.ID).Msg("Failed to record token usage")
			}
		}

		if runErr != nil && !canceled {
			notices = append(notices, models.LifecycleEvent(models.OnError, models.ErrorEventData{Message: errMsg}))
		}
		notices = append(notices, models.LifecycleEvent(models.OnConversationEnd, models.ConversationEventData{
			ID:          t.conv.ID,
			Title:       t.conv.Title,
			ExecutionID: t.root.ID,
			Status:      status,
			State:       status.Protocol(),
		}))

		elapsed := time.Since(t.start)
		t.svc.metrics.TurnFinished(t.xpert.ID, string(status), elapsed, total)
		t.span.SetAttributes(attribute.Int64("tokens", total), attribute.String("status", string(status)))
		if status == models.ExecutionError {
			t.span.SetStatus(codes.Error, errMsg)
		}

		log.Info().
			Str("conversation", t.conv.ID).
			Str("execution", t.root.ID).
			Str("status", string(status)).
			Int64("tokens", total).
			Dur("elapsed", elapsed).
			Msg("Chat turn finished")
	})
	return notices
}

func storedMessages(msgs []models.ChatMessage) []models.StoredMessage {
	out := make([]models.StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, models.StoredMessage{
			Type: string(m.Role),
			Data: models.StoredMessageData{ID: m.ID, Content: m.Content},
		})
	}
	return out
}
