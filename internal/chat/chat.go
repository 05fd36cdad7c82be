// Package chat runs chat turns against Xpert teams.
//
// A turn appends the human message to the conversation, opens a root
// execution record, compiles the team and streams the graph's events to
// the caller. While streaming, MESSAGE frames are merged into the pending
// AI message and lifecycle frames open and close nested execution records.
// When the stream ends, for any reason, the turn is finalized exactly once.
package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xpertai/control-plane/internal/agent"
	"github.com/xpertai/control-plane/internal/checkpoint"
	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/internal/metrics"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/internal/tokens"
	"github.com/xpertai/control-plane/pkg/models"
)

var tracer = otel.Tracer("xpert-control-plane/chat")

// Request is one chat turn. Input carries the message under "input" and
// the agent parameters under their names.
type Request struct {
	XpertID        string         `json:"xpertId"`
	Input          map[string]any `json:"input"`
	ConversationID string         `json:"conversationId,omitempty"`

	WorkspaceID string `json:"-"`
	UserID      string `json:"-"`
}

// Text returns the message of the turn.
func (r Request) Text() string {
	s, _ := r.Input["input"].(string)
	return s
}

type Options struct {
	// IsDraft runs the team's unpublished draft.
	IsDraft        bool           `json:"isDraft,omitempty"`
	Knowledgebases []string       `json:"knowledgebases,omitempty"`
	Toolsets       []string       `json:"toolsets,omitempty"`
	Signals        *agent.Signals `json:"signals,omitempty"`
}

// Compiler builds the runnable graph of a team.
type Compiler interface {
	Compile(ctx context.Context, x *models.Xpert, opts agent.Options) (*agent.Runnable, error)
}

// TokenRecorder accounts token usage per turn.
type TokenRecorder interface {
	Allow(ctx context.Context, u tokens.Usage) error
	Record(ctx context.Context, u tokens.Usage) error
}

// Service runs chat turns.
type Service struct {
	store        store.Store
	compiler     Compiler
	checkpoints  checkpoint.Saver
	tokens       TokenRecorder
	metrics      *metrics.Collector
	defaultModel string

	mu   sync.Mutex
	busy map[string]struct{} // conversations with a turn being set up or running
	runs map[string]*turn    // in-flight turns by conversation id
}

// BusyError is returned when a conversation already has a turn in flight.
type BusyError struct {
	ConversationID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("conversation %s already has a turn in progress", e.ConversationID)
}

type Option func(*Service)

func WithCheckpoints(cp checkpoint.Saver) Option {
	return func(s *Service) { s.checkpoints = cp }
}

func WithTokenRecorder(r TokenRecorder) Option {
	return func(s *Service) { s.tokens = r }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithDefaultModel names the model usage is recorded under when the team
// does not select one.
func WithDefaultModel(name string) Option {
	return func(s *Service) { s.defaultModel = name }
}

func NewService(s store.Store, c Compiler, opts ...Option) *Service {
	svc := &Service{
		store:    s,
		compiler: c,
		busy:     make(map[string]struct{}),
		runs:     make(map[string]*turn),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Chat starts a turn and returns its event stream. Errors before the
// stream starts are returned directly. The first frame is always
// on_conversation_start; the channel is closed after the turn is
// finalized. Cancelling ctx stops the turn.
func (s *Service) Chat(ctx context.Context, req Request, opts Options) (<-chan models.ChatEvent, error) {
	x, err := s.store.GetXpert(ctx, req.XpertID)
	if err != nil {
		return nil, err
	}
	if x.Agent == nil {
		return nil, fmt.Errorf("xpert %s has no root agent", x.ID)
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = x.WorkspaceID
	}

	usage := s.usage(x, req)
	if s.tokens != nil {
		if err := s.tokens.Allow(ctx, usage); err != nil {
			return nil, err
		}
	}

	// One turn per conversation at a time.
	reserved := ""
	started := false
	defer func() {
		if !started && reserved != "" {
			s.release(reserved)
		}
	}()
	if req.ConversationID != "" {
		if !s.reserve(req.ConversationID) {
			return nil, &BusyError{ConversationID: req.ConversationID}
		}
		reserved = req.ConversationID
	}

	conv, history, err := s.appendHuman(ctx, x, req, opts)
	if err != nil {
		return nil, err
	}
	if reserved == "" {
		s.reserve(conv.ID)
		reserved = conv.ID
	}

	root := &models.XpertAgentExecution{
		XpertID:  x.ID,
		Kind:     models.ExecutionKindAgent,
		AgentKey: x.Agent.Key,
		Title:    x.Agent.DisplayName(),
		Inputs:   req.Input,
		Status:   models.ExecutionRunning,
		ThreadID: conv.ThreadID,
	}
	if err := s.store.UpsertExecution(ctx, root); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	runnable, err := s.compiler.Compile(ctx, x, agent.Options{
		IsDraft:        opts.IsDraft,
		Signals:        opts.Signals,
		Toolsets:       union(conv.Options.Toolsets, opts.Toolsets),
		Knowledgebases: union(conv.Options.Knowledgebases, opts.Knowledgebases),
	})
	if err != nil {
		root.Finish(models.ExecutionError, err.Error(), time.Now().UTC())
		if uerr := s.store.UpsertExecution(context.WithoutCancel(ctx), root); uerr != nil {
			log.Error().Err(uerr).Str("execution", root.ID).Msg("Failed to close execution")
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	runCtx, span := tracer.Start(runCtx, "chat.Chat", trace.WithAttributes(
		attribute.String("xpert.id", x.ID),
		attribute.String("conversation.id", conv.ID),
		attribute.String("execution.id", root.ID),
		attribute.Bool("draft", opts.IsDraft),
	))

	t := &turn{
		svc:     s,
		xpert:   x,
		conv:    conv,
		root:    root,
		ai:      models.ChatMessage{ID: uuid.NewString(), Role: models.RoleAI, ExecutionID: root.ID},
		state:   agent.NewState(req.Text(), req.Input, history),
		usage:   usage,
		span:    span,
		cancel:  cancel,
		start:   time.Now(),
		agents:  make(map[string]*models.XpertAgentExecution),
		steps:   make(map[string]*models.XpertAgentExecution),
		charged: make(map[string]int64),
	}
	s.register(t)
	started = true

	log.Info().
		Str("xpert", x.Name).
		Str("conversation", conv.ID).
		Str("execution", root.ID).
		Bool("draft", opts.IsDraft).
		Msg("💬 Chat turn started")

	out := make(chan models.ChatEvent, 16)
	go t.run(runCtx, runnable, out)
	return out, nil
}

// Cancel stops the in-flight turn of a conversation. It reports whether a
// turn was running.
func (s *Service) Cancel(conversationID string) bool {
	s.mu.Lock()
	t, ok := s.runs[conversationID]
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// reserve marks a conversation busy. It reports false when it already is.
func (s *Service) reserve(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.busy[conversationID]; ok {
		return false
	}
	s.busy[conversationID] = struct{}{}
	return true
}

func (s *Service) release(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, conversationID)
}

func (s *Service) register(t *turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[t.conv.ID] = t
}

func (s *Service) unregister(t *turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[t.conv.ID] == t {
		delete(s.runs, t.conv.ID)
		delete(s.busy, t.conv.ID)
	}
}

// appendHuman stores the human message, creating the conversation when
// the request names none. It returns the conversation and the prior
// messages as model history.
func (s *Service) appendHuman(ctx context.Context, x *models.Xpert, req Request, opts Options) (*models.ChatConversation, []llm.Message, error) {
	var (
		conv *models.ChatConversation
		err  error
	)
	if req.ConversationID != "" {
		conv, err = s.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, nil, err
		}
	} else {
		conv = &models.ChatConversation{
			WorkspaceID: req.WorkspaceID,
			XpertID:     x.ID,
			Title:       req.Text(),
			Options: models.ConversationOptions{
				Knowledgebases: opts.Knowledgebases,
				Toolsets:       opts.Toolsets,
			},
		}
	}

	history := toHistory(conv.Messages)
	conv.Messages = append(conv.Messages, models.ChatMessage{
		ID:      uuid.NewString(),
		Role:    models.RoleHuman,
		Content: models.StringContent(req.Text()),
	})
	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		return nil, nil, fmt.Errorf("save conversation: %w", err)
	}
	return conv, history, nil
}

func (s *Service) usage(x *models.Xpert, req Request) tokens.Usage {
	u := tokens.Usage{WorkspaceID: req.WorkspaceID, UserID: req.UserID, Model: s.defaultModel}
	cm := x.Agent.CopilotModel
	if cm == nil {
		cm = x.CopilotModel
	}
	if cm != nil {
		u.CopilotID = cm.CopilotID
		u.Global = cm.Global
		if cm.Model != "" {
			u.Model = cm.Model
		}
	}
	return u
}

func toHistory(msgs []models.ChatMessage) []llm.Message {
	var out []llm.Message
	for _, m := range msgs {
		text := m.Content.PlainText()
		if strings.TrimSpace(text) == "" {
			continue
		}
		switch m.Role {
		case models.RoleHuman:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: text})
		case models.RoleAI:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: text})
		}
	}
	return out
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
