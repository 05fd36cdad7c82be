// Package contracts defines the service interfaces the Xpert HTTP layer is
// written against.
//
// The control plane ships concrete implementations (publish.Engine,
// chat.Service, execution.Service). Handlers only see these interfaces, so
// an alternative implementation is a single line change in pkg/server.
package contracts

import (
	"context"

	"github.com/xpertai/control-plane/internal/chat"
	"github.com/xpertai/control-plane/internal/checkpoint"
	"github.com/xpertai/control-plane/internal/execution"
	"github.com/xpertai/control-plane/internal/knowledge"
	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/internal/publish"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/internal/toolset"
	"github.com/xpertai/control-plane/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Collaborators ───────────────────────────────────────────

// Checkpointer reads and writes the latest checkpoint of a thread.
type Checkpointer = checkpoint.Saver

// ChatModel streams completions from an LLM provider.
type ChatModel = llm.ChatModel

// TokenRecorder checks and books token usage against limits.
type TokenRecorder = chat.TokenRecorder

// ── Publish Service ─────────────────────────────────────────

// PublishService turns a team's draft into a new published version.
// Implementation: internal/publish.Engine
type PublishService interface {
	Publish(ctx context.Context, id string) (*models.Xpert, error)
}

// ── Chat Service ────────────────────────────────────────────

// ChatService runs chat turns against teams.
// Implementation: internal/chat.Service
type ChatService interface {
	// Chat starts a turn. Errors before streaming starts are returned
	// directly; the channel is closed after the turn is finalized.
	Chat(ctx context.Context, req chat.Request, opts chat.Options) (<-chan models.ChatEvent, error)

	// Cancel stops the in-flight turn of a conversation.
	Cancel(conversationID string) bool
}

// ── Execution Service ───────────────────────────────────────

// ExecutionService reads execution trees.
// Implementation: internal/execution.Service
type ExecutionService interface {
	GetOneWithCheckpoint(ctx context.Context, id string) (*models.XpertAgentExecution, error)
}

// ── Toolset Catalog ─────────────────────────────────────────

// ToolsetCatalog lists builtin toolset provider schemas.
// Implementation: internal/toolset.SchemaCache
type ToolsetCatalog interface {
	List(names, tags []string) ([]toolset.ProviderSchema, error)
}

// ── Knowledge Base ──────────────────────────────────────────

// KnowledgeBase ingests and searches knowledgebase documents.
// Implementation: internal/knowledge.Store
type KnowledgeBase interface {
	AddText(kbID, text string, metadata map[string]string) []knowledge.Document
	Count(kbID string) int
	Search(ctx context.Context, kbIDs []string, query string, topK int) ([]knowledge.Result, error)
}

var (
	_ PublishService   = (*publish.Engine)(nil)
	_ ChatService      = (*chat.Service)(nil)
	_ ExecutionService = (*execution.Service)(nil)
	_ ToolsetCatalog   = (*toolset.SchemaCache)(nil)
	_ KnowledgeBase    = (*knowledge.Store)(nil)
)
