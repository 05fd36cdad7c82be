// Package store provides the storage interface and the in-memory
// implementation for the Xpert control plane.
package store

import (
	"context"

	"github.com/xpertai/control-plane/pkg/models"
)

// Store is the primary storage interface for the control plane.
// Engine and handler code depends on this interface only.
type Store interface {
	XpertStore
	AgentStore
	ExecutionStore
	ConversationStore

	// RunInTx runs fn against a transactional view of the store. If fn
	// returns an error, every xpert and agent write made through tx is
	// rolled back. Transactions do not nest; calling RunInTx on tx runs fn
	// inside the enclosing transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs schema migrations.
	Migrate(ctx context.Context) error
}

// ── Xpert Store ─────────────────────────────────────────────

// XpertStore persists team rows. Reads hydrate Agent and Agents; writes
// ignore them.
type XpertStore interface {
	// ListXperts returns the latest row of every team in a workspace.
	ListXperts(ctx context.Context, workspace string) ([]models.Xpert, error)
	// ListXpertVersions returns every row of a team, oldest version first.
	ListXpertVersions(ctx context.Context, workspace, name string) ([]models.Xpert, error)
	GetXpert(ctx context.Context, id string) (*models.Xpert, error)
	CreateXpert(ctx context.Context, xpert *models.Xpert) error
	UpdateXpert(ctx context.Context, xpert *models.Xpert) error
	DeleteXpert(ctx context.Context, id string) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*models.XpertAgent, error)
	// ListTeamAgents returns the members of a team (TeamID = xpertID),
	// not including the root agent.
	ListTeamAgents(ctx context.Context, xpertID string) ([]models.XpertAgent, error)
	CreateAgent(ctx context.Context, agent *models.XpertAgent) error
	UpdateAgent(ctx context.Context, agent *models.XpertAgent) error
	DeleteAgent(ctx context.Context, id string) error
}

// ── Execution Store ─────────────────────────────────────────

type ExecutionStore interface {
	// UpsertExecution creates the record when its id is empty or unknown
	// and replaces it otherwise. CreatedAt is kept from the first write.
	UpsertExecution(ctx context.Context, execution *models.XpertAgentExecution) error
	GetExecution(ctx context.Context, id string) (*models.XpertAgentExecution, error)
	// ListSubExecutions returns direct children sorted by creation time.
	ListSubExecutions(ctx context.Context, parentID string) ([]models.XpertAgentExecution, error)
}

// ── Conversation Store ──────────────────────────────────────

type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.ChatConversation, error)
	// UpsertConversation assigns id and thread id on first write.
	UpsertConversation(ctx context.Context, conversation *models.ChatConversation) error
	ListConversations(ctx context.Context, xpertID string, limit int) ([]models.ChatConversation, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrDuplicate is returned when a write would break a uniqueness rule.
type ErrDuplicate struct {
	Entity string
	Key    string
}

func (e *ErrDuplicate) Error() string {
	return e.Entity + " already exists: " + e.Key
}
