package agent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/internal/draft"
	"github.com/xpertai/control-plane/internal/graph"
	"github.com/xpertai/control-plane/internal/knowledge"
	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/internal/toolset"
	"github.com/xpertai/control-plane/pkg/models"
)

// SupervisorNode is the graph node name of the supervisor.
const SupervisorNode = "__supervisor__"

// MaxCollaboratorDepth bounds nested sub-team runs.
const MaxCollaboratorDepth = 3

// Runnable is a compiled team.
type Runnable = graph.Runnable[State, models.ChatEvent]

// ModelResolver picks the chat model for a copilot model selection.
type ModelResolver interface {
	Resolve(cm *models.CopilotModel) (llm.ChatModel, string, error)
}

// ToolsetResolver turns toolset ids into callable tools.
type ToolsetResolver interface {
	Resolve(ctx context.Context, ids []string) ([]toolset.Tool, error)
}

// KnowledgeResolver scopes retrieval to knowledgebases.
type KnowledgeResolver interface {
	Retriever(kbIDs []string) knowledge.Retriever
}

// CollaboratorResolver loads sub-teams called as tools.
type CollaboratorResolver interface {
	GetXpert(ctx context.Context, id string) (*models.Xpert, error)
}

// Options tune one compilation.
type Options struct {
	// IsDraft compiles the unpublished draft instead of the live team.
	IsDraft bool
	Signals *Signals
	// Extra toolsets and knowledgebases chosen for the conversation;
	// bound to the root agent.
	Toolsets       []string
	Knowledgebases []string
}

// Compiler builds runnable graphs for teams.
type Compiler struct {
	models    ModelResolver
	tools     ToolsetResolver
	knowledge KnowledgeResolver
	xperts    CollaboratorResolver

	maxTurns       int
	recursionLimit int
}

type CompilerOption func(*Compiler)

func WithMaxTurns(n int) CompilerOption {
	return func(c *Compiler) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

func WithRecursionLimit(n int) CompilerOption {
	return func(c *Compiler) {
		if n > 0 {
			c.recursionLimit = n
		}
	}
}

// NewCompiler creates a compiler. tools, kb and xperts may be nil, in
// which case agents get no tools, no retrieval or no sub-teams.
func NewCompiler(m ModelResolver, tools ToolsetResolver, kb KnowledgeResolver, xperts CollaboratorResolver, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		models:         m,
		tools:          tools,
		knowledge:      kb,
		xperts:         xperts,
		maxTurns:       DefaultMaxTurns,
		recursionLimit: graph.DefaultRecursionLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// member is one resolved worker.
type member struct {
	key          string
	title        string
	name         string
	description  string
	prompt       string
	parameters   []models.Parameter
	model        llm.ChatModel
	modelName    string
	tools        map[string]Tool
	toolDefs     []llm.ToolDefinition
	knowledgeIDs []string
}

// Compile validates the team topology and builds its graph. Validation
// runs before any node is constructed.
func (c *Compiler) Compile(ctx context.Context, x *models.Xpert, opts Options) (*Runnable, error) {
	if x.Agent == nil {
		return nil, fmt.Errorf("xpert %s has no root agent", x.ID)
	}

	d := x.Draft
	if !opts.IsDraft || d == nil {
		d = draft.FromTeam(x)
	}
	if err := draft.Check(d); err != nil {
		return nil, err
	}

	rootKey := x.Agent.Key
	teamModel := x.CopilotModel
	if opts.IsDraft && d.Team != nil && d.Team.CopilotModel != nil {
		teamModel = d.Team.CopilotModel
	}

	nodes := draft.AgentNodes(d)
	if draft.Node(d, models.NodeTypeAgent, rootKey) == nil {
		nodes = append([]models.TeamNode{rootNode(x.Agent)}, nodes...)
	}

	members := make([]*member, 0, len(nodes))
	var root *member
	for _, n := range nodes {
		m, err := c.resolveMember(ctx, d, n, teamModel, n.Key == rootKey, opts)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", n.Key, err)
		}
		if n.Key == rootKey {
			root = m
		}
		members = append(members, m)
	}

	g := graph.New[State, models.ChatEvent]()
	g.AddNode(SupervisorNode, c.supervisor(root, members))
	targets := make([]string, 0, len(members))
	for _, m := range members {
		g.AddNode(m.key, c.worker(m, opts.Signals))
		g.AddEdge(m.key, SupervisorNode)
		targets = append(targets, m.key)
	}
	g.AddEdge(graph.START, SupervisorNode)
	g.AddConditionalEdges(SupervisorNode, func(s State) string { return s.Next }, targets...)

	r, err := g.Compile(graph.WithRecursionLimit(c.recursionLimit))
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("xpert", x.ID).
		Bool("draft", opts.IsDraft).
		Int("members", len(members)).
		Msg("Compiled xpert graph")
	return r, nil
}

func (c *Compiler) resolveMember(ctx context.Context, d *models.TeamDraft, n models.TeamNode, teamModel *models.CopilotModel, isRoot bool, opts Options) (*member, error) {
	m := &member{
		key:          n.Key,
		title:        n.Entity.Title,
		name:         n.Entity.Name,
		description:  n.Entity.Description,
		prompt:       n.Entity.Prompt,
		parameters:   n.Entity.Parameters,
		tools:        make(map[string]Tool),
		knowledgeIDs: draft.Outgoing(d, n.Key, models.ConnectionKnowledge),
	}
	if m.title == "" {
		m.title = m.name
	}
	if m.title == "" {
		m.title = m.key
	}

	cm := n.Entity.CopilotModel
	if cm == nil {
		cm = teamModel
	}
	model, name, err := c.models.Resolve(cm)
	if err != nil {
		return nil, err
	}
	m.model, m.modelName = model, name

	toolsetIDs := draft.Outgoing(d, n.Key, models.ConnectionToolset)
	if isRoot {
		m.knowledgeIDs = appendUnique(m.knowledgeIDs, opts.Knowledgebases...)
		toolsetIDs = appendUnique(toolsetIDs, opts.Toolsets...)
	}
	if c.tools != nil && len(toolsetIDs) > 0 {
		tools, err := c.tools.Resolve(ctx, toolsetIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve toolsets: %w", err)
		}
		for _, t := range tools {
			m.bind(t)
		}
	}

	for _, id := range draft.Outgoing(d, n.Key, models.ConnectionXpert) {
		if c.xperts == nil {
			break
		}
		sub, err := c.xperts.GetXpert(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve collaborator %s: %w", id, err)
		}
		m.bind(&subTeamTool{compiler: c, xpert: sub, signals: opts.Signals})
	}
	return m, nil
}

func (m *member) bind(t Tool) {
	def := t.Definition()
	if _, dup := m.tools[def.Name]; dup {
		log.Warn().Str("agent", m.key).Str("tool", def.Name).Msg("Duplicate tool name, keeping the last one")
	} else {
		m.toolDefs = append(m.toolDefs, def)
	}
	m.tools[def.Name] = t
}

func rootNode(a *models.XpertAgent) models.TeamNode {
	updated := a.UpdatedAt
	return models.TeamNode{
		Type: models.NodeTypeAgent,
		Key:  a.Key,
		Entity: models.NodeEntity{
			ID:           a.ID,
			Name:         a.Name,
			Title:        a.Title,
			Description:  a.Description,
			Prompt:       a.Prompt,
			Parameters:   a.Parameters,
			Options:      a.Options,
			CopilotModel: a.CopilotModel,
			UpdatedAt:    &updated,
		},
	}
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}
