// Package models holds the data types shared by the Xpert control plane:
// teams, their members, drafts, execution records and chat conversations.
package models

import (
	"time"
)

// ── Node kinds ───────────────────────────────────────────────

// NodeType is the closed set of node kinds a team draft may contain.
type NodeType string

const (
	NodeTypeAgent         NodeType = "agent"
	NodeTypeXpert         NodeType = "xpert"
	NodeTypeWorkflow      NodeType = "workflow"
	NodeTypeKnowledgebase NodeType = "knowledgebase"
	NodeTypeToolset       NodeType = "toolset"
)

// NodeTypes lists every valid node kind.
var NodeTypes = []NodeType{NodeTypeAgent, NodeTypeXpert, NodeTypeWorkflow, NodeTypeKnowledgebase, NodeTypeToolset}

// Valid reports whether t is one of the known node kinds.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeAgent, NodeTypeXpert, NodeTypeWorkflow, NodeTypeKnowledgebase, NodeTypeToolset:
		return true
	}
	return false
}

// ConnectionType is the kind of a typed draft edge.
type ConnectionType string

const (
	ConnectionAgent     ConnectionType = "agent"
	ConnectionToolset   ConnectionType = "toolset"
	ConnectionKnowledge ConnectionType = "knowledge"
	ConnectionXpert     ConnectionType = "xpert"
)

// Valid reports whether t is one of the known edge kinds.
func (t ConnectionType) Valid() bool {
	switch t {
	case ConnectionAgent, ConnectionToolset, ConnectionKnowledge, ConnectionXpert:
		return true
	}
	return false
}

// ── Layout ───────────────────────────────────────────────────

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NodeLayout is the canvas placement remembered for one node.
type NodeLayout struct {
	Position *Point `json:"position,omitempty"`
	Size     *Size  `json:"size,omitempty"`
}

// NodeOptions is the layout bag of a team, keyed by node type then node key.
type NodeOptions map[NodeType]map[string]NodeLayout

// Set records the layout of one node, creating inner maps as needed.
func (o NodeOptions) Set(t NodeType, key string, layout NodeLayout) {
	if o[t] == nil {
		o[t] = make(map[string]NodeLayout)
	}
	o[t][key] = layout
}

// ── Shared value types ───────────────────────────────────────

type Tag struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`
}

// CopilotModel selects the LLM behind an agent or a whole team.
type CopilotModel struct {
	ID        string         `json:"id,omitempty"`
	CopilotID string         `json:"copilotId,omitempty"`
	Provider  string         `json:"provider,omitempty"` // "openai", "anthropic"
	Model     string         `json:"model,omitempty"`
	Global    bool           `json:"global,omitempty"` // shared copilot, usage also counted at workspace level
	Options   map[string]any `json:"options,omitempty"`
}

type ParameterType string

const (
	ParameterString ParameterType = "string"
	ParameterNumber ParameterType = "number"
	ParameterSelect ParameterType = "select"
	ParameterText   ParameterType = "text"
)

// Parameter is a typed input an agent expects alongside the chat message.
type Parameter struct {
	Type        ParameterType `json:"type"`
	Name        string        `json:"name"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Optional    bool          `json:"optional,omitempty"`
	Options     []string      `json:"options,omitempty"`
}

// ── Xpert (team) ─────────────────────────────────────────────

// Xpert is a named, versioned agent team.
// One row exists per (workspace, name, version); the row being edited is
// the live row and older versions are kept as non-latest backups.
type Xpert struct {
	ID          string   `json:"id" db:"id"`
	WorkspaceID string   `json:"workspaceId" db:"workspace_id"`
	Name        string   `json:"name" db:"name"`
	Title       string   `json:"title,omitempty" db:"title"`
	TitleCN     string   `json:"titleCN,omitempty" db:"title_cn"`
	Description string   `json:"description,omitempty" db:"description"`
	Avatar      string   `json:"avatar,omitempty" db:"avatar"`
	Starters    []string `json:"starters,omitempty"`
	Tags        []Tag    `json:"tags,omitempty"`

	Version   string      `json:"version" db:"version"`
	Latest    bool        `json:"latest" db:"latest"`
	Active    bool        `json:"active" db:"active"`
	Draft     *TeamDraft  `json:"draft,omitempty"`
	Options   NodeOptions `json:"options,omitempty"`
	PublishAt *time.Time  `json:"publishAt,omitempty" db:"publish_at"`

	// Relations, hydrated by the store on read and ignored on write.
	Agent  *XpertAgent  `json:"agent,omitempty" db:"-"`
	Agents []XpertAgent `json:"agents,omitempty" db:"-"`

	ToolsetIDs       []string `json:"toolsetIds,omitempty"`
	KnowledgebaseIDs []string `json:"knowledgebaseIds,omitempty"`
	ExecutorIDs      []string `json:"executorIds,omitempty"`

	CopilotModel *CopilotModel  `json:"copilotModel,omitempty"`
	AgentConfig  map[string]any `json:"agentConfig,omitempty"`
	Memory       map[string]any `json:"memory,omitempty"`
	Summarize    map[string]any `json:"summarize,omitempty"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// MemberByKey finds the root agent or a member by its stable key.
func (x *Xpert) MemberByKey(key string) *XpertAgent {
	if x.Agent != nil && x.Agent.Key == key {
		return x.Agent
	}
	for i := range x.Agents {
		if x.Agents[i].Key == key {
			return &x.Agents[i]
		}
	}
	return nil
}

// XpertAgent is a team member. The root agent carries XpertID, members
// carry TeamID.
type XpertAgent struct {
	ID          string         `json:"id" db:"id"`
	Key         string         `json:"key" db:"key"`
	Name        string         `json:"name,omitempty" db:"name"`
	Title       string         `json:"title,omitempty" db:"title"`
	Description string         `json:"description,omitempty" db:"description"`
	Avatar      string         `json:"avatar,omitempty" db:"avatar"`
	Prompt      string         `json:"prompt,omitempty" db:"prompt"`
	Parameters  []Parameter    `json:"parameters,omitempty"`
	Options     map[string]any `json:"options,omitempty"`

	XpertID   string `json:"xpertId,omitempty" db:"xpert_id"`
	TeamID    string `json:"teamId,omitempty" db:"team_id"`
	LeaderKey string `json:"leaderKey,omitempty" db:"leader_key"`

	CollaboratorNames []string `json:"collaboratorNames,omitempty"`
	ToolsetIDs        []string `json:"toolsetIds,omitempty"`
	KnowledgebaseIDs  []string `json:"knowledgebaseIds,omitempty"`
	CollaboratorIDs   []string `json:"collaboratorIds,omitempty"` // sub-team xpert ids

	CopilotModel *CopilotModel `json:"copilotModel,omitempty"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// DisplayName returns the first non-empty of title, name and key.
func (a *XpertAgent) DisplayName() string {
	switch {
	case a.Title != "":
		return a.Title
	case a.Name != "":
		return a.Name
	}
	return a.Key
}

// ── Draft ────────────────────────────────────────────────────

// TeamDraft is the editable, unpublished graph of a team.
type TeamDraft struct {
	Team        *TeamBasics  `json:"team,omitempty"`
	Nodes       []TeamNode   `json:"nodes"`
	Connections []Connection `json:"connections"`
	SavedAt     *time.Time   `json:"savedAt,omitempty"`
}

// TeamBasics are the team-level fields a draft may override on publish.
type TeamBasics struct {
	Title        string         `json:"title,omitempty"`
	TitleCN      string         `json:"titleCN,omitempty"`
	Description  string         `json:"description,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	Starters     []string       `json:"starters,omitempty"`
	Tags         []Tag          `json:"tags,omitempty"`
	CopilotModel *CopilotModel  `json:"copilotModel,omitempty"`
	AgentConfig  map[string]any `json:"agentConfig,omitempty"`
	Memory       map[string]any `json:"memory,omitempty"`
	Summarize    map[string]any `json:"summarize,omitempty"`
	Options      NodeOptions    `json:"options,omitempty"`
}

// TeamNode is one node of a draft. Entity carries the editable payload;
// for toolset and knowledgebase nodes Key is the referenced entity id.
type TeamNode struct {
	Type     NodeType   `json:"type"`
	Key      string     `json:"key"`
	Entity   NodeEntity `json:"entity"`
	Position *Point     `json:"position,omitempty"`
	Size     *Size      `json:"size,omitempty"`
}

// NodeEntity is the union of fields the node kinds carry. Only the fields
// relevant to the node's Type are meaningful.
type NodeEntity struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name,omitempty"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	Parameters   []Parameter    `json:"parameters,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
	CopilotModel *CopilotModel  `json:"copilotModel,omitempty"`
	UpdatedAt    *time.Time     `json:"updatedAt,omitempty"`
}

// Connection is a typed edge between two draft nodes, by node key.
type Connection struct {
	Type ConnectionType `json:"type"`
	Key  string         `json:"key"`
	From string         `json:"from"`
	To   string         `json:"to"`
}

// ConnectionKey builds the deterministic key of an edge.
func ConnectionKey(from, to string) string {
	return from + "/" + to
}
