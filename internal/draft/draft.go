// Package draft validates team drafts and derives the typed connections of
// a live team, so the compiler and the studio view model agree on topology.
package draft

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/xpertai/control-plane/pkg/models"
)

// ValidationError reports a draft that cannot be compiled or published.
type ValidationError struct {
	Reason string
	Keys   []string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// CheckTypes rejects nodes and connections of unknown kinds.
func CheckTypes(d *models.TeamDraft) error {
	if d == nil {
		return nil
	}
	for _, n := range d.Nodes {
		if !n.Type.Valid() {
			return &ValidationError{Reason: fmt.Sprintf("Unknown node type %q", n.Type), Keys: []string{n.Key}}
		}
	}
	for _, c := range d.Connections {
		if !c.Type.Valid() {
			return &ValidationError{Reason: fmt.Sprintf("Unknown connection type %q", c.Type), Keys: []string{c.Key}}
		}
	}
	return nil
}

// Check validates a draft. Node and connection kinds must be known.
// Drafts with a single node are otherwise always valid; larger drafts need
// every node to take part in at least one connection, and named
// non-workflow nodes must not share a name.
func Check(d *models.TeamDraft) error {
	if err := CheckTypes(d); err != nil {
		return err
	}
	if d == nil || len(d.Nodes) <= 1 {
		return nil
	}

	connected := make(map[string]bool, len(d.Connections)*2)
	for _, c := range d.Connections {
		connected[c.From] = true
		connected[c.To] = true
	}
	var free []string
	for _, n := range d.Nodes {
		if !connected[n.Key] {
			free = append(free, n.Key)
		}
	}
	if len(free) > 0 {
		return &ValidationError{Reason: "There are free Xpert agents!", Keys: free}
	}

	counts := make(map[string]int)
	for _, n := range d.Nodes {
		if n.Type == models.NodeTypeWorkflow || n.Entity.Name == "" {
			continue
		}
		counts[n.Entity.Name]++
	}
	var dups []string
	for name, c := range counts {
		if c > 1 {
			dups = append(dups, name)
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return &ValidationError{
			Reason: fmt.Sprintf("There are the following duplicate names: %s", strings.Join(dups, ", ")),
			Keys:   dups,
		}
	}
	return nil
}

// DeriveConnections returns the edges a member contributes: one knowledge
// edge per attached knowledgebase, then one toolset edge per toolset, in
// attachment order.
func DeriveConnections(member *models.XpertAgent) []models.Connection {
	conns := make([]models.Connection, 0, len(member.KnowledgebaseIDs)+len(member.ToolsetIDs))
	for _, id := range member.KnowledgebaseIDs {
		conns = append(conns, connection(models.ConnectionKnowledge, member.Key, id))
	}
	for _, id := range member.ToolsetIDs {
		conns = append(conns, connection(models.ConnectionToolset, member.Key, id))
	}
	return conns
}

// TeamConnections derives the full edge list of a live team: the
// per-member knowledge and toolset edges, leader to follower agent edges,
// and an xpert edge for each collaborating sub-team.
func TeamConnections(x *models.Xpert) []models.Connection {
	var conns []models.Connection
	for _, a := range teamAgents(x) {
		conns = append(conns, DeriveConnections(a)...)
		if a.LeaderKey != "" {
			conns = append(conns, connection(models.ConnectionAgent, a.LeaderKey, a.Key))
		}
		for _, id := range a.CollaboratorIDs {
			conns = append(conns, connection(models.ConnectionXpert, a.Key, id))
		}
	}
	return conns
}

// FromTeam rebuilds a draft from the published state of a team, so a live
// team is validated and compiled the same way a draft is.
func FromTeam(x *models.Xpert) *models.TeamDraft {
	d := &models.TeamDraft{
		Team: &models.TeamBasics{
			Title:        x.Title,
			TitleCN:      x.TitleCN,
			Description:  x.Description,
			Avatar:       x.Avatar,
			Starters:     x.Starters,
			Tags:         x.Tags,
			CopilotModel: x.CopilotModel,
			AgentConfig:  x.AgentConfig,
			Memory:       x.Memory,
			Summarize:    x.Summarize,
		},
		Connections: TeamConnections(x),
	}

	seen := make(map[string]bool)
	add := func(t models.NodeType, key string, entity models.NodeEntity) {
		if seen[string(t)+":"+key] {
			return
		}
		seen[string(t)+":"+key] = true
		n := models.TeamNode{Type: t, Key: key, Entity: entity}
		if layout, ok := x.Options[t][key]; ok {
			n.Position, n.Size = layout.Position, layout.Size
		}
		d.Nodes = append(d.Nodes, n)
	}

	agents := teamAgents(x)
	for _, a := range agents {
		updated := a.UpdatedAt
		add(models.NodeTypeAgent, a.Key, models.NodeEntity{
			ID:           a.ID,
			Name:         a.Name,
			Title:        a.Title,
			Description:  a.Description,
			Avatar:       a.Avatar,
			Prompt:       a.Prompt,
			Parameters:   a.Parameters,
			Options:      a.Options,
			CopilotModel: a.CopilotModel,
			UpdatedAt:    &updated,
		})
	}
	for _, a := range agents {
		for _, id := range a.KnowledgebaseIDs {
			add(models.NodeTypeKnowledgebase, id, models.NodeEntity{ID: id})
		}
		for _, id := range a.ToolsetIDs {
			add(models.NodeTypeToolset, id, models.NodeEntity{ID: id})
		}
		for i, id := range a.CollaboratorIDs {
			e := models.NodeEntity{ID: id}
			if i < len(a.CollaboratorNames) {
				e.Name = a.CollaboratorNames[i]
			}
			add(models.NodeTypeXpert, id, e)
		}
	}
	return d
}

// AgentNodes returns the agent-typed nodes of a draft in draft order.
func AgentNodes(d *models.TeamDraft) []models.TeamNode {
	var nodes []models.TeamNode
	for _, n := range d.Nodes {
		if n.Type == models.NodeTypeAgent {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Outgoing returns the targets of edges of type t leaving key, in
// connection order and without duplicates.
func Outgoing(d *models.TeamDraft, key string, t models.ConnectionType) []string {
	var out []string
	for _, c := range d.Connections {
		if c.From == key && c.Type == t && !slices.Contains(out, c.To) {
			out = append(out, c.To)
		}
	}
	return out
}

// Leader returns the source of the agent edge that points at key, or "".
func Leader(d *models.TeamDraft, key string) string {
	for _, c := range d.Connections {
		if c.To == key && c.Type == models.ConnectionAgent {
			return c.From
		}
	}
	return ""
}

// Node finds a node by type and key.
func Node(d *models.TeamDraft, t models.NodeType, key string) *models.TeamNode {
	for i := range d.Nodes {
		if d.Nodes[i].Type == t && d.Nodes[i].Key == key {
			return &d.Nodes[i]
		}
	}
	return nil
}

func teamAgents(x *models.Xpert) []*models.XpertAgent {
	agents := make([]*models.XpertAgent, 0, len(x.Agents)+1)
	if x.Agent != nil {
		agents = append(agents, x.Agent)
	}
	for i := range x.Agents {
		agents = append(agents, &x.Agents[i])
	}
	return agents
}

func connection(t models.ConnectionType, from, to string) models.Connection {
	return models.Connection{Type: t, Key: models.ConnectionKey(from, to), From: from, To: to}
}
