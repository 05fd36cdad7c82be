package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/internal/draft"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/pkg/models"
)

// changes is the agent diff of one publish, computed before any write.
type changes struct {
	xpert   *models.Xpert
	root    *models.XpertAgent
	updates []models.XpertAgent
	creates []models.XpertAgent
	deletes []string
	options models.NodeOptions

	// Team-level relations, the union over all agent nodes.
	toolsets, knowledgebases, executors []string
}

// plan diffs the draft's agent nodes against the live team. It fails with a
// *ConflictError when a node was edited from an outdated copy of its agent.
func plan(x *models.Xpert, d *models.TeamDraft) (*changes, error) {
	c := &changes{xpert: x, options: layoutOptions(x, d)}

	live := make(map[string]models.XpertAgent, len(x.Agents))
	for _, a := range x.Agents {
		live[a.Key] = a
	}
	kept := make(map[string]bool)

	for _, n := range draft.AgentNodes(d) {
		toolsets := draft.Outgoing(d, n.Key, models.ConnectionToolset)
		kbs := draft.Outgoing(d, n.Key, models.ConnectionKnowledge)
		xperts := draft.Outgoing(d, n.Key, models.ConnectionXpert)
		c.toolsets = uniq(c.toolsets, toolsets...)
		c.knowledgebases = uniq(c.knowledgebases, kbs...)
		c.executors = uniq(c.executors, xperts...)

		var names []string
		for _, id := range xperts {
			if xn := draft.Node(d, models.NodeTypeXpert, id); xn != nil && xn.Entity.Name != "" {
				names = append(names, xn.Entity.Name)
			}
		}

		switch old, ok := live[n.Key]; {
		case ok:
			if stale(old.UpdatedAt, n.Entity.UpdatedAt) {
				return nil, &ConflictError{AgentKey: n.Key}
			}
			a := old
			pickEntity(&a, n.Entity)
			a.LeaderKey = draft.Leader(d, n.Key)
			a.ToolsetIDs, a.KnowledgebaseIDs, a.CollaboratorIDs, a.CollaboratorNames = toolsets, kbs, xperts, names
			c.updates = append(c.updates, a)
			kept[n.Key] = true
		case x.Agent != nil && n.Key == x.Agent.Key:
			if stale(x.Agent.UpdatedAt, n.Entity.UpdatedAt) {
				return nil, &ConflictError{AgentKey: n.Key}
			}
			root := *x.Agent
			pickEntity(&root, n.Entity)
			root.ToolsetIDs, root.KnowledgebaseIDs, root.CollaboratorIDs, root.CollaboratorNames = toolsets, kbs, xperts, names
			c.root = &root
		default:
			a := models.XpertAgent{Key: n.Key, TeamID: x.ID, LeaderKey: draft.Leader(d, n.Key)}
			pickEntity(&a, n.Entity)
			a.ToolsetIDs, a.KnowledgebaseIDs, a.CollaboratorIDs, a.CollaboratorNames = toolsets, kbs, xperts, names
			c.creates = append(c.creates, a)
		}
	}

	for _, a := range x.Agents {
		if !kept[a.Key] {
			c.deletes = append(c.deletes, a.ID)
		}
	}
	return c, nil
}

// apply writes the planned agent changes through tx.
func (c *changes) apply(ctx context.Context, tx store.Store) error {
	if c.root != nil {
		if err := tx.UpdateAgent(ctx, c.root); err != nil {
			return fmt.Errorf("update root agent %s: %w", c.root.Key, err)
		}
		c.xpert.Agent = c.root
	}
	for i := range c.updates {
		a := &c.updates[i]
		log.Debug().Str("key", a.Key).Str("id", a.ID).Msg("Updating team agent")
		if err := tx.UpdateAgent(ctx, a); err != nil {
			return fmt.Errorf("update agent %s: %w", a.Key, err)
		}
	}
	for i := range c.creates {
		a := &c.creates[i]
		if err := tx.CreateAgent(ctx, a); err != nil {
			return fmt.Errorf("create agent %s: %w", a.Key, err)
		}
	}
	for _, id := range c.deletes {
		if err := tx.DeleteAgent(ctx, id); err != nil {
			return fmt.Errorf("delete agent %s: %w", id, err)
		}
	}
	c.xpert.ToolsetIDs = c.toolsets
	c.xpert.KnowledgebaseIDs = c.knowledgebases
	c.xpert.ExecutorIDs = c.executors
	return nil
}

// stale reports whether the live row changed after the draft copied it. A
// draft node that never recorded a timestamp is not checked.
func stale(live time.Time, remembered *time.Time) bool {
	return remembered != nil && live.After(*remembered)
}

// pickEntity copies the editable fields of a draft node onto an agent.
func pickEntity(a *models.XpertAgent, e models.NodeEntity) {
	a.Name = e.Name
	a.Title = e.Title
	a.Description = e.Description
	a.Avatar = e.Avatar
	a.Prompt = e.Prompt
	a.Parameters = e.Parameters
	a.Options = e.Options
	a.CopilotModel = e.CopilotModel
}

// layoutOptions records the canvas position and size of every draft node
// on a copy of the team's layout bag.
func layoutOptions(x *models.Xpert, d *models.TeamDraft) models.NodeOptions {
	base := x.Options
	if d.Team != nil && d.Team.Options != nil {
		base = d.Team.Options
	}
	opts := make(models.NodeOptions, len(base))
	for t, layouts := range base {
		for key, l := range layouts {
			opts.Set(t, key, l)
		}
	}
	for _, n := range d.Nodes {
		opts.Set(n.Type, n.Key, models.NodeLayout{Position: n.Position, Size: n.Size})
	}
	return opts
}
