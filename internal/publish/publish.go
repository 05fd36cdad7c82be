// Package publish turns the draft of a team into its next live version.
//
// A publish runs in one store transaction: the current version is copied
// into a non-latest backup row, then the draft's agent nodes are applied to
// the live agents. Conflicts are detected before the first write, and any
// failure rolls the whole publish back.
package publish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xpertai/control-plane/internal/draft"
	"github.com/xpertai/control-plane/internal/metrics"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/pkg/models"
)

var tracer = otel.Tracer("xpert-control-plane/publish")

// ConflictError reports a draft node edited from a stale copy of its agent.
type ConflictError struct {
	AgentKey string
}

func (e *ConflictError) Error() string {
	return "Agent record has been updated, please resynchronize"
}

// Engine publishes team drafts.
type Engine struct {
	store   store.Store
	metrics *metrics.Collector
	now     func() time.Time
}

type Option func(*Engine)

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithClock replaces the clock used for publishAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Publish validates the draft of xpert id and makes it the live version.
// It returns the published row with its relations.
func (e *Engine) Publish(ctx context.Context, id string) (*models.Xpert, error) {
	ctx, span := tracer.Start(ctx, "publish.Publish", trace.WithAttributes(attribute.String("xpert.id", id)))
	defer span.End()

	start := time.Now()
	x, err := e.publish(ctx, id)
	e.metrics.ObservePublish(outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("xpert.version", x.Version))
	return x, nil
}

func (e *Engine) publish(ctx context.Context, id string) (*models.Xpert, error) {
	x, err := e.store.GetXpert(ctx, id)
	if err != nil {
		return nil, err
	}
	if x.Draft == nil {
		return nil, &store.ErrNotFound{Entity: "draft", Key: x.Name}
	}
	log.Debug().Str("xpert", x.Name).Interface("draft", x.Draft).Msg("Publishing draft")

	if err := draft.Check(x.Draft); err != nil {
		return nil, err
	}

	siblings, err := e.store.ListXpertVersions(ctx, x.WorkspaceID, x.Name)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	existing := make([]string, 0, len(siblings))
	for _, s := range siblings {
		existing = append(existing, s.Version)
	}
	current := x.Version
	version := models.NextVersion(current, existing)

	p, err := plan(x, x.Draft)
	if err != nil {
		return nil, err
	}

	var published *models.Xpert
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		if current != "" {
			if err := backup(ctx, tx, x, version); err != nil {
				return fmt.Errorf("backup version %s: %w", current, err)
			}
		}
		if err := p.apply(ctx, tx); err != nil {
			return err
		}

		applyBasics(x, x.Draft, p.options)
		x.Version = version
		x.Draft = nil
		now := e.now()
		x.PublishAt = &now
		x.Active = true
		if len(siblings) <= 1 {
			x.Latest = true
		}
		if err := tx.UpdateXpert(ctx, x); err != nil {
			return fmt.Errorf("save xpert: %w", err)
		}

		var err error
		published, err = tx.GetXpert(ctx, x.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("xpert", published.Name).
		Str("from", current).
		Str("version", published.Version).
		Int("agents", len(published.Agents)).
		Msg("📦 Xpert published")
	return published, nil
}

// backup saves the live row under the new version, then stores a copy of
// the current version and its agents as a non-latest row.
func backup(ctx context.Context, tx store.Store, x *models.Xpert, version string) error {
	old := *x
	old.ID = ""
	old.Latest = false
	old.Draft = nil
	old.Agent = nil
	old.Agents = nil
	old.CopilotModel = copyModel(x.CopilotModel)

	live := *x
	live.Version = version
	live.Agent, live.Agents = nil, nil
	if err := tx.UpdateXpert(ctx, &live); err != nil {
		return err
	}
	x.Version = version
	x.UpdatedAt = live.UpdatedAt

	if err := tx.CreateXpert(ctx, &old); err != nil {
		return err
	}

	for _, a := range x.Agents {
		cp := a
		cp.ID = ""
		cp.TeamID = old.ID
		cp.CopilotModel = copyModel(a.CopilotModel)
		if err := tx.CreateAgent(ctx, &cp); err != nil {
			return err
		}
	}
	if x.Agent != nil {
		root := *x.Agent
		root.ID = ""
		root.XpertID = old.ID
		root.CopilotModel = copyModel(x.Agent.CopilotModel)
		if err := tx.CreateAgent(ctx, &root); err != nil {
			return err
		}
	}
	log.Debug().Str("xpert", x.Name).Str("backup", old.ID).Str("version", old.Version).Msg("Backed up current version")
	return nil
}

func copyModel(cm *models.CopilotModel) *models.CopilotModel {
	if cm == nil {
		return nil
	}
	out := *cm
	out.ID = ""
	return &out
}

// applyBasics copies the team-level fields of the draft onto the live row.
func applyBasics(x *models.Xpert, d *models.TeamDraft, options models.NodeOptions) {
	x.Options = options
	if d.Team == nil {
		return
	}
	t := d.Team
	x.Title = t.Title
	x.TitleCN = t.TitleCN
	x.Description = t.Description
	x.Avatar = t.Avatar
	x.Starters = t.Starters
	x.Tags = t.Tags
	x.CopilotModel = t.CopilotModel
	x.AgentConfig = t.AgentConfig
	x.Memory = t.Memory
	x.Summarize = t.Summarize
}

func outcome(err error) string {
	var (
		verr     *draft.ValidationError
		conflict *ConflictError
		notFound *store.ErrNotFound
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &verr):
		return "invalid"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &notFound):
		return "not_found"
	}
	return "error"
}

// uniq appends values to dst, skipping the ones already present.
func uniq(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
