// Package execution serves read-side views of execution record trees.
package execution

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/xpertai/control-plane/internal/checkpoint"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/pkg/models"
)

// DefaultConcurrency bounds parallel checkpoint reads per request.
const DefaultConcurrency = 8

// Service loads execution trees with their checkpointed messages.
type Service struct {
	store       store.ExecutionStore
	checkpoints checkpoint.Saver
	concurrency int
}

func NewService(s store.ExecutionStore, cp checkpoint.Saver) *Service {
	return &Service{store: s, checkpoints: cp, concurrency: DefaultConcurrency}
}

// GetOneWithCheckpoint returns the execution id with every sub-execution
// loaded recursively, oldest first. Each record with a thread id carries the
// messages of that thread's latest checkpoint, and every record carries its
// aggregated TotalTokens.
func (s *Service) GetOneWithCheckpoint(ctx context.Context, id string) (*models.XpertAgentExecution, error) {
	root, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, root); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	walk(root, func(e *models.XpertAgentExecution) {
		if e.ThreadID == "" || s.checkpoints == nil {
			return
		}
		g.Go(func() error {
			tuple, err := s.checkpoints.GetTuple(gctx, checkpoint.Config{ThreadID: e.ThreadID})
			if err != nil {
				return fmt.Errorf("checkpoint of execution %s: %w", e.ID, err)
			}
			if tuple != nil {
				e.Messages = tuple.Checkpoint.ChannelValues.Messages
			}
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	root.AggregateTokens()
	return root, nil
}

func (s *Service) loadChildren(ctx context.Context, e *models.XpertAgentExecution) error {
	children, err := s.store.ListSubExecutions(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("sub-executions of %s: %w", e.ID, err)
	}
	for i := range children {
		if err := s.loadChildren(ctx, &children[i]); err != nil {
			return err
		}
	}
	e.SubExecutions = children
	return nil
}

// walk visits e and its loaded descendants, parents first.
func walk(e *models.XpertAgentExecution, fn func(*models.XpertAgentExecution)) {
	fn(e)
	for i := range e.SubExecutions {
		walk(&e.SubExecutions[i], fn)
	}
}
