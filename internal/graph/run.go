package graph

import (
	"context"
	"fmt"
)

// Runnable is a compiled, immutable graph. It is safe for concurrent runs.
type Runnable[S, E any] struct {
	nodes          map[string]NodeFunc[S, E]
	edges          map[string]string
	branches       map[string]branch[S]
	entry          string
	recursionLimit int
}

// Run executes the graph from its entry node until a route reaches END.
// emit receives every event nodes produce, synchronously; it may be nil.
func (r *Runnable[S, E]) Run(ctx context.Context, state S, emit func(E) bool) (S, error) {
	if emit == nil {
		emit = func(E) bool { return ctx.Err() == nil }
	}

	current := r.entry
	for step := 0; current != END; step++ {
		if step >= r.recursionLimit {
			return state, fmt.Errorf("%w (%d steps)", ErrRecursionLimit, r.recursionLimit)
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		next, err := r.nodes[current](ctx, state, emit)
		if err != nil {
			return next, fmt.Errorf("node %s: %w", current, err)
		}
		state = next

		current, err = r.route(current, state)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

func (r *Runnable[S, E]) route(from string, state S) (string, error) {
	if to, ok := r.edges[from]; ok {
		return to, nil
	}
	b := r.branches[from]
	to := b.route(state)
	if to == "" || to == END {
		return END, nil
	}
	if b.targets != nil && !b.targets[to] {
		return "", fmt.Errorf("node %s routed to undeclared target %q", from, to)
	}
	if r.nodes[to] == nil {
		return "", fmt.Errorf("node %s routed to unknown node %q", from, to)
	}
	return to, nil
}

// Invoke runs the graph and discards events.
func (r *Runnable[S, E]) Invoke(ctx context.Context, state S) (S, error) {
	return r.Run(ctx, state, nil)
}

// Stream runs the graph in a goroutine. Events arrive on the first
// channel, which is closed when the run ends; the run's error, if any, is
// then delivered on the second. Cancelling ctx stops the run and unblocks
// pending sends.
func (r *Runnable[S, E]) Stream(ctx context.Context, state S) (<-chan E, <-chan error) {
	events := make(chan E, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(events)

		emit := func(ev E) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if _, err := r.Run(ctx, state, emit); err != nil {
			errc <- err
		}
	}()
	return events, errc
}
