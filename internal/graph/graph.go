// Package graph implements a small state graph runtime: named nodes that
// transform a shared state, plain and conditional edges between them, and
// a compiled Runnable that executes one node per step and streams the
// events nodes emit along the way.
//
//	g := graph.New[State, Event]().
//	  AddNode("supervisor", supervise).
//	  AddNode("worker", work).
//	  AddEdge(graph.START, "supervisor").
//	  AddEdge("worker", "supervisor").
//	  AddConditionalEdges("supervisor", func(s State) string { return s.Next })
//	r, err := g.Compile()
package graph

import (
	"context"
	"errors"
	"fmt"
)

const (
	// START is the virtual entry node.
	START = "__start__"
	// END is the virtual terminal node.
	END = "__end__"
)

// DefaultRecursionLimit bounds the number of node executions per run.
const DefaultRecursionLimit = 25

// ErrRecursionLimit is returned when a run exceeds its step budget.
var ErrRecursionLimit = errors.New("graph: recursion limit reached")

// NodeFunc runs one step. It returns the next state; events are pushed
// through emit, which returns false once the run has been cancelled.
type NodeFunc[S, E any] func(ctx context.Context, state S, emit func(E) bool) (S, error)

// RouteFunc picks the next node from the state after a step. Returning
// END, or an empty string, finishes the run.
type RouteFunc[S any] func(state S) string

// StateGraph is the mutable builder. Errors are collected and reported by
// Compile so calls can be chained.
type StateGraph[S, E any] struct {
	nodes    map[string]NodeFunc[S, E]
	order    []string
	edges    map[string]string
	branches map[string]branch[S]
	errs     []error
}

type branch[S any] struct {
	route   RouteFunc[S]
	targets map[string]bool // nil = any node
}

// New creates an empty graph builder.
func New[S, E any]() *StateGraph[S, E] {
	return &StateGraph[S, E]{
		nodes:    make(map[string]NodeFunc[S, E]),
		edges:    make(map[string]string),
		branches: make(map[string]branch[S]),
	}
}

// AddNode registers a node under a unique name.
func (g *StateGraph[S, E]) AddNode(name string, fn NodeFunc[S, E]) *StateGraph[S, E] {
	switch {
	case name == "" || name == START || name == END:
		g.errs = append(g.errs, fmt.Errorf("node name %q is reserved", name))
	case fn == nil:
		g.errs = append(g.errs, fmt.Errorf("node %q has no function", name))
	case g.nodes[name] != nil:
		g.errs = append(g.errs, fmt.Errorf("node %q already exists", name))
	default:
		g.nodes[name] = fn
		g.order = append(g.order, name)
	}
	return g
}

// AddEdge routes from one node to the next unconditionally.
func (g *StateGraph[S, E]) AddEdge(from, to string) *StateGraph[S, E] {
	if _, dup := g.edges[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return g
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdges routes from a node using route. When targets are
// given, route must return one of them or END.
func (g *StateGraph[S, E]) AddConditionalEdges(from string, route RouteFunc[S], targets ...string) *StateGraph[S, E] {
	if route == nil {
		g.errs = append(g.errs, fmt.Errorf("conditional edge from %q has no route", from))
		return g
	}
	b := branch[S]{route: route}
	if len(targets) > 0 {
		b.targets = make(map[string]bool, len(targets))
		for _, t := range targets {
			b.targets[t] = true
		}
	}
	g.branches[from] = b
	return g
}

// Compile validates the topology and freezes it into a Runnable.
func (g *StateGraph[S, E]) Compile(opts ...Option) (*Runnable[S, E], error) {
	errs := append([]error(nil), g.errs...)

	entry, ok := g.edges[START]
	if !ok {
		errs = append(errs, errors.New("no edge from START"))
	} else if g.nodes[entry] == nil {
		errs = append(errs, fmt.Errorf("START routes to unknown node %q", entry))
	}
	for from, to := range g.edges {
		if from != START && g.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("edge from unknown node %q", from))
		}
		if to != END && g.nodes[to] == nil {
			errs = append(errs, fmt.Errorf("edge to unknown node %q", to))
		}
	}
	for from, b := range g.branches {
		if g.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("conditional edge from unknown node %q", from))
		}
		if _, plain := g.edges[from]; plain {
			errs = append(errs, fmt.Errorf("node %q has both a plain and a conditional edge", from))
		}
		for t := range b.targets {
			if t != END && g.nodes[t] == nil {
				errs = append(errs, fmt.Errorf("conditional edge from %q targets unknown node %q", from, t))
			}
		}
	}
	for _, name := range g.order {
		_, plain := g.edges[name]
		_, cond := g.branches[name]
		if !plain && !cond {
			errs = append(errs, fmt.Errorf("node %q has no outgoing edge", name))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid graph: %w", errors.Join(errs...))
	}

	cfg := config{recursionLimit: DefaultRecursionLimit}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Runnable[S, E]{
		nodes:          make(map[string]NodeFunc[S, E], len(g.nodes)),
		edges:          make(map[string]string, len(g.edges)),
		branches:       make(map[string]branch[S], len(g.branches)),
		entry:          entry,
		recursionLimit: cfg.recursionLimit,
	}
	for k, v := range g.nodes {
		r.nodes[k] = v
	}
	for k, v := range g.edges {
		r.edges[k] = v
	}
	for k, v := range g.branches {
		r.branches[k] = v
	}
	return r, nil
}

type config struct {
	recursionLimit int
}

// Option configures a compiled Runnable.
type Option func(*config)

// WithRecursionLimit overrides DefaultRecursionLimit. Non-positive values
// are ignored.
func WithRecursionLimit(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.recursionLimit = n
		}
	}
}
