// Package llmtest provides a scripted llm.ChatModel for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/xpertai/control-plane/internal/llm"
)

// Turn is one scripted completion.
type Turn struct {
	Chunks    []string
	ToolCalls []llm.ToolCall
	Tokens    int64
	Err       error
	// Block makes the completion wait for cancellation after sending
	// Chunks.
	Block bool
}

// Text scripts a plain text completion delivered in the given chunks.
func Text(tokens int64, chunks ...string) Turn {
	return Turn{Chunks: chunks, Tokens: tokens}
}

// Call scripts a completion that requests a single tool call.
func Call(tokens int64, id, name, args string) Turn {
	return Turn{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}}, Tokens: tokens}
}

// ErrExhausted is returned once every scripted turn has been consumed.
var ErrExhausted = errors.New("llmtest: script exhausted")

// Model replays scripted turns in order and records every request.
type Model struct {
	mu       sync.Mutex
	turns    []Turn
	requests []llm.Request
	started  chan struct{}
}

func New(turns ...Turn) *Model {
	return &Model{turns: turns, started: make(chan struct{}, 64)}
}

// Started receives one value each time a completion begins.
func (m *Model) Started() <-chan struct{} { return m.started }

// Requests returns a copy of the requests seen so far.
func (m *Model) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

func (m *Model) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, <-chan error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var (
		turn Turn
		ok   bool
	)
	if len(m.turns) > 0 {
		turn, m.turns, ok = m.turns[0], m.turns[1:], true
	}
	m.mu.Unlock()

	out := make(chan llm.Chunk)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(out)
		select {
		case m.started <- struct{}{}:
		default:
		}
		if !ok {
			errc <- ErrExhausted
			return
		}

		send := func(ck llm.Chunk) bool {
			select {
			case out <- ck:
				return true
			case <-ctx.Done():
				errc <- ctx.Err()
				return false
			}
		}
		for _, c := range turn.Chunks {
			if !send(llm.Chunk{Content: c}) {
				return
			}
		}
		if turn.Block {
			<-ctx.Done()
			errc <- ctx.Err()
			return
		}
		if turn.Err != nil {
			errc <- turn.Err
			return
		}
		send(llm.Chunk{
			ToolCalls:    turn.ToolCalls,
			Usage:        &llm.Usage{TotalTokens: turn.Tokens},
			FinishReason: "stop",
		})
	}()
	return out, errc
}
