// Package agent compiles an Xpert team into a supervisor/worker graph.
//
// The supervisor decides which member runs next and writes its key to
// State.Next; every member is a worker node running an agentic loop:
//
//	render prompt → retrieve knowledge → stream model →
//	if tool calls, run each and feed results back → repeat until a text
//	answer or MaxTurns is reached.
//
// Workers always hand control back to the supervisor, which ends the run
// by routing to graph.END.
package agent

import (
	"sync"

	"github.com/xpertai/control-plane/internal/llm"
)

// DefaultMaxTurns bounds the model ↔ tool loop of one worker step.
const DefaultMaxTurns = 10

// State is the shared graph state of one chat turn.
type State struct {
	Input      string
	Parameters map[string]any
	// Messages holds the conversation so far: history, the human input,
	// and the answer of every worker step, tagged with the agent key.
	Messages []llm.Message
	Next     string
	Steps    int
	Output   string
	Meter    *Meter
}

// NewState builds the initial state of a turn.
func NewState(input string, params map[string]any, history []llm.Message) State {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: input})
	return State{
		Input:      input,
		Parameters: params,
		Messages:   msgs,
		Meter:      NewMeter(),
	}
}

// Meter accumulates model usage per execution key during a run. Keys are
// the agent key for agents and "agentKey/name" for tools. A nil Meter
// discards usage.
type Meter struct {
	mu    sync.Mutex
	usage map[string]int64
}

func NewMeter() *Meter {
	return &Meter{usage: make(map[string]int64)}
}

func (m *Meter) Add(key string, tokens int64) {
	if m == nil || tokens == 0 {
		return
	}
	m.mu.Lock()
	m.usage[key] += tokens
	m.mu.Unlock()
}

func (m *Meter) Get(key string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[key]
}

// Total is the sum over every key.
func (m *Meter) Total() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, v := range m.usage {
		n += v
	}
	return n
}

// StepKey is the meter and execution key of a tool or retriever step.
func StepKey(agentKey, name string) string {
	return agentKey + "/" + name
}
