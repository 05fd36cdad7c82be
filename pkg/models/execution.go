package models

import "time"

// ExecutionStatus is the persisted status of an execution record.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionError
}

// ProtocolStatus is the lifecycle enum exposed at the protocol layer.
type ProtocolStatus string

const (
	ProtocolRunning   ProtocolStatus = "RUNNING"
	ProtocolSucceeded ProtocolStatus = "SUCCEEDED"
	ProtocolFailed    ProtocolStatus = "FAILED"
)

// Protocol maps a record status onto the protocol lifecycle enum.
func (s ExecutionStatus) Protocol() ProtocolStatus {
	switch s {
	case ExecutionSuccess:
		return ProtocolSucceeded
	case ExecutionError:
		return ProtocolFailed
	}
	return ProtocolRunning
}

// ExecutionKind tells what an execution record stands for.
type ExecutionKind string

const (
	ExecutionKindAgent     ExecutionKind = "agent"
	ExecutionKindTool      ExecutionKind = "tool"
	ExecutionKindRetriever ExecutionKind = "retriever"
)

// XpertAgentExecution records one invocation of an agent, a tool call or a
// knowledge retrieval. Records form a tree through ParentID only; children
// are never enumerated on the parent at write time.
type XpertAgentExecution struct {
	ID             string          `json:"id" db:"id"`
	XpertID        string          `json:"xpertId,omitempty" db:"xpert_id"`
	ParentID       string          `json:"parentId,omitempty" db:"parent_id"`
	Kind           ExecutionKind   `json:"kind,omitempty" db:"kind"`
	AgentKey       string          `json:"agentKey,omitempty" db:"agent_key"`
	Title          string          `json:"title,omitempty" db:"title"`
	Inputs         map[string]any  `json:"inputs,omitempty"`
	Outputs        map[string]any  `json:"outputs,omitempty"`
	Status         ExecutionStatus `json:"status" db:"status"`
	Error          string          `json:"error,omitempty" db:"error"`
	ElapsedTime    int64           `json:"elapsedTime" db:"elapsed_time"` // ms
	Tokens         int64           `json:"tokens" db:"tokens"`            // own tokens only
	ThreadID       string          `json:"threadId,omitempty" db:"thread_id"`
	ParentThreadID string          `json:"parentThreadId,omitempty" db:"parent_thread_id"`
	Metadata       map[string]any  `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	// Read-side fields, never persisted.
	SubExecutions []XpertAgentExecution `json:"subExecutions,omitempty" db:"-"`
	Messages      []StoredMessage       `json:"messages,omitempty" db:"-"`
	TotalTokens   int64                 `json:"totalTokens" db:"-"`
}

// AggregateTokens computes own tokens plus the totals of all loaded
// sub-executions, recursively, and stores the result on every node.
func (e *XpertAgentExecution) AggregateTokens() int64 {
	total := e.Tokens
	for i := range e.SubExecutions {
		total += e.SubExecutions[i].AggregateTokens()
	}
	e.TotalTokens = total
	return total
}

// Finish moves the record to a terminal status.
func (e *XpertAgentExecution) Finish(status ExecutionStatus, errMsg string, now time.Time) {
	e.Status = status
	e.Error = errMsg
	if !e.CreatedAt.IsZero() {
		e.ElapsedTime = now.Sub(e.CreatedAt).Milliseconds()
	}
}

// StoredMessage is the serialized form of a checkpointed chat message.
type StoredMessage struct {
	Type string            `json:"type"` // "human", "ai", "tool", "system"
	Data StoredMessageData `json:"data"`
}

type StoredMessageData struct {
	ID         string         `json:"id,omitempty"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}
