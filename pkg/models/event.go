package models

// ChatEventType discriminates the frames of a chat stream.
type ChatEventType string

const (
	ChatEventMessage ChatEventType = "MESSAGE"
	ChatEventEvent   ChatEventType = "EVENT"
)

// EventName names a lifecycle signal.
type EventName string

const (
	OnConversationStart EventName = "on_conversation_start"
	OnConversationEnd   EventName = "on_conversation_end"
	OnAgentStart        EventName = "on_agent_start"
	OnAgentEnd          EventName = "on_agent_end"
	OnToolStart         EventName = "on_tool_start"
	OnToolEnd           EventName = "on_tool_end"
	OnToolError         EventName = "on_tool_error"
	OnRetrieverStart    EventName = "on_retriever_start"
	OnRetrieverEnd      EventName = "on_retriever_end"
	OnRetrieverError    EventName = "on_retriever_error"
	OnError             EventName = "on_error"
)

// ChatEvent is one frame pushed to the chat caller.
// For MESSAGE frames Data is a string chunk or a ContentBlock.
type ChatEvent struct {
	Type  ChatEventType `json:"type"`
	Event EventName     `json:"event,omitempty"`
	Data  any           `json:"data"`
}

// MessageChunk builds a MESSAGE frame.
func MessageChunk(data any) ChatEvent {
	return ChatEvent{Type: ChatEventMessage, Data: data}
}

// LifecycleEvent builds an EVENT frame.
func LifecycleEvent(name EventName, data any) ChatEvent {
	return ChatEvent{Type: ChatEventEvent, Event: name, Data: data}
}

// ConversationEventData is carried by on_conversation_start/end.
type ConversationEventData struct {
	ID          string          `json:"id"`
	Title       string          `json:"title,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
	Status      ExecutionStatus `json:"status,omitempty"`
	State       ProtocolStatus  `json:"state,omitempty"`
}

// AgentEventData is carried by on_agent_start/end.
type AgentEventData struct {
	AgentKey string `json:"agentKey"`
	Title    string `json:"title,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Tokens   int64  `json:"tokens,omitempty"`
}

// StepEventData is carried by tool and retriever signals. Name is the tool
// name or the knowledgebase id and keys the execution within its agent.
type StepEventData struct {
	AgentKey string `json:"agentKey"`
	Name     string `json:"name"`
	Input    any    `json:"input,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Tokens   int64  `json:"tokens,omitempty"`
}

// ErrorEventData is carried by on_error.
type ErrorEventData struct {
	Message string `json:"message"`
}
