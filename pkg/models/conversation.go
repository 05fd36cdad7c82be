package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ── Chat conversation ────────────────────────────────────────

type MessageRole string

const (
	RoleHuman    MessageRole = "human"
	RoleAI       MessageRole = "ai"
	RoleFunction MessageRole = "function"
)

// ChatConversation is an ordered, append-only list of messages bound to a
// checkpoint thread.
type ChatConversation struct {
	ID          string              `json:"id" db:"id"`
	WorkspaceID string              `json:"workspaceId,omitempty" db:"workspace_id"`
	XpertID     string              `json:"xpertId,omitempty" db:"xpert_id"`
	Title       string              `json:"title,omitempty" db:"title"`
	ThreadID    string              `json:"threadId" db:"thread_id"`
	Messages    []ChatMessage       `json:"messages"`
	Options     ConversationOptions `json:"options"`
	CreatedAt   time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time           `json:"updatedAt" db:"updated_at"`
}

type ConversationOptions struct {
	Knowledgebases []string `json:"knowledgebases,omitempty"`
	Toolsets       []string `json:"toolsets,omitempty"`
}

// ChatMessage is one turn entry. The ai message of a turn carries the id of
// the root execution that produced it; its status is back-filled once that
// execution finalizes.
type ChatMessage struct {
	ID          string          `json:"id"`
	Role        MessageRole     `json:"role"`
	Content     MessageContent  `json:"content"`
	ExecutionID string          `json:"executionId,omitempty"`
	Status      ExecutionStatus `json:"status,omitempty"`
}

// ── Message content ──────────────────────────────────────────

// ContentBlock is one element of array-typed message content.
type ContentBlock struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextBlock builds a "text" block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// MessageContent is either a plain string or an array of blocks. A non-nil
// Blocks slice selects the array form.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

// StringContent builds string-typed content.
func StringContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// IsArray reports whether the content is in array form.
func (c MessageContent) IsArray() bool { return c.Blocks != nil }

// IsEmpty reports whether nothing has been appended yet.
func (c MessageContent) IsEmpty() bool { return c.Blocks == nil && c.Text == "" }

// AppendText merges a string chunk:
//   - string content is concatenated;
//   - array content extends a trailing "text" block or gets a new one.
func (c *MessageContent) AppendText(s string) {
	if c.Blocks == nil {
		c.Text += s
		return
	}
	if n := len(c.Blocks); n > 0 && c.Blocks[n-1].Type == "text" {
		c.Blocks[n-1].Text += s
		return
	}
	c.Blocks = append(c.Blocks, TextBlock(s))
}

// AppendBlock merges a structured block:
//   - array content gets the block pushed;
//   - non-empty string content becomes [text(string), block];
//   - empty content becomes [block].
func (c *MessageContent) AppendBlock(b ContentBlock) {
	switch {
	case c.Blocks != nil:
		c.Blocks = append(c.Blocks, b)
	case c.Text != "":
		c.Blocks = []ContentBlock{TextBlock(c.Text), b}
		c.Text = ""
	default:
		c.Blocks = []ContentBlock{b}
	}
}

// PlainText flattens the content to the concatenation of its text.
func (c MessageContent) PlainText() string {
	if c.Blocks == nil {
		return c.Text
	}
	var sb strings.Builder
	for _, b := range c.Blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = MessageContent{}
		return nil
	case data[0] == '"':
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	case data[0] == '[':
		c.Text = ""
		c.Blocks = []ContentBlock{}
		return json.Unmarshal(data, &c.Blocks)
	}
	return fmt.Errorf("message content: unexpected JSON %q", data[:1])
}

// AppendMessageContent merges streamed MESSAGE data into a message.
// Data is a string chunk or a ContentBlock; anything else is ignored.
func AppendMessageContent(msg *ChatMessage, data any) {
	switch v := data.(type) {
	case string:
		msg.Content.AppendText(v)
	case ContentBlock:
		msg.Content.AppendBlock(v)
	case *ContentBlock:
		if v != nil {
			msg.Content.AppendBlock(*v)
		}
	}
}
