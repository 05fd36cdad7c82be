package models

import (
	"encoding/json"
	"strings"
	"testing"
)

// ─── Versions ────────────────────────────────────────────────

func TestNextVersion(t *testing.T) {
	tests := []struct {
		current  string
		existing []string
		want     string
	}{
		{"", nil, "1"},
		{"1", []string{"1"}, "2"},
		{"1.3", []string{"1.3"}, "1.4"},
		{"1", []string{"1", "2"}, "1.1"},
		{"1", []string{"1", "2", "1.1"}, "1.2"},
		{"2.9", []string{"2.9"}, "2.10"},
	}
	for _, tt := range tests {
		if got := NextVersion(tt.current, tt.existing); got != tt.want {
			t.Errorf("NextVersion(%q, %v) = %q, want %q", tt.current, tt.existing, got, tt.want)
		}
	}
}

func TestNextVersion_Monotonic(t *testing.T) {
	var existing []string
	current := ""
	for i := 0; i < 12; i++ {
		next := NextVersion(current, existing)
		if current != "" && CompareVersions(next, current) <= 0 {
			t.Fatalf("publish %d: version %q does not follow %q", i, next, current)
		}
		existing = append(existing, next)
		current = next
	}
	if current != "12" {
		t.Errorf("after 12 publishes version = %q, want %q", current, "12")
	}
}

func TestCompareVersions(t *testing.T) {
	if CompareVersions("1", "1.1") >= 0 {
		t.Error(`"1" should sort before "1.1"`)
	}
	if CompareVersions("1.1", "2") >= 0 {
		t.Error(`"1.1" should sort before "2"`)
	}
	if CompareVersions("10", "9") <= 0 {
		t.Error(`"10" should sort after "9"`)
	}
	if CompareVersions("3.2", "3.2") != 0 {
		t.Error(`"3.2" should equal itself`)
	}
}

// ─── Content merge ───────────────────────────────────────────

func TestAppendText_StringConcatenates(t *testing.T) {
	var c MessageContent
	c.AppendText("Hel")
	c.AppendText("lo")
	if c.IsArray() || c.Text != "Hello" {
		t.Errorf("content = %+v, want string %q", c, "Hello")
	}
}

func TestAppendText_ChunkingIsTransparent(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"

	var whole, chunked MessageContent
	whole.AppendText(text)
	for _, r := range text {
		chunked.AppendText(string(r))
	}
	if whole.Text != chunked.Text {
		t.Errorf("chunked = %q, want %q", chunked.Text, whole.Text)
	}
}

func TestAppendText_ExtendsTrailingTextBlock(t *testing.T) {
	c := MessageContent{Blocks: []ContentBlock{TextBlock("a")}}
	c.AppendText("b")
	if len(c.Blocks) != 1 || c.Blocks[0].Text != "ab" {
		t.Errorf("blocks = %+v, want single text block %q", c.Blocks, "ab")
	}
}

func TestAppendText_AfterNonTextBlockPushes(t *testing.T) {
	c := MessageContent{Blocks: []ContentBlock{{Type: "image"}}}
	c.AppendText("caption")
	if len(c.Blocks) != 2 || c.Blocks[1].Type != "text" || c.Blocks[1].Text != "caption" {
		t.Errorf("blocks = %+v, want pushed text block", c.Blocks)
	}
}

func TestAppendBlock(t *testing.T) {
	block := ContentBlock{Type: "component", Data: map[string]any{"k": "v"}}

	var empty MessageContent
	empty.AppendBlock(block)
	if len(empty.Blocks) != 1 || empty.Blocks[0].Type != "component" {
		t.Errorf("empty + block = %+v, want [block]", empty.Blocks)
	}

	str := StringContent("intro")
	str.AppendBlock(block)
	if len(str.Blocks) != 2 || str.Blocks[0].Text != "intro" || str.Blocks[1].Type != "component" {
		t.Errorf("string + block = %+v, want [text, block]", str.Blocks)
	}
	if str.Text != "" {
		t.Errorf("string form not cleared: %q", str.Text)
	}

	arr := MessageContent{Blocks: []ContentBlock{TextBlock("x")}}
	arr.AppendBlock(block)
	if len(arr.Blocks) != 2 {
		t.Errorf("array + block = %+v, want 2 blocks", arr.Blocks)
	}
}

func TestAppendMessageContent_MixedFlattensToConcatenation(t *testing.T) {
	msg := &ChatMessage{Role: RoleAI}
	inputs := []any{"Hello", ", ", ContentBlock{Type: "chart"}, "wor", "ld", ContentBlock{Type: "table"}, "!"}
	var want strings.Builder
	for _, in := range inputs {
		AppendMessageContent(msg, in)
		if s, ok := in.(string); ok {
			want.WriteString(s)
		}
	}
	if got := msg.Content.PlainText(); got != want.String() {
		t.Errorf("PlainText() = %q, want %q", got, want.String())
	}
	if len(msg.Content.Blocks) != 5 {
		t.Errorf("got %d blocks, want 5: %+v", len(msg.Content.Blocks), msg.Content.Blocks)
	}
}

func TestMessageContentJSON(t *testing.T) {
	msg := ChatMessage{ID: "m1", Role: RoleAI, Content: StringContent("hi")}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"content":"hi"`) {
		t.Errorf("string content encoded as %s", data)
	}

	var decoded ChatMessage
	if err := json.Unmarshal([]byte(`{"id":"m2","role":"ai","content":[{"type":"text","text":"a"}]}`), &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !decoded.Content.IsArray() || decoded.Content.PlainText() != "a" {
		t.Errorf("decoded content = %+v, want array with text %q", decoded.Content, "a")
	}
}

// ─── Token aggregation ───────────────────────────────────────

func TestAggregateTokens(t *testing.T) {
	root := XpertAgentExecution{
		Tokens: 10,
		SubExecutions: []XpertAgentExecution{
			{Tokens: 5, SubExecutions: []XpertAgentExecution{{Tokens: 2}, {Tokens: 3}}},
			{Tokens: 7},
		},
	}
	if got := root.AggregateTokens(); got != 27 {
		t.Errorf("AggregateTokens() = %d, want 27", got)
	}
	if root.SubExecutions[0].TotalTokens != 10 {
		t.Errorf("child TotalTokens = %d, want 10", root.SubExecutions[0].TotalTokens)
	}

	// Order among siblings must not matter.
	root.SubExecutions[0], root.SubExecutions[1] = root.SubExecutions[1], root.SubExecutions[0]
	if got := root.AggregateTokens(); got != 27 {
		t.Errorf("AggregateTokens() after reorder = %d, want 27", got)
	}
}

func TestExecutionStatusProtocol(t *testing.T) {
	cases := map[ExecutionStatus]ProtocolStatus{
		ExecutionRunning: ProtocolRunning,
		ExecutionSuccess: ProtocolSucceeded,
		ExecutionError:   ProtocolFailed,
	}
	for in, want := range cases {
		if got := in.Protocol(); got != want {
			t.Errorf("%q.Protocol() = %q, want %q", in, got, want)
		}
	}
}

func TestNodeTypeValid(t *testing.T) {
	for _, nt := range NodeTypes {
		if !nt.Valid() {
			t.Errorf("%q.Valid() = false", nt)
		}
	}
	if NodeType("router").Valid() {
		t.Error(`"router" should not be a valid node type`)
	}
}
