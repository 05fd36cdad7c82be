package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/internal/llm/llmtest"
	"github.com/xpertai/control-plane/pkg/models"
)

func TestRegistry_ResolveDefault(t *testing.T) {
	r := llm.NewRegistry()
	echo := llm.Echo{}
	r.RegisterDriver("echo", echo)
	r.RegisterDriver("scripted", llmtest.New())

	m, model, err := r.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve(nil) error = %v", err)
	}
	if _, ok := m.(llm.Echo); !ok || model != "" {
		t.Errorf("Resolve(nil) = %T, %q; want echo driver", m, model)
	}

	m, model, err = r.Resolve(&models.CopilotModel{Provider: "scripted", Model: "gpt-x"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, ok := m.(*llmtest.Model); !ok || model != "gpt-x" {
		t.Errorf("Resolve() = %T, %q; want scripted driver with gpt-x", m, model)
	}

	if _, _, err := r.Resolve(&models.CopilotModel{Provider: "missing"}); err == nil {
		t.Error("Resolve() with unknown provider should fail")
	}

	got := r.ListDrivers()
	if len(got) != 2 || got[0] != "echo" || got[1] != "scripted" {
		t.Errorf("ListDrivers() = %v", got)
	}
}

func TestCollect(t *testing.T) {
	m := llmtest.New(llmtest.Text(7, "Hel", "lo"))
	var seen int
	resp, err := llm.Collect(context.Background(), m, llm.Request{}, func(llm.Chunk) { seen++ })
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if resp.Content != "Hello" || resp.Usage.TotalTokens != 7 {
		t.Errorf("Collect() = %+v", resp)
	}
	if seen != 3 {
		t.Errorf("onChunk called %d times, want 3", seen)
	}
}

func TestCollect_Error(t *testing.T) {
	boom := errors.New("boom")
	m := llmtest.New(llmtest.Turn{Chunks: []string{"partial"}, Err: boom})
	if _, err := llm.Collect(context.Background(), m, llm.Request{}, nil); !errors.Is(err, boom) {
		t.Fatalf("Collect() error = %v, want boom", err)
	}
}

func TestEcho(t *testing.T) {
	req := llm.Request{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "be nice"},
		{Role: llm.RoleUser, Content: "ping pong"},
	}}
	resp, err := llm.Collect(context.Background(), llm.Echo{}, req, nil)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if resp.Content != "ping pong" {
		t.Errorf("echo = %q, want %q", resp.Content, "ping pong")
	}
}
