package tokens

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
)

func TestRecorder_RequiresModel(t *testing.T) {
	r := NewRecorder(NewMemoryCounter(), 0)
	err := r.Record(context.Background(), Usage{WorkspaceID: "ws", TokenUsed: 5})
	if !errors.Is(err, ErrNoModel) {
		t.Fatalf("Record() error = %v, want ErrNoModel", err)
	}
}

func TestRecorder_SkipsZeroUsage(t *testing.T) {
	counter := NewMemoryCounter()
	r := NewRecorder(counter, 10)
	if err := r.Record(context.Background(), Usage{WorkspaceID: "ws", Model: "gpt-4o", TokenUsed: 0}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(counter.totals) != 0 {
		t.Errorf("counter = %v, want empty", counter.totals)
	}
}

func TestRecorder_LimitExceeded(t *testing.T) {
	ctx := context.Background()
	counter := NewMemoryCounter()
	r := NewRecorder(counter, 100)
	u := Usage{WorkspaceID: "ws", CopilotID: "c1", Model: "gpt-4o", TokenUsed: 60}

	if err := r.Allow(ctx, u); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if err := r.Record(ctx, u); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	err := r.Record(ctx, u)
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Record() error = %v, want LimitExceededError", err)
	}
	if limitErr.Used != 120 || limitErr.Limit != 100 {
		t.Errorf("LimitExceededError = %+v", limitErr)
	}

	used, err := counter.Get(ctx, userKey(u))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if used != 120 {
		t.Errorf("Get() = %d, want 120: usage past the limit is still stored", used)
	}

	if err := r.Allow(ctx, u); !errors.As(err, &limitErr) {
		t.Errorf("Allow() error = %v, want LimitExceededError", err)
	}
}

func TestRecorder_GlobalCopilotCountsWorkspace(t *testing.T) {
	ctx := context.Background()
	counter := NewMemoryCounter()
	r := NewRecorder(counter, 0)

	if err := r.Record(ctx, Usage{WorkspaceID: "ws", CopilotID: "shared", Global: true, Model: "m", TokenUsed: 7}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := r.Record(ctx, Usage{WorkspaceID: "ws", CopilotID: "private", Model: "m", TokenUsed: 3}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if got := counter.totals["tokens:org:ws"]; got != 7 {
		t.Errorf("workspace total = %d, want 7", got)
	}
	if got := counter.totals["tokens:ws:private"]; got != 3 {
		t.Errorf("private total = %d, want 3", got)
	}
}

func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := DialRedis(ctx, addr, os.Getenv("REDIS_PASS"), 0)
	if err != nil {
		t.Fatalf("DialRedis() error = %v", err)
	}
	defer c.Close()

	key := "tokens:test:" + uuid.NewString()
	defer c.client.Del(ctx, key)

	if got, err := c.Get(ctx, key); err != nil || got != 0 {
		t.Fatalf("Get() = %d, %v, want 0, nil", got, err)
	}
	if got, err := c.IncrBy(ctx, key, 5); err != nil || got != 5 {
		t.Fatalf("IncrBy() = %d, %v, want 5, nil", got, err)
	}
}
