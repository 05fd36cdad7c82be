package middleware

import (
	"context"
	"testing"
)

func TestWorkspace(t *testing.T) {
	ctx := context.Background()
	if got := GetWorkspace(ctx); got != DefaultWorkspace {
		t.Errorf("GetWorkspace() = %q, want %q", got, DefaultWorkspace)
	}
	ctx = SetWorkspace(ctx, "acme")
	if got := GetWorkspace(ctx); got != "acme" {
		t.Errorf("GetWorkspace() = %q, want acme", got)
	}
}

func TestUser(t *testing.T) {
	ctx := SetUser(context.Background(), "")
	if got := GetUser(ctx); got != "" {
		t.Errorf("GetUser() = %q, want empty", got)
	}
	if got := GetUser(SetUser(ctx, "u1")); got != "u1" {
		t.Errorf("GetUser() = %q, want u1", got)
	}
}
