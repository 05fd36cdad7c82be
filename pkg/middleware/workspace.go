// Package middleware provides the request-scoped context helpers shared by
// the HTTP layer and the services it calls.
package middleware

import "context"

type contextKey string

const workspaceKey contextKey = "workspace"

// DefaultWorkspace is used when a request names no workspace.
const DefaultWorkspace = "default"

// GetWorkspace extracts the workspace id from the context.
// Returns DefaultWorkspace if no workspace is set.
func GetWorkspace(ctx context.Context) string {
	if v, ok := ctx.Value(workspaceKey).(string); ok && v != "" {
		return v
	}
	return DefaultWorkspace
}

// SetWorkspace stores the workspace id in the context.
func SetWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, workspaceKey, workspace)
}
