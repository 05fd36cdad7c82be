package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/xpertai/control-plane/pkg/middleware"
)

// WorkspaceExtractor resolves the workspace of a request from the
// X-Workspace header, then the workspace query parameter, falling back to
// the default workspace. X-User-Id, when present, names the caller.
func WorkspaceExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workspace := strings.TrimSpace(r.Header.Get("X-Workspace"))
		if workspace == "" {
			workspace = strings.TrimSpace(r.URL.Query().Get("workspace"))
		}
		if workspace == "" {
			workspace = middleware.DefaultWorkspace
		}

		ctx := middleware.SetWorkspace(r.Context(), workspace)
		ctx = middleware.SetUser(ctx, strings.TrimSpace(r.Header.Get("X-User-Id")))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetWorkspace retrieves the workspace id from the request context.
func GetWorkspace(ctx context.Context) string {
	return middleware.GetWorkspace(ctx)
}
