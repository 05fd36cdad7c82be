package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xpertai/control-plane/pkg/middleware"
)

func TestWorkspaceExtractor(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"header wins", "/x?workspace=query", "header", "header"},
		{"query", "/x?workspace=query", "", "query"},
		{"default", "/x", "", middleware.DefaultWorkspace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got, user string
			h := WorkspaceExtractor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetWorkspace(r.Context())
				user = middleware.GetUser(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("X-Workspace", tt.header)
			}
			req.Header.Set("X-User-Id", "u1")
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("workspace = %q, want %q", got, tt.want)
			}
			if user != "u1" {
				t.Errorf("user = %q, want u1", user)
			}
		})
	}
}

func TestLogger_KeepsFlusher(t *testing.T) {
	var flushable bool
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !flushable {
		t.Error("Logger() hides http.Flusher")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}
