package middleware

import "context"

const userKey contextKey = "user"

// SetUser stores the calling user id in the context. Empty ids are not
// stored.
func SetUser(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// GetUser returns the calling user id, or "" for anonymous requests.
// Token usage is only counted per user when this is set.
func GetUser(ctx context.Context) string {
	if v, ok := ctx.Value(userKey).(string); ok {
		return v
	}
	return ""
}
