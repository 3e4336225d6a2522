package gateway

import "context"

type ctxKey string

const userIDKey ctxKey = "userID"

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func userIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(userIDKey).(string); ok {
		return value
	}
	return ""
}
