package backend

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID tags ctx with the inbound request id so backend calls can be
// correlated with it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
