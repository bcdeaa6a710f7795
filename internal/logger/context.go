package logger

import "context"

// ctxKey keeps the request-ID value private to this package.
type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request ID on the context for downstream log
// correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID carried by the context, or "" when none
// was attached.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
