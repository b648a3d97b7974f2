package orchestrator

import "context"

type contextKey int

const ctxKeyCaller contextKey = 0

// WithCaller attaches the identity of whoever submits work. The orchestrator
// only records it.
func WithCaller(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, subject)
}

// CallerFromContext returns the caller attached by WithCaller.
func CallerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyCaller).(string)
	return v, ok && v != ""
}
