package providers

import "context"

type requestIDKeyType struct{}

var RequestIDKey = requestIDKeyType{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

type forcedProviderKeyType struct{}

var forcedProviderKey = forcedProviderKeyType{}

// WithForcedProvider pins all routing decisions under ctx to the named
// provider, bypassing the selection table. Subagent-initiated calls use this
// to force a specific backend.
func WithForcedProvider(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, forcedProviderKey, name)
}

// ForcedProvider returns the pinned provider name, or "" when none is set.
func ForcedProvider(ctx context.Context) string {
	if name, ok := ctx.Value(forcedProviderKey).(string); ok {
		return name
	}
	return ""
}
