// Package requestctx carries the per-request logger, trace and caller.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

// key is a distinct context key per stored type.
type key[T any] struct{}

func with[T any](ctx context.Context, v T) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key[T]{}, v)
}

func from[T any](ctx context.Context) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key[T]{}).(T)
	return v, ok
}

var noopLogger = zap.NewNop()

// NoopLogger is what Logger returns when no logger was stored.
func NoopLogger() *zap.Logger { return noopLogger }

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return with(ctx, logger)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := from[*zap.Logger](ctx); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// TraceInfo is the Cloud Trace context of the inbound request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context { return with(ctx, info) }

func Trace(ctx context.Context) (TraceInfo, bool) { return from[TraceInfo](ctx) }

// TraceID is empty when the request carried no trace context.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// Actor is the caller: an editor in the workspace, or the holder of a service
// token in the content service. Token is the credential to forward downstream.
type Actor struct {
	ID    string
	Name  string
	Email string
	Token string
}

func WithActor(ctx context.Context, actor Actor) context.Context { return with(ctx, actor) }

func ActorFrom(ctx context.Context) (Actor, bool) { return from[Actor](ctx) }
