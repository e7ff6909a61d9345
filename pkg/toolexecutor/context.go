package toolexecutor

import "context"

type execContextKey struct{}

// ContextWithExecContext attaches execCtx for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext returns the execution context given to a handler.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ec, ok := ctx.Value(execContextKey{}).(*ExecutionContext); ok {
		return ec
	}
	return nil
}
