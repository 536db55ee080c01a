// Package requestctx carries the caller of a store request through context.
package requestctx

import "context"

type callerKey struct{}

// Caller identifies who issued a request.
type Caller struct {
	UserID       string
	ConnectionID string
}

// String renders the caller for log lines.
func (c Caller) String() string {
	if c.UserID == "" && c.ConnectionID == "" {
		return "anonymous"
	}
	return "user=" + c.UserID + " conn=" + c.ConnectionID
}

// WithCaller stores the caller in ctx.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller stored in ctx, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	caller, ok := ctx.Value(callerKey{}).(Caller)
	return caller, ok
}
