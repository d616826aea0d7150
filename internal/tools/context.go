package tools

import "context"

// Caller identifies who is running a tool: the conversation and the
// event source of the run (agent cycle or chat session).
type Caller struct {
	Conversation string
	Source       string
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller on ctx. Calls with no caller are
// attributed to the scheduled cycle.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	if c.Conversation == "" {
		c.Conversation = "scheduled"
	}
	return c
}
