package internal

import (
	"context"
	"time"
)

// WithTimeout returns a context with timeout, defaulting to 5 seconds if
// duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}

// Detach returns a context that carries the values of ctx but is never
// cancelled. Callback handlers switch to a detached context before the
// reconciliation transaction starts: a gateway disconnect must not abort the
// transition+credit sequence once it is underway.
func Detach(ctx context.Context) context.Context {
	return detachedContext{parent: ctx}
}

type detachedContext struct {
	parent context.Context
}

func (d detachedContext) Deadline() (time.Time, bool)       { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}             { return nil }
func (d detachedContext) Err() error                        { return nil }
func (d detachedContext) Value(key interface{}) interface{} { return d.parent.Value(key) }
