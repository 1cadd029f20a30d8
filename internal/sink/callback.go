package sink

import "context"

// Func is called for each notification (in-process, no serialisation).
type Func func(ctx context.Context, p Payload) error

// Callback delivers notifications via a Go function call, for embedding
// the watcher in another binary.
type Callback struct {
	fn Func
}

// NewCallback creates a Callback sink. fn may be nil.
func NewCallback(fn Func) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, p Payload) error {
	if c.fn != nil {
		return c.fn(ctx, p)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
