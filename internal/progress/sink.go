package progress

import "context"

// Sink receives batches of events from a Hub. The Hub calls Consume from a
// single goroutine, in emit order, and calls Close once during shutdown.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. The orchestrator depends on this rather than
// on Hub.
type Emitter interface {
	Emit(evt Event)
}

// SinkFunc adapts a function into a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close implements Sink.
func (SinkFunc) Close(context.Context) error {
	return nil
}
