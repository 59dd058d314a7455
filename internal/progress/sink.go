package progress

import "context"

// Sink consumes batches of events fanned out by the Hub. Implementations
// must tolerate being called from a single background goroutine and should
// return quickly; the Hub applies a per-flush timeout.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
