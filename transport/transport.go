package transport

import (
	"context"

	"github.com/xraph/mailq/id"
)

// Request is one delivery attempt handed to a Transport.
type Request struct {
	JobID          id.JobID
	IdempotencyKey string
	// Attempt is the 1-indexed number of this attempt.
	Attempt int
	Payload []byte
}

// Transport delivers a single message. Implementations must honour ctx
// cancellation where the underlying client allows it, and should forward
// JobID upstream when the relay supports deduplication.
type Transport interface {
	Send(ctx context.Context, req *Request) error
}

// Func adapts a plain function to the Transport interface.
type Func func(ctx context.Context, req *Request) error

// Send calls f(ctx, req).
func (f Func) Send(ctx context.Context, req *Request) error { return f(ctx, req) }
