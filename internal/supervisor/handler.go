package supervisor

import (
	"context"

	"github.com/roach88/realmsup/internal/endpoint"
)

// FaultHandler remediates a fault of the bound entity. It is invoked
// exactly once per fault message, from the Run goroutine.
type FaultHandler interface {
	OnFault(ctx context.Context, msg FaultMessage) error
}

// FaultHandlerFunc adapts a function to FaultHandler.
type FaultHandlerFunc func(ctx context.Context, msg FaultMessage) error

// OnFault calls f.
func (f FaultHandlerFunc) OnFault(ctx context.Context, msg FaultMessage) error {
	return f(ctx, msg)
}

// RequestHandler serves a REQUEST message. The returned payload is sent
// as the reply when the sender is waiting for one. Returning a non-nil
// payload for a one-way request is a reply misuse.
type RequestHandler interface {
	OnRequest(ctx context.Context, msg RequestMessage) (endpoint.Payload, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, msg RequestMessage) (endpoint.Payload, error)

// OnRequest calls f.
func (f RequestHandlerFunc) OnRequest(ctx context.Context, msg RequestMessage) (endpoint.Payload, error) {
	return f(ctx, msg)
}

// Observer sees every record the supervisor produces, after it has been
// journaled. Observers run on the Run goroutine and must not block.
type Observer interface {
	Observe(rec Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec Record)

// Observe calls f.
func (f ObserverFunc) Observe(rec Record) { f(rec) }
