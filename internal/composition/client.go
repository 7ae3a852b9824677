package composition

import (
	"context"

	"github.com/roach88/realmsup/internal/endpoint"
)

// Client is a request-only peer of one supervisor.
type Client struct {
	name       string
	supervisor string
	cap        endpoint.Capability
}

// Name returns the client's name.
func (c *Client) Name() string { return c.name }

// Supervisor returns the name of the supervisor the client talks to.
func (c *Client) Supervisor() string { return c.supervisor }

// Capability returns the client's request capability.
func (c *Client) Capability() endpoint.Capability { return c.cap }

// Send delivers a one-way request.
func (c *Client) Send(ctx context.Context, payload endpoint.Payload) error {
	return c.cap.Send(ctx, payload)
}

// Call delivers a request and waits for the reply. The client needs the
// grantreply right.
func (c *Client) Call(ctx context.Context, payload endpoint.Payload) (endpoint.Payload, error) {
	return c.cap.Call(ctx, payload)
}
