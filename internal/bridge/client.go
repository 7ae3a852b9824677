package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/roach88/realmsup/internal/codec"
	"github.com/roach88/realmsup/internal/endpoint"
)

const (
	// dialTimeout covers only the connect phase.
	dialTimeout = 5 * time.Second

	// responseReadTimeout leaves room for the server's call timeout.
	responseReadTimeout = DefaultCallTimeout + writeTimeout

	maxResponseSize = 1024 * 1024
)

// RemoteError is returned when the bridge answers ok=false.
type RemoteError struct {
	Capability string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge error on capability %q: %s", e.Capability, e.Message)
}

// Client talks to a bridge Server. Each operation opens a new
// connection, matching the server's one-request-per-connection model.
type Client struct {
	socketPath string
}

// NewClient creates a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send delivers a one-way request through the capability with the given id.
func (c *Client) Send(ctx context.Context, capabilityID string, payload endpoint.Payload) error {
	_, err := c.do(ctx, Request{Capability: capabilityID, Payload: payload})
	return err
}

// Call delivers a request and returns the supervisor's reply.
func (c *Client) Call(ctx context.Context, capabilityID string, payload endpoint.Payload) (endpoint.Payload, error) {
	resp, err := c.do(ctx, Request{Capability: capabilityID, Payload: payload, Call: true})
	if err != nil {
		return nil, err
	}
	reply := endpoint.Payload{}
	if len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, &reply); err != nil {
			return nil, fmt.Errorf("decoding reply: %w", err)
		}
	}
	return reply, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", c.socketPath, err)
	}
	if !resp.OK {
		return nil, &RemoteError{Capability: req.Capability, Message: resp.Error}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close so the server's read side sees EOF cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var resp Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &resp, nil
}
