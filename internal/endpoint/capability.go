package endpoint

import (
	"context"
	"fmt"

	"github.com/roach88/realmsup/internal/badge"
)

// SenderID names the holder a capability was granted to.
type SenderID string

// Payload is the body of a message. Payloads are copied when they cross
// an endpoint, so sender and receiver never share a map.
type Payload = map[string]any

// Capability is an unforgeable handle to an endpoint with a fixed badge
// and rights. Its fields are unexported; the only way to obtain a usable
// value is Endpoint.Grant. The endpoint re-checks every use against its
// capability table, so a copied or revoked handle is rejected there.
type Capability struct {
	id     string
	badge  badge.Badge
	rights Rights
	sender SenderID
	ep     *Endpoint
}

// ID returns the capability's table key.
func (c Capability) ID() string { return c.id }

// Badge returns the badge stamped on every message sent through c.
func (c Capability) Badge() badge.Badge { return c.badge }

// Rights returns the rights granted with c.
func (c Capability) Rights() Rights { return c.rights }

// Sender returns the holder c was granted to.
func (c Capability) Sender() SenderID { return c.sender }

// Endpoint returns the endpoint c refers to, or nil for the zero value.
func (c Capability) Endpoint() *Endpoint { return c.ep }

// IsZero reports whether c is the zero value.
func (c Capability) IsZero() bool { return c.ep == nil }

func (c Capability) String() string {
	if c.ep == nil {
		return "cap(nil)"
	}
	return fmt.Sprintf("cap(%s badge=%d rights=%s sender=%s)", c.ep.name, c.badge, c.rights, c.sender)
}

// Send delivers payload one-way. It never blocks on the receiver.
func (c Capability) Send(ctx context.Context, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ep == nil {
		return ErrInvalidCapability
	}
	return c.ep.deliver(c, payload, nil)
}

// Call delivers payload and blocks until the receiver replies, rejects
// the message, the endpoint closes, or ctx is done. The capability must
// carry RightGrantReply.
func (c Capability) Call(ctx context.Context, payload Payload) (Payload, error) {
	if c.ep == nil {
		return nil, ErrInvalidCapability
	}
	if !c.rights.Has(RightGrantReply) {
		return nil, ErrReplyMisuse
	}

	slot := newReplySlot()
	if err := c.ep.deliver(c, payload, slot); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-slot.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	}
}
