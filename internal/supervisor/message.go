package supervisor

import (
	"fmt"

	"github.com/roach88/realmsup/internal/badge"
	"github.com/roach88/realmsup/internal/endpoint"
)

// EntityRef identifies a supervised entity by component name and the
// control block of the thread whose faults are reported.
type EntityRef struct {
	Component    string `json:"component" yaml:"component"`
	ControlBlock string `json:"control_block" yaml:"control_block"`
}

// IsZero reports whether r is empty.
func (r EntityRef) IsZero() bool {
	return r.Component == "" && r.ControlBlock == ""
}

func (r EntityRef) String() string {
	if r.ControlBlock == "" {
		return r.Component
	}
	return r.Component + "/" + r.ControlBlock
}

// Message is a demultiplexed delivery. Its concrete type is either
// FaultMessage or RequestMessage.
type Message interface {
	Category() badge.Category
	Sequence() int64
	isMessage()
}

// FaultMessage is a fault notification attributed to the bound entity.
type FaultMessage struct {
	Seq     int64
	Entity  EntityRef
	Payload endpoint.Payload
}

// Category returns badge.Fault.
func (FaultMessage) Category() badge.Category { return badge.Fault }

// Sequence returns the message sequence number.
func (m FaultMessage) Sequence() int64 { return m.Seq }

func (FaultMessage) isMessage() {}

// Reason returns the "reason" field of the payload, if any.
func (m FaultMessage) Reason() string {
	if r, ok := m.Payload["reason"].(string); ok {
		return r
	}
	return ""
}

// RequestMessage is ordinary client traffic.
type RequestMessage struct {
	Seq     int64
	Payload endpoint.Payload
	// CanReply is true when the sender is blocked waiting for a reply.
	CanReply bool
}

// Category returns badge.Request.
func (RequestMessage) Category() badge.Category { return badge.Request }

// Sequence returns the message sequence number.
func (m RequestMessage) Sequence() int64 { return m.Seq }

func (RequestMessage) isMessage() {}

// Op returns the "op" field of the payload, if any.
func (m RequestMessage) Op() string {
	if op, ok := m.Payload["op"].(string); ok {
		return op
	}
	return ""
}

// classify turns a delivery into a Message using only its badge.
func (s *Supervisor) classify(d endpoint.Delivery) (Message, error) {
	category, ok := s.badges.Lookup(d.Badge)
	if !ok {
		return nil, newUnknownBadgeError(s.name, d.Badge, d.Seq)
	}

	switch category {
	case badge.Fault:
		bound := s.bound.Load()
		if bound == nil {
			return nil, newUnboundFaultError(s.name, d.Badge, d.Seq)
		}
		return FaultMessage{Seq: d.Seq, Entity: *bound, Payload: d.Payload}, nil
	case badge.Request:
		return RequestMessage{Seq: d.Seq, Payload: d.Payload, CanReply: d.Reply.CanReply()}, nil
	default:
		return nil, fmt.Errorf("unhandled category %s", category)
	}
}
