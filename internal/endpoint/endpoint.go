// Package endpoint implements a capability-gated message endpoint.
//
// An Endpoint has exactly one owner, the receiver. The owner mints
// capabilities with Grant; each capability carries a badge and a rights
// set that the endpoint records in its capability table. Messages sent
// through a capability arrive stamped with the badge from the table, so
// the receiver can trust it to identify the class of sender.
//
// Receive is the only operation that suspends the owner. Senders either
// Send one-way or Call and block until the owner replies.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/realmsup/internal/badge"
	"github.com/roach88/realmsup/internal/codec"
)

// grantRecord is the endpoint-side truth about a capability.
type grantRecord struct {
	badge  badge.Badge
	rights Rights
	sender SenderID
}

// Endpoint is a FIFO message queue guarded by a capability table.
type Endpoint struct {
	name   string
	clock  *Clock
	ids    IDGenerator
	logger *slog.Logger
	queue  *messageQueue

	mu    sync.Mutex
	owner string
	table map[string]grantRecord
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithClock sets the sequence clock. Endpoints of one realm may share a
// clock so that sequence numbers are globally ordered.
func WithClock(c *Clock) Option {
	return func(e *Endpoint) {
		e.clock = c
	}
}

// WithIDGenerator sets the generator used for capability ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Endpoint) {
		e.ids = g
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		e.logger = l
	}
}

// New creates an open, unowned endpoint.
func New(name string, opts ...Option) *Endpoint {
	e := &Endpoint{
		name:  name,
		clock: NewClock(),
		ids:   UUIDv7Generator{},
		queue: newMessageQueue(),
		table: make(map[string]grantRecord),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Name returns the endpoint's name.
func (e *Endpoint) Name() string { return e.name }

// Clock returns the sequence clock stamping this endpoint's messages.
func (e *Endpoint) Clock() *Clock { return e.clock }

// Claim records owner as the endpoint's exclusive receiver. Claiming
// again with the same owner is a no-op; a different owner gets
// ErrAlreadyOwned.
func (e *Endpoint) Claim(owner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.owner != "" && e.owner != owner {
		return fmt.Errorf("%w: %s is owned by %s", ErrAlreadyOwned, e.name, e.owner)
	}
	e.owner = owner
	return nil
}

// Owner returns the claiming owner, or "" if unowned.
func (e *Endpoint) Owner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// Grant mints a capability for sender carrying b and rights.
func (e *Endpoint) Grant(sender SenderID, b badge.Badge, rights Rights) (Capability, error) {
	if b == 0 {
		return Capability{}, ErrReservedBadge
	}
	if e.queue.Closed() {
		return Capability{}, ErrClosed
	}

	id := e.ids.Generate()

	e.mu.Lock()
	e.table[id] = grantRecord{badge: b, rights: rights, sender: sender}
	size := len(e.table)
	e.mu.Unlock()

	e.logger.Debug("capability granted",
		"endpoint", e.name,
		"capability", id,
		"sender", string(sender),
		"badge", uint64(b),
		"rights", rights.String(),
		"table_size", size)

	return Capability{id: id, badge: b, rights: rights, sender: sender, ep: e}, nil
}

// Revoke removes a capability from the table. Later sends through it
// fail with ErrInvalidCapability; messages already queued are kept.
// Reports whether the capability was present.
func (e *Endpoint) Revoke(id string) bool {
	e.mu.Lock()
	_, ok := e.table[id]
	delete(e.table, id)
	e.mu.Unlock()

	if ok {
		e.logger.Debug("capability revoked", "endpoint", e.name, "capability", id)
	}
	return ok
}

// Capabilities returns the number of live capabilities.
func (e *Endpoint) Capabilities() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.table)
}

// Pending returns the number of queued, unreceived messages.
func (e *Endpoint) Pending() int {
	return e.queue.Len()
}

// deliver validates c against the table and enqueues a copy of payload.
func (e *Endpoint) deliver(c Capability, payload Payload, slot *replySlot) error {
	if c.ep != e {
		return ErrInvalidCapability
	}

	e.mu.Lock()
	rec, ok := e.table[c.id]
	e.mu.Unlock()

	// The table, not the handle, is authoritative for badge and rights.
	if !ok || rec.badge != c.badge || rec.rights != c.rights {
		return ErrInvalidCapability
	}
	if !rec.rights.Has(RightWrite) {
		return ErrNoWriteRight
	}

	body, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("copy payload: %w", err)
	}

	m := message{
		seq:   e.clock.Next(),
		badge: rec.badge,
		body:  body,
		reply: slot,
	}
	if !e.queue.Enqueue(m) {
		return ErrClosed
	}
	return nil
}

// Delivery is one received message.
type Delivery struct {
	Seq     int64
	Badge   badge.Badge
	Payload Payload
	Reply   ReplyContext
}

// Receive blocks until a message is available, ctx is done, or the
// endpoint is closed and drained (ErrClosed).
func (e *Endpoint) Receive(ctx context.Context) (Delivery, error) {
	for {
		if m, ok := e.queue.TryDequeue(); ok {
			return e.open(m)
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-e.queue.Wait():
			// A closed signal fires immediately; stop once nothing is left.
			if e.queue.Closed() && e.queue.Len() == 0 {
				return Delivery{}, ErrClosed
			}
		}
	}
}

// TryReceive returns the next queued message without blocking. ok is
// false when the queue is empty.
func (e *Endpoint) TryReceive() (d Delivery, ok bool, err error) {
	m, ok := e.queue.TryDequeue()
	if !ok {
		return Delivery{}, false, nil
	}
	d, err = e.open(m)
	return d, true, err
}

func (e *Endpoint) open(m message) (Delivery, error) {
	var payload Payload
	if err := codec.Unmarshal(m.body, &payload); err != nil {
		if m.reply != nil {
			m.reply.fail(fmt.Errorf("%w: undecodable payload", ErrRejected))
		}
		return Delivery{}, fmt.Errorf("decode message %d: %w", m.seq, err)
	}
	return Delivery{
		Seq:     m.seq,
		Badge:   m.badge,
		Payload: payload,
		Reply:   ReplyContext{seq: m.seq, slot: m.reply},
	}, nil
}

// Reply answers the caller blocked on rc. It fails with ErrReplyMisuse if
// the message was sent one-way and with ErrReplyConsumed on a second reply.
func (e *Endpoint) Reply(rc ReplyContext, payload Payload) error {
	if rc.slot == nil {
		return ErrReplyMisuse
	}
	copied, err := codec.CloneMap(payload)
	if err != nil {
		return fmt.Errorf("copy reply: %w", err)
	}
	return rc.slot.complete(replyResult{payload: copied})
}

// Reject wakes the caller blocked on rc with an error wrapping
// ErrRejected. One-way messages have nobody to wake and return nil.
func (e *Endpoint) Reject(rc ReplyContext, reason string) error {
	if rc.slot == nil {
		return nil
	}
	return rc.slot.complete(replyResult{err: fmt.Errorf("%w: %s", ErrRejected, reason)})
}

// Close stops the endpoint. New sends fail with ErrClosed and callers
// still waiting on queued calls are woken with ErrClosed. Queued one-way
// messages remain receivable until drained. Close is idempotent.
func (e *Endpoint) Close() {
	if e.queue.Closed() {
		return
	}
	calls := e.queue.Close()
	for _, m := range calls {
		m.reply.fail(ErrClosed)
	}
	e.logger.Debug("endpoint closed",
		"endpoint", e.name,
		"failed_calls", len(calls),
		"undrained", e.queue.Len())
}

// Closed reports whether Close has been called.
func (e *Endpoint) Closed() bool {
	return e.queue.Closed()
}

// ReplyContext identifies the caller to answer for one delivery.
// The zero value belongs to a one-way message.
type ReplyContext struct {
	seq  int64
	slot *replySlot
}

// CanReply reports whether a reply can be delivered.
func (rc ReplyContext) CanReply() bool {
	return rc.slot != nil
}

// Seq returns the sequence number of the message being answered.
func (rc ReplyContext) Seq() int64 {
	return rc.seq
}

type replyResult struct {
	payload Payload
	err     error
}

// replySlot carries at most one result back to a blocked caller.
type replySlot struct {
	mu   sync.Mutex
	used bool
	ch   chan replyResult
}

func newReplySlot() *replySlot {
	return &replySlot{ch: make(chan replyResult, 1)}
}

func (s *replySlot) complete(res replyResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.used {
		return ErrReplyConsumed
	}
	s.used = true
	s.ch <- res
	return nil
}

func (s *replySlot) fail(err error) {
	_ = s.complete(replyResult{err: err})
}
