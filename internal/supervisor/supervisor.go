package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/realmsup/internal/badge"
	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/telemetry"
)

// State is the supervisor's registration state.
type State int32

const (
	// Unbound: no entity has registered.
	Unbound State = iota
	// Bound: exactly one entity registered.
	Bound
	// EntityFailed: the bound entity has faulted at least once.
	EntityFailed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "UNBOUND"
	case Bound:
		return "BOUND"
	case EntityFailed:
		return "ENTITY_FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for _, st := range []State{Unbound, Bound, EntityFailed} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown supervisor state %q", s)
}

var errReceiveDeadline = errors.New("receive deadline expired")

// Supervisor owns an endpoint and supervises at most one entity.
//
// Register and GrantRequestCapability may be called from any goroutine.
// Run must be called from exactly one goroutine; every handler and
// observer runs there.
type Supervisor struct {
	name            string
	ep              *endpoint.Endpoint
	badges          *badge.Registry
	onFault         FaultHandler
	onRequest       RequestHandler
	journal         Journal
	metrics         Recorder
	observers       []Observer
	logger          *slog.Logger
	receiveDeadline time.Duration

	// bound is written once by Register and read-only afterwards.
	bound   atomic.Pointer[EntityRef]
	state   atomic.Int32
	faults  atomic.Int64
	running atomic.Bool
}

// New creates an unbound supervisor and claims ep for it.
func New(name string, ep *endpoint.Endpoint, opts ...Option) (*Supervisor, error) {
	if ep == nil {
		return nil, fmt.Errorf("supervisor %s: endpoint is nil", name)
	}
	if err := ep.Claim(name); err != nil {
		return nil, fmt.Errorf("supervisor %s: %w", name, err)
	}

	s := &Supervisor{
		name:    name,
		ep:      ep,
		badges:  badge.Default(),
		journal: nopJournal{},
		metrics: telemetry.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("supervisor", name)
	return s, nil
}

// Name returns the supervisor's name.
func (s *Supervisor) Name() string { return s.name }

// Endpoint returns the owned endpoint.
func (s *Supervisor) Endpoint() *endpoint.Endpoint { return s.ep }

// Badges returns the badge registry in use.
func (s *Supervisor) Badges() *badge.Registry { return s.badges }

// State returns the current state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// BoundEntity returns the registered entity, if any.
func (s *Supervisor) BoundEntity() (EntityRef, bool) {
	if ref := s.bound.Load(); ref != nil {
		return *ref, true
	}
	return EntityRef{}, false
}

// Faults returns how many fault messages have been attributed.
func (s *Supervisor) Faults() int64 { return s.faults.Load() }

// Register binds entity as the supervised entity and returns the
// FAULT-badged capability its runtime reports faults through. It
// succeeds once; any later call returns a *TopologyError and leaves the
// binding untouched.
func (s *Supervisor) Register(ctx context.Context, entity EntityRef) (endpoint.Capability, error) {
	if entity.IsZero() {
		return endpoint.Capability{}, ErrInvalidEntity
	}

	ref := entity
	for !s.bound.CompareAndSwap(nil, &ref) {
		existing := s.bound.Load()
		if existing == nil {
			// A registration whose grant failed released the binding.
			continue
		}
		terr := &TopologyError{Supervisor: s.name, Bound: *existing, Attempted: entity}

		s.logger.Error("second registration refused",
			"bound", existing.String(),
			"attempted", entity.String())
		s.metrics.Anomaly(ctx, s.name, string(CodeTopology))
		s.emit(ctx, Record{
			Seq:          s.ep.Clock().Next(),
			Kind:         ir.RecordAnomaly,
			Code:         string(CodeTopology),
			Component:    entity.Component,
			ControlBlock: entity.ControlBlock,
			Detail:       terr.Error(),
		})
		return endpoint.Capability{}, terr
	}

	faultBadge := s.badges.ValueFor(badge.Fault)
	c, err := s.ep.Grant(endpoint.SenderID(entity.Component), faultBadge, endpoint.RightWrite|endpoint.RightGrant)
	if err != nil {
		s.bound.Store(nil)
		return endpoint.Capability{}, fmt.Errorf("grant fault capability: %w", err)
	}
	s.state.Store(int32(Bound))

	seq := s.ep.Clock().Next()
	if err := s.journal.WriteBinding(context.WithoutCancel(ctx), ir.Binding{
		Supervisor:   s.name,
		Component:    entity.Component,
		ControlBlock: entity.ControlBlock,
		CapabilityID: c.ID(),
		Badge:        uint64(faultBadge),
		Seq:          seq,
	}); err != nil {
		s.logger.Error("failed to journal binding", "entity", entity.String(), "error", err)
	}
	s.metrics.Registration(ctx, s.name, entity.Component)
	s.emit(ctx, Record{
		Seq:          seq,
		Kind:         ir.RecordRegister,
		Category:     string(badge.Fault),
		Badge:        uint64(faultBadge),
		Component:    entity.Component,
		ControlBlock: entity.ControlBlock,
		Sender:       entity.Component,
	})

	s.logger.Info("entity registered",
		"entity", entity.String(),
		"badge", uint64(faultBadge),
		"capability", c.ID())
	return c, nil
}

// GrantRequestCapability mints a REQUEST-badged capability for sender.
// It is valid in every state, may be called any number of times and
// never affects the binding. RightWrite is always included.
func (s *Supervisor) GrantRequestCapability(ctx context.Context, sender endpoint.SenderID, rights endpoint.Rights) (endpoint.Capability, error) {
	rights |= endpoint.RightWrite
	requestBadge := s.badges.ValueFor(badge.Request)

	c, err := s.ep.Grant(sender, requestBadge, rights)
	if err != nil {
		return endpoint.Capability{}, fmt.Errorf("grant request capability: %w", err)
	}

	s.emit(ctx, Record{
		Seq:      s.ep.Clock().Next(),
		Kind:     ir.RecordGrant,
		Category: string(badge.Request),
		Badge:    uint64(requestBadge),
		Sender:   string(sender),
		Detail:   rights.String(),
	})
	s.logger.Debug("request capability granted",
		"sender", string(sender),
		"rights", rights.String(),
		"capability", c.ID())
	return c, nil
}

// Run is the supervisory loop. It receives one message at a time and
// dispatches it by badge. It returns nil once the endpoint is closed and
// drained. On cancellation it first dispatches the messages already
// queued, then returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.logger.Info("supervisor starting", "state", s.State().String(), "badges", s.badges.String())

	for {
		d, err := s.receive(ctx)
		switch {
		case err == nil:
			s.dispatch(ctx, d)
		case errors.Is(err, endpoint.ErrClosed):
			s.logger.Info("supervisor stopping: endpoint closed")
			return nil
		case ctx.Err() != nil:
			s.logger.Info("supervisor stopping: context cancelled", "queued", s.ep.Pending())
			s.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case errors.Is(err, errReceiveDeadline):
			s.report(ctx, &Error{
				Code:       CodeReceiveDeadline,
				Message:    fmt.Sprintf("no message within %s", s.receiveDeadline),
				Supervisor: s.name,
				Seq:        s.ep.Clock().Next(),
			})
		default:
			s.report(ctx, &Error{
				Code:       CodeProtocolViolation,
				Message:    "undecodable message",
				Supervisor: s.name,
				Seq:        s.ep.Clock().Next(),
				Err:        err,
			})
		}
	}
}

// drain dispatches the messages queued when the loop was cancelled.
// Messages sent during the drain are left to Stop.
func (s *Supervisor) drain(ctx context.Context) {
	for n := s.ep.Pending(); n > 0; n-- {
		d, ok, err := s.ep.TryReceive()
		if !ok {
			return
		}
		if err != nil {
			s.report(ctx, &Error{
				Code:       CodeProtocolViolation,
				Message:    "undecodable message",
				Supervisor: s.name,
				Seq:        s.ep.Clock().Next(),
				Err:        err,
			})
			continue
		}
		s.dispatch(ctx, d)
	}
}

// Stop closes the endpoint. Run dispatches what is still queued and then
// returns.
func (s *Supervisor) Stop() {
	s.ep.Close()
}

// Running reports whether Run is active.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}

func (s *Supervisor) receive(ctx context.Context) (endpoint.Delivery, error) {
	if s.receiveDeadline <= 0 {
		return s.ep.Receive(ctx)
	}

	rctx, cancel := context.WithTimeout(ctx, s.receiveDeadline)
	defer cancel()

	d, err := s.ep.Receive(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return d, errReceiveDeadline
	}
	return d, err
}

// dispatch handles one delivery. Errors never escape; they are reported.
func (s *Supervisor) dispatch(ctx context.Context, d endpoint.Delivery) {
	msg, err := s.classify(d)
	if err != nil {
		var se *Error
		if !errors.As(err, &se) {
			se = &Error{Code: CodeProtocolViolation, Message: err.Error(), Supervisor: s.name, Badge: d.Badge, Seq: d.Seq}
		}
		s.report(ctx, se)
		if rerr := s.ep.Reject(d.Reply, se.Message); rerr != nil {
			s.logger.Debug("reject failed", "seq", d.Seq, "error", rerr)
		}
		return
	}

	switch m := msg.(type) {
	case FaultMessage:
		s.handleFault(ctx, m, d.Badge)
		// Fault senders are never answered; wake a blocked one if any.
		if rerr := s.ep.Reject(d.Reply, "faults are not answered"); rerr != nil {
			s.logger.Debug("reject failed", "seq", d.Seq, "error", rerr)
		}
	case RequestMessage:
		s.handleRequest(ctx, m, d.Badge, d.Reply)
	}
}

func (s *Supervisor) handleFault(ctx context.Context, m FaultMessage, b badge.Badge) {
	s.faults.Add(1)
	s.state.Store(int32(EntityFailed))

	s.metrics.Message(ctx, s.name, string(badge.Fault))
	s.metrics.Fault(ctx, s.name, m.Entity.Component)
	s.logger.Warn("supervised entity faulted",
		"entity", m.Entity.String(),
		"reason", m.Reason(),
		"seq", m.Seq)
	s.emit(ctx, Record{
		Seq:          m.Seq,
		Kind:         ir.RecordFault,
		Category:     string(badge.Fault),
		Badge:        uint64(b),
		Component:    m.Entity.Component,
		ControlBlock: m.Entity.ControlBlock,
		Payload:      m.Payload,
		Detail:       m.Reason(),
	})

	if s.onFault == nil {
		return
	}
	if err := s.onFault.OnFault(ctx, m); err != nil {
		entity := m.Entity
		s.report(ctx, &Error{
			Code:       CodeHandlerFailed,
			Message:    "fault handler failed",
			Supervisor: s.name,
			Badge:      b,
			Seq:        m.Seq,
			Entity:     &entity,
			Err:        err,
		})
	}
}

func (s *Supervisor) handleRequest(ctx context.Context, m RequestMessage, b badge.Badge, rc endpoint.ReplyContext) {
	s.metrics.Message(ctx, s.name, string(badge.Request))
	s.emit(ctx, Record{
		Seq:      m.Seq,
		Kind:     ir.RecordRequest,
		Category: string(badge.Request),
		Badge:    uint64(b),
		Payload:  m.Payload,
		Detail:   m.Op(),
	})

	var resp endpoint.Payload
	if s.onRequest != nil {
		var err error
		resp, err = s.onRequest.OnRequest(ctx, m)
		if err != nil {
			s.report(ctx, &Error{
				Code:       CodeHandlerFailed,
				Message:    "request handler failed",
				Supervisor: s.name,
				Badge:      b,
				Seq:        m.Seq,
				Err:        err,
			})
			if !m.CanReply {
				return
			}
			resp = endpoint.Payload{"ok": false, "error": err.Error()}
		}
	}

	if !m.CanReply {
		if resp != nil {
			s.report(ctx, &Error{
				Code:       CodeReplyMisuse,
				Message:    "reply produced for a sender without reply rights",
				Supervisor: s.name,
				Badge:      b,
				Seq:        m.Seq,
			})
		}
		return
	}

	if resp == nil {
		resp = endpoint.Payload{}
	}
	if err := s.ep.Reply(rc, resp); err != nil {
		s.report(ctx, &Error{
			Code:       CodeReplyMisuse,
			Message:    "reply not delivered",
			Supervisor: s.name,
			Badge:      b,
			Seq:        m.Seq,
			Err:        err,
		})
		return
	}

	s.metrics.Reply(ctx, s.name)
	s.emit(ctx, Record{
		Seq:      m.Seq,
		Kind:     ir.RecordReply,
		Category: string(badge.Request),
		Badge:    uint64(b),
		Payload:  resp,
	})
}

// report sends a recoverable condition to the logger, metrics and journal.
func (s *Supervisor) report(ctx context.Context, e *Error) {
	s.logger.Warn("supervision anomaly",
		"code", string(e.Code),
		"message", e.Message,
		"badge", uint64(e.Badge),
		"seq", e.Seq,
		"error", e.Err)
	s.metrics.Anomaly(ctx, s.name, string(e.Code))

	rec := Record{
		Seq:    e.Seq,
		Kind:   ir.RecordAnomaly,
		Badge:  uint64(e.Badge),
		Code:   string(e.Code),
		Detail: e.Error(),
	}
	if c, ok := s.badges.Lookup(e.Badge); ok {
		rec.Category = string(c)
	}
	if e.Entity != nil {
		rec.Component = e.Entity.Component
		rec.ControlBlock = e.Entity.ControlBlock
	}
	s.emit(ctx, rec)
}

// emit stamps, journals and fans out a record. The journal write
// outlives cancellation so records of an in-flight message survive
// shutdown.
func (s *Supervisor) emit(ctx context.Context, rec Record) {
	rec.Supervisor = s.name
	rec.ID = recordID(s.name, rec)

	if err := s.journal.WriteRecord(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("failed to journal record", "id", rec.ID, "kind", string(rec.Kind), "error", err)
	}
	for _, o := range s.observers {
		o.Observe(rec)
	}
}

func recordID(supervisor string, rec Record) string {
	if rec.Code != "" {
		return fmt.Sprintf("%s/%d/%s/%s", supervisor, rec.Seq, rec.Kind, rec.Code)
	}
	return fmt.Sprintf("%s/%d/%s", supervisor, rec.Seq, rec.Kind)
}
