// Package entity is the supervised side of the protocol: a component that
// registers once with its supervisor and reports its own faults through
// the FAULT capability it receives.
package entity

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/supervisor"
)

var (
	// ErrAlreadyRegistered is returned by a second Register.
	ErrAlreadyRegistered = errors.New("entity: already registered")
	// ErrNotRegistered is returned when reporting a fault before Register.
	ErrNotRegistered = errors.New("entity: not registered")
)

// Registrar accepts the one-time registration. *supervisor.Supervisor
// implements it.
type Registrar interface {
	Register(ctx context.Context, ref supervisor.EntityRef) (endpoint.Capability, error)
}

// FaultError is returned by Guard when the guarded function panicked. The
// fault has already been delivered to the supervisor when it is returned.
type FaultError struct {
	Entity supervisor.EntityRef
	Reason string
	Stack  string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("entity %s faulted: %s", e.Entity, e.Reason)
}

// Entity holds its reference and, after registration, its installed fault
// capability.
type Entity struct {
	ref supervisor.EntityRef

	mu       sync.Mutex
	faultCap endpoint.Capability
	requests map[string]endpoint.Capability
}

// New creates an unregistered entity.
func New(ref supervisor.EntityRef) *Entity {
	return &Entity{ref: ref, requests: make(map[string]endpoint.Capability)}
}

// Ref returns the entity's reference.
func (e *Entity) Ref() supervisor.EntityRef { return e.ref }

// Register performs the one-time registration with r and installs the
// returned fault capability. A second call fails without contacting r.
func (e *Entity) Register(ctx context.Context, r Registrar) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.faultCap.IsZero() {
		return ErrAlreadyRegistered
	}
	c, err := r.Register(ctx, e.ref)
	if err != nil {
		return fmt.Errorf("register %s: %w", e.ref, err)
	}
	e.faultCap = c
	return nil
}

// Registered reports whether Register has succeeded.
func (e *Entity) Registered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.faultCap.IsZero()
}

// FaultCapability returns the installed fault capability.
func (e *Entity) FaultCapability() (endpoint.Capability, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faultCap, !e.faultCap.IsZero()
}

// AddRequestCapability stores a request capability under name, as a
// component holding a slot to a supervisor's endpoint.
func (e *Entity) AddRequestCapability(name string, c endpoint.Capability) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests[name] = c
}

// RequestCapability returns the request capability stored under name.
func (e *Entity) RequestCapability(name string) (endpoint.Capability, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.requests[name]
	return c, ok
}

// Trap delivers a fault with the given reason.
func (e *Entity) Trap(ctx context.Context, reason string) error {
	return e.deliver(ctx, reason, nil)
}

// Guard runs fn. If fn panics the panic is recovered, delivered to the
// supervisor as a fault, and returned as a *FaultError. An error returned
// by fn is passed through and is not a fault.
func (e *Entity) Guard(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if !e.Registered() {
		return ErrNotRegistered
	}

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		reason := fmt.Sprint(rec)
		stack := string(debug.Stack())
		fe := &FaultError{Entity: e.ref, Reason: reason, Stack: stack}
		if derr := e.deliver(ctx, reason, map[string]any{"panic": true}); derr != nil {
			err = errors.Join(fe, fmt.Errorf("deliver fault: %w", derr))
			return
		}
		err = fe
	}()

	return fn(ctx)
}

func (e *Entity) deliver(ctx context.Context, reason string, extra map[string]any) error {
	c, ok := e.FaultCapability()
	if !ok {
		return ErrNotRegistered
	}
	payload := endpoint.Payload{
		"reason":        reason,
		"component":     e.ref.Component,
		"control_block": e.ref.ControlBlock,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return c.Send(ctx, payload)
}
