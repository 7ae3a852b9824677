package composition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/realmsup/internal/badge"
	"github.com/roach88/realmsup/internal/compiler"
	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/entity"
	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/supervisor"
	"github.com/roach88/realmsup/internal/telemetry"
)

var (
	// ErrAlreadyComposed is returned by a second Compose.
	ErrAlreadyComposed = errors.New("composition: already composed")
	// ErrNotComposed is returned by Finalize before Compose.
	ErrNotComposed = errors.New("composition: not composed")
	// ErrFinalized is returned by any mutation after Finalize.
	ErrFinalized = errors.New("composition: context finalized")
)

// InvalidTopologyError carries the validation errors that stopped New.
type InvalidTopologyError struct {
	Errors []compiler.ValidationError
}

func (e *InvalidTopologyError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return "invalid topology: " + strings.Join(msgs, "; ")
}

// Context builds a realm from a topology. It is single-use and not safe
// for concurrent use.
type Context struct {
	topo   *ir.Topology
	badges *badge.Registry

	journal         supervisor.Journal
	metrics         supervisor.Recorder
	logger          *slog.Logger
	clock           *endpoint.Clock
	ids             endpoint.IDGenerator
	observers       []supervisor.Observer
	receiveDeadline time.Duration
	faultHandlers   map[string]supervisor.FaultHandler
	requestHandlers map[string]supervisor.RequestHandler

	supervisors map[string]*supervisor.Supervisor
	entities    map[string]*entity.Entity
	clients     map[string]*Client
	registry    *Registry
	manifests   map[string]*ir.Manifest

	composed  bool
	finalized bool
}

// New validates topo and prepares a context. Nothing is allocated until
// Compose.
func New(topo *ir.Topology, opts ...Option) (*Context, error) {
	if topo == nil {
		return nil, errors.New("composition: topology is nil")
	}
	if errs := compiler.Validate(topo); len(errs) > 0 {
		return nil, &InvalidTopologyError{Errors: errs}
	}

	badges, err := badge.New(map[badge.Category]badge.Badge{
		badge.Request: badge.Badge(topo.Badges.Request),
		badge.Fault:   badge.Badge(topo.Badges.Fault),
	})
	if err != nil {
		return nil, fmt.Errorf("composition: %w", err)
	}

	c := &Context{
		topo:            topo,
		badges:          badges,
		metrics:         telemetry.Nop(),
		clock:           endpoint.NewClock(),
		ids:             endpoint.UUIDv7Generator{},
		faultHandlers:   make(map[string]supervisor.FaultHandler),
		requestHandlers: make(map[string]supervisor.RequestHandler),
		supervisors:     make(map[string]*supervisor.Supervisor),
		entities:        make(map[string]*entity.Entity),
		clients:         make(map[string]*Client),
		registry:        newRegistry(),
		manifests:       make(map[string]*ir.Manifest),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("realm", topo.Realm)
	return c, nil
}

// Compose allocates one endpoint per supervisor, registers supervised
// components and grants request capabilities, in declaration order.
func (c *Context) Compose(ctx context.Context) error {
	if c.finalized {
		return ErrFinalized
	}
	if c.composed {
		return ErrAlreadyComposed
	}
	c.composed = true

	realm := c.topo.Realm
	for _, spec := range c.topo.Supervisors {
		if err := c.composeSupervisor(spec); err != nil {
			return err
		}
	}

	for _, spec := range c.topo.Components {
		ent := entity.New(supervisor.EntityRef{
			Component:    spec.Name,
			ControlBlock: ir.ObjectName(realm, spec.Name, "tcb"),
		})
		c.entities[spec.Name] = ent
		m := c.manifest(spec.Name)

		if spec.FaultHandler != "" {
			sup := c.supervisors[spec.FaultHandler]
			if err := ent.Register(ctx, sup); err != nil {
				return fmt.Errorf("compose %s: %w", spec.Name, err)
			}
			fc, _ := ent.FaultCapability()
			c.registry.add(fc)
			m.Slots = append(m.Slots, slotFor(realm, "fault_handler", ir.SlotFault, spec.FaultHandler, fc))
		}

		if spec.RequestsTo != "" {
			rc, err := c.grant(ctx, spec.RequestsTo, spec.Name, spec.Rights)
			if err != nil {
				return fmt.Errorf("compose %s: %w", spec.Name, err)
			}
			ent.AddRequestCapability(spec.RequestsTo, rc)
			m.Slots = append(m.Slots, slotFor(realm, spec.RequestsTo, ir.SlotRequest, spec.RequestsTo, rc))
		}
	}

	for _, spec := range c.topo.Clients {
		rc, err := c.grant(ctx, spec.Supervisor, spec.Name, spec.Rights)
		if err != nil {
			return fmt.Errorf("compose client %s: %w", spec.Name, err)
		}
		c.clients[spec.Name] = &Client{name: spec.Name, supervisor: spec.Supervisor, cap: rc}
		m := c.manifest(spec.Name)
		m.Slots = append(m.Slots, slotFor(realm, spec.Supervisor, ir.SlotRequest, spec.Supervisor, rc))
	}

	c.logger.Info("realm composed",
		"supervisors", len(c.supervisors),
		"components", len(c.entities),
		"clients", len(c.clients))
	return nil
}

func (c *Context) composeSupervisor(spec ir.SupervisorSpec) error {
	logger := c.logger.With("component", spec.Name)
	ep := endpoint.New(ir.ObjectName(c.topo.Realm, spec.Name, "endpoint"),
		endpoint.WithClock(c.clock),
		endpoint.WithIDGenerator(c.ids),
		endpoint.WithLogger(logger),
	)

	fh := c.faultHandlers[spec.Name]
	if fh == nil {
		fh = loggingFaultHandler(logger)
	}
	rh := c.requestHandlers[spec.Name]
	if rh == nil {
		rh = c.defaultRequestHandler(spec.Name)
	}

	opts := []supervisor.Option{
		supervisor.WithBadges(c.badges),
		supervisor.WithFaultHandler(fh),
		supervisor.WithRequestHandler(rh),
		supervisor.WithMetrics(c.metrics),
		supervisor.WithLogger(c.logger),
		supervisor.WithReceiveDeadline(c.receiveDeadline),
	}
	if c.journal != nil {
		opts = append(opts, supervisor.WithJournal(c.journal))
	}
	for _, o := range c.observers {
		opts = append(opts, supervisor.WithObserver(o))
	}

	sup, err := supervisor.New(spec.Name, ep, opts...)
	if err != nil {
		return fmt.Errorf("compose supervisor %s: %w", spec.Name, err)
	}
	c.supervisors[spec.Name] = sup

	m := c.manifest(spec.Name)
	m.Priority = spec.Priority
	m.Slots = append(m.Slots, ir.Slot{
		Name:   "endpoint",
		Kind:   ir.SlotEndpoint,
		Object: ep.Name(),
		Rights: []string{"read"},
	})
	return nil
}

func (c *Context) grant(ctx context.Context, supName, sender string, rightNames []string) (endpoint.Capability, error) {
	rights, err := endpoint.ParseRights(rightNames)
	if err != nil {
		return endpoint.Capability{}, err
	}
	rc, err := c.supervisors[supName].GrantRequestCapability(ctx, endpoint.SenderID(sender), rights)
	if err != nil {
		return endpoint.Capability{}, err
	}
	c.registry.add(rc)
	return rc, nil
}

// manifest returns the manifest for name, creating it on first use. A
// supervisor that is also a supervised component shares one manifest.
func (c *Context) manifest(name string) *ir.Manifest {
	if m, ok := c.manifests[name]; ok {
		return m
	}
	m := &ir.Manifest{Realm: c.topo.Realm, Component: name, Slots: []ir.Slot{}}
	c.manifests[name] = m
	return m
}

func slotFor(realm int64, name string, kind ir.SlotKind, target string, capability endpoint.Capability) ir.Slot {
	return ir.Slot{
		Name:         name,
		Kind:         kind,
		Object:       ir.ObjectName(realm, target, "endpoint"),
		Badge:        uint64(capability.Badge()),
		Rights:       capability.Rights().Names(),
		CapabilityID: capability.ID(),
	}
}

// Finalize freezes the context and returns the realm. The context cannot
// be used afterwards.
func (c *Context) Finalize() (*Realm, error) {
	if c.finalized {
		return nil, ErrFinalized
	}
	if !c.composed {
		return nil, ErrNotComposed
	}
	c.finalized = true

	manifests := make(map[string]ir.Manifest, len(c.manifests))
	for name, m := range c.manifests {
		manifests[name] = *m
	}

	return &Realm{
		topo:        c.topo,
		badges:      c.badges,
		clock:       c.clock,
		logger:      c.logger,
		supervisors: c.supervisors,
		entities:    c.entities,
		clients:     c.clients,
		registry:    c.registry,
		manifests:   manifests,
	}, nil
}
