package composition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/realmsup/internal/badge"
	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/entity"
	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/supervisor"
)

// Realm is a composed, frozen set of supervisors, entities and clients.
type Realm struct {
	topo        *ir.Topology
	badges      *badge.Registry
	clock       *endpoint.Clock
	logger      *slog.Logger
	supervisors map[string]*supervisor.Supervisor
	entities    map[string]*entity.Entity
	clients     map[string]*Client
	registry    *Registry
	manifests   map[string]ir.Manifest
}

// ID returns the realm id.
func (r *Realm) ID() int64 { return r.topo.Realm }

// Topology returns the topology the realm was composed from.
func (r *Realm) Topology() *ir.Topology { return r.topo }

// Badges returns the realm-wide badge registry.
func (r *Realm) Badges() *badge.Registry { return r.badges }

// Clock returns the clock shared by every endpoint.
func (r *Realm) Clock() *endpoint.Clock { return r.clock }

// Registry returns the capability registry.
func (r *Realm) Registry() *Registry { return r.registry }

// Supervisor returns the named supervisor.
func (r *Realm) Supervisor(name string) (*supervisor.Supervisor, bool) {
	s, ok := r.supervisors[name]
	return s, ok
}

// Entity returns the named component.
func (r *Realm) Entity(name string) (*entity.Entity, bool) {
	e, ok := r.entities[name]
	return e, ok
}

// Client returns the named client.
func (r *Realm) Client(name string) (*Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// SupervisorNames returns supervisor names in declaration order.
func (r *Realm) SupervisorNames() []string {
	names := make([]string, len(r.topo.Supervisors))
	for i, s := range r.topo.Supervisors {
		names[i] = s.Name
	}
	return names
}

// Manifest returns the manifest of the named component, supervisor or
// client.
func (r *Realm) Manifest(name string) (ir.Manifest, bool) {
	m, ok := r.manifests[name]
	return m, ok
}

// Manifests returns every manifest ordered by component name.
func (r *Realm) Manifests() []ir.Manifest {
	names := make([]string, 0, len(r.manifests))
	for name := range r.manifests {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ir.Manifest, len(names))
	for i, name := range names {
		out[i] = r.manifests[name]
	}
	return out
}

// Run runs every supervisory loop until ctx is cancelled or Stop closes
// the endpoints. A loop failing for any other reason stops the others.
// Cancellation is a normal shutdown and returns nil.
func (r *Realm) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range r.SupervisorNames() {
		name := name
		sup := r.supervisors[name]
		g.Go(func() error {
			err := sup.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("supervisor %s: %w", name, err)
			}
			return nil
		})
	}

	r.logger.Info("realm running", "supervisors", len(r.supervisors))
	err := g.Wait()
	r.logger.Info("realm stopped")
	return err
}

// Stop closes every supervisor endpoint. Each loop dispatches the
// messages still queued and Run returns once all have drained.
func (r *Realm) Stop() {
	for _, sup := range r.supervisors {
		sup.Stop()
	}
}
