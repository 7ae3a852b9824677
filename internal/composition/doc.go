// Package composition turns a compiled topology into a running realm.
//
// Lifecycle (explicit, no package-level state):
//
//	c, _ := composition.New(topo, opts...)
//	_ = c.Compose(ctx)     // endpoints, supervisors, registrations, grants
//	realm, _ := c.Finalize()
//	_ = realm.Run(ctx)     // one supervisory loop per supervisor
//
// Compose registers every component as the supervised entity of its
// fault_handler and grants request capabilities to components with
// requests_to and to clients. Finalize freezes the context and produces a
// Manifest per component listing the capability slots it was handed.
package composition
