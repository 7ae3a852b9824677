package ir

import (
	"fmt"
	"strings"
)

// Topology is a compiled realm: which supervisors exist, which component
// each one supervises, and who may send requests to them.
type Topology struct {
	Version     string           `json:"version"`
	Realm       int64            `json:"realm"`
	Badges      BadgeValues      `json:"badges"`
	Supervisors []SupervisorSpec `json:"supervisors"`
	Components  []ComponentSpec  `json:"components"`
	Clients     []ClientSpec     `json:"clients"`
}

// BadgeValues is the category to badge assignment for every supervisor
// endpoint in the realm.
type BadgeValues struct {
	Request uint64 `json:"request"`
	Fault   uint64 `json:"fault"`
}

// SupervisorSpec declares one supervisor and its endpoint.
type SupervisorSpec struct {
	Name string `json:"name"`
	// Priority is relative to the components it supervises. It is carried
	// into manifests and never interpreted by the protocol.
	Priority int64 `json:"priority"`
}

// ComponentSpec declares a supervisable component.
type ComponentSpec struct {
	Name string `json:"name"`
	// FaultHandler names the supervisor that receives this component's
	// faults. Empty means unsupervised.
	FaultHandler string `json:"fault_handler,omitempty"`
	// RequestsTo names a supervisor this component may send requests to.
	RequestsTo string   `json:"requests_to,omitempty"`
	Rights     []string `json:"rights,omitempty"`
}

// ClientSpec declares a request-only client of a supervisor.
type ClientSpec struct {
	Name       string   `json:"name"`
	Supervisor string   `json:"supervisor"`
	Rights     []string `json:"rights"`
}

// Supervisor returns the named supervisor spec.
func (t *Topology) Supervisor(name string) (SupervisorSpec, bool) {
	for _, s := range t.Supervisors {
		if s.Name == name {
			return s, true
		}
	}
	return SupervisorSpec{}, false
}

// SupervisedBy returns the components whose fault handler is supervisor,
// in declaration order.
func (t *Topology) SupervisedBy(supervisor string) []ComponentSpec {
	out := []ComponentSpec{}
	for _, c := range t.Components {
		if c.FaultHandler == supervisor {
			out = append(out, c)
		}
	}
	return out
}

// ObjectName builds the realm-scoped name of a kernel object, for example
// ObjectName(0, "runtime_manager_supervisor", "endpoint") returns
// "realm_0_runtime_manager_supervisor_endpoint".
func ObjectName(realm int64, parts ...string) string {
	return fmt.Sprintf("realm_%d_%s", realm, strings.Join(parts, "_"))
}
