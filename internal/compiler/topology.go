package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/realmsup/internal/badge"
	"github.com/roach88/realmsup/internal/ir"
)

// CompileTopology parses a CUE realm description into a Topology.
// Uses the CUE SDK's Go API directly (not a CLI subprocess).
//
// The value is the root of the realm description:
//
//	realm: 0
//	badges: {request: 1, fault: 2}
//	supervisors: rm_supervisor: {priority: 1}
//	components: runtime_manager: {fault_handler: "rm_supervisor"}
//	clients: host: {supervisor: "rm_supervisor", rights: ["write"]}
//
// Structural problems (wrong kinds, missing required fields) are returned
// as a *CompileError. Semantic checks live in Validate.
func CompileTopology(v cue.Value) (*ir.Topology, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	topo := &ir.Topology{
		Version: ir.TopologyVersion,
		Badges: ir.BadgeValues{
			Request: uint64(badge.DefaultRequest),
			Fault:   uint64(badge.DefaultFault),
		},
		Supervisors: []ir.SupervisorSpec{},
		Components:  []ir.ComponentSpec{},
		Clients:     []ir.ClientSpec{},
	}

	if realmVal := v.LookupPath(cue.ParsePath("realm")); realmVal.Exists() {
		realm, err := realmVal.Int64()
		if err != nil {
			return nil, fieldError("realm", "realm must be an integer", realmVal, err)
		}
		topo.Realm = realm
	}

	if err := parseBadges(v, &topo.Badges); err != nil {
		return nil, err
	}

	var err error
	if topo.Supervisors, err = parseSupervisors(v); err != nil {
		return nil, err
	}
	if topo.Components, err = parseComponents(v); err != nil {
		return nil, err
	}
	if topo.Clients, err = parseClients(v); err != nil {
		return nil, err
	}

	if len(topo.Supervisors) == 0 {
		return nil, &CompileError{
			Field:   "supervisors",
			Message: "at least one supervisor is required",
			Pos:     v.Pos(),
		}
	}
	return topo, nil
}

func parseBadges(v cue.Value, out *ir.BadgeValues) error {
	badgesVal := v.LookupPath(cue.ParsePath("badges"))
	if !badgesVal.Exists() {
		return nil
	}
	for _, f := range []struct {
		name string
		dst  *uint64
	}{
		{"request", &out.Request},
		{"fault", &out.Fault},
	} {
		bv := badgesVal.LookupPath(cue.ParsePath(f.name))
		if !bv.Exists() {
			continue
		}
		n, err := bv.Uint64()
		if err != nil {
			return fieldError("badges."+f.name, "badge must be a non-negative integer", bv, err)
		}
		*f.dst = n
	}
	return nil
}

func parseSupervisors(v cue.Value) ([]ir.SupervisorSpec, error) {
	supervisors := []ir.SupervisorSpec{}

	supVal := v.LookupPath(cue.ParsePath("supervisors"))
	if !supVal.Exists() {
		return supervisors, nil
	}
	iter, err := supVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		spec := ir.SupervisorSpec{Name: iter.Label()}
		if pv := iter.Value().LookupPath(cue.ParsePath("priority")); pv.Exists() {
			p, err := pv.Int64()
			if err != nil {
				return nil, fieldError(fmt.Sprintf("supervisors.%s.priority", spec.Name), "priority must be an integer", pv, err)
			}
			spec.Priority = p
		}
		supervisors = append(supervisors, spec)
	}
	return supervisors, nil
}

func parseComponents(v cue.Value) ([]ir.ComponentSpec, error) {
	components := []ir.ComponentSpec{}

	compVal := v.LookupPath(cue.ParsePath("components"))
	if !compVal.Exists() {
		return components, nil
	}
	iter, err := compVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		name := iter.Label()
		cv := iter.Value()
		spec := ir.ComponentSpec{Name: name}

		if spec.FaultHandler, err = optionalString(cv, "fault_handler", "components."+name); err != nil {
			return nil, err
		}
		if spec.RequestsTo, err = optionalString(cv, "requests_to", "components."+name); err != nil {
			return nil, err
		}
		if spec.Rights, err = parseRights(cv, "components."+name); err != nil {
			return nil, err
		}
		if spec.RequestsTo != "" && len(spec.Rights) == 0 {
			spec.Rights = []string{"write"}
		}
		components = append(components, spec)
	}
	return components, nil
}

func parseClients(v cue.Value) ([]ir.ClientSpec, error) {
	clients := []ir.ClientSpec{}

	clientVal := v.LookupPath(cue.ParsePath("clients"))
	if !clientVal.Exists() {
		return clients, nil
	}
	iter, err := clientVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		name := iter.Label()
		cv := iter.Value()

		sup, err := optionalString(cv, "supervisor", "clients."+name)
		if err != nil {
			return nil, err
		}
		if sup == "" {
			return nil, &CompileError{
				Field:   fmt.Sprintf("clients.%s.supervisor", name),
				Message: "client supervisor is required",
				Pos:     cv.Pos(),
			}
		}
		rights, err := parseRights(cv, "clients."+name)
		if err != nil {
			return nil, err
		}
		if len(rights) == 0 {
			rights = []string{"write"}
		}
		clients = append(clients, ir.ClientSpec{Name: name, Supervisor: sup, Rights: rights})
	}
	return clients, nil
}

func optionalString(v cue.Value, field, path string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", fieldError(path+"."+field, field+" must be a string", fv, err)
	}
	return s, nil
}

func parseRights(v cue.Value, path string) ([]string, error) {
	rv := v.LookupPath(cue.ParsePath("rights"))
	if !rv.Exists() {
		return nil, nil
	}
	iter, err := rv.List()
	if err != nil {
		return nil, fieldError(path+".rights", "rights must be a list of strings", rv, err)
	}
	rights := []string{}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, fieldError(path+".rights", "rights must be a list of strings", iter.Value(), err)
		}
		rights = append(rights, s)
	}
	return rights, nil
}

func fieldError(field, msg string, v cue.Value, cause error) *CompileError {
	return &CompileError{
		Field:   field,
		Message: fmt.Sprintf("%s: %v", msg, cause),
		Pos:     v.Pos(),
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
