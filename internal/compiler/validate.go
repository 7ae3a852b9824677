package compiler

import (
	"fmt"
	"regexp"

	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/ir"
)

// Validation error codes (E200-E299)
const (
	ErrUnknownSupervisor  = "E201" // reference to an undeclared supervisor
	ErrDuplicateBadge     = "E202" // request and fault badges collide
	ErrReservedBadge      = "E203" // badge 0 is reserved
	ErrMultipleSupervised = "E204" // supervisor with more than one supervised component
	ErrInvalidRight       = "E205" // unknown right name
	ErrDuplicateName      = "E206" // client name clashes with a component or supervisor
	ErrInvalidName        = "E207" // name unusable as an object name
	ErrNegativeRealm      = "E208" // realm id must be >= 0
	ErrSelfSupervised     = "E209" // component supervised by itself
)

// ValidationError represents a topology validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// namePattern keeps names valid inside realm_<id>_<name>_<object>.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks a compiled topology. Returns all errors found (does not
// fail-fast). A component without a fault handler is allowed; it simply
// runs unsupervised.
func Validate(t *ir.Topology) []ValidationError {
	var errs []ValidationError

	if t.Realm < 0 {
		errs = append(errs, ValidationError{
			Field:   "realm",
			Message: fmt.Sprintf("realm id %d must not be negative", t.Realm),
			Code:    ErrNegativeRealm,
		})
	}

	// E203: badge 0 is reserved
	if t.Badges.Request == 0 {
		errs = append(errs, ValidationError{Field: "badges.request", Message: "badge 0 is reserved", Code: ErrReservedBadge})
	}
	if t.Badges.Fault == 0 {
		errs = append(errs, ValidationError{Field: "badges.fault", Message: "badge 0 is reserved", Code: ErrReservedBadge})
	}
	// E202: categories need distinct badges
	if t.Badges.Request != 0 && t.Badges.Request == t.Badges.Fault {
		errs = append(errs, ValidationError{
			Field:   "badges",
			Message: fmt.Sprintf("request and fault share badge %d", t.Badges.Request),
			Code:    ErrDuplicateBadge,
		})
	}

	supervisors := make(map[string]bool, len(t.Supervisors))
	for i, s := range t.Supervisors {
		errs = append(errs, validateName(s.Name, fmt.Sprintf("supervisors[%d].name", i))...)
		supervisors[s.Name] = true
	}

	components := make(map[string]bool, len(t.Components))
	supervised := make(map[string][]string)
	for i, c := range t.Components {
		field := fmt.Sprintf("components[%d]", i)
		errs = append(errs, validateName(c.Name, field+".name")...)
		components[c.Name] = true

		if c.FaultHandler != "" {
			switch {
			case !supervisors[c.FaultHandler]:
				errs = append(errs, ValidationError{
					Field:   field + ".fault_handler",
					Message: fmt.Sprintf("component %q names unknown supervisor %q", c.Name, c.FaultHandler),
					Code:    ErrUnknownSupervisor,
				})
			case c.FaultHandler == c.Name:
				errs = append(errs, ValidationError{
					Field:   field + ".fault_handler",
					Message: fmt.Sprintf("component %q cannot supervise itself", c.Name),
					Code:    ErrSelfSupervised,
				})
			default:
				supervised[c.FaultHandler] = append(supervised[c.FaultHandler], c.Name)
			}
		}
		if c.RequestsTo != "" && !supervisors[c.RequestsTo] {
			errs = append(errs, ValidationError{
				Field:   field + ".requests_to",
				Message: fmt.Sprintf("component %q names unknown supervisor %q", c.Name, c.RequestsTo),
				Code:    ErrUnknownSupervisor,
			})
		}
		errs = append(errs, validateRights(c.Rights, field+".rights")...)
	}

	// E204: a supervisor supervises exactly one entity
	for i, s := range t.Supervisors {
		if names := supervised[s.Name]; len(names) > 1 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("supervisors[%d]", i),
				Message: fmt.Sprintf("supervisor %q is the fault handler of %d components %v", s.Name, len(names), names),
				Code:    ErrMultipleSupervised,
			})
		}
	}

	for i, c := range t.Clients {
		field := fmt.Sprintf("clients[%d]", i)
		errs = append(errs, validateName(c.Name, field+".name")...)
		if components[c.Name] || supervisors[c.Name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("client %q clashes with a component or supervisor", c.Name),
				Code:    ErrDuplicateName,
			})
		}
		if !supervisors[c.Supervisor] {
			errs = append(errs, ValidationError{
				Field:   field + ".supervisor",
				Message: fmt.Sprintf("client %q names unknown supervisor %q", c.Name, c.Supervisor),
				Code:    ErrUnknownSupervisor,
			})
		}
		errs = append(errs, validateRights(c.Rights, field+".rights")...)
	}

	return errs
}

func validateName(name, field string) []ValidationError {
	if namePattern.MatchString(name) {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Message: fmt.Sprintf("invalid name %q, expected lower_snake_case", name),
		Code:    ErrInvalidName,
	}}
}

func validateRights(rights []string, field string) []ValidationError {
	var errs []ValidationError
	for j, r := range rights {
		if _, err := endpoint.ParseRights([]string{r}); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, j),
				Message: err.Error(),
				Code:    ErrInvalidRight,
			})
		}
	}
	return errs
}
