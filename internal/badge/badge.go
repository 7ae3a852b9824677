// Package badge maps message categories to the badge values stamped on
// capabilities of a supervisor endpoint.
//
// A badge is attached to a capability when it is granted and is delivered
// unchanged with every message sent through that capability. The receiver
// trusts the badge, not the payload, to tell a fault from a request.
package badge

import (
	"errors"
	"fmt"
	"sort"
)

// Badge is the integer stamped on a capability at grant time.
// Zero is the unbadged value and never names a category.
type Badge uint64

// Category is the closed set of message kinds a supervisor distinguishes.
type Category string

const (
	// Request marks ordinary client traffic.
	Request Category = "REQUEST"
	// Fault marks fault notifications from the supervised entity.
	Fault Category = "FAULT"
)

// Default badge values used by realm composition.
const (
	DefaultRequest Badge = 1
	DefaultFault   Badge = 2
)

var (
	// ErrMissingCategory is returned when a registry omits a category.
	ErrMissingCategory = errors.New("badge: category not mapped")
	// ErrDuplicateBadge is returned when two categories share a badge.
	ErrDuplicateBadge = errors.New("badge: badge assigned to more than one category")
	// ErrReservedBadge is returned when a category is mapped to badge 0.
	ErrReservedBadge = errors.New("badge: badge 0 is reserved")
	// ErrUnknownCategory is returned for categories outside the closed set.
	ErrUnknownCategory = errors.New("badge: unknown category")
)

// Categories returns every category in a stable order.
func Categories() []Category {
	return []Category{Request, Fault}
}

// Valid reports whether c is one of the enumerated categories.
func (c Category) Valid() bool {
	return c == Request || c == Fault
}

// Registry is an immutable category to badge mapping for one endpoint.
type Registry struct {
	byCategory map[Category]Badge
	byBadge    map[Badge]Category
}

// Default returns the registry with REQUEST=1 and FAULT=2.
func Default() *Registry {
	r, err := New(map[Category]Badge{
		Request: DefaultRequest,
		Fault:   DefaultFault,
	})
	if err != nil {
		panic(err)
	}
	return r
}

// New validates and freezes a category to badge mapping.
// Every category must be present, badges must be non-zero and distinct.
func New(values map[Category]Badge) (*Registry, error) {
	r := &Registry{
		byCategory: make(map[Category]Badge, len(values)),
		byBadge:    make(map[Badge]Category, len(values)),
	}

	// Iterate in a fixed order so the reported error is deterministic.
	keys := make([]Category, 0, len(values))
	for c := range values {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, c := range keys {
		b := values[c]
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
		}
		if b == 0 {
			return nil, fmt.Errorf("%w: category %s", ErrReservedBadge, c)
		}
		if other, dup := r.byBadge[b]; dup {
			return nil, fmt.Errorf("%w: %d used by %s and %s", ErrDuplicateBadge, b, other, c)
		}
		r.byCategory[c] = b
		r.byBadge[b] = c
	}

	for _, c := range Categories() {
		if _, ok := r.byCategory[c]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingCategory, c)
		}
	}
	return r, nil
}

// ValueFor returns the badge for c. The mapping is total over the
// enumerated categories; any other value is a programming error and panics.
func (r *Registry) ValueFor(c Category) Badge {
	b, ok := r.byCategory[c]
	if !ok {
		panic(fmt.Sprintf("badge: no value for category %q", c))
	}
	return b
}

// Lookup returns the category carried by b, if any.
func (r *Registry) Lookup(b Badge) (Category, bool) {
	c, ok := r.byBadge[b]
	return c, ok
}

// Values returns a copy of the mapping.
func (r *Registry) Values() map[Category]Badge {
	out := make(map[Category]Badge, len(r.byCategory))
	for c, b := range r.byCategory {
		out[c] = b
	}
	return out
}

// String renders the mapping as "FAULT=2 REQUEST=1".
func (r *Registry) String() string {
	return fmt.Sprintf("%s=%d %s=%d", Fault, r.byCategory[Fault], Request, r.byCategory[Request])
}
