package endpoint

import (
	"fmt"
	"strings"
)

// Rights is the permission set carried by a capability.
type Rights uint8

const (
	// RightWrite allows sending messages to the endpoint.
	RightWrite Rights = 1 << iota
	// RightGrant allows passing capabilities along with a message.
	RightGrant
	// RightGrantReply allows the sender to block for a reply.
	RightGrantReply
)

var rightNames = []struct {
	r    Rights
	name string
}{
	{RightWrite, "write"},
	{RightGrant, "grant"},
	{RightGrantReply, "grantreply"},
}

// Has reports whether every right in want is present.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}

// String renders rights as "write|grantreply". The empty set is "none".
func (r Rights) String() string {
	var parts []string
	for _, rn := range rightNames {
		if r.Has(rn.r) {
			parts = append(parts, rn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Names returns the right names in canonical order.
func (r Rights) Names() []string {
	names := []string{}
	for _, rn := range rightNames {
		if r.Has(rn.r) {
			names = append(names, rn.name)
		}
	}
	return names
}

// ParseRights converts names such as "write" or "grantreply" to Rights.
func ParseRights(names []string) (Rights, error) {
	var r Rights
	for _, n := range names {
		found := false
		for _, rn := range rightNames {
			if strings.EqualFold(n, rn.name) {
				r |= rn.r
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown right %q", n)
		}
	}
	return r, nil
}
