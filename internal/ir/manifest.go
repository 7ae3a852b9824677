package ir

// SlotKind classifies a manifest slot.
type SlotKind string

const (
	// SlotFault is the fault capability installed for a supervised component.
	SlotFault SlotKind = "fault"
	// SlotRequest is a request capability to a supervisor endpoint.
	SlotRequest SlotKind = "request"
	// SlotEndpoint is the receive side of a supervisor's own endpoint.
	SlotEndpoint SlotKind = "endpoint"
)

// Manifest lists the capability slots handed to one component at start,
// the realm equivalent of a per-component argument blob.
type Manifest struct {
	Realm     int64  `json:"realm"`
	Component string `json:"component"`
	// Priority is only set for supervisors.
	Priority int64  `json:"priority,omitempty"`
	Slots    []Slot `json:"slots"`
}

// Slot is one capability in a manifest.
type Slot struct {
	Name         string   `json:"name"`
	Kind         SlotKind `json:"kind"`
	Object       string   `json:"object"`
	Badge        uint64   `json:"badge,omitempty"`
	Rights       []string `json:"rights"`
	CapabilityID string   `json:"capability_id,omitempty"`
}

// Slot returns the slot with the given name.
func (m Manifest) Slot(name string) (Slot, bool) {
	for _, s := range m.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}
