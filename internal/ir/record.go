package ir

// RecordKind classifies a journal record.
type RecordKind string

const (
	// RecordRegister is a successful one-time registration.
	RecordRegister RecordKind = "register"
	// RecordGrant is a request capability grant.
	RecordGrant RecordKind = "grant"
	// RecordRequest is a handled REQUEST message.
	RecordRequest RecordKind = "request"
	// RecordReply is a reply sent to a blocked caller.
	RecordReply RecordKind = "reply"
	// RecordFault is a FAULT message attributed to the bound entity.
	RecordFault RecordKind = "fault"
	// RecordAnomaly is a reported, recoverable protocol condition.
	RecordAnomaly RecordKind = "anomaly"
)

// RecordKinds returns every kind in a stable order.
func RecordKinds() []RecordKind {
	return []RecordKind{RecordRegister, RecordGrant, RecordRequest, RecordReply, RecordFault, RecordAnomaly}
}

// Record is one supervision event. Seq comes from the endpoint clock, so
// records and messages of one supervisor share an order.
type Record struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	Supervisor   string         `json:"supervisor"`
	Kind         RecordKind     `json:"kind"`
	Category     string         `json:"category,omitempty"`
	Badge        uint64         `json:"badge,omitempty"`
	Component    string         `json:"component,omitempty"`
	ControlBlock string         `json:"control_block,omitempty"`
	Sender       string         `json:"sender,omitempty"`
	Code         string         `json:"code,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Detail       string         `json:"detail,omitempty"`
}

// Binding is the durable form of a supervisor's one-time registration.
type Binding struct {
	Supervisor   string `json:"supervisor"`
	Component    string `json:"component"`
	ControlBlock string `json:"control_block"`
	CapabilityID string `json:"capability_id"`
	Badge        uint64 `json:"badge"`
	Seq          int64  `json:"seq"`
}
