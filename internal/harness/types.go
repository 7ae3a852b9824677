package harness

import (
	"github.com/roach88/realmsup/internal/ir"
)

// TraceEvent is one supervision record as it appears in a trace. Record
// ids and capability ids are left out so traces compare across runs.
type TraceEvent struct {
	Seq          int64          `json:"seq"`
	Kind         string         `json:"kind"`
	Category     string         `json:"category,omitempty"`
	Badge        uint64         `json:"badge,omitempty"`
	Component    string         `json:"component,omitempty"`
	ControlBlock string         `json:"control_block,omitempty"`
	Sender       string         `json:"sender,omitempty"`
	Code         string         `json:"code,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Token is the kind, or "kind:CODE" for records carrying a code. Used by
// trace_order.
func (e TraceEvent) Token() string {
	if e.Code != "" {
		return e.Kind + ":" + e.Code
	}
	return e.Kind
}

func traceEventFromRecord(rec ir.Record) TraceEvent {
	return TraceEvent{
		Seq:          rec.Seq,
		Kind:         string(rec.Kind),
		Category:     rec.Category,
		Badge:        rec.Badge,
		Component:    rec.Component,
		ControlBlock: rec.ControlBlock,
		Sender:       rec.Sender,
		Code:         rec.Code,
		Detail:       rec.Detail,
		Payload:      rec.Payload,
	}
}

// FinalState is the supervisor's observable state after the last step.
type FinalState struct {
	State  string `json:"state"`
	Entity string `json:"entity,omitempty"`
	Faults int64  `json:"faults"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every record in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the supervisor's final state.
	State FinalState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
