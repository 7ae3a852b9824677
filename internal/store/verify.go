package store

import (
	"context"
	"fmt"

	"github.com/roach88/realmsup/internal/ir"
)

// Violation is a journal inconsistency found by Verify.
type Violation struct {
	RecordID string
	Rule     string
	Detail   string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.RecordID, v.Rule, v.Detail)
}

// Rules checked by Verify.
const (
	RuleSingleRegistration  = "single-registration"
	RuleFaultAttribution    = "fault-attribution"
	RuleReplyFollowsRequest = "reply-follows-request"
)

// VerifyResult is the outcome of replaying the journal.
type VerifyResult struct {
	Records    int
	LastSeq    int64
	Violations []Violation
}

// OK reports whether the journal replayed cleanly.
func (r VerifyResult) OK() bool { return len(r.Violations) == 0 }

// Verify replays every record in order and checks the supervision
// invariants that must hold for any journal a realm produced:
//   - at most one register record per supervisor
//   - every fault names the bound entity and follows its registration
//   - every reply follows a request with the same seq
func (s *Store) Verify(ctx context.Context) (VerifyResult, error) {
	records, err := s.ReadRecords(ctx, Filter{})
	if err != nil {
		return VerifyResult{}, err
	}
	bindings, err := s.ReadBindings(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyRecords(records, bindings), nil
}

func verifyRecords(records []ir.Record, bindings []ir.Binding) VerifyResult {
	result := VerifyResult{Records: len(records), Violations: []Violation{}}

	bound := make(map[string]ir.Binding, len(bindings))
	for _, b := range bindings {
		bound[b.Supervisor] = b
	}

	registered := make(map[string]bool)
	type requestKey struct {
		supervisor string
		seq        int64
	}
	// A reply shares its request's seq and its id sorts first, so requests
	// are collected before the replay.
	requests := make(map[requestKey]bool)
	for _, rec := range records {
		if rec.Kind == ir.RecordRequest {
			requests[requestKey{rec.Supervisor, rec.Seq}] = true
		}
	}

	for _, rec := range records {
		if rec.Seq > result.LastSeq {
			result.LastSeq = rec.Seq
		}

		switch rec.Kind {
		case ir.RecordRegister:
			if registered[rec.Supervisor] {
				result.Violations = append(result.Violations, Violation{
					RecordID: rec.ID,
					Rule:     RuleSingleRegistration,
					Detail:   fmt.Sprintf("supervisor %s registered twice", rec.Supervisor),
				})
			}
			registered[rec.Supervisor] = true

		case ir.RecordFault:
			b, ok := bound[rec.Supervisor]
			switch {
			case !ok:
				result.Violations = append(result.Violations, Violation{
					RecordID: rec.ID,
					Rule:     RuleFaultAttribution,
					Detail:   fmt.Sprintf("supervisor %s has no binding", rec.Supervisor),
				})
			case b.Component != rec.Component || b.ControlBlock != rec.ControlBlock:
				result.Violations = append(result.Violations, Violation{
					RecordID: rec.ID,
					Rule:     RuleFaultAttribution,
					Detail: fmt.Sprintf("fault names %s/%s, bound entity is %s/%s",
						rec.Component, rec.ControlBlock, b.Component, b.ControlBlock),
				})
			case b.Seq >= rec.Seq:
				result.Violations = append(result.Violations, Violation{
					RecordID: rec.ID,
					Rule:     RuleFaultAttribution,
					Detail:   fmt.Sprintf("fault seq %d precedes binding seq %d", rec.Seq, b.Seq),
				})
			}

		case ir.RecordReply:
			if !requests[requestKey{rec.Supervisor, rec.Seq}] {
				result.Violations = append(result.Violations, Violation{
					RecordID: rec.ID,
					Rule:     RuleReplyFollowsRequest,
					Detail:   fmt.Sprintf("no request with seq %d", rec.Seq),
				})
			}
		}
	}
	return result
}
