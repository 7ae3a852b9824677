// Package harness runs scripted supervision scenarios against a real
// endpoint and supervisor.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: fault_after_register
//	description: "A registered entity faults and is attributed"
//	supervisor: runtime_manager_supervisor
//	handler:
//	  replies:
//	    ping: { ok: true }
//	steps:
//	  - register: { component: runtime_manager, control_block: tcb_0, as: rm }
//	  - grant_request: { sender: host, rights: [grantreply], as: host }
//	  - request: { capability: host, call: true, payload: { op: ping }, expect: { ok: true } }
//	  - fault: { entity: rm, reason: "page fault" }
//	  - send_raw: { badge: 9 }
//	assertions:
//	  - type: trace_contains
//	    kind: fault
//	    component: runtime_manager
//	  - type: trace_order
//	    order: [register, request, fault, "anomaly:PROTOCOL_VIOLATION"]
//	  - type: final_state
//	    state: ENTITY_FAILED
//	    faults: 1
//
// # Assertion Types
//
//   - trace_contains: a record with the given kind (and optional code,
//     component, detail substring, payload subset) is present
//   - trace_order: tokens ("kind" or "kind:CODE") appear in this order
//   - trace_count: exactly N matching records
//   - final_state: supervisor state, bound entity and fault count
//
// # Deterministic Testing
//
// Each step waits until the supervisor has emitted a record for the
// message it sent, and record seqs come from the endpoint clock, which
// only the step goroutine advances. Traces are therefore identical across
// runs and safe to compare against golden files. Capability ids are
// sequential and kept out of the trace.
//
// Every run journals into an in-memory store and verifies it; journal
// violations fail the scenario.
package harness
