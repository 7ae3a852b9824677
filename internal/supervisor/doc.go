// Package supervisor implements the fault-supervision state machine.
//
// A Supervisor owns one endpoint. Exactly one entity may register with it;
// registration mints a FAULT-badged capability that the entity's runtime
// uses to report faults. Any number of clients may be granted
// REQUEST-badged capabilities. Run is the single control loop: it
// receives one message at a time and dispatches on the badge.
//
// States:
//
//	Unbound --Register--> Bound --fault--> EntityFailed
//
// EntityFailed is bookkeeping only. The loop keeps running and later
// faults are still attributed to the bound entity.
//
// Error classes:
//   - TopologyError: a second Register. Fatal; the composition is wrong.
//   - PROTOCOL_VIOLATION: unknown badge, or a fault before registration.
//     Reported and dropped.
//   - REPLY_MISUSE: a reply the sender cannot receive. Reported and dropped.
//   - RECEIVE_DEADLINE: WithReceiveDeadline expired. Reported only.
//   - HANDLER_FAILED: a handler returned an error. Reported only.
//
// Reported conditions go to the logger, the metrics and the journal.
package supervisor
