// Package store is the SQLite-backed supervision journal.
//
// Tables:
//   - records: every register, grant, request, reply, fault and anomaly
//   - bindings: one row per supervisor, the durable form of its one-time
//     registration
//   - topologies: compiled topologies a realm was started from
//
// Ordering uses the seq column (a logical clock), never wall time. Every
// read orders by seq ASC, id COLLATE BINARY ASC so results are identical
// across runs.
//
// Payloads are stored as deterministic CBOR in a BLOB column.
//
// File journals run in WAL mode with synchronous=FULL and a 5s busy
// timeout over a single open connection. The schema version lives in
// user_version and Open migrates older journals forward.
package store
