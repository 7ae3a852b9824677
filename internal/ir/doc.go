// Package ir holds the data types shared across realmsup: the compiled
// realm topology, per-component capability manifests, and the records a
// supervisor writes to its journal.
//
// ir imports nothing internal. Every other package may import it.
//
// Constraints:
//   - no float fields; sequence numbers are int64 logical clocks
//   - JSON tags use snake_case
//   - MarshalCanonical is the only encoding used for hashing
package ir
