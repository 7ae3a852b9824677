// Package testutil provides deterministic helpers shared by realmsup tests.
//
// [SequentialIDs] replaces UUIDv7 capability ids with "prefix-N" so traces
// are byte-identical across runs. [RequireReceive] and [RequireClosed]
// wrap the select-with-timeout pattern so tests never hang on a channel.
// [DiscardLogger] silences slog output.
package testutil
