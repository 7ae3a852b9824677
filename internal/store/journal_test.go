package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmsup/internal/ir"
)

func rec(sup string, seq int64, kind ir.RecordKind) ir.Record {
	return ir.Record{
		ID:         fmt.Sprintf("%s/%d/%s", sup, seq, kind),
		Seq:        seq,
		Supervisor: sup,
		Kind:       kind,
	}
}

func TestWriteRecordRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	want := faultRecord("sup", 4)
	require.NoError(t, s.WriteRecord(ctx, want))

	got, err := s.ReadRecords(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)
	assert.Equal(t, want.Kind, got[0].Kind)
	assert.Equal(t, uint64(2), got[0].Badge)
	assert.Equal(t, "tcb-1", got[0].ControlBlock)
	assert.Equal(t, "segv", got[0].Payload["reason"])
}

func TestWriteRecordDuplicateIgnored(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := faultRecord("sup", 4)
	require.NoError(t, s.WriteRecord(ctx, r))
	r.Detail = "changed"
	require.NoError(t, s.WriteRecord(ctx, r))

	got, err := s.ReadRecords(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "segv", got[0].Detail)
}

func TestWriteRecordRejectsUnknownKind(t *testing.T) {
	s := setupTestStore(t)
	err := s.WriteRecord(context.Background(), rec("sup", 1, ir.RecordKind("bogus")))
	assert.Error(t, err)
}

func TestWriteRecordNilPayload(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteRecord(ctx, rec("sup", 1, ir.RecordGrant)))
	got, err := s.ReadRecords(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Payload)
}

func TestReadRecordsOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Written out of order; request and reply share a seq.
	require.NoError(t, s.WriteRecord(ctx, rec("sup", 5, ir.RecordReply)))
	require.NoError(t, s.WriteRecord(ctx, rec("sup", 1, ir.RecordRegister)))
	require.NoError(t, s.WriteRecord(ctx, rec("sup", 5, ir.RecordRequest)))
	require.NoError(t, s.WriteRecord(ctx, rec("sup", 3, ir.RecordGrant)))

	got, err := s.ReadRecords(ctx, Filter{})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{
		"sup/1/register",
		"sup/3/grant",
		"sup/5/reply",
		"sup/5/request",
	}, ids)
}

func TestReadRecordsFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteRecord(ctx, rec("a", 1, ir.RecordRegister)))
	require.NoError(t, s.WriteRecord(ctx, faultRecord("a", 2)))
	require.NoError(t, s.WriteRecord(ctx, rec("b", 3, ir.RecordRequest)))
	anomaly := rec("b", 4, ir.RecordAnomaly)
	anomaly.Code = "PROTOCOL_VIOLATION"
	anomaly.ID += "/PROTOCOL_VIOLATION"
	require.NoError(t, s.WriteRecord(ctx, anomaly))

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"supervisor", Filter{Supervisor: "a"}, 2},
		{"kinds", Filter{Kinds: []ir.RecordKind{ir.RecordFault, ir.RecordAnomaly}}, 2},
		{"component", Filter{Component: "worker"}, 1},
		{"code", Filter{Code: "PROTOCOL_VIOLATION"}, 1},
		{"since", Filter{SinceSeq: 2}, 2},
		{"limit", Filter{Limit: 3}, 3},
		{"combined", Filter{Supervisor: "b", Kinds: []ir.RecordKind{ir.RecordRequest}}, 1},
		{"no match", Filter{Supervisor: "missing"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ReadRecords(ctx, tt.filter)
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestFilterCompileIsParameterised(t *testing.T) {
	f := Filter{Supervisor: "x' OR '1'='1", Kinds: []ir.RecordKind{ir.RecordFault}, Limit: 2}
	query, params, err := f.compile()
	require.NoError(t, err)

	assert.NotContains(t, query, "OR '1'")
	assert.Contains(t, query, "supervisor = ?")
	assert.Contains(t, query, "kind IN (?)")
	assert.Contains(t, query, "ORDER BY seq ASC, id COLLATE BINARY ASC LIMIT ?")
	assert.Equal(t, []any{"x' OR '1'='1", "fault", 2}, params)
}

func TestFilterCompileErrors(t *testing.T) {
	_, _, err := Filter{Kinds: []ir.RecordKind{"nope"}}.compile()
	assert.Error(t, err)

	_, _, err = Filter{Limit: -1}.compile()
	assert.Error(t, err)
}

func TestParseKinds(t *testing.T) {
	kinds, err := ParseKinds([]string{"fault", "reply"})
	require.NoError(t, err)
	assert.Equal(t, []ir.RecordKind{ir.RecordFault, ir.RecordReply}, kinds)

	_, err = ParseKinds([]string{"fault", "crash"})
	assert.Error(t, err)
}

func TestWriteBinding(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := ir.Binding{Supervisor: "sup", Component: "worker", ControlBlock: "tcb-1", CapabilityID: "cap-1", Badge: 2, Seq: 1}
	require.NoError(t, s.WriteBinding(ctx, b))

	// Same binding again is a no-op.
	require.NoError(t, s.WriteBinding(ctx, b))

	other := b
	other.ControlBlock = "tcb-2"
	err := s.WriteBinding(ctx, other)
	require.ErrorIs(t, err, ErrBindingConflict)

	got, ok, err := s.Binding(ctx, "sup")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, got)
}

func TestBindingMissing(t *testing.T) {
	s := setupTestStore(t)
	_, ok, err := s.Binding(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadBindingsSorted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.WriteBinding(ctx, ir.Binding{Supervisor: name, Component: "c", ControlBlock: "t", CapabilityID: name, Badge: 2, Seq: 1}))
	}
	got, err := s.ReadBindings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "alpha", got[0].Supervisor)
	assert.Equal(t, "mid", got[1].Supervisor)
	assert.Equal(t, "zeta", got[2].Supervisor)
}

func TestTopologies(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteTopology(ctx, "topo-b", 1, []byte(`{"realm":1}`)))
	require.NoError(t, s.WriteTopology(ctx, "topo-a", 2, []byte(`{"realm":2}`)))
	require.NoError(t, s.WriteTopology(ctx, "topo-a", 2, []byte(`{"realm":2}`)))

	got, err := s.ReadTopologies(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "topo-a", got[0].Hash)
	assert.Equal(t, int64(2), got[0].Realm)
}

func TestStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Records)
	assert.Equal(t, int64(0), st.LastSeq)

	require.NoError(t, s.WriteRecord(ctx, rec("a", 1, ir.RecordRegister)))
	require.NoError(t, s.WriteRecord(ctx, faultRecord("a", 7)))
	require.NoError(t, s.WriteRecord(ctx, rec("b", 3, ir.RecordGrant)))
	require.NoError(t, s.WriteBinding(ctx, ir.Binding{Supervisor: "a", Component: "worker", ControlBlock: "tcb-1", CapabilityID: "c", Badge: 2, Seq: 1}))

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Records)
	assert.Equal(t, 1, st.ByKind[ir.RecordFault])
	assert.Equal(t, 2, st.Supervisors)
	assert.Equal(t, 1, st.Bindings)
	assert.Equal(t, int64(7), st.LastSeq)
}
