package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeTrace(t *testing.T, out string) TraceResult {
	t.Helper()
	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestTraceMissingDatabaseFlag(t *testing.T) {
	_, err := execute(NewTraceCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db")
}

func TestTraceNonExistentDatabase(t *testing.T) {
	_, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", "/nonexistent/journal.db")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestTraceTimeline(t *testing.T) {
	db := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "[1] rm_supervisor register runtime_manager")
	assert.Contains(t, out, `[4] rm_supervisor fault runtime_manager "page fault"`)
	assert.Contains(t, out, `[5] rm_supervisor anomaly:PROTOCOL_VIOLATION "unknown badge 9"`)
	assert.Contains(t, out, "Journal: 6 records, 1 supervisors, 1 bindings, last seq 5")
}

func TestTraceVerboseShowsPayload(t *testing.T) {
	db := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "text", Verbose: true}), "--db", db, "--kind", "reply")
	require.NoError(t, err)
	assert.Contains(t, out, "sender: host")
	assert.Contains(t, out, "ok: true")
}

func TestTraceJSON(t *testing.T) {
	db := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "json"}), "--db", db)
	require.NoError(t, err)

	result := decodeTrace(t, out)
	require.Len(t, result.Timeline, 6)
	assert.Equal(t, int64(1), result.Timeline[0].Seq)
	assert.Equal(t, "register", result.Timeline[0].Kind)
	assert.Equal(t, 6, result.Stats.Records)
	assert.Equal(t, 1, result.Stats.ByKind["fault"])
	assert.Equal(t, int64(5), result.Stats.LastSeq)
}

func TestTraceFilters(t *testing.T) {
	db := seedJournal(t)

	tests := []struct {
		name  string
		args  []string
		kinds []string
	}{
		{"kind", []string{"--kind", "fault,anomaly"}, []string{"fault", "anomaly"}},
		{"code", []string{"--code", "PROTOCOL_VIOLATION"}, []string{"anomaly"}},
		{"component", []string{"--component", "runtime_manager"}, []string{"register", "fault"}},
		{"since", []string{"--since", "3"}, []string{"fault", "anomaly"}},
		{"limit", []string{"--limit", "2"}, []string{"register", "grant"}},
		{"supervisor", []string{"--supervisor", "other"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--db", db}, tt.args...)
			out, err := execute(NewTraceCommand(&RootOptions{Format: "json"}), args...)
			require.NoError(t, err)

			result := decodeTrace(t, out)
			kinds := make([]string, len(result.Timeline))
			for i, ev := range result.Timeline {
				kinds[i] = ev.Kind
			}
			assert.Equal(t, tt.kinds, kinds)
			// Stats always cover the whole journal.
			assert.Equal(t, 6, result.Stats.Records)
		})
	}
}

func TestTraceUnknownKind(t *testing.T) {
	db := seedJournal(t)

	_, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", db, "--kind", "crash")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceEmptyResult(t *testing.T) {
	db := seedJournal(t)

	out, err := execute(NewTraceCommand(&RootOptions{Format: "text"}), "--db", db, "--since", "99")
	require.NoError(t, err)
	assert.Contains(t, out, "No records found.")
}
