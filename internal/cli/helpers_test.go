package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/store"
)

const testTopologyCUE = `package realm

realm: 0

badges: {
	request: 1
	fault:   2
}

supervisors: {
	runtime_manager_supervisor: priority: 1
}

components: {
	runtime_manager: {
		fault_handler: "runtime_manager_supervisor"
		requests_to:   "runtime_manager_supervisor"
		rights: ["write", "grantreply"]
	}
}

clients: {
	host: {
		supervisor: "runtime_manager_supervisor"
		rights: ["write", "grantreply"]
	}
}
`

// writeTopology writes src as the only CUE file of a fresh directory.
func writeTopology(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "realm.cue"), []byte(src), 0644))
	return dir
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// seedJournal creates a journal holding one supervisor's consistent
// history: register, grant, a request with its reply, a fault and a
// protocol anomaly.
func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	const sup = "rm_supervisor"
	records := []ir.Record{
		{ID: sup + "/1/register", Seq: 1, Supervisor: sup, Kind: ir.RecordRegister, Component: "runtime_manager", ControlBlock: "tcb_0"},
		{ID: sup + "/2/grant", Seq: 2, Supervisor: sup, Kind: ir.RecordGrant, Sender: "host"},
		{ID: sup + "/3/request", Seq: 3, Supervisor: sup, Kind: ir.RecordRequest, Category: "REQUEST", Badge: 1, Sender: "host", Detail: "ping"},
		{ID: sup + "/3/reply", Seq: 3, Supervisor: sup, Kind: ir.RecordReply, Sender: "host", Payload: map[string]any{"ok": true}},
		{ID: sup + "/4/fault", Seq: 4, Supervisor: sup, Kind: ir.RecordFault, Category: "FAULT", Badge: 2, Component: "runtime_manager", ControlBlock: "tcb_0", Detail: "page fault"},
		{ID: sup + "/5/anomaly/PROTOCOL_VIOLATION", Seq: 5, Supervisor: sup, Kind: ir.RecordAnomaly, Code: "PROTOCOL_VIOLATION", Detail: "unknown badge 9"},
	}
	for _, rec := range records {
		require.NoError(t, st.WriteRecord(ctx, rec))
	}
	require.NoError(t, st.WriteBinding(ctx, ir.Binding{
		Supervisor:   sup,
		Component:    "runtime_manager",
		ControlBlock: "tcb_0",
		CapabilityID: "cap-1",
		Badge:        2,
		Seq:          1,
	}))
	return path
}
