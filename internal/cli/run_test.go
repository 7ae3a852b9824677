package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmsup/internal/composition"
	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/store"
)

// runCommand builds a bare command carrying ctx and captured output for
// calling runRealm directly.
func runCommand(ctx context.Context) (*cobra.Command, *bytes.Buffer) {
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(ctx)
	return cmd, out
}

func TestRunNonExistentTopologyDir(t *testing.T) {
	db := filepath.Join(t.TempDir(), "realm.db")
	_, err := execute(NewRunCommand(&RootOptions{Format: "text"}), "--db", db, "/nonexistent/topology")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunInvalidTopology(t *testing.T) {
	dir := writeTopology(t, `package realm

supervisors: sup: {}

components: worker: fault_handler: "missing"
`)
	db := filepath.Join(t.TempDir(), "realm.db")

	_, err := execute(NewRunCommand(&RootOptions{Format: "text"}), "--db", db, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid topology")
}

func TestRunBadConfig(t *testing.T) {
	dir := writeTopology(t, testTopologyCUE)
	cfgPath := filepath.Join(t.TempDir(), "realmsup.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("colour = \"blue\"\n"), 0644))

	_, err := execute(NewRunCommand(&RootOptions{Format: "text"}), "--config", cfgPath, dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestRunRefusesUsedJournal(t *testing.T) {
	dir := writeTopology(t, testTopologyCUE)
	db := seedJournal(t)

	_, err := execute(NewRunCommand(&RootOptions{Format: "text"}), "--db", db, dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "already holds 6 record(s)")
}

func TestRunServesRealmUntilCancelled(t *testing.T) {
	dir := writeTopology(t, testTopologyCUE)
	db := filepath.Join(t.TempDir(), "realm.db")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reply endpoint.Payload
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		Database:    db,
		ready: func(realm *composition.Realm) {
			defer cancel()
			host, ok := realm.Client("host")
			if !ok {
				return
			}
			callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
			defer callCancel()
			reply, _ = host.Call(callCtx, endpoint.Payload{"op": composition.OpPing})
		},
	}

	cmd, out := runCommand(ctx)
	require.NoError(t, runRealm(opts, dir, cmd))

	assert.Equal(t, true, reply["ok"])
	assert.Contains(t, out.String(), "Realm 0 composed (topology ")
	assert.Contains(t, out.String(), "host.runtime_manager_supervisor")
	assert.Contains(t, out.String(), "runtime_manager.fault_handler")
	assert.Contains(t, out.String(), "Realm running.")

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	rctx := context.Background()
	topologies, err := st.ReadTopologies(rctx)
	require.NoError(t, err)
	require.Len(t, topologies, 1)

	b, ok, err := st.Binding(rctx, "runtime_manager_supervisor")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "runtime_manager", b.Component)

	replies, err := st.ReadRecords(rctx, store.Filter{Kinds: []ir.RecordKind{ir.RecordReply}})
	require.NoError(t, err)
	assert.Len(t, replies, 1)

	verified, err := st.Verify(rctx)
	require.NoError(t, err)
	assert.True(t, verified.OK(), "violations: %v", verified.Violations)
}

func TestResolveConfigPrecedence(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "realmsup.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
database = "from-file.db"
socket = "/tmp/from-file.sock"
log_level = "warn"
`), 0644))
	t.Setenv("REALMSUP_SOCKET", "/tmp/from-env.sock")

	cfg, err := resolveConfig(&RunOptions{
		RootOptions: &RootOptions{Verbose: true},
		Config:      cfgPath,
		Database:    "from-flag.db",
	})
	require.NoError(t, err)
	assert.Equal(t, "from-flag.db", cfg.Database)
	assert.Equal(t, "/tmp/from-env.sock", cfg.Socket)
	assert.Equal(t, "DEBUG", cfg.LogLevel.String())
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortHash("0123456789abcdef"))
	assert.Equal(t, "abc", shortHash("abc"))
}
