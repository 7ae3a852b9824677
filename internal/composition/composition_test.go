package composition

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmsup/internal/compiler"
	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/store"
	"github.com/roach88/realmsup/internal/supervisor"
	"github.com/roach88/realmsup/internal/testutil"
)

func testTopology() *ir.Topology {
	return &ir.Topology{
		Version:     ir.TopologyVersion,
		Realm:       0,
		Badges:      ir.BadgeValues{Request: 1, Fault: 2},
		Supervisors: []ir.SupervisorSpec{{Name: "runtime_manager_supervisor", Priority: 1}},
		Components: []ir.ComponentSpec{{
			Name:         "runtime_manager",
			FaultHandler: "runtime_manager_supervisor",
			RequestsTo:   "runtime_manager_supervisor",
			Rights:       []string{"write", "grantreply"},
		}},
		Clients: []ir.ClientSpec{{
			Name:       "host",
			Supervisor: "runtime_manager_supervisor",
			Rights:     []string{"write", "grantreply"},
		}},
	}
}

func composeRealm(t *testing.T, topo *ir.Topology, opts ...Option) *Realm {
	t.Helper()
	opts = append([]Option{
		WithLogger(testutil.DiscardLogger()),
		WithIDGenerator(testutil.NewSequentialIDs("cap")),
	}, opts...)

	c, err := New(topo, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Compose(context.Background()))
	realm, err := c.Finalize()
	require.NoError(t, err)
	return realm
}

func runRealm(t *testing.T, realm *Realm) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- realm.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		err := testutil.RequireReceive(t, done, 2*time.Second, "waiting for realm to stop")
		assert.NoError(t, err)
	})
}

func TestNewRejectsInvalidTopology(t *testing.T) {
	topo := testTopology()
	topo.Components[0].FaultHandler = "ghost"

	_, err := New(topo)
	require.Error(t, err)
	var ite *InvalidTopologyError
	require.ErrorAs(t, err, &ite)
	require.Len(t, ite.Errors, 1)
	assert.Equal(t, compiler.ErrUnknownSupervisor, ite.Errors[0].Code)
	assert.Contains(t, err.Error(), "E201")
}

func TestNewNilTopology(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestLifecycleErrors(t *testing.T) {
	c, err := New(testTopology(), WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)

	_, err = c.Finalize()
	assert.ErrorIs(t, err, ErrNotComposed)

	require.NoError(t, c.Compose(context.Background()))
	assert.ErrorIs(t, c.Compose(context.Background()), ErrAlreadyComposed)

	_, err = c.Finalize()
	require.NoError(t, err)
	_, err = c.Finalize()
	assert.ErrorIs(t, err, ErrFinalized)
	assert.ErrorIs(t, c.Compose(context.Background()), ErrFinalized)
}

func TestComposeBindsSupervisedComponent(t *testing.T) {
	realm := composeRealm(t, testTopology())

	sup, ok := realm.Supervisor("runtime_manager_supervisor")
	require.True(t, ok)
	assert.Equal(t, supervisor.Bound, sup.State())
	assert.Equal(t, "realm_0_runtime_manager_supervisor_endpoint", sup.Endpoint().Name())

	ref, ok := sup.BoundEntity()
	require.True(t, ok)
	assert.Equal(t, "runtime_manager", ref.Component)
	assert.Equal(t, "realm_0_runtime_manager_tcb", ref.ControlBlock)

	ent, ok := realm.Entity("runtime_manager")
	require.True(t, ok)
	assert.True(t, ent.Registered())
	_, ok = ent.RequestCapability("runtime_manager_supervisor")
	assert.True(t, ok)

	_, ok = realm.Client("host")
	assert.True(t, ok)
	_, ok = realm.Supervisor("missing")
	assert.False(t, ok)

	// fault cap, component request cap, client request cap
	assert.Len(t, realm.Registry().IDs(), 3)
}

func TestComposeManifests(t *testing.T) {
	realm := composeRealm(t, testTopology())

	manifests := realm.Manifests()
	require.Len(t, manifests, 3)
	assert.Equal(t, "host", manifests[0].Component)
	assert.Equal(t, "runtime_manager", manifests[1].Component)
	assert.Equal(t, "runtime_manager_supervisor", manifests[2].Component)

	sm, ok := realm.Manifest("runtime_manager_supervisor")
	require.True(t, ok)
	assert.Equal(t, int64(1), sm.Priority)
	require.Len(t, sm.Slots, 1)
	assert.Equal(t, ir.SlotEndpoint, sm.Slots[0].Kind)

	cm, ok := realm.Manifest("runtime_manager")
	require.True(t, ok)
	fault, ok := cm.Slot("fault_handler")
	require.True(t, ok)
	assert.Equal(t, ir.SlotFault, fault.Kind)
	assert.Equal(t, uint64(2), fault.Badge)
	assert.Equal(t, []string{"write", "grant"}, fault.Rights)
	assert.Equal(t, "realm_0_runtime_manager_supervisor_endpoint", fault.Object)

	req, ok := cm.Slot("runtime_manager_supervisor")
	require.True(t, ok)
	assert.Equal(t, ir.SlotRequest, req.Kind)
	assert.Equal(t, uint64(1), req.Badge)
	assert.Equal(t, []string{"write", "grantreply"}, req.Rights)

	c, ok := realm.Registry().Lookup(req.CapabilityID)
	require.True(t, ok)
	assert.Equal(t, req.CapabilityID, c.ID())

	for _, m := range manifests {
		_, err := ir.ManifestHash(m)
		assert.NoError(t, err, "manifest %s must canonicalise", m.Component)
	}
}

func TestRealmDefaultRequestHandler(t *testing.T) {
	realm := composeRealm(t, testTopology())
	runRealm(t, realm)

	host, _ := realm.Client("host")
	ctx := context.Background()

	resp, err := host.Call(ctx, endpoint.Payload{"op": OpPing})
	require.NoError(t, err)
	assert.Equal(t, true, resp["ok"])

	resp, err = host.Call(ctx, endpoint.Payload{"op": OpStatus})
	require.NoError(t, err)
	assert.Equal(t, "BOUND", resp["state"])
	assert.Equal(t, "runtime_manager/realm_0_runtime_manager_tcb", resp["entity"])

	resp, err = host.Call(ctx, endpoint.Payload{"op": "reboot"})
	require.NoError(t, err)
	assert.Equal(t, false, resp["ok"])

	require.NoError(t, host.Send(ctx, endpoint.Payload{"op": OpPing}))
}

func TestRealmFaultReachesHandler(t *testing.T) {
	faults := make(chan supervisor.FaultMessage, 1)
	realm := composeRealm(t, testTopology(),
		WithFaultHandler("runtime_manager_supervisor", supervisor.FaultHandlerFunc(func(_ context.Context, m supervisor.FaultMessage) error {
			faults <- m
			return nil
		})))
	runRealm(t, realm)

	ent, _ := realm.Entity("runtime_manager")
	require.NoError(t, ent.Trap(context.Background(), "vm fault"))

	m := testutil.RequireReceive(t, faults, 2*time.Second, "waiting for fault")
	assert.Equal(t, "runtime_manager", m.Entity.Component)
	assert.Equal(t, "vm fault", m.Reason())

	host, _ := realm.Client("host")
	resp, err := host.Call(context.Background(), endpoint.Payload{"op": OpStatus})
	require.NoError(t, err)
	assert.Equal(t, "ENTITY_FAILED", resp["state"])
	assert.EqualValues(t, 1, resp["faults"])
}

func TestRealmCustomRequestHandler(t *testing.T) {
	realm := composeRealm(t, testTopology(),
		WithRequestHandler("runtime_manager_supervisor", supervisor.RequestHandlerFunc(func(_ context.Context, m supervisor.RequestMessage) (endpoint.Payload, error) {
			return endpoint.Payload{"echo": m.Op()}, nil
		})))
	runRealm(t, realm)

	host, _ := realm.Client("host")
	resp, err := host.Call(context.Background(), endpoint.Payload{"op": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp["echo"])
}

func TestRealmSharedClockOrdersRecords(t *testing.T) {
	topo := testTopology()
	topo.Supervisors = append(topo.Supervisors, ir.SupervisorSpec{Name: "net_supervisor"})
	topo.Components = append(topo.Components, ir.ComponentSpec{Name: "net", FaultHandler: "net_supervisor"})

	var mu sync.Mutex
	var seqs []int64
	realm := composeRealm(t, topo, WithObserver(supervisor.ObserverFunc(func(rec ir.Record) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, rec.Seq)
	})))

	mu.Lock()
	defer mu.Unlock()
	// register x2, grant x2 during Compose
	require.Len(t, seqs, 4)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
	assert.Equal(t, []string{"runtime_manager_supervisor", "net_supervisor"}, realm.SupervisorNames())
}

func TestRealmJournalsToStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer st.Close()

	faults := make(chan struct{}, 1)
	realm := composeRealm(t, testTopology(),
		WithJournal(st),
		WithFaultHandler("runtime_manager_supervisor", supervisor.FaultHandlerFunc(func(context.Context, supervisor.FaultMessage) error {
			faults <- struct{}{}
			return nil
		})))
	runRealm(t, realm)

	ent, _ := realm.Entity("runtime_manager")
	require.NoError(t, ent.Trap(context.Background(), "boom"))
	testutil.RequireReceive(t, faults, 2*time.Second, "waiting for fault")

	ctx := context.Background()
	b, ok, err := st.Binding(ctx, "runtime_manager_supervisor")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "runtime_manager", b.Component)

	records, err := st.ReadRecords(ctx, store.Filter{Kinds: []ir.RecordKind{ir.RecordFault}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "boom", records[0].Detail)

	result, err := st.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK(), "violations: %v", result.Violations)
}

func TestRealmStopEndsRun(t *testing.T) {
	realm := composeRealm(t, testTopology())

	done := make(chan error, 1)
	go func() { done <- realm.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		sup, _ := realm.Supervisor("runtime_manager_supervisor")
		return sup.Running()
	}, 2*time.Second, 5*time.Millisecond)

	realm.Stop()
	err := testutil.RequireReceive(t, done, 2*time.Second, "waiting for Run to return")
	assert.NoError(t, err)
}

func TestRealmStopDrainsQueuedFaults(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	realm := composeRealm(t, testTopology(), WithJournal(st))
	ent, _ := realm.Entity("runtime_manager")
	require.NoError(t, ent.Trap(ctx, "trap before shutdown"))

	realm.Stop()
	assert.ErrorIs(t, ent.Trap(ctx, "after shutdown"), endpoint.ErrClosed)
	require.NoError(t, realm.Run(ctx))

	records, err := st.ReadRecords(ctx, store.Filter{Kinds: []ir.RecordKind{ir.RecordFault}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "trap before shutdown", records[0].Detail)

	sup, _ := realm.Supervisor("runtime_manager_supervisor")
	assert.Equal(t, supervisor.EntityFailed, sup.State())
}
