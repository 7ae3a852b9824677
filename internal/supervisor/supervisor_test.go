package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmsup/internal/badge"
	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/telemetry"
	"github.com/roach88/realmsup/internal/testutil"
)

const waitTimeout = 2 * time.Second

var (
	entityA = EntityRef{Component: "entityA", ControlBlock: "tcb_a"}
	entityC = EntityRef{Component: "entityC", ControlBlock: "tcb_c"}
)

// fixture is a supervisor whose records stream into a channel.
type fixture struct {
	sup     *Supervisor
	ep      *endpoint.Endpoint
	records chan Record
	done    chan error
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	ep := endpoint.New("sup_ep",
		endpoint.WithIDGenerator(testutil.NewSequentialIDs("cap")),
		endpoint.WithLogger(testutil.DiscardLogger()))
	records := make(chan Record, 256)

	all := append([]Option{
		WithLogger(testutil.DiscardLogger()),
		WithObserver(ObserverFunc(func(r Record) {
			select {
			case records <- r:
			default:
			}
		})),
	}, opts...)

	sup, err := New("sup", ep, all...)
	require.NoError(t, err)

	f := &fixture{sup: sup, ep: ep, records: records}
	t.Cleanup(func() {
		if f.cancel != nil {
			f.cancel()
			testutil.RequireReceive(t, f.done, waitTimeout, "Run did not stop")
		}
		ep.Close()
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() { f.done <- f.sup.Run(ctx) }()
}

// waitFor drains records until one of kind (and code, if set) arrives.
func (f *fixture) waitFor(t *testing.T, kind ir.RecordKind, code ErrorCode) Record {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case r := <-f.records:
			if r.Kind == kind && (code == "" || r.Code == string(code)) {
				return r
			}
		case <-deadline:
			t.Fatalf("no %s record (code %q) within %s", kind, code, waitTimeout)
		}
	}
}

// faultRecorder counts OnFault invocations.
type faultRecorder struct {
	mu    sync.Mutex
	calls []FaultMessage
}

func (r *faultRecorder) OnFault(_ context.Context, m FaultMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, m)
	return nil
}

func (r *faultRecorder) Calls() []FaultMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FaultMessage(nil), r.calls...)
}

func pingHandler() RequestHandler {
	return RequestHandlerFunc(func(_ context.Context, m RequestMessage) (endpoint.Payload, error) {
		if m.Op() == "ping" {
			return endpoint.Payload{"ok": true}, nil
		}
		return nil, errors.New("unknown op")
	})
}

func TestSupervisor_PingFaultTopologyScenario(t *testing.T) {
	faults := &faultRecorder{}
	f := newFixture(t, WithFaultHandler(faults), WithRequestHandler(pingHandler()))
	ctx := context.Background()

	assert.Equal(t, Unbound, f.sup.State())

	capF, err := f.sup.Register(ctx, entityA)
	require.NoError(t, err)
	assert.Equal(t, badge.Badge(2), capF.Badge())
	assert.Equal(t, Bound, f.sup.State())

	capR, err := f.sup.GrantRequestCapability(ctx, "clientB", endpoint.RightGrantReply)
	require.NoError(t, err)
	assert.Equal(t, badge.Badge(1), capR.Badge())

	f.start(t)

	reply, err := capR.Call(ctx, endpoint.Payload{"op": "ping"})
	require.NoError(t, err)
	assert.Equal(t, endpoint.Payload{"ok": true}, reply)
	assert.Empty(t, faults.Calls(), "requests never invoke the fault handler")

	require.NoError(t, capF.Send(ctx, endpoint.Payload{"reason": "page fault"}))
	rec := f.waitFor(t, ir.RecordFault, "")
	assert.Equal(t, "entityA", rec.Component)

	calls := faults.Calls()
	require.Len(t, calls, 1, "OnFault invoked exactly once")
	assert.Equal(t, entityA, calls[0].Entity)
	assert.Equal(t, "page fault", calls[0].Reason())
	assert.Equal(t, EntityFailed, f.sup.State())

	_, err = f.sup.Register(ctx, entityC)
	require.Error(t, err)
	assert.True(t, IsTopologyError(err))

	bound, ok := f.sup.BoundEntity()
	require.True(t, ok)
	assert.Equal(t, entityA, bound, "refused registration leaves the binding untouched")
}

func TestRegister_SecondCallIsTopologyError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Register(ctx, entityA)
	require.NoError(t, err)

	c, err := f.sup.Register(ctx, entityC)
	require.Error(t, err)
	assert.True(t, c.IsZero())

	var terr *TopologyError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, entityA, terr.Bound)
	assert.Equal(t, entityC, terr.Attempted)
	assert.Contains(t, err.Error(), "TOPOLOGY")

	rec := f.waitFor(t, ir.RecordAnomaly, CodeTopology)
	assert.Equal(t, "entityC", rec.Component)

	// Registering the same entity again is refused too.
	_, err = f.sup.Register(ctx, entityA)
	assert.True(t, IsTopologyError(err))
}

func TestRegister_ConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, topology := 0, 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := EntityRef{Component: "c", ControlBlock: string(rune('a' + i))}
			_, err := f.sup.Register(ctx, ref)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if IsTopologyError(err) {
				topology++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, topology)
}

func TestRegister_GrantFailureReleasesBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ep.Close()

	_, err := f.sup.Register(ctx, entityA)
	require.ErrorIs(t, err, endpoint.ErrClosed)
	assert.False(t, IsTopologyError(err))
	_, bound := f.sup.BoundEntity()
	assert.False(t, bound)
	assert.Equal(t, Unbound, f.sup.State())

	// Racing registrations may see a binding come and go; none may win.
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := EntityRef{Component: "c", ControlBlock: string(rune('a' + i))}
			_, err := f.sup.Register(ctx, ref)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.Error(t, err)
	}
	_, bound = f.sup.BoundEntity()
	assert.False(t, bound)
}

func TestRegister_ZeroEntity(t *testing.T) {
	f := newFixture(t)

	_, err := f.sup.Register(context.Background(), EntityRef{})
	assert.ErrorIs(t, err, ErrInvalidEntity)
	assert.Equal(t, Unbound, f.sup.State())
}

func TestFault_BeforeRegistrationIsProtocolViolation(t *testing.T) {
	faults := &faultRecorder{}
	f := newFixture(t, WithFaultHandler(faults))
	ctx := context.Background()

	// A fault-badged capability minted outside Register.
	stray, err := f.ep.Grant("stray", badge.DefaultFault, endpoint.RightWrite)
	require.NoError(t, err)

	f.start(t)
	require.NoError(t, stray.Send(ctx, endpoint.Payload{"reason": "early"}))

	rec := f.waitFor(t, ir.RecordAnomaly, CodeProtocolViolation)
	assert.Equal(t, "FAULT", rec.Category)
	assert.Empty(t, faults.Calls())
	assert.Equal(t, Unbound, f.sup.State())
	assert.Equal(t, int64(0), f.sup.Faults())
}

func TestUnknownBadge_DroppedAndCallerRejected(t *testing.T) {
	f := newFixture(t, WithRequestHandler(pingHandler()))
	ctx := context.Background()

	odd, err := f.ep.Grant("odd", 9, endpoint.RightWrite|endpoint.RightGrantReply)
	require.NoError(t, err)

	f.start(t)

	_, err = odd.Call(ctx, endpoint.Payload{"op": "ping"})
	assert.ErrorIs(t, err, endpoint.ErrRejected)

	rec := f.waitFor(t, ir.RecordAnomaly, CodeProtocolViolation)
	assert.Equal(t, uint64(9), rec.Badge)
	assert.Contains(t, rec.Detail, "unknown badge 9")

	// The loop keeps serving afterwards.
	capR, err := f.sup.GrantRequestCapability(ctx, "clientB", endpoint.RightGrantReply)
	require.NoError(t, err)
	reply, err := capR.Call(ctx, endpoint.Payload{"op": "ping"})
	require.NoError(t, err)
	assert.Equal(t, true, reply["ok"])
}

func TestRequest_OneWayReplyIsMisuse(t *testing.T) {
	f := newFixture(t, WithRequestHandler(pingHandler()))
	ctx := context.Background()

	capR, err := f.sup.GrantRequestCapability(ctx, "fireAndForget", 0)
	require.NoError(t, err)
	assert.False(t, capR.Rights().Has(endpoint.RightGrantReply))
	assert.True(t, capR.Rights().Has(endpoint.RightWrite), "write is always granted")

	f.start(t)
	require.NoError(t, capR.Send(ctx, endpoint.Payload{"op": "ping"}))

	f.waitFor(t, ir.RecordRequest, "")
	rec := f.waitFor(t, ir.RecordAnomaly, CodeReplyMisuse)
	assert.Equal(t, "REQUEST", rec.Category)
}

func TestRequest_HandlerErrorRepliesNotOK(t *testing.T) {
	f := newFixture(t, WithRequestHandler(pingHandler()))
	ctx := context.Background()

	capR, err := f.sup.GrantRequestCapability(ctx, "clientB", endpoint.RightGrantReply)
	require.NoError(t, err)
	f.start(t)

	reply, err := capR.Call(ctx, endpoint.Payload{"op": "explode"})
	require.NoError(t, err)
	assert.Equal(t, false, reply["ok"])
	assert.Equal(t, "unknown op", reply["error"])

	f.waitFor(t, ir.RecordAnomaly, CodeHandlerFailed)
}

func TestRequest_NoHandlerRepliesEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	capR, err := f.sup.GrantRequestCapability(ctx, "clientB", endpoint.RightGrantReply)
	require.NoError(t, err)
	f.start(t)

	reply, err := capR.Call(ctx, endpoint.Payload{"op": "ping"})
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestFault_HandlerErrorReported(t *testing.T) {
	failing := FaultHandlerFunc(func(context.Context, FaultMessage) error {
		return errors.New("restart failed")
	})
	f := newFixture(t, WithFaultHandler(failing))
	ctx := context.Background()

	capF, err := f.sup.Register(ctx, entityA)
	require.NoError(t, err)
	f.start(t)

	require.NoError(t, capF.Send(ctx, endpoint.Payload{"reason": "oops"}))
	rec := f.waitFor(t, ir.RecordAnomaly, CodeHandlerFailed)
	assert.Equal(t, "entityA", rec.Component)
	assert.Contains(t, rec.Detail, "restart failed")
}

func TestFault_RepeatedFaultsAllAttributed(t *testing.T) {
	faults := &faultRecorder{}
	f := newFixture(t, WithFaultHandler(faults))
	ctx := context.Background()

	capF, err := f.sup.Register(ctx, entityA)
	require.NoError(t, err)
	f.start(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, capF.Send(ctx, endpoint.Payload{"reason": "again"}))
		f.waitFor(t, ir.RecordFault, "")
	}

	calls := faults.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, entityA, c.Entity)
	}
	assert.Equal(t, int64(3), f.sup.Faults())
	assert.Equal(t, EntityFailed, f.sup.State())
}

func TestFaultCapability_CannotCall(t *testing.T) {
	f := newFixture(t)

	capF, err := f.sup.Register(context.Background(), entityA)
	require.NoError(t, err)
	assert.False(t, capF.Rights().Has(endpoint.RightGrantReply))

	_, err = capF.Call(context.Background(), endpoint.Payload{})
	assert.ErrorIs(t, err, endpoint.ErrReplyMisuse)
}

func TestRun_AlreadyRunning(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.Eventually(t, f.sup.Running, waitTimeout, time.Millisecond)
	assert.ErrorIs(t, f.sup.Run(context.Background()), ErrAlreadyRunning)
}

func TestRun_StopsWhenEndpointClosed(t *testing.T) {
	f := newFixture(t)

	done := make(chan error, 1)
	go func() { done <- f.sup.Run(context.Background()) }()
	require.Eventually(t, f.sup.Running, waitTimeout, time.Millisecond)

	f.sup.Stop()
	err := testutil.RequireReceive(t, done, waitTimeout, "Run did not return after Stop")
	assert.NoError(t, err)
	assert.False(t, f.sup.Running())
}

func TestStop_QueuedFaultsStillAttributed(t *testing.T) {
	faults := &faultRecorder{}
	f := newFixture(t, WithFaultHandler(faults))
	ctx := context.Background()

	capF, err := f.sup.Register(ctx, entityA)
	require.NoError(t, err)
	f.waitFor(t, ir.RecordRegister, "")

	require.NoError(t, capF.Send(ctx, endpoint.Payload{"reason": "trap"}))
	f.sup.Stop()
	assert.ErrorIs(t, capF.Send(ctx, endpoint.Payload{"reason": "late"}), endpoint.ErrClosed)

	require.NoError(t, f.sup.Run(ctx))

	calls := faults.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "trap", calls[0].Reason())
	assert.Equal(t, int64(1), f.sup.Faults())
	assert.Equal(t, EntityFailed, f.sup.State())

	rec := f.waitFor(t, ir.RecordFault, "")
	assert.Equal(t, "entityA", rec.Component)
	assert.Equal(t, "trap", rec.Detail)
}

func TestRun_CancelledDispatchesQueuedFaults(t *testing.T) {
	faults := &faultRecorder{}
	f := newFixture(t, WithFaultHandler(faults))

	capF, err := f.sup.Register(context.Background(), entityA)
	require.NoError(t, err)
	for _, reason := range []string{"first", "second"} {
		require.NoError(t, capF.Send(context.Background(), endpoint.Payload{"reason": reason}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.sup.Run(ctx), context.Canceled)

	calls := faults.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Reason())
	assert.Equal(t, "second", calls[1].Reason())
	assert.Equal(t, int64(2), f.sup.Faults())
	assert.Equal(t, 0, f.ep.Pending())
}

func TestRun_ContextCancelled(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sup.Run(ctx) }()
	require.Eventually(t, f.sup.Running, waitTimeout, time.Millisecond)

	cancel()
	err := testutil.RequireReceive(t, done, waitTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiveDeadline_ReportedWithoutStateChange(t *testing.T) {
	f := newFixture(t, WithReceiveDeadline(10*time.Millisecond))
	ctx := context.Background()

	_, err := f.sup.Register(ctx, entityA)
	require.NoError(t, err)
	f.start(t)

	rec := f.waitFor(t, ir.RecordAnomaly, CodeReceiveDeadline)
	assert.Contains(t, rec.Detail, "no message within")
	assert.Equal(t, Bound, f.sup.State())
}

func TestNew_EndpointOwnedElsewhere(t *testing.T) {
	ep := endpoint.New("shared", endpoint.WithLogger(testutil.DiscardLogger()))
	defer ep.Close()

	_, err := New("first", ep, WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)

	_, err = New("second", ep, WithLogger(testutil.DiscardLogger()))
	assert.ErrorIs(t, err, endpoint.ErrAlreadyOwned)

	_, err = New("nil", nil)
	assert.Error(t, err)
}

func TestCustomBadges(t *testing.T) {
	reg, err := badge.New(map[badge.Category]badge.Badge{badge.Request: 10, badge.Fault: 20})
	require.NoError(t, err)

	faults := &faultRecorder{}
	f := newFixture(t, WithBadges(reg), WithFaultHandler(faults))
	ctx := context.Background()

	capF, err := f.sup.Register(ctx, entityA)
	require.NoError(t, err)
	assert.Equal(t, badge.Badge(20), capF.Badge())

	capR, err := f.sup.GrantRequestCapability(ctx, "b", 0)
	require.NoError(t, err)
	assert.Equal(t, badge.Badge(10), capR.Badge())

	// Badge 2 means nothing under this registry.
	legacy, err := f.ep.Grant("legacy", 2, endpoint.RightWrite)
	require.NoError(t, err)

	f.start(t)
	require.NoError(t, legacy.Send(ctx, endpoint.Payload{}))
	f.waitFor(t, ir.RecordAnomaly, CodeProtocolViolation)
	assert.Empty(t, faults.Calls())
}

// memJournal records journal writes in memory.
type memJournal struct {
	mu       sync.Mutex
	records  []ir.Record
	bindings []ir.Binding
}

func (j *memJournal) WriteRecord(_ context.Context, r ir.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return nil
}

func (j *memJournal) WriteBinding(_ context.Context, b ir.Binding) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bindings = append(j.bindings, b)
	return nil
}

func TestJournalAndMetrics(t *testing.T) {
	ctx := context.Background()
	journal := &memJournal{}
	collector := telemetry.NewCollector()
	t.Cleanup(func() { _ = collector.Shutdown(ctx) })
	metrics, err := telemetry.NewMetrics(collector.Provider())
	require.NoError(t, err)

	f := newFixture(t, WithJournal(journal), WithMetrics(metrics), WithRequestHandler(pingHandler()))

	capF, err := f.sup.Register(ctx, entityA)
	require.NoError(t, err)
	capR, err := f.sup.GrantRequestCapability(ctx, "clientB", endpoint.RightGrantReply)
	require.NoError(t, err)
	f.start(t)

	_, err = capR.Call(ctx, endpoint.Payload{"op": "ping"})
	require.NoError(t, err)
	f.waitFor(t, ir.RecordReply, "")
	require.NoError(t, capF.Send(ctx, endpoint.Payload{"reason": "x"}))
	f.waitFor(t, ir.RecordFault, "")

	journal.mu.Lock()
	require.Len(t, journal.bindings, 1)
	assert.Equal(t, "entityA", journal.bindings[0].Component)
	assert.Equal(t, capF.ID(), journal.bindings[0].CapabilityID)

	var kinds []ir.RecordKind
	ids := map[string]bool{}
	for _, r := range journal.records {
		kinds = append(kinds, r.Kind)
		assert.False(t, ids[r.ID], "record ids are unique: %s", r.ID)
		ids[r.ID] = true
		assert.Equal(t, "sup", r.Supervisor)
	}
	journal.mu.Unlock()
	assert.Equal(t, []ir.RecordKind{ir.RecordRegister, ir.RecordGrant, ir.RecordRequest, ir.RecordReply, ir.RecordFault}, kinds)

	faults, err := collector.Total(ctx, telemetry.FaultsName, map[string]string{"supervisor": "sup"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), faults)

	replies, err := collector.Total(ctx, telemetry.RepliesName, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), replies)
}

func TestParseState(t *testing.T) {
	for _, st := range []State{Unbound, Bound, EntityFailed} {
		got, err := ParseState(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseState("RUNNING")
	assert.Error(t, err)
	assert.Equal(t, "State(9)", State(9).String())
}
