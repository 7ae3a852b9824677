package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/realmsup/internal/badge"
	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/entity"
	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/store"
	"github.com/roach88/realmsup/internal/supervisor"
	"github.com/roach88/realmsup/internal/testutil"
)

// DefaultStepTimeout bounds how long a step waits for the supervisor to
// process the message it sent.
const DefaultStepTimeout = 2 * time.Second

// Harness executes test scenarios against a real endpoint and supervisor.
type Harness struct {
	stepTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithStepTimeout overrides DefaultStepTimeout.
func WithStepTimeout(d time.Duration) Option {
	return func(h *Harness) { h.stepTimeout = d }
}

// WithLogger sets the logger handed to the supervisor under test.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// New creates a Harness.
func New(opts ...Option) *Harness {
	h := &Harness{stepTimeout: DefaultStepTimeout, logger: testutil.DiscardLogger()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with default options.
func Run(scenario *Scenario) (*Result, error) {
	return New().Run(context.Background(), scenario)
}

// Run executes scenario and returns its result. The returned error is
// reserved for setup failures; step and assertion failures land in
// Result.Errors.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	badges, err := scenarioBadges(scenario)
	if err != nil {
		return nil, err
	}

	ep := endpoint.New(scenario.Supervisor+"_endpoint",
		endpoint.WithIDGenerator(testutil.NewSequentialIDs("cap")),
		endpoint.WithLogger(h.logger))
	trace := newTraceCollector()

	sup, err := supervisor.New(scenario.Supervisor, ep,
		supervisor.WithBadges(badges),
		supervisor.WithJournal(st),
		supervisor.WithObserver(trace),
		supervisor.WithLogger(h.logger),
		supervisor.WithRequestHandler(scriptedRequestHandler(scenario.Handler)),
		supervisor.WithFaultHandler(scriptedFaultHandler(scenario.FaultHandler)))
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(runCtx) }()

	ex := &execution{
		h:        h,
		ctx:      ctx,
		sup:      sup,
		trace:    trace,
		entities: make(map[string]*entity.Entity),
		caps:     make(map[string]endpoint.Capability),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := ex.run(step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
			break
		}
	}

	// Closing the endpoint lets the loop drain the one-way messages still
	// queued, so records a step did not wait for are in the trace too.
	sup.Stop()
	if err := <-done; err != nil {
		return nil, fmt.Errorf("supervisor run: %w", err)
	}

	result.Trace = trace.events()
	result.State = finalState(sup)

	verify, err := st.Verify(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify journal: %w", err)
	}
	for _, v := range verify.Violations {
		result.AddError("journal: " + v.String())
	}

	for _, assertion := range scenario.Assertions {
		if err := assertResult(result, assertion); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

func scenarioBadges(s *Scenario) (*badge.Registry, error) {
	if s.Badges == nil {
		return badge.Default(), nil
	}
	r, err := badge.New(map[badge.Category]badge.Badge{
		badge.Request: badge.Badge(s.Badges.Request),
		badge.Fault:   badge.Badge(s.Badges.Fault),
	})
	if err != nil {
		return nil, fmt.Errorf("invalid badges: %w", err)
	}
	return r, nil
}

func finalState(sup *supervisor.Supervisor) FinalState {
	fs := FinalState{State: sup.State().String(), Faults: sup.Faults()}
	if ref, ok := sup.BoundEntity(); ok {
		fs.Entity = ref.String()
	}
	return fs
}

// execution holds the live objects a scenario's steps refer to by alias.
type execution struct {
	h        *Harness
	ctx      context.Context
	sup      *supervisor.Supervisor
	trace    *traceCollector
	entities map[string]*entity.Entity
	caps     map[string]endpoint.Capability
	rawSeq   int
}

func (ex *execution) run(step Step) error {
	switch {
	case step.Register != nil:
		return ex.register(step.Register)
	case step.GrantRequest != nil:
		return ex.grantRequest(step.GrantRequest)
	case step.Request != nil:
		return ex.request(step.Request)
	case step.Fault != nil:
		return ex.fault(step.Fault)
	case step.SendRaw != nil:
		return ex.sendRaw(step.SendRaw)
	}
	return errors.New("empty step")
}

func (ex *execution) register(r *RegisterStep) error {
	e := entity.New(supervisor.EntityRef{Component: r.Component, ControlBlock: r.ControlBlock})
	err := e.Register(ex.ctx, ex.sup)

	switch r.ExpectError {
	case "":
		if err != nil {
			return fmt.Errorf("register %s: %w", e.Ref(), err)
		}
	case ExpectTopology:
		if !supervisor.IsTopologyError(err) {
			return fmt.Errorf("register %s: expected topology error, got %v", e.Ref(), err)
		}
	case ExpectInvalidEntity:
		if !errors.Is(err, supervisor.ErrInvalidEntity) {
			return fmt.Errorf("register %s: expected invalid entity error, got %v", e.Ref(), err)
		}
	}

	if r.As != "" {
		ex.entities[r.As] = e
	}
	return nil
}

func (ex *execution) grantRequest(g *GrantRequestStep) error {
	rights, err := endpoint.ParseRights(g.Rights)
	if err != nil {
		return err
	}
	c, err := ex.sup.GrantRequestCapability(ex.ctx, endpoint.SenderID(g.Sender), rights)
	if err != nil {
		return err
	}
	ex.caps[g.As] = c
	return nil
}

func (ex *execution) request(r *RequestStep) error {
	c := ex.caps[r.Capability]
	if !r.Call {
		if err := c.Send(ex.ctx, r.Payload); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		return ex.awaitProcessed(ex.sup.Endpoint().Clock().Current(), "")
	}

	reply, err := c.Call(ex.ctx, r.Payload)
	switch r.ExpectError {
	case ExpectReplyMisuse:
		// Refused before delivery, so the supervisor never sees it.
		if !errors.Is(err, endpoint.ErrReplyMisuse) {
			return fmt.Errorf("call: expected reply misuse, got %v", err)
		}
		return nil
	case ExpectRejected:
		if !errors.Is(err, endpoint.ErrRejected) {
			return fmt.Errorf("call: expected rejection, got %v", err)
		}
		return ex.awaitProcessed(ex.sup.Endpoint().Clock().Current(), "")
	}
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}

	seq := ex.sup.Endpoint().Clock().Current()
	if err := ex.awaitProcessed(seq, ir.RecordReply); err != nil {
		return err
	}
	if !subsetMatch(r.Expect, reply) {
		return fmt.Errorf("reply mismatch: expected %v, got %v", r.Expect, reply)
	}
	return nil
}

func (ex *execution) fault(f *FaultStep) error {
	e := ex.entities[f.Entity]
	if err := e.Trap(ex.ctx, f.Reason); err != nil {
		return fmt.Errorf("fault %s: %w", e.Ref(), err)
	}
	return ex.awaitProcessed(ex.sup.Endpoint().Clock().Current(), "")
}

func (ex *execution) sendRaw(r *SendRawStep) error {
	ex.rawSeq++
	rights := endpoint.RightWrite
	if r.Call {
		rights |= endpoint.RightGrantReply
	}
	c, err := ex.sup.Endpoint().Grant(endpoint.SenderID(fmt.Sprintf("raw_%d", ex.rawSeq)), badge.Badge(r.Badge), rights)
	if err != nil {
		return fmt.Errorf("grant raw badge %d: %w", r.Badge, err)
	}

	if r.Call {
		_, err = c.Call(ex.ctx, r.Payload)
		if r.ExpectError == ExpectRejected {
			if !errors.Is(err, endpoint.ErrRejected) {
				return fmt.Errorf("raw call: expected rejection, got %v", err)
			}
		} else if err != nil {
			return fmt.Errorf("raw call: %w", err)
		}
	} else if err := c.Send(ex.ctx, r.Payload); err != nil {
		return fmt.Errorf("raw send: %w", err)
	}
	return ex.awaitProcessed(ex.sup.Endpoint().Clock().Current(), "")
}

// awaitProcessed waits until the supervisor has emitted a record for the
// message stamped seq. Every dispatched message yields at least one such
// record. A non-empty kind waits for that kind specifically.
func (ex *execution) awaitProcessed(seq int64, kind ir.RecordKind) error {
	ok := ex.trace.wait(ex.ctx, ex.h.stepTimeout, func(rec ir.Record) bool {
		return rec.Seq == seq && (kind == "" || rec.Kind == kind)
	})
	if !ok {
		return fmt.Errorf("timed out waiting for seq %d to be processed", seq)
	}
	return nil
}

// kindRank orders records that share a seq: a request precedes the
// anomaly its handler raised, which precedes the reply that followed.
var kindRank = map[ir.RecordKind]int{
	ir.RecordRegister: 0,
	ir.RecordGrant:    1,
	ir.RecordRequest:  2,
	ir.RecordFault:    3,
	ir.RecordAnomaly:  4,
	ir.RecordReply:    5,
}

// traceCollector observes supervisor records.
type traceCollector struct {
	mu      sync.Mutex
	records []ir.Record
	changed chan struct{}
}

func newTraceCollector() *traceCollector {
	return &traceCollector{changed: make(chan struct{})}
}

func (c *traceCollector) Observe(rec ir.Record) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *traceCollector) wait(ctx context.Context, timeout time.Duration, match func(ir.Record) bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		for _, rec := range c.records {
			if match(rec) {
				c.mu.Unlock()
				return true
			}
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// events returns the trace in seq order.
func (c *traceCollector) events() []TraceEvent {
	c.mu.Lock()
	records := make([]ir.Record, len(c.records))
	copy(records, c.records)
	c.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if kindRank[a.Kind] != kindRank[b.Kind] {
			return kindRank[a.Kind] < kindRank[b.Kind]
		}
		return a.Code < b.Code
	})

	events := make([]TraceEvent, len(records))
	for i, rec := range records {
		events[i] = traceEventFromRecord(rec)
	}
	return events
}

func scriptedRequestHandler(cfg HandlerConfig) supervisor.RequestHandlerFunc {
	failing := make(map[string]bool, len(cfg.Fail))
	for _, op := range cfg.Fail {
		failing[op] = true
	}
	return func(_ context.Context, msg supervisor.RequestMessage) (endpoint.Payload, error) {
		op := msg.Op()
		if failing[op] {
			return nil, fmt.Errorf("op %q failed", op)
		}
		if !msg.CanReply && !cfg.ReplyOneWay {
			return nil, nil
		}
		if reply, ok := cfg.Replies[op]; ok {
			return endpoint.Payload(reply), nil
		}
		return endpoint.Payload{}, nil
	}
}

func scriptedFaultHandler(cfg FaultHandlerConfig) supervisor.FaultHandlerFunc {
	return func(_ context.Context, msg supervisor.FaultMessage) error {
		if cfg.Fail {
			return fmt.Errorf("fault handler refused %s", msg.Entity)
		}
		return nil
	}
}
