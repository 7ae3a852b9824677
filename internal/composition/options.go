package composition

import (
	"log/slog"
	"time"

	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/supervisor"
)

// Option configures a Context.
type Option func(*Context)

// WithJournal records every supervisor's records and bindings in j.
func WithJournal(j supervisor.Journal) Option {
	return func(c *Context) {
		c.journal = j
	}
}

// WithMetrics sets the metrics recorder shared by all supervisors.
func WithMetrics(r supervisor.Recorder) Option {
	return func(c *Context) {
		c.metrics = r
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		c.logger = l
	}
}

// WithClock shares clk across every endpoint in the realm, giving one
// total order over all records.
func WithClock(clk *endpoint.Clock) Option {
	return func(c *Context) {
		c.clock = clk
	}
}

// WithIDGenerator sets the capability id generator for every endpoint.
func WithIDGenerator(g endpoint.IDGenerator) Option {
	return func(c *Context) {
		c.ids = g
	}
}

// WithObserver adds an observer to every supervisor.
func WithObserver(o supervisor.Observer) Option {
	return func(c *Context) {
		c.observers = append(c.observers, o)
	}
}

// WithReceiveDeadline sets the receive deadline of every supervisor.
func WithReceiveDeadline(d time.Duration) Option {
	return func(c *Context) {
		c.receiveDeadline = d
	}
}

// WithFaultHandler installs h on the named supervisor.
func WithFaultHandler(supervisorName string, h supervisor.FaultHandler) Option {
	return func(c *Context) {
		c.faultHandlers[supervisorName] = h
	}
}

// WithRequestHandler installs h on the named supervisor in place of the
// default ping/status handler.
func WithRequestHandler(supervisorName string, h supervisor.RequestHandler) Option {
	return func(c *Context) {
		c.requestHandlers[supervisorName] = h
	}
}
