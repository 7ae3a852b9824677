package supervisor

import (
	"log/slog"
	"time"

	"github.com/roach88/realmsup/internal/badge"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBadges sets the category to badge mapping. Defaults to badge.Default().
func WithBadges(r *badge.Registry) Option {
	return func(s *Supervisor) {
		s.badges = r
	}
}

// WithFaultHandler installs remediation for faults of the bound entity.
// Without one, a fault only marks the entity failed and is logged.
func WithFaultHandler(h FaultHandler) Option {
	return func(s *Supervisor) {
		s.onFault = h
	}
}

// WithRequestHandler installs the REQUEST handler. Without one, callers
// waiting for a reply receive an empty payload.
func WithRequestHandler(h RequestHandler) Option {
	return func(s *Supervisor) {
		s.onRequest = h
	}
}

// WithJournal persists every record.
func WithJournal(j Journal) Option {
	return func(s *Supervisor) {
		s.journal = j
	}
}

// WithMetrics records counters.
func WithMetrics(r Recorder) Option {
	return func(s *Supervisor) {
		s.metrics = r
	}
}

// WithObserver adds an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) {
		s.observers = append(s.observers, o)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithReceiveDeadline bounds each receive. An expired deadline is reported
// as a RECEIVE_DEADLINE anomaly and the loop receives again; the
// supervisor's state is never changed by it. Zero disables the deadline.
func WithReceiveDeadline(d time.Duration) Option {
	return func(s *Supervisor) {
		s.receiveDeadline = d
	}
}
