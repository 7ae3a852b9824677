package supervisor

import (
	"errors"
	"fmt"

	"github.com/roach88/realmsup/internal/badge"
)

// ErrorCode classifies supervision errors.
type ErrorCode string

const (
	// CodeProtocolViolation covers unknown badges and faults while unbound.
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	// CodeTopology is a second registration.
	CodeTopology ErrorCode = "TOPOLOGY"
	// CodeReplyMisuse is a reply for a sender without reply rights.
	CodeReplyMisuse ErrorCode = "REPLY_MISUSE"
	// CodeReceiveDeadline is an expired receive deadline.
	CodeReceiveDeadline ErrorCode = "RECEIVE_DEADLINE"
	// CodeHandlerFailed is an error returned by a fault or request handler.
	CodeHandlerFailed ErrorCode = "HANDLER_FAILED"
)

var (
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("supervisor: already running")
	// ErrInvalidEntity is returned when registering a zero EntityRef.
	ErrInvalidEntity = errors.New("supervisor: entity reference is empty")
)

// Error is a supervision error with enough context to diagnose it from
// the journal alone.
type Error struct {
	Code       ErrorCode
	Message    string
	Supervisor string
	Badge      badge.Badge
	Seq        int64
	Entity     *EntityRef
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Supervisor != "" {
		msg += fmt.Sprintf(" (supervisor=%s", e.Supervisor)
		if e.Seq != 0 {
			msg += fmt.Sprintf(", seq=%d", e.Seq)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TopologyError is returned by a second Register. It names both the
// entity already bound and the one that was refused.
type TopologyError struct {
	Supervisor string
	Bound      EntityRef
	Attempted  EntityRef
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("%s: supervisor %s already supervises %s; refused %s",
		CodeTopology, e.Supervisor, e.Bound, e.Attempted)
}

// IsTopologyError reports whether err is or wraps a TopologyError.
func IsTopologyError(err error) bool {
	var te *TopologyError
	return errors.As(err, &te)
}

// IsProtocolViolation reports whether err is a protocol violation.
func IsProtocolViolation(err error) bool {
	return hasCode(err, CodeProtocolViolation)
}

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

func newUnknownBadgeError(supervisor string, b badge.Badge, seq int64) *Error {
	return &Error{
		Code:       CodeProtocolViolation,
		Message:    fmt.Sprintf("unknown badge %d", b),
		Supervisor: supervisor,
		Badge:      b,
		Seq:        seq,
	}
}

func newUnboundFaultError(supervisor string, b badge.Badge, seq int64) *Error {
	return &Error{
		Code:       CodeProtocolViolation,
		Message:    "fault received before any entity registered",
		Supervisor: supervisor,
		Badge:      b,
		Seq:        seq,
	}
}
