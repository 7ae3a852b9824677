package endpoint

import "errors"

var (
	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("endpoint: closed")

	// ErrInvalidCapability is returned when a capability is not in the
	// endpoint's capability table: forged, zero-valued, or revoked.
	ErrInvalidCapability = errors.New("endpoint: invalid capability")

	// ErrNoWriteRight is returned when sending through a capability that
	// lacks RightWrite.
	ErrNoWriteRight = errors.New("endpoint: capability lacks write right")

	// ErrReplyMisuse is returned when a reply is attempted for a message
	// whose sender cannot receive one.
	ErrReplyMisuse = errors.New("endpoint: reply without reply rights")

	// ErrReplyConsumed is returned on a second reply to the same message.
	ErrReplyConsumed = errors.New("endpoint: reply already sent")

	// ErrRejected is returned to a blocked caller whose message was
	// dropped by the receiver.
	ErrRejected = errors.New("endpoint: message rejected")

	// ErrAlreadyOwned is returned when a second owner claims an endpoint.
	ErrAlreadyOwned = errors.New("endpoint: already owned")

	// ErrReservedBadge is returned when granting badge 0.
	ErrReservedBadge = errors.New("endpoint: badge 0 is reserved")
)
