package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindIOFailure is any socket error not covered by a more specific kind.
	KindIOFailure Kind = iota

	// KindShortRead means a datagram carried fewer bytes than one packet.
	KindShortRead

	// KindOversized means a datagram carried more bytes than one packet.
	KindOversized

	// KindConnectionClosed means the socket or the peer has gone away.
	KindConnectionClosed

	// KindInvalidState means the operation is not legal in the current
	// connection state (e.g. sending on a listening TCP transport).
	KindInvalidState

	// KindTimeout means the bounded wait elapsed without a complete packet.
	KindTimeout
)

// String returns the snake_case name of the kind, suitable for metric labels.
func (k Kind) String() string {
	switch k {
	case KindIOFailure:
		return "io_failure"
	case KindShortRead:
		return "short_read"
	case KindOversized:
		return "oversized"
	case KindConnectionClosed:
		return "connection_closed"
	case KindInvalidState:
		return "invalid_state"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every [Transport] operation.
type Error struct {
	Kind    Kind
	Channel string
	Op      string
	Err     error
}

// Sentinels for use with errors.Is. Matching compares the Kind only.
var (
	ErrIOFailure        = &Error{Kind: KindIOFailure}
	ErrShortRead        = &Error{Kind: KindShortRead}
	ErrOversized        = &Error{Kind: KindOversized}
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrTimeout          = &Error{Kind: KindTimeout}
)

func (e *Error) Error() string {
	msg := "transport"
	if e.Channel != "" {
		msg += " " + e.Channel
	}
	if e.Op != "" {
		msg += ": " + e.Op
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying socket error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain and whether one
// was found.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

func newError(kind Kind, channel, op string, err error) *Error {
	return &Error{Kind: kind, Channel: channel, Op: op, Err: err}
}

func sizeError(kind Kind, channel string, want, got int) *Error {
	return newError(kind, channel, "receive", fmt.Errorf("want %d bytes, got %d", want, got))
}
