// Package errkind implements the error taxonomy from the error-handling
// design: protocol violations, undersized guest buffers, back-channel
// failures, transient I/O, and fatal transport errors.
package errkind

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind categorizes an error the way the daemon's propagation policy
// requires: some kinds are fatal (panic and exit), some are per-request
// (recycle the descriptor and move on).
type Kind string

const (
	// KindProtocol marks a malformed descriptor chain or an unsupported
	// unmappable iovec layout. Fatal.
	KindProtocol Kind = "protocol violation"

	// KindBufferTooSmall marks a reply that cannot fit in the guest's
	// sink iovecs. Per-request: the descriptor is still recycled with
	// zero length.
	KindBufferTooSmall Kind = "guest buffer too small"

	// KindBackChannel marks a negative result from a slave-channel RPC.
	// Per-request: propagated to the session, descriptor recycled.
	KindBackChannel Kind = "back-channel failure"

	// KindTransientIO marks a short read or an EINTR. Callers retry
	// locally; this kind should never escape a component boundary.
	KindTransientIO Kind = "transient I/O"

	// KindTransportFatal marks a vhost-user dispatch failure or socket
	// error. Fatal: terminates the controller loop.
	KindTransportFatal Kind = "transport fatal"
)

// Fatal reports whether errors of this kind should terminate the process
// (protocol violations and transport failures) rather than being folded
// into a per-request FUSE error reply.
func (k Kind) Fatal() bool {
	return k == KindProtocol || k == KindTransportFatal
}

// Error is a structured error carrying enough context to log and to
// classify via errors.Is/As.
type Error struct {
	Op    string // operation that failed, e.g. "send_reply_iov", "slave.MAP"
	Kind  Kind
	Queue int           // queue index, -1 if not applicable
	Errno syscall.Errno // 0 if not applicable
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Queue >= 0 {
		return fmt.Sprintf("vhostfsd: %s: %s (queue=%d)", e.Op, msg, e.Queue)
	}
	return fmt.Sprintf("vhostfsd: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New creates a structured error of the given kind.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Queue: -1, Msg: msg}
}

// NewQueue creates a structured error scoped to a queue index.
func NewQueue(op string, queue int, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Queue: queue, Msg: msg}
}

// Wrap attaches op and kind to an existing error, recording inner's
// errno in Errno when inner is (or wraps) a syscall.Errno.
func Wrap(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}
	e := &Error{Op: op, Kind: kind, Queue: -1, Msg: inner.Error(), Inner: inner}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
