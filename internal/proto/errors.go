package proto

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// ErrNotReady is returned by non-blocking operations that cannot make
// progress yet. It is iox.ErrWouldBlock so that transports built on iox
// can pass their results through unchanged.
var ErrNotReady = iox.ErrWouldBlock

var ErrCancelled = errors.New("exchange cancelled")
var ErrRemote = errors.New("remote error")

// IsNotReady reports whether err means "retry later".
func IsNotReady(err error) bool {
	return iox.IsWouldBlock(err)
}

// TransportError is an I/O failure on the underlying transport. It is fatal
// for the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolViolation is a frame that the dispatch discipline does not permit
// at this point. It is fatal for the connection.
type ProtocolViolation struct {
	ID     uint64
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation on exchange %d: %s", e.ID, e.Reason)
}

// HookRejection is the veto of a body chunk by the transport's dispatch hook.
// It fails only the owning exchange.
type HookRejection struct {
	ID  uint64
	Err error
}

func (e *HookRejection) Error() string {
	return fmt.Sprintf("body chunk for exchange %d rejected: %v", e.ID, e.Err)
}

func (e *HookRejection) Unwrap() error { return e.Err }

// RemoteError wraps the error carried by an error frame from the peer.
func RemoteError(err error) error {
	if err == nil {
		return ErrRemote
	}
	if errors.Is(err, ErrRemote) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRemote, err)
}

// IsFatal reports whether err ends the connection.
func IsFatal(err error) bool {
	if err == nil || IsNotReady(err) {
		return false
	}
	var te *TransportError
	var pv *ProtocolViolation
	return errors.As(err, &te) || errors.As(err, &pv)
}

// Violation builds a ProtocolViolation for exchange id.
func Violation(id uint64, format string, args ...any) error {
	return &ProtocolViolation{ID: id, Reason: fmt.Sprintf(format, args...)}
}
