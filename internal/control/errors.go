package control

import "errors"

// Sentinel errors for control-plane operations. The D-Bus adapter maps
// each of these to a distinct D-Bus error name so that clients can
// distinguish them without parsing error text.
var (
	// ErrUnknownSession indicates the session id named by Cancel or
	// SetLocality is not currently registered.
	ErrUnknownSession = errors.New("control: unknown session")

	// ErrNothingToCancel indicates Cancel was called for a session with
	// no outstanding command at the time of the call.
	ErrNothingToCancel = errors.New("control: nothing to cancel")

	// ErrResourceExhausted indicates CreateConnection could not allocate
	// the socket pairs or session id needed to admit a new session.
	ErrResourceExhausted = errors.New("control: resource exhausted")

	// ErrShuttingDown indicates the call's context ended while it was
	// still waiting for the InitBarrier to open, so the operation was not
	// performed.
	ErrShuttingDown = errors.New("control: shutting down")
)
