// Package transport defines the driver boundary between the Broker and the
// actual TPM command channel, and provides two implementations: an
// in-memory Simulator for tests and a Passthrough driver that frames
// commands against a real kernel TPM resource-manager character device.
package transport

import (
	"context"
	"errors"
)

// ErrCancelled is returned by Receive when the in-flight command was
// aborted by a concurrent call to Cancel. The Broker treats this as a
// normal, non-fatal outcome: it synthesizes a cancellation response rather
// than treating it as a transport fault.
var ErrCancelled = errors.New("transport: command cancelled")

// Transport is the single physical (or simulated) path to the TPM that the
// Broker serializes all sessions' commands through.
//
// The Broker calls these methods strictly as Send, then Receive, for each
// accepted command, never overlapping two commands. Cancel and SetLocality
// may be called from a different goroutine than the one blocked in Send or
// Receive and must be safe for that.
type Transport interface {
	// Send transmits a single framed command. It does not wait for a
	// response.
	Send(ctx context.Context, command []byte) error

	// Receive blocks until the response to the most recent Send is
	// available, returning ErrCancelled if Cancel aborted it first.
	Receive(ctx context.Context) ([]byte, error)

	// Cancel requests that whatever command is currently outstanding be
	// aborted. Calling Cancel when nothing is outstanding is a no-op.
	Cancel() error

	// SetLocality switches the active TPM locality. The Broker calls this
	// only when the next command's session locality differs from the
	// locality already in effect.
	SetLocality(locality byte) error

	// Close releases any resources held by the transport.
	Close() error
}
