package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/15058718379/tpm2-abrmd/internal/pipeline"
	"github.com/15058718379/tpm2-abrmd/internal/session"
	"github.com/15058718379/tpm2-abrmd/internal/wakeup"
)

// SocketFactory creates one end of a bidirectional byte-stream socket pair
// per call, returning the descriptor the daemon keeps (server) and the one
// handed back to the caller (client). Abstracted so tests can substitute
// an in-memory pair without touching the kernel socket namespace.
type SocketFactory interface {
	NewPair() (serverFD, clientFD int, err error)
}

// UnixSocketFactory creates AF_UNIX, SOCK_STREAM socket pairs via
// socketpair(2), the same primitive CommandSource and ResponseSink expect
// a session's endpoints to be built from.
type UnixSocketFactory struct{}

func (UnixSocketFactory) NewPair() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("control: socketpair: %w", err)
	}
	return fds[0], fds[1], nil
}

// Handlers implements the control-plane operations (CreateConnection,
// Cancel, SetLocality) in transport-agnostic form, gated by the
// InitBarrier. A thin D-Bus adapter (see Service) translates bus method
// calls into calls on Handlers and Handlers' sentinel errors into D-Bus
// error names.
type Handlers struct {
	registry *session.Registry
	broker   *pipeline.Broker
	ids      *session.IDAllocator
	sockets  SocketFactory
	wake     *wakeup.Pipe
	barrier  *Barrier
	logger   *slog.Logger
	reporter Reporter
}

// Reporter receives control-plane call counts for metrics export.
type Reporter interface {
	IncCreateConnection(outcome string)
}

// NewHandlers constructs Handlers. sockets is typically UnixSocketFactory{}
// in production and a fake in tests.
func NewHandlers(registry *session.Registry, broker *pipeline.Broker, ids *session.IDAllocator, sockets SocketFactory, wake *wakeup.Pipe, barrier *Barrier, logger *slog.Logger, reporter Reporter) *Handlers {
	return &Handlers{
		registry: registry,
		broker:   broker,
		ids:      ids,
		sockets:  sockets,
		wake:     wake,
		barrier:  barrier,
		logger:   logger,
		reporter: reporter,
	}
}

// CreateConnectionResult is the outcome of a successful CreateConnection
// call: the two client-side file descriptors handed back to the caller,
// and the new session's id.
type CreateConnectionResult struct {
	CommandFD  int
	ResponseFD int
	SessionID  uint64
}

// CreateConnection allocates a new session: two socket pairs (command and
// response), a session id, and a Registry entry, then wakes CommandSource
// so it picks up the new command endpoint without delay.
func (h *Handlers) CreateConnection(ctx context.Context) (CreateConnectionResult, error) {
	if err := h.barrier.Wait(ctx); err != nil {
		return CreateConnectionResult{}, fmt.Errorf("%w: %w", ErrShuttingDown, err)
	}

	cmdServerFD, cmdClientFD, err := h.sockets.NewPair()
	if err != nil {
		h.reporter.IncCreateConnection("resource_exhausted")
		return CreateConnectionResult{}, fmt.Errorf("%w: command socket: %w", ErrResourceExhausted, err)
	}
	// CommandSource multiplexes every session's command fd through a single
	// poll(2) loop; a blocking read on one uncooperative client would stall
	// delivery to every other session, so the server-side end must be
	// non-blocking. The client-side end is left blocking, since it is
	// handed to an ordinary client process that expects normal semantics.
	if err := unix.SetNonblock(cmdServerFD, true); err != nil {
		unix.Close(cmdServerFD)
		unix.Close(cmdClientFD)
		h.reporter.IncCreateConnection("resource_exhausted")
		return CreateConnectionResult{}, fmt.Errorf("%w: command socket nonblock: %w", ErrResourceExhausted, err)
	}
	respServerFD, respClientFD, err := h.sockets.NewPair()
	if err != nil {
		unix.Close(cmdServerFD)
		unix.Close(cmdClientFD)
		h.reporter.IncCreateConnection("resource_exhausted")
		return CreateConnectionResult{}, fmt.Errorf("%w: response socket: %w", ErrResourceExhausted, err)
	}

	id, err := h.ids.Allocate()
	if err != nil {
		unix.Close(cmdServerFD)
		unix.Close(cmdClientFD)
		unix.Close(respServerFD)
		unix.Close(respClientFD)
		h.reporter.IncCreateConnection("resource_exhausted")
		return CreateConnectionResult{}, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	sess := session.New(id, cmdServerFD, respServerFD)
	if err := h.registry.Insert(sess); err != nil {
		h.ids.Release(id)
		unix.Close(cmdServerFD)
		unix.Close(cmdClientFD)
		unix.Close(respServerFD)
		unix.Close(respClientFD)
		h.reporter.IncCreateConnection("resource_exhausted")
		return CreateConnectionResult{}, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	h.wake.Notify()
	h.reporter.IncCreateConnection("ok")

	h.logger.Info("session created", slog.Uint64("session_id", id))

	return CreateConnectionResult{
		CommandFD:  cmdClientFD,
		ResponseFD: respClientFD,
		SessionID:  id,
	}, nil
}

// Cancel requests that the named session's outstanding command, if any, be
// aborted.
func (h *Handlers) Cancel(ctx context.Context, id uint64) error {
	if err := h.barrier.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrShuttingDown, err)
	}
	if _, ok := h.registry.Lookup(id); !ok {
		return ErrUnknownSession
	}
	if result := h.broker.Cancel(id); result == pipeline.CancelResultNothingToCancel {
		return ErrNothingToCancel
	}
	return nil
}

// SetLocality switches the TPM locality associated with the named session.
func (h *Handlers) SetLocality(ctx context.Context, id uint64, locality byte) error {
	if err := h.barrier.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrShuttingDown, err)
	}
	if err := h.registry.SetLocality(id, locality); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return ErrUnknownSession
		}
		return err
	}
	return nil
}
