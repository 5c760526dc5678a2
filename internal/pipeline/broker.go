package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/15058718379/tpm2-abrmd/internal/session"
	"github.com/15058718379/tpm2-abrmd/internal/transport"
)

// CancelResult reports the outcome of Broker.Cancel.
type CancelResult int

const (
	// CancelResultCanceled means an in-flight or still-queued command for
	// the session was found and aborted or dropped.
	CancelResultCanceled CancelResult = iota
	// CancelResultNothingToCancel means the session had no outstanding
	// command at the time of the call.
	CancelResultNothingToCancel
)

func (r CancelResult) String() string {
	if r == CancelResultCanceled {
		return "canceled"
	}
	return "nothing_to_cancel"
}

// noLocality is a sentinel used to force a SetLocality call on the first
// command the Broker ever processes, since no real locality value is
// guaranteed to differ from the zero value.
const noLocality = 0x100

// activeCommand records which session's command is currently outstanding
// on the transport, so Cancel can tell an in-flight command apart from one
// still sitting in the input queue.
type activeCommand struct {
	sessionID uint64
}

// Broker is the single serializing consumer between CommandSource and
// ResponseSink: it pops one TaggedBuffer at a time from its bounded input
// queue, switches the transport's locality if needed, sends the command,
// waits for the response, and emits the paired response TaggedBuffer.
type Broker struct {
	registry  *session.Registry
	transport transport.Transport
	in        *cmdQueue
	out       chan<- TaggedBuffer
	logger    *slog.Logger
	reporter  Reporter

	mu           sync.Mutex
	active       *activeCommand
	lastLocality uint32
}

// NewBroker constructs a Broker. out is the channel ResponseSink reads
// from; the Broker closes it when Run returns.
func NewBroker(registry *session.Registry, tp transport.Transport, in *cmdQueue, out chan<- TaggedBuffer, logger *slog.Logger, reporter Reporter) *Broker {
	return &Broker{
		registry:     registry,
		transport:    tp,
		in:           in,
		out:          out,
		logger:       logger,
		reporter:     reporter,
		lastLocality: noLocality,
	}
}

// Run pops commands until the input queue is closed (by CommandSource
// observing ctx cancellation, or by Run itself reacting to ctx directly),
// sending each through the transport in turn. A transport fault ends Run
// with a non-nil error; the caller should treat that as daemon-fatal.
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.out)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			b.in.Close()
		case <-stopWatch:
		}
	}()

	for {
		tb, ok := b.in.Pop()
		if !ok {
			return nil
		}

		resp, err := b.process(ctx, tb)
		if err != nil {
			return err
		}

		select {
		case b.out <- resp:
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Broker) process(ctx context.Context, tb TaggedBuffer) (TaggedBuffer, error) {
	locality := uint32(noLocality)
	if sess, ok := b.registry.Lookup(tb.SessionID); ok {
		locality = uint32(sess.Locality())
	} else {
		locality = 0
	}

	b.mu.Lock()
	if locality != b.lastLocality {
		if err := b.transport.SetLocality(byte(locality)); err != nil {
			b.mu.Unlock()
			return TaggedBuffer{}, fmt.Errorf("pipeline: broker set locality: %w", err)
		}
		b.lastLocality = locality
		b.reporter.IncLocalityChange()
	}
	b.active = &activeCommand{sessionID: tb.SessionID}
	b.mu.Unlock()

	if err := b.transport.Send(ctx, tb.Bytes); err != nil {
		b.clearActive()
		return TaggedBuffer{}, fmt.Errorf("pipeline: broker transport send: %w", err)
	}

	respBytes, err := b.transport.Receive(ctx)
	b.clearActive()
	if err != nil {
		if errors.Is(err, transport.ErrCancelled) {
			respBytes = synthesizeCancelResponse()
		} else {
			return TaggedBuffer{}, fmt.Errorf("pipeline: broker transport receive: %w", err)
		}
	}

	b.reporter.IncResponsesSent()
	return TaggedBuffer{SessionID: tb.SessionID, Bytes: respBytes, Kind: Response}, nil
}

func (b *Broker) clearActive() {
	b.mu.Lock()
	b.active = nil
	b.mu.Unlock()
}

// Cancel implements the control plane's Cancel operation: if the named
// session's command is currently on the transport, the transport is asked
// to abort it; if it is still waiting in the input queue, it is dropped
// and a synthesized cancellation response is emitted in its place; if
// neither, CancelResultNothingToCancel is returned.
func (b *Broker) Cancel(id uint64) CancelResult {
	b.mu.Lock()
	if b.active != nil && b.active.sessionID == id {
		b.mu.Unlock()
		if err := b.transport.Cancel(); err != nil {
			b.logger.Warn("transport cancel failed", slog.Uint64("session_id", id), slog.String("error", err.Error()))
		}
		b.reporter.IncCancel(CancelResultCanceled.String())
		return CancelResultCanceled
	}
	b.mu.Unlock()

	if tb, found := b.in.RemoveSession(id); found {
		_ = tb
		cancelResp := TaggedBuffer{SessionID: id, Bytes: synthesizeCancelResponse(), Kind: Response}
		select {
		case b.out <- cancelResp:
		default:
			go func() { b.out <- cancelResp }()
		}
		b.reporter.IncCancel(CancelResultCanceled.String())
		return CancelResultCanceled
	}

	b.reporter.IncCancel(CancelResultNothingToCancel.String())
	return CancelResultNothingToCancel
}
