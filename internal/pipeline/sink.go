package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/15058718379/tpm2-abrmd/internal/session"
)

// Sink is the ResponseSink pipeline stage: it reads TaggedBuffers
// produced by the Broker and writes each one, in full, to its session's
// response endpoint. It also handles session teardown: once CommandSource
// signals that a session's command endpoint is gone, Sink keeps writing
// any responses still addressed to it until the last one is delivered,
// then closes the response endpoint itself.
type Sink struct {
	registry *session.Registry
	in       <-chan TaggedBuffer
	closeCh  <-chan closeNotice
	logger   *slog.Logger

	orphans map[uint64]*session.Session
}

// NewSink constructs a Sink reading responses from in and close
// notifications from closeCh.
func NewSink(registry *session.Registry, in <-chan TaggedBuffer, closeCh <-chan closeNotice, logger *slog.Logger) *Sink {
	return &Sink{
		registry: registry,
		in:       in,
		closeCh:  closeCh,
		logger:   logger,
		orphans:  make(map[uint64]*session.Session),
	}
}

// Run delivers responses and processes close notifications until both in
// and closeCh are closed, or ctx is canceled.
func (s *Sink) Run(ctx context.Context) error {
	in := s.in
	closeCh := s.closeCh
	for {
		if in == nil && closeCh == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			s.drainRemaining()
			return nil
		case note, ok := <-closeCh:
			if !ok {
				closeCh = nil
				continue
			}
			s.orphans[note.id] = note.sess
			s.finalize(note.id)
		case tb, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			s.deliver(tb)
		}
	}
}

func (s *Sink) deliver(tb TaggedBuffer) {
	sess, ok := s.registry.Lookup(tb.SessionID)
	if !ok {
		sess, ok = s.orphans[tb.SessionID]
	}
	if !ok {
		s.logger.Warn("response for unknown session dropped", slog.Uint64("session_id", tb.SessionID))
		return
	}

	if err := writeFull(sess.ResponseFD(), tb.Bytes); err != nil {
		s.logger.Warn("response write failed, tearing down session",
			slog.Uint64("session_id", tb.SessionID), slog.String("error", err.Error()))
		s.registry.Remove(tb.SessionID)
		unix.Close(sess.CommandFD())
		unix.Close(sess.ResponseFD())
		delete(s.orphans, tb.SessionID)
		sess.DecPending()
		return
	}

	sess.RecordResponse(len(tb.Bytes))
	sess.DecPending()
	s.finalize(tb.SessionID)
}

// finalize closes and forgets an orphaned session once every response
// that was ever accepted for it has been delivered.
func (s *Sink) finalize(id uint64) {
	sess, ok := s.orphans[id]
	if !ok {
		return
	}
	if sess.Pending() == 0 {
		unix.Close(sess.ResponseFD())
		delete(s.orphans, id)
	}
}

// drainRemaining makes a best-effort attempt to flush any responses
// already queued before giving up during shutdown.
func (s *Sink) drainRemaining() {
	for {
		select {
		case tb, ok := <-s.in:
			if !ok {
				return
			}
			s.deliver(tb)
		default:
			return
		}
	}
}

func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("pipeline: write: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}
