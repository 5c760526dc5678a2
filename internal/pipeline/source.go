package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/15058718379/tpm2-abrmd/internal/session"
	"github.com/15058718379/tpm2-abrmd/internal/wakeup"
)

// pollTimeoutMillis bounds how long a single poll(2) call may block, so
// that Run notices context cancellation promptly even though the wakeup
// pipe alone would otherwise make a timeout unnecessary in the common case.
const pollTimeoutMillis = 250

// partialRead accumulates bytes read from one session's non-blocking
// command endpoint across possibly many readiness events, until a
// complete frame has been assembled.
type partialRead struct {
	sess *session.Session
	buf  []byte
	need uint32 // 0 until the header has been parsed
}

// closeNotice tells ResponseSink that CommandSource is done with a
// session's command endpoint and that, once every response already
// in flight for it has been delivered, the response endpoint should be
// closed too.
type closeNotice struct {
	id   uint64
	sess *session.Session
}

// NewCloseChannel constructs the channel CommandSource uses to tell
// ResponseSink that a session's command endpoint has closed, so the
// response endpoint can be finalized once every in-flight response for it
// has drained.
func NewCloseChannel(capacity int) chan closeNotice {
	return make(chan closeNotice, capacity)
}

// Source is the CommandSource pipeline stage: a single-threaded readiness
// watcher multiplexing an unbounded, dynamic set of session command
// endpoints via poll(2), framing complete commands off of them, and
// handing each to the Broker's bounded input queue.
type Source struct {
	registry     *session.Registry
	in           *cmdQueue
	closeCh      chan<- closeNotice
	wake         *wakeup.Pipe
	maxFrameSize uint32
	logger       *slog.Logger
	reporter     Reporter

	watched map[int]*partialRead
}

// NewSource constructs a Source. wake must be the same Pipe instance whose
// Notify method is called whenever a new session is inserted into
// registry, so the watcher picks it up without an unbounded wait.
func NewSource(registry *session.Registry, in *cmdQueue, closeCh chan<- closeNotice, wake *wakeup.Pipe, maxFrameSize uint32, logger *slog.Logger, reporter Reporter) *Source {
	return &Source{
		registry:     registry,
		in:           in,
		closeCh:      closeCh,
		wake:         wake,
		maxFrameSize: maxFrameSize,
		logger:       logger,
		reporter:     reporter,
		watched:      make(map[int]*partialRead),
	}
}

// Run watches every registered session's command endpoint until ctx is
// canceled, at which point it closes the Broker's input queue and
// returns.
func (s *Source) Run(ctx context.Context) error {
	defer s.in.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		pfds := s.buildPollFDs()
		n, err := unix.Poll(pfds, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("pipeline: source poll: %w", err)
		}
		if n == 0 {
			continue
		}

		for _, pfd := range pfds {
			if pfd.Revents == 0 {
				continue
			}
			if int(pfd.Fd) == s.wake.FD() {
				s.wake.Drain()
				s.rebuild()
				continue
			}
			s.handleReady(int(pfd.Fd), pfd.Revents)
		}
	}
}

// rebuild adds any session command endpoints not yet in the watch set.
// Removal happens explicitly, via closeSession, never here.
func (s *Source) rebuild() {
	for _, ref := range s.registry.SnapshotEndpoints() {
		if _, ok := s.watched[ref.FD]; !ok {
			s.watched[ref.FD] = &partialRead{sess: ref.Session}
		}
	}
}

func (s *Source) buildPollFDs() []unix.PollFd {
	pfds := make([]unix.PollFd, 0, len(s.watched)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(s.wake.FD()), Events: unix.POLLIN})
	for fd := range s.watched {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return pfds
}

func (s *Source) handleReady(fd int, revents int16) {
	pr, ok := s.watched[fd]
	if !ok {
		return
	}

	if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		s.closeSession(pr)
		return
	}

	if revents&unix.POLLIN == 0 {
		return
	}

	if !s.drainReadable(pr) {
		s.closeSession(pr)
	}
}

// drainReadable performs non-blocking reads from pr's session command fd
// until EAGAIN, assembling and emitting as many complete frames as are
// available. Returns false if the connection should be closed (EOF, I/O
// error, or a malformed frame length); it never reads again once a frame
// is found to be malformed, since the caller is responsible for closing
// the session and the fd may already be gone by the time control returns.
func (s *Source) drainReadable(pr *partialRead) bool {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(pr.sess.CommandFD(), buf)
		if n > 0 {
			pr.buf = append(pr.buf, buf[:n]...)
			pr.sess.RecordCommandBytes(n)
			for {
				emitted, fatal := s.tryEmitFrame(pr)
				if fatal {
					return false
				}
				if !emitted {
					break
				}
			}
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.reporter.IncCommandsDropped()
			return false
		}
		if n == 0 {
			// EOF: the client closed its end of the command socket.
			return false
		}
	}
}

// tryEmitFrame pulls one complete frame out of pr.buf, if available, and
// pushes it to the Broker. emitted is true if a frame was emitted, so the
// caller can keep looping over a buffer that may hold more than one frame.
// fatal is true if the session must be closed (malformed frame length);
// tryEmitFrame never closes the session itself, since the caller may still
// be mid-read on its command fd — the caller closes it exactly once, after
// it stops touching the fd.
func (s *Source) tryEmitFrame(pr *partialRead) (emitted, fatal bool) {
	if pr.need == 0 {
		if len(pr.buf) < HeaderSize {
			return false, false
		}
		size, err := FrameLength(pr.buf, s.maxFrameSize)
		if err != nil {
			s.logger.Warn("malformed command frame, closing session",
				slog.Uint64("session_id", pr.sess.ID()), slog.String("error", err.Error()))
			s.reporter.IncCommandsDropped()
			pr.need = 0
			pr.buf = nil
			return false, true
		}
		pr.need = size
	}

	if uint32(len(pr.buf)) < pr.need {
		return false, false
	}

	frame := pr.buf[:pr.need]
	pr.buf = append([]byte(nil), pr.buf[pr.need:]...)
	pr.need = 0

	pr.sess.IncPending()
	s.reporter.IncCommandsReceived()
	if !s.in.Push(TaggedBuffer{SessionID: pr.sess.ID(), Bytes: frame, Kind: Command}) {
		return false, false
	}
	return true, false
}

func (s *Source) closeSession(pr *partialRead) {
	id := pr.sess.ID()
	delete(s.watched, pr.sess.CommandFD())
	s.registry.Remove(id)
	unix.Close(pr.sess.CommandFD())
	select {
	case s.closeCh <- closeNotice{id: id, sess: pr.sess}:
	default:
		go func() { s.closeCh <- closeNotice{id: id, sess: pr.sess} }()
	}
}
