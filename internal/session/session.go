// Package session implements the Session Registry: the authoritative,
// concurrency-safe table that binds a session id to its command and
// response endpoints and to the small amount of mutable per-session state
// (locality, in-flight bookkeeping) that the rest of the daemon needs to
// read or mutate.
package session

import (
	"sync/atomic"
	"time"
)

// Reporter receives session lifecycle and traffic events for metrics
// export. A nil Reporter is never passed to Registry; callers that don't
// want metrics use metrics.NoopReporter.
type Reporter interface {
	RegisterSession()
	UnregisterSession()
}

// Session is one client's binding of a command endpoint and a response
// endpoint, as created by ControlPlane.CreateConnection.
//
// Locality is mutated under the Registry's session lock (see
// Registry.SetLocality). The pending-command counter is not guarded by that
// lock: CommandSource and ResponseSink update it atomically. Both are
// stored as atomics so that the hot path in the Broker can read them
// without taking the lock.
type Session struct {
	id uint64

	commandFD  int
	responseFD int

	locality     atomic.Uint32 // byte value, 0-255
	pendingCount atomic.Int32

	commandsIn    atomic.Uint64
	responsesOut  atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	createdAt     time.Time
	lastActivity  atomic.Int64 // unix nanoseconds
}

// New constructs a Session bound to the given server-side command and
// response file descriptors. The caller retains ownership of the
// client-side descriptors returned to the caller of CreateConnection.
func New(id uint64, commandFD, responseFD int) *Session {
	s := &Session{
		id:         id,
		commandFD:  commandFD,
		responseFD: responseFD,
		createdAt:  time.Now(),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() uint64 { return s.id }

// CommandFD returns the server-side command endpoint file descriptor.
func (s *Session) CommandFD() int { return s.commandFD }

// ResponseFD returns the server-side response endpoint file descriptor.
func (s *Session) ResponseFD() int { return s.responseFD }

// Locality returns the locality currently associated with the session.
func (s *Session) Locality() byte { return byte(s.locality.Load()) }

// setLocality stores a new locality value. Called by Registry.SetLocality
// while holding the registry's session lock.
func (s *Session) setLocality(locality byte) { s.locality.Store(uint32(locality)) }

// IncPending marks one more command as accepted-but-not-yet-responded-to
// for this session. Called by CommandSource once a full command frame has
// been assembled, just before it is pushed to the Broker's input queue.
func (s *Session) IncPending() {
	s.pendingCount.Add(1)
	s.commandsIn.Add(1)
	s.touch()
}

// DecPending marks one command as resolved (a response, synthesized or
// genuine, has been delivered for it). Called by ResponseSink.
func (s *Session) DecPending() {
	s.pendingCount.Add(-1)
}

// Pending reports the number of commands accepted for this session that
// have not yet had a response delivered. Used to decide when it is safe to
// close an orphaned session's response endpoint.
func (s *Session) Pending() int32 { return s.pendingCount.Load() }

// RecordResponse updates traffic counters after a response of n bytes has
// been written to the response endpoint.
func (s *Session) RecordResponse(n int) {
	s.responsesOut.Add(1)
	s.bytesOut.Add(uint64(n))
	s.touch()
}

// RecordCommandBytes adds to the inbound byte counter as command bytes
// arrive, independent of frame completion.
func (s *Session) RecordCommandBytes(n int) {
	s.bytesIn.Add(uint64(n))
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// Snapshot is a read-only, point-in-time copy of a session's observable
// state, safe to retain and pass around without holding any lock.
type Snapshot struct {
	ID            uint64
	Locality      byte
	Pending       int32
	CommandsIn    uint64
	ResponsesOut  uint64
	BytesIn       uint64
	BytesOut      uint64
	CreatedAt     time.Time
	LastActivity  time.Time
}

// Snapshot returns a read-only, point-in-time copy of the session's
// observable state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:           s.id,
		Locality:     s.Locality(),
		Pending:      s.Pending(),
		CommandsIn:   s.commandsIn.Load(),
		ResponsesOut: s.responsesOut.Load(),
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		CreatedAt:    s.createdAt,
		LastActivity: time.Unix(0, s.lastActivity.Load()),
	}
}
