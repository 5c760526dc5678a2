// Package wakeup implements the classic self-pipe trick: a small pipe whose
// read end is added to a poll(2) set so that a single-threaded readiness
// watcher can be woken promptly whenever the set of file descriptors it
// watches changes, without resorting to a polling timeout.
package wakeup

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pipe is a non-blocking, close-on-exec self-pipe used to interrupt a
// blocked poll(2) call.
type Pipe struct {
	readFD, writeFD int
}

// New creates a Pipe. Both ends are non-blocking so that Notify never
// blocks the caller and Drain never blocks the watcher.
func New() (*Pipe, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("wakeup: pipe2: %w", err)
	}
	return &Pipe{readFD: fds[0], writeFD: fds[1]}, nil
}

// FD returns the read end, for inclusion in a poll(2) fd set.
func (p *Pipe) FD() int { return p.readFD }

// Notify wakes a watcher blocked in poll(2) on FD(). Safe to call from any
// goroutine, any number of times; coalesced notifications are fine since
// the watcher re-reads the full Registry snapshot after being woken.
func (p *Pipe) Notify() {
	var b [1]byte
	for {
		_, err := unix.Write(p.writeFD, b[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the pipe buffer is already full of pending
		// wakeups; the watcher will still observe POLLIN and drain.
		return
	}
}

// Drain empties the pipe after a wakeup so the next Notify is observed as
// a fresh readiness event.
func (p *Pipe) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.readFD, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases both ends of the pipe.
func (p *Pipe) Close() error {
	err1 := unix.Close(p.readFD)
	err2 := unix.Close(p.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}
