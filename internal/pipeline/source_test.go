package pipeline_test

import (
	"context"
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/15058718379/tpm2-abrmd/internal/metrics"
	"github.com/15058718379/tpm2-abrmd/internal/pipeline"
	"github.com/15058718379/tpm2-abrmd/internal/session"
	"github.com/15058718379/tpm2-abrmd/internal/wakeup"
)

func TestSourceEmitsCompleteFrame(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(slog.Default(), metrics.NoopReporter{})
	in := pipeline.NewQueue(8)
	closeCh := pipeline.NewCloseChannel(8)
	wake, err := wakeup.New()
	if err != nil {
		t.Fatalf("wakeup.New: %v", err)
	}
	defer wake.Close()
	src := pipeline.NewSource(registry, in, closeCh, wake, 4096, slog.Default(), metrics.NoopReporter{})

	cmdServer, cmdClient := socketPair(t)
	_, respClient := socketPair(t)
	_ = respClient

	sess := session.New(1, cmdServer, -1)
	if err := registry.Insert(sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	wake.Notify()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	frame := make([]byte, pipeline.HeaderSize)
	binary.BigEndian.PutUint16(frame[0:2], 0x8001)
	binary.BigEndian.PutUint32(frame[2:6], pipeline.HeaderSize)
	if _, err := unix.Write(cmdClient, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	tb, ok := in.Pop()
	if !ok {
		t.Fatal("Pop() returned ok=false")
	}
	if tb.SessionID != 1 {
		t.Errorf("SessionID = %d, want 1", tb.SessionID)
	}
	if string(tb.Bytes) != string(frame) {
		t.Errorf("emitted frame = %x, want %x", tb.Bytes, frame)
	}
	if sess.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", sess.Pending())
	}

	cancel()
	<-done
}

// droppedCounter embeds NoopReporter and counts IncCommandsDropped calls,
// for asserting that a malformed frame is reported as well as logged.
type droppedCounter struct {
	metrics.NoopReporter
	dropped int
}

func (d *droppedCounter) IncCommandsDropped() { d.dropped++ }

func TestSourceClosesSessionOnMalformedFrame(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(slog.Default(), metrics.NoopReporter{})
	in := pipeline.NewQueue(8)
	closeCh := pipeline.NewCloseChannel(8)
	wake, err := wakeup.New()
	if err != nil {
		t.Fatalf("wakeup.New: %v", err)
	}
	defer wake.Close()
	reporter := &droppedCounter{}
	src := pipeline.NewSource(registry, in, closeCh, wake, 4096, slog.Default(), reporter)

	cmdServer, cmdClient := socketPair(t)

	sess := session.New(1, cmdServer, -1)
	if err := registry.Insert(sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	wake.Notify()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	badFrame := make([]byte, pipeline.HeaderSize)
	binary.BigEndian.PutUint16(badFrame[0:2], 0x8001)
	binary.BigEndian.PutUint32(badFrame[2:6], 1) // declared size smaller than HeaderSize
	if _, err := unix.Write(cmdClient, badFrame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case <-closeCh:
		// closeNotice's fields are unexported; receiving it at all is
		// enough to confirm CommandSource reported the teardown.
	case <-time.After(time.Second):
		t.Fatal("no close notification after malformed frame")
	}

	if _, ok := registry.Lookup(1); ok {
		t.Error("session 1 still registered after malformed frame")
	}
	if reporter.dropped != 1 {
		t.Errorf("dropped count = %d, want 1", reporter.dropped)
	}

	cancel()
	<-done
}
