package pipeline_test

import (
	"context"
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	"github.com/15058718379/tpm2-abrmd/internal/metrics"
	"github.com/15058718379/tpm2-abrmd/internal/pipeline"
	"github.com/15058718379/tpm2-abrmd/internal/session"
	"github.com/15058718379/tpm2-abrmd/internal/transport"
)

func buildCommand(code uint32) []byte {
	buf := make([]byte, pipeline.HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], 0x8001)
	binary.BigEndian.PutUint32(buf[2:6], pipeline.HeaderSize)
	binary.BigEndian.PutUint32(buf[6:10], code)
	return buf
}

func TestBrokerEchoesCommand(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(slog.Default(), metrics.NoopReporter{})
	if err := registry.Insert(session.New(1, 10, 11)); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	sim := transport.NewSimulator()
	in := pipeline.NewQueue(4)
	out := make(chan pipeline.TaggedBuffer, 4)
	broker := pipeline.NewBroker(registry, sim, in, out, slog.Default(), metrics.NoopReporter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- broker.Run(ctx) }()

	cmd := buildCommand(0x100)
	in.Push(pipeline.TaggedBuffer{SessionID: 1, Bytes: cmd, Kind: pipeline.Command})

	select {
	case resp := <-out:
		if resp.SessionID != 1 {
			t.Errorf("response session id = %d, want 1", resp.SessionID)
		}
		if resp.Kind != pipeline.Response {
			t.Errorf("response kind = %v, want Response", resp.Kind)
		}
		if string(resp.Bytes) != string(cmd) {
			t.Errorf("response bytes = %x, want echoed command %x", resp.Bytes, cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("no response received from broker")
	}

	cancel()
	<-done
}

func TestBrokerCancelWhileQueued(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(slog.Default(), metrics.NoopReporter{})
	if err := registry.Insert(session.New(1, 10, 11)); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := registry.Insert(session.New(2, 20, 21)); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	sim := transport.NewSimulator()
	sim.SetDelay(200 * time.Millisecond)

	in := pipeline.NewQueue(4)
	out := make(chan pipeline.TaggedBuffer, 4)
	broker := pipeline.NewBroker(registry, sim, in, out, slog.Default(), metrics.NoopReporter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- broker.Run(ctx) }()

	// Session 1's command occupies the transport for 200ms; session 2's
	// command sits in the queue the whole time.
	in.Push(pipeline.TaggedBuffer{SessionID: 1, Bytes: buildCommand(0x1), Kind: pipeline.Command})
	time.Sleep(20 * time.Millisecond) // let the broker pick up session 1's command
	in.Push(pipeline.TaggedBuffer{SessionID: 2, Bytes: buildCommand(0x2), Kind: pipeline.Command})

	result := broker.Cancel(2)
	if result != pipeline.CancelResultCanceled {
		t.Fatalf("Cancel(2) while queued = %v, want CancelResultCanceled", result)
	}

	resp1 := <-out
	resp2 := <-out
	if resp1.SessionID != 1 {
		t.Errorf("first response session id = %d, want 1", resp1.SessionID)
	}
	if resp2.SessionID != 2 {
		t.Errorf("second response session id = %d, want 2", resp2.SessionID)
	}
	code := binary.BigEndian.Uint32(resp2.Bytes[6:10])
	if code != 0x0000094A {
		t.Errorf("synthesized cancel response code = 0x%08X, want TPM2_RC_CANCELLED", code)
	}

	cancel()
	<-done
}

func TestBrokerCancelInFlight(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(slog.Default(), metrics.NoopReporter{})
	if err := registry.Insert(session.New(1, 10, 11)); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	sim := transport.NewSimulator()
	sim.SetDelay(time.Hour) // never fires on its own; Cancel must abort it

	in := pipeline.NewQueue(4)
	out := make(chan pipeline.TaggedBuffer, 4)
	broker := pipeline.NewBroker(registry, sim, in, out, slog.Default(), metrics.NoopReporter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- broker.Run(ctx) }()

	in.Push(pipeline.TaggedBuffer{SessionID: 1, Bytes: buildCommand(0x1), Kind: pipeline.Command})
	time.Sleep(20 * time.Millisecond)

	result := broker.Cancel(1)
	if result != pipeline.CancelResultCanceled {
		t.Fatalf("Cancel(1) in flight = %v, want CancelResultCanceled", result)
	}

	select {
	case resp := <-out:
		code := binary.BigEndian.Uint32(resp.Bytes[6:10])
		if code != 0x0000094A {
			t.Errorf("response code = 0x%08X, want TPM2_RC_CANCELLED", code)
		}
	case <-time.After(time.Second):
		t.Fatal("no response received after in-flight cancel")
	}

	cancel()
	<-done
}

func TestBrokerCancelNothingOutstanding(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(slog.Default(), metrics.NoopReporter{})
	if err := registry.Insert(session.New(1, 10, 11)); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	sim := transport.NewSimulator()
	in := pipeline.NewQueue(4)
	out := make(chan pipeline.TaggedBuffer, 4)
	broker := pipeline.NewBroker(registry, sim, in, out, slog.Default(), metrics.NoopReporter{})

	result := broker.Cancel(1)
	if result != pipeline.CancelResultNothingToCancel {
		t.Fatalf("Cancel with nothing outstanding = %v, want CancelResultNothingToCancel", result)
	}
}

func TestBrokerLocalitySwitchesOnChange(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(slog.Default(), metrics.NoopReporter{})
	if err := registry.Insert(session.New(1, 10, 11)); err != nil {
		t.Fatalf("insert session 1: %v", err)
	}
	if err := registry.Insert(session.New(2, 20, 21)); err != nil {
		t.Fatalf("insert session 2: %v", err)
	}
	if err := registry.SetLocality(2, 3); err != nil {
		t.Fatalf("set locality: %v", err)
	}

	sim := transport.NewSimulator()
	in := pipeline.NewQueue(4)
	out := make(chan pipeline.TaggedBuffer, 4)
	broker := pipeline.NewBroker(registry, sim, in, out, slog.Default(), metrics.NoopReporter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- broker.Run(ctx) }()

	in.Push(pipeline.TaggedBuffer{SessionID: 1, Bytes: buildCommand(0x1), Kind: pipeline.Command})
	<-out
	in.Push(pipeline.TaggedBuffer{SessionID: 2, Bytes: buildCommand(0x2), Kind: pipeline.Command})
	<-out

	cancel()
	<-done

	calls := sim.LocalityCalls()
	if len(calls) != 2 {
		t.Fatalf("LocalityCalls() = %v, want 2 entries", calls)
	}
	if calls[0] != 0 || calls[1] != 3 {
		t.Errorf("LocalityCalls() = %v, want [0 3]", calls)
	}
}
