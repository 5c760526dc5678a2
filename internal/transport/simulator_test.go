package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/15058718379/tpm2-abrmd/internal/transport"
)

func TestSimulatorEchoesCommand(t *testing.T) {
	t.Parallel()

	sim := transport.NewSimulator()
	cmd := []byte{0x01, 0x02, 0x03}

	if err := sim.Send(context.Background(), cmd); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := sim.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != string(cmd) {
		t.Errorf("Receive() = %x, want %x", got, cmd)
	}
}

func TestSimulatorDelayDefersReceive(t *testing.T) {
	t.Parallel()

	sim := transport.NewSimulator()
	sim.SetDelay(50 * time.Millisecond)

	if err := sim.Send(context.Background(), []byte{0xAA}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	start := time.Now()
	if _, err := sim.Receive(context.Background()); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Receive returned after %v, want at least 50ms", elapsed)
	}
}

func TestSimulatorCancelAbortsReceive(t *testing.T) {
	t.Parallel()

	sim := transport.NewSimulator()
	sim.SetDelay(time.Hour)

	if err := sim.Send(context.Background(), []byte{0xAA}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sim.Receive(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := sim.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrCancelled) {
			t.Errorf("Receive after Cancel = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Cancel")
	}
}

func TestSimulatorCancelWithNothingOutstandingIsNoop(t *testing.T) {
	t.Parallel()

	sim := transport.NewSimulator()
	if err := sim.Cancel(); err != nil {
		t.Errorf("Cancel with nothing outstanding = %v, want nil", err)
	}
}

func TestSimulatorCancelThenSendStartsFresh(t *testing.T) {
	t.Parallel()

	sim := transport.NewSimulator()
	sim.SetDelay(time.Hour)

	if err := sim.Send(context.Background(), []byte{0x01}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sim.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// A fresh Send after a cancelled one must not be treated as already
	// cancelled; its Receive should only resolve via its own delay or abort.
	sim.SetDelay(0)
	cmd := []byte{0x02, 0x03}
	if err := sim.Send(context.Background(), cmd); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	got, err := sim.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive after fresh Send: %v", err)
	}
	if string(got) != string(cmd) {
		t.Errorf("Receive() = %x, want %x", got, cmd)
	}
}

func TestSimulatorLocalityCallsRecordsOrder(t *testing.T) {
	t.Parallel()

	sim := transport.NewSimulator()
	for _, loc := range []byte{0, 1, 3, 2} {
		if err := sim.SetLocality(loc); err != nil {
			t.Fatalf("SetLocality(%d): %v", loc, err)
		}
	}

	calls := sim.LocalityCalls()
	want := []byte{0, 1, 3, 2}
	if len(calls) != len(want) {
		t.Fatalf("LocalityCalls() = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("LocalityCalls()[%d] = %d, want %d", i, calls[i], want[i])
		}
	}
}

func TestSimulatorReceiveRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	sim := transport.NewSimulator()
	sim.SetDelay(time.Hour)

	if err := sim.Send(context.Background(), []byte{0x01}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := sim.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive with expiring context = %v, want context.DeadlineExceeded", err)
	}
}

func TestSimulatorClose(t *testing.T) {
	t.Parallel()

	sim := transport.NewSimulator()
	if err := sim.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
