package transport

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// maxResponseSize bounds a single read from the TPM character device. TPM
// 2.0 implementations commonly cap response buffers at 4096 bytes; this is
// generous enough for any response this broker will ever see.
const maxResponseSize = 4096

// Passthrough frames commands directly against a kernel TPM resource
// manager character device (conventionally /dev/tpmrm0), matching the
// real-world kernel interface: a single write submits a command, a single
// read retrieves the response, and the kernel itself serializes access.
//
// Locality and cancel are not part of the /dev/tpmrm0 read/write contract;
// where the host kernel exposes them, it does so as sysfs attributes under
// /sys/class/tpm/tpmN/device/. Passthrough writes to those attribute paths
// when configured, and treats them as no-ops otherwise.
type Passthrough struct {
	dev          *os.File
	cancelPath   string
	localityPath string
}

// OpenPassthrough opens devicePath for the command/response channel.
// cancelPath and localityPath may be empty, in which case Cancel and
// SetLocality become no-ops.
func OpenPassthrough(devicePath, cancelPath, localityPath string) (*Passthrough, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", devicePath, err)
	}
	return &Passthrough{dev: f, cancelPath: cancelPath, localityPath: localityPath}, nil
}

func (p *Passthrough) Send(ctx context.Context, command []byte) error {
	if _, err := p.dev.Write(command); err != nil {
		return fmt.Errorf("transport: write command: %w", err)
	}
	return nil
}

func (p *Passthrough) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxResponseSize)
	n, err := p.dev.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	return buf[:n], nil
}

func (p *Passthrough) Cancel() error {
	if p.cancelPath == "" {
		return nil
	}
	if err := os.WriteFile(p.cancelPath, []byte("1\n"), 0); err != nil {
		return fmt.Errorf("transport: write cancel attribute: %w", err)
	}
	return nil
}

func (p *Passthrough) SetLocality(locality byte) error {
	if p.localityPath == "" {
		return nil
	}
	if err := os.WriteFile(p.localityPath, []byte(strconv.Itoa(int(locality))), 0); err != nil {
		return fmt.Errorf("transport: write locality attribute: %w", err)
	}
	return nil
}

func (p *Passthrough) Close() error {
	return p.dev.Close()
}
