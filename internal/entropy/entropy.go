// Package entropy verifies that the configured system entropy source is
// readable before the daemon admits any session. Session ids themselves
// are generated with crypto/rand, which draws from the kernel CSPRNG
// directly; this check exists to fail startup loudly, per the
// entropy-source-unreadable fatal-startup condition, rather than let a
// broken /dev/urandom surface later as an opaque allocation failure.
package entropy

import (
	"fmt"
	"os"
)

// Verify opens device and reads one byte to confirm it is readable.
func Verify(device string) error {
	f, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("entropy: open %s: %w", device, err)
	}
	defer f.Close()

	var buf [1]byte
	if _, err := f.Read(buf[:]); err != nil {
		return fmt.Errorf("entropy: read %s: %w", device, err)
	}
	return nil
}
