package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length in bytes of a TPM command or response header:
// a 2-byte tag, a 4-byte size (inclusive of the header itself), and a
// 4-byte command or response code. The pipeline parses only the size
// field; the tag and code are opaque payload as far as the Broker is
// concerned.
const HeaderSize = 10

// sizeOffset is the byte offset of the 4-byte, big-endian size field
// within a TPM command/response header.
const sizeOffset = 2

// ErrMalformedFrame indicates a frame's declared size is out of the
// bounds this daemon accepts. The caller should treat this as a
// session-fatal condition per the protocol framing invariant.
var ErrMalformedFrame = errors.New("pipeline: malformed frame length")

// FrameLength extracts the declared total frame length from a buffer that
// contains at least HeaderSize bytes, and validates it against maxSize.
func FrameLength(header []byte, maxSize uint32) (uint32, error) {
	if len(header) < HeaderSize {
		return 0, fmt.Errorf("pipeline: header too short: %w", ErrMalformedFrame)
	}
	size := binary.BigEndian.Uint32(header[sizeOffset : sizeOffset+4])
	if size < HeaderSize || size > maxSize {
		return 0, fmt.Errorf("pipeline: declared size %d outside [%d,%d]: %w", size, HeaderSize, maxSize, ErrMalformedFrame)
	}
	return size, nil
}

// tpmRCCancelled is the TPM2_RC_CANCELLED response code (TCG TPM 2.0
// library, Part 2: RC_WARN base 0x900 | 0x04A), used to populate a
// synthesized cancellation response when the Broker drops a still-queued
// command.
const tpmRCCancelled = 0x0000094A

// responseTagNoSessions is TPM_ST_NO_SESSIONS, the response tag used when
// no TPM sessions are present in the reply — the correct tag for a
// broker-synthesized response, since the original command's session usage
// is not something the broker inspects or preserves.
const responseTagNoSessions = 0x8001

// synthesizeCancelResponse builds a minimal, well-formed TPM response
// frame carrying TPM2_RC_CANCELLED, used when the Broker cancels a command
// that was still sitting in its input queue and therefore never reached
// the transport.
func synthesizeCancelResponse() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], responseTagNoSessions)
	binary.BigEndian.PutUint32(buf[2:6], HeaderSize)
	binary.BigEndian.PutUint32(buf[6:10], tpmRCCancelled)
	return buf
}
