// Package packet defines the transport payload unit and its wire codecs.
//
// Two symmetric framings exist: a compact 14-byte datagram header used on
// the UDP audio path, and a 20-byte stream header used on the TCP
// streaming path. Both are big-endian and carry an opaque codec payload;
// nothing here inspects payload semantics.
package packet

import (
	"errors"
	"fmt"
)

// Wire sizes. Datagrams must stay under the path MTU to avoid
// fragmentation, so the datagram payload is capped at 1400 bytes total.
const (
	DatagramHeaderSize = 14
	MaxDatagramSize    = 1400
	MaxDatagramPayload = MaxDatagramSize - DatagramHeaderSize

	StreamHeaderSize = 20
	// MaxStreamPayload bounds a single stream frame. Encoded video frames
	// are well under this; anything larger is a corrupt length field.
	MaxStreamPayload = 4 << 20
)

// Wire format errors. All of them wrap ErrFormat so callers can classify
// with a single errors.Is check.
var (
	ErrFormat          = errors.New("malformed packet")
	ErrShortHeader     = fmt.Errorf("%w: truncated header", ErrFormat)
	ErrLengthMismatch  = fmt.Errorf("%w: declared length exceeds data", ErrFormat)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds wire limit", ErrFormat)
)

// Packet is one timestamped, sequenced unit of transport payload.
// Sequence numbers are assigned in strictly increasing order by the
// producer of a stream; the network may reorder or drop them.
type Packet struct {
	// Sequence is the per-stream monotonically increasing counter.
	Sequence uint32

	// TimestampMS is monotonic milliseconds at encode time.
	TimestampMS uint64

	// AlgorithmDelay is the decoder compensation hint in samples.
	// Audio only; zero for video. Not carried on the datagram wire.
	AlgorithmDelay uint32

	// Payload is the opaque codec-encoded data.
	Payload []byte
}
