package packet

import (
	"encoding/binary"
	"errors"
	"io"
)

// Stream wire layout, big-endian:
//
//	offset 0  (4 bytes) sequence number
//	offset 4  (8 bytes) timestamp, milliseconds
//	offset 12 (4 bytes) algorithm delay, samples
//	offset 16 (4 bytes) payload length
//	offset 20 (N bytes) payload
//
// The stream framing runs over a reliable byte stream, so the payload
// length field is the only delimiter between frames.

// MarshalStream encodes the packet for the stream transport.
func (p *Packet) MarshalStream() ([]byte, error) {
	if len(p.Payload) > MaxStreamPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, StreamHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Sequence)
	binary.BigEndian.PutUint64(buf[4:12], p.TimestampMS)
	binary.BigEndian.PutUint32(buf[12:16], p.AlgorithmDelay)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(p.Payload)))
	copy(buf[StreamHeaderSize:], p.Payload)
	return buf, nil
}

// WriteStream writes one stream-framed packet to w.
func WriteStream(w io.Writer, p *Packet) error {
	buf, err := p.MarshalStream()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadStream reads one stream-framed packet from r. It returns io.EOF
// only on a clean boundary between frames; a connection cut mid-frame is
// reported as a format error.
func ReadStream(r io.Reader) (*Packet, error) {
	var header [StreamHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[16:20])
	if length > MaxStreamPayload {
		return nil, ErrLengthMismatch
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrLengthMismatch
		}
		return nil, err
	}

	return &Packet{
		Sequence:       binary.BigEndian.Uint32(header[0:4]),
		TimestampMS:    binary.BigEndian.Uint64(header[4:12]),
		AlgorithmDelay: binary.BigEndian.Uint32(header[12:16]),
		Payload:        payload,
	}, nil
}
