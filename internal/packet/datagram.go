package packet

import (
	"encoding/binary"
)

// Datagram wire layout, big-endian:
//
//	offset 0  (4 bytes) sequence number
//	offset 4  (8 bytes) timestamp, milliseconds
//	offset 12 (2 bytes) payload length
//	offset 14 (N bytes) payload

// MarshalDatagram encodes the packet for the datagram transport.
// Returns ErrPayloadTooLarge if the result would exceed MaxDatagramSize;
// the caller decides whether to re-encode smaller or drop the packet.
func (p *Packet) MarshalDatagram() ([]byte, error) {
	if len(p.Payload) > MaxDatagramPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, DatagramHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Sequence)
	binary.BigEndian.PutUint64(buf[4:12], p.TimestampMS)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(p.Payload)))
	copy(buf[DatagramHeaderSize:], p.Payload)
	return buf, nil
}

// UnmarshalDatagram decodes a datagram previously produced by
// MarshalDatagram. The datagram wire does not carry AlgorithmDelay, so the
// decoded packet always has it zero. Trailing bytes beyond the declared
// payload length are ignored; a declared length longer than the data is a
// format error.
func UnmarshalDatagram(data []byte) (*Packet, error) {
	if len(data) < DatagramHeaderSize {
		return nil, ErrShortHeader
	}

	length := int(binary.BigEndian.Uint16(data[12:14]))
	if DatagramHeaderSize+length > len(data) {
		return nil, ErrLengthMismatch
	}

	payload := make([]byte, length)
	copy(payload, data[DatagramHeaderSize:DatagramHeaderSize+length])

	return &Packet{
		Sequence:    binary.BigEndian.Uint32(data[0:4]),
		TimestampMS: binary.BigEndian.Uint64(data[4:12]),
		Payload:     payload,
	}, nil
}
