// Package transport moves framed packets between the field node and the
// operator host over exactly two protocols: a connection-oriented stream
// session (TCP, used for video and optionally audio) and a connectionless
// datagram session (UDP, low-overhead audio). Both sides of both variants
// sit behind the same small contracts so pipeline workers are written once.
//
// Failure policy is deliberately uniform: send-side errors are returned to
// the worker, which crashes and is relaunched by the supervisor. There is
// no inline retry or backoff anywhere in this package.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openrover/fieldlink/internal/events"
	"github.com/openrover/fieldlink/internal/packet"
)

// Kind selects the transport variant at stream construction time.
type Kind string

// The closed set of transport variants.
const (
	KindStream   Kind = "stream"
	KindDatagram Kind = "datagram"
)

// Transport errors.
var (
	ErrConnect     = errors.New("transport connect failed")
	ErrSend        = errors.New("transport send failed")
	ErrClosed      = errors.New("transport session closed")
	ErrUnknownKind = errors.New("unknown transport kind")
)

// Session is a connected sender endpoint. Implementations are safe for a
// single producing goroutine, matching the one-producer-per-stream model.
type Session interface {
	// Send transmits one packet. Blocking is bounded by the configured
	// write timeout; errors wrap ErrSend and are fatal to the session.
	Send(p *packet.Packet) error

	// Stats returns a snapshot of the send counters.
	Stats() SenderStats

	// Close ends the stream. For the stream variant this signals the
	// terminal acknowledgement exchange.
	Close() error
}

// Receiver is a receive-side binding. It services one active producer at
// a time; a new inbound connection (or datagram source) supersedes the
// previous one immediately, and packets attributed to a superseded
// producer are discarded.
type Receiver interface {
	// Packets yields decoded packets from the active producer. The
	// channel is closed by Close. Malformed data is counted and skipped,
	// never delivered and never fatal.
	Packets() <-chan *packet.Packet

	// Stats returns a snapshot of the receive counters.
	Stats() ReceiverStats

	// Addr reports the bound local address, useful when binding port 0.
	Addr() string

	// Close stops the binding and closes the packet channel.
	Close() error
}

// Config describes one transport endpoint.
type Config struct {
	Kind           Kind
	Addr           string // host:port to dial or bind
	StreamName     string // video, audio, command; used in logs and events
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
	Bus            *events.Bus // optional; receives connect/disconnect events
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// SenderStats is a snapshot of a Session's counters.
type SenderStats struct {
	PacketsSent uint64
	BytesSent   uint64
}

// ReceiverStats is a snapshot of a Receiver's counters.
type ReceiverStats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	DecodeFailures  uint64 // malformed or truncated frames skipped
	Dropped         uint64 // decoded but shed because the consumer lagged
	Supersessions   uint64 // producers replaced by a newer connection
}

// Dial connects the sender side of the configured variant.
func Dial(cfg Config) (Session, error) {
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case KindStream:
		return dialStream(cfg)
	case KindDatagram:
		return dialDatagram(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// Listen binds the receive side of the configured variant.
func Listen(cfg Config) (Receiver, error) {
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case KindStream:
		return listenStream(cfg)
	case KindDatagram:
		return listenDatagram(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
