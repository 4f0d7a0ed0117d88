package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrover/fieldlink/internal/events"
	"github.com/openrover/fieldlink/internal/packet"
)

// datagramSession sends fire-and-forget UDP datagrams. There is no
// connection state to maintain and no acknowledgement of any kind; a lost
// datagram is simply a gap the receiver's jitter buffer will skip over.
type datagramSession struct {
	cfg  Config
	conn net.Conn

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func dialDatagram(cfg Config) (Session, error) {
	conn, err := net.DialTimeout("udp", cfg.Addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, cfg.Addr, err)
	}

	cfg.Logger.Info("Datagram session ready", "stream", cfg.StreamName, "addr", cfg.Addr)
	return &datagramSession{cfg: cfg, conn: conn}, nil
}

func (s *datagramSession) Send(p *packet.Packet) error {
	buf, err := p.MarshalDatagram()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}

	s.packets.Add(1)
	s.bytes.Add(uint64(len(buf)))
	return nil
}

func (s *datagramSession) Stats() SenderStats {
	return SenderStats{PacketsSent: s.packets.Load(), BytesSent: s.bytes.Load()}
}

func (s *datagramSession) Close() error { return s.conn.Close() }

// datagramReceiver binds a UDP port and serves one source address at a
// time. Datagrams from a new source supersede the current one, mirroring
// the stream receiver's single-producer rule.
type datagramReceiver struct {
	cfg  Config
	conn net.PacketConn
	out  chan *packet.Packet

	mu     sync.Mutex
	source string // active source address, empty until first datagram

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	packets    atomic.Uint64
	bytes      atomic.Uint64
	badFrames  atomic.Uint64
	dropped    atomic.Uint64
	superseded atomic.Uint64
}

func listenDatagram(cfg Config) (Receiver, error) {
	conn, err := net.ListenPacket("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, cfg.Addr, err)
	}

	r := &datagramReceiver{
		cfg:    cfg,
		conn:   conn,
		out:    make(chan *packet.Packet, 64),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.readLoop()

	cfg.Logger.Info("Datagram receiver listening", "stream", cfg.StreamName, "addr", conn.LocalAddr().String())
	return r, nil
}

func (r *datagramReceiver) readLoop() {
	defer close(r.done)

	buf := make([]byte, packet.MaxDatagramSize+1)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			r.cfg.Logger.Warn("Datagram read failed", "stream", r.cfg.StreamName, "error", err)
			continue
		}

		r.track(addr.String())

		p, err := packet.UnmarshalDatagram(buf[:n])
		if err != nil {
			// Malformed datagrams are counted and skipped, never fatal.
			r.badFrames.Add(1)
			continue
		}

		r.packets.Add(1)
		r.bytes.Add(uint64(n))
		select {
		case r.out <- p:
		default:
			r.dropped.Add(1)
		}
	}
}

// track notes the source address, publishing connect/supersede events when
// it changes. With no connections to observe, a new source address is the
// only supersession signal a datagram receiver has, and it is
// last-address-wins: a displaced source that keeps sending re-supersedes
// on its next datagram, so two alternating senders flip-flop (each
// counted) rather than one being shut out. There is no way to refuse the
// older source without a handshake, which this transport deliberately
// lacks.
func (r *datagramReceiver) track(addr string) {
	r.mu.Lock()
	prev := r.source
	if prev == addr {
		r.mu.Unlock()
		return
	}
	r.source = addr
	r.mu.Unlock()

	superseded := prev != ""
	if superseded {
		r.superseded.Add(1)
		r.cfg.Logger.Info("Datagram source superseded",
			"stream", r.cfg.StreamName, "old", prev, "new", addr)
	} else {
		r.cfg.Logger.Info("Datagram source active", "stream", r.cfg.StreamName, "remote", addr)
	}
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(events.StreamConnectedEvent{
			Stream:     r.cfg.StreamName,
			Remote:     addr,
			Superseded: superseded,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (r *datagramReceiver) Packets() <-chan *packet.Packet { return r.out }

func (r *datagramReceiver) Addr() string { return r.conn.LocalAddr().String() }

func (r *datagramReceiver) Stats() ReceiverStats {
	return ReceiverStats{
		PacketsReceived: r.packets.Load(),
		BytesReceived:   r.bytes.Load(),
		DecodeFailures:  r.badFrames.Load(),
		Dropped:         r.dropped.Load(),
		Supersessions:   r.superseded.Load(),
	}
}

func (r *datagramReceiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.conn.Close()
		<-r.done
		close(r.out)
	})
	return nil
}
