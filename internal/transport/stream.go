package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrover/fieldlink/internal/events"
	"github.com/openrover/fieldlink/internal/packet"
)

// ackByte is the single terminal acknowledgement written by the receiver
// once the sender half-closes its stream. There are no per-packet acks.
const ackByte = 0x06

// ackTimeout bounds how long Close waits for the terminal ack.
const ackTimeout = 2 * time.Second

// streamSession is the sending end of a TCP stream.
type streamSession struct {
	cfg  Config
	conn *net.TCPConn
	bw   *bufio.Writer

	mu      sync.Mutex
	closed  bool
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func dialStream(cfg Config) (Session, error) {
	conn, err := net.DialTimeout("tcp", cfg.Addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, cfg.Addr, err)
	}
	tc := conn.(*net.TCPConn)
	_ = tc.SetNoDelay(true)

	cfg.Logger.Info("Stream session connected", "stream", cfg.StreamName, "addr", cfg.Addr)
	return &streamSession{
		cfg:  cfg,
		conn: tc,
		bw:   bufio.NewWriter(tc),
	}, nil
}

func (s *streamSession) Send(p *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	if err := packet.WriteStream(s.bw, p); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	// Flush per packet: latency beats throughput on a teleoperation link.
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}

	s.packets.Add(1)
	s.bytes.Add(uint64(packet.StreamHeaderSize + len(p.Payload)))
	return nil
}

func (s *streamSession) Stats() SenderStats {
	return SenderStats{PacketsSent: s.packets.Load(), BytesSent: s.bytes.Load()}
}

// Close half-closes the write side, waits for the receiver's terminal
// acknowledgement, then tears the connection down. A missing ack is logged
// and tolerated so shutdown never hangs on a dead peer.
func (s *streamSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.bw.Flush()
	s.mu.Unlock()

	_ = s.conn.CloseWrite()
	_ = s.conn.SetReadDeadline(time.Now().Add(ackTimeout))
	var ack [1]byte
	if _, err := io.ReadFull(s.conn, ack[:]); err != nil || ack[0] != ackByte {
		s.cfg.Logger.Warn("Stream closed without terminal ack", "stream", s.cfg.StreamName, "error", err)
	}
	return s.conn.Close()
}

// streamReceiver accepts TCP producers on one port and serves exactly one
// at a time. A newly accepted connection supersedes the current producer
// immediately; the superseded connection is closed and any packets still
// in flight from it are discarded.
type streamReceiver struct {
	cfg Config
	ln  net.Listener
	out chan *packet.Packet

	mu     sync.Mutex
	active net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	packets    atomic.Uint64
	bytes      atomic.Uint64
	badFrames  atomic.Uint64
	dropped    atomic.Uint64
	superseded atomic.Uint64
}

func listenStream(cfg Config) (Receiver, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, cfg.Addr, err)
	}

	r := &streamReceiver{
		cfg:    cfg,
		ln:     ln,
		out:    make(chan *packet.Packet, 64),
		closed: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.acceptLoop()

	cfg.Logger.Info("Stream receiver listening", "stream", cfg.StreamName, "addr", ln.Addr().String())
	return r, nil
}

func (r *streamReceiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			r.cfg.Logger.Warn("Accept failed", "stream", r.cfg.StreamName, "error", err)
			continue
		}
		r.adopt(conn)
	}
}

// adopt installs conn as the active producer, displacing any previous one.
func (r *streamReceiver) adopt(conn net.Conn) {
	r.mu.Lock()
	prev := r.active
	r.active = conn
	r.mu.Unlock()

	superseded := prev != nil
	if superseded {
		r.superseded.Add(1)
		prev.Close()
		r.cfg.Logger.Info("Producer superseded",
			"stream", r.cfg.StreamName, "old", prev.RemoteAddr().String(), "new", conn.RemoteAddr().String())
	} else {
		r.cfg.Logger.Info("Producer connected",
			"stream", r.cfg.StreamName, "remote", conn.RemoteAddr().String())
	}
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(events.StreamConnectedEvent{
			Stream:     r.cfg.StreamName,
			Remote:     conn.RemoteAddr().String(),
			Superseded: superseded,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}

	r.wg.Add(1)
	go r.readLoop(conn)
}

func (r *streamReceiver) readLoop(conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()

	br := bufio.NewReader(conn)
	reason := "closed"
	for {
		p, err := packet.ReadStream(br)
		if err != nil {
			switch {
			case err == io.EOF:
				// Clean end of stream: acknowledge once, terminally.
				_ = conn.SetWriteDeadline(time.Now().Add(ackTimeout))
				_, _ = conn.Write([]byte{ackByte})
			case errors.Is(err, packet.ErrFormat):
				// Framing is unrecoverable on a byte stream once corrupt.
				r.badFrames.Add(1)
				reason = "bad framing"
				r.cfg.Logger.Warn("Dropping producer on malformed frame",
					"stream", r.cfg.StreamName, "remote", conn.RemoteAddr().String(), "error", err)
			default:
				reason = "connection lost"
			}
			break
		}

		if !r.isActive(conn) {
			// Superseded mid-read; discard the remainder.
			reason = "superseded"
			break
		}

		r.packets.Add(1)
		r.bytes.Add(uint64(packet.StreamHeaderSize + len(p.Payload)))
		select {
		case r.out <- p:
		default:
			r.dropped.Add(1)
		}
	}

	r.mu.Lock()
	if r.active == conn {
		r.active = nil
	}
	r.mu.Unlock()

	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(events.StreamDisconnectedEvent{
			Stream:    r.cfg.StreamName,
			Remote:    conn.RemoteAddr().String(),
			Reason:    reason,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (r *streamReceiver) isActive(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active == conn
}

func (r *streamReceiver) Packets() <-chan *packet.Packet { return r.out }

func (r *streamReceiver) Addr() string { return r.ln.Addr().String() }

func (r *streamReceiver) Stats() ReceiverStats {
	return ReceiverStats{
		PacketsReceived: r.packets.Load(),
		BytesReceived:   r.bytes.Load(),
		DecodeFailures:  r.badFrames.Load(),
		Dropped:         r.dropped.Load(),
		Supersessions:   r.superseded.Load(),
	}
}

func (r *streamReceiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.ln.Close()
		r.mu.Lock()
		if r.active != nil {
			r.active.Close()
		}
		r.mu.Unlock()
		r.wg.Wait()
		close(r.out)
	})
	return nil
}
