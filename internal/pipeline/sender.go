package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openrover/fieldlink/internal/packet"
	"github.com/openrover/fieldlink/internal/queue"
	"github.com/openrover/fieldlink/internal/transport"
)

// SenderConfig describes one outbound stream worker.
type SenderConfig struct {
	Stream string // video, audio; used in logs

	// QueueDepth bounds the capture-to-send dumping queue. Default 8.
	QueueDepth int

	// Dial opens the transport session. Called on every Run, so each
	// supervisor relaunch gets a fresh connection.
	Dial func() (transport.Session, error)

	Logger *slog.Logger
}

// Sender pumps frames from a source onto a transport session. Sequence
// numbers survive relaunches so the receiver sees one continuous stream
// per process lifetime.
type Sender struct {
	cfg  SenderConfig
	src  Source
	q    *queue.Queue[*packet.Packet]
	seq  atomic.Uint32
	sess atomic.Value // transport.Session
}

// NewSender creates a sender for src.
func NewSender(cfg SenderConfig, src Source) *Sender {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sender{
		cfg: cfg,
		src: src,
		q:   queue.New[*packet.Packet](cfg.QueueDepth),
	}
}

// Run captures and sends until ctx is cancelled or the transport fails.
// A transport failure is returned so the supervisor relaunches the
// worker; frames captured during the outage age out of the queue.
func (s *Sender) Run(ctx context.Context) error {
	sess, err := s.cfg.Dial()
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.Stream, err)
	}
	defer sess.Close()
	s.sess.Store(sess)

	// A capture failure cancels the send loop so the worker crashes and
	// gets relaunched with a fresh source.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	captureErr := make(chan error, 1)
	go func() {
		if err := s.capture(runCtx); err != nil {
			captureErr <- err
			cancel()
		}
	}()

	for {
		p, err := s.q.Get(runCtx)
		if err != nil {
			select {
			case cerr := <-captureErr:
				return fmt.Errorf("capture %s: %w", s.cfg.Stream, cerr)
			default:
			}
			return nil
		}
		if err := sess.Send(p); err != nil {
			return fmt.Errorf("send %s: %w", s.cfg.Stream, err)
		}
	}
}

// capture pulls frames and queues packets until ctx is cancelled.
func (s *Sender) capture(ctx context.Context) error {
	for {
		frame, err := s.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p := &packet.Packet{
			Sequence:       s.seq.Add(1),
			TimestampMS:    uint64(time.Now().UnixMilli()),
			AlgorithmDelay: frame.AlgorithmDelay,
			Payload:        frame.Payload,
		}
		s.q.Put(p)
	}
}

// Stats reports the send queue counters.
func (s *Sender) Stats() (depth int, dropped uint64) {
	return s.q.Len(), s.q.Dropped()
}

// SessionStats reports the counters of the most recent transport session.
// Zero before the first successful dial.
func (s *Sender) SessionStats() transport.SenderStats {
	if sess, ok := s.sess.Load().(transport.Session); ok {
		return sess.Stats()
	}
	return transport.SenderStats{}
}
