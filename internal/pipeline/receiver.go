package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openrover/fieldlink/internal/jitter"
	"github.com/openrover/fieldlink/internal/packet"
	"github.com/openrover/fieldlink/internal/queue"
	"github.com/openrover/fieldlink/internal/transport"
)

// ReceiverConfig describes one inbound stream worker.
type ReceiverConfig struct {
	Stream string

	// QueueDepth bounds the transport-to-jitter dumping queue. Default 8.
	QueueDepth int

	// Jitter configures the reorder buffer.
	Jitter jitter.Config

	// PlayoutInterval is the pull cadence, nominally the media frame
	// duration. Default 20ms.
	PlayoutInterval time.Duration

	// Listen binds the transport receiver. Called on every Run.
	Listen func() (transport.Receiver, error)

	Logger *slog.Logger
}

// Receiver drains a transport receiver through a dumping queue into a
// jitter buffer and plays packets out on a fixed cadence.
type Receiver struct {
	cfg    ReceiverConfig
	player Player
	q      *queue.Queue[*packet.Packet]
	buf    *jitter.Buffer

	mu     sync.RWMutex
	latest *packet.Packet
}

// NewReceiver creates a receiver. player may be nil; consumers can poll
// Latest instead.
func NewReceiver(cfg ReceiverConfig, player Player) *Receiver {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.PlayoutInterval <= 0 {
		cfg.PlayoutInterval = 20 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Receiver{
		cfg:    cfg,
		player: player,
		q:      queue.New[*packet.Packet](cfg.QueueDepth),
		buf:    jitter.New(cfg.Jitter),
	}
}

// Run receives and plays out until ctx is cancelled or the transport or
// player fails.
func (r *Receiver) Run(ctx context.Context) error {
	recv, err := r.cfg.Listen()
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Stream, err)
	}
	defer recv.Close()

	// Transport to queue. Ends when the receiver is closed.
	go func() {
		for p := range recv.Packets() {
			r.q.Put(p)
		}
	}()

	// Queue to jitter buffer.
	fillCtx, stopFill := context.WithCancel(ctx)
	defer stopFill()
	go func() {
		for {
			p, err := r.q.Get(fillCtx)
			if err != nil {
				return
			}
			r.buf.Push(p)
		}
	}()

	ticker := time.NewTicker(r.cfg.PlayoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p := r.buf.Pull()
			if p == nil {
				continue
			}
			r.mu.Lock()
			r.latest = p
			r.mu.Unlock()
			if r.player != nil {
				if err := r.player.Play(p); err != nil {
					return fmt.Errorf("play %s: %w", r.cfg.Stream, err)
				}
			}
		}
	}
}

// Latest returns the most recently played packet, or nil before the
// first playout. Freshness over completeness: pollers that miss a packet
// were never going to replay it anyway.
func (r *Receiver) Latest() *packet.Packet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// JitterStats reports the jitter buffer counters.
func (r *Receiver) JitterStats() jitter.Stats { return r.buf.Stats() }

// QueueStats reports the inbound queue counters.
func (r *Receiver) QueueStats() (depth int, dropped uint64) {
	return r.q.Len(), r.q.Dropped()
}
