// Package jitter converts arbitrarily-ordered, bursty packet arrivals into
// a steady in-order pull sequence suitable for real-time playout.
//
// The buffer trades latency for smoothness: playout starts only once the
// warm-up target depth is reached, and a missing sequence is waited on for
// a bounded number of pull cycles before being skipped. Both knobs are
// caller-configured; smaller values mean lower latency and more audible or
// visible loss.
package jitter

import (
	"sync"

	"github.com/openrover/fieldlink/internal/packet"
)

// resyncThreshold is how far behind the playout cursor an arriving
// sequence must be before it is treated as a producer restart instead of
// a late packet.
const resyncThreshold = 512

// Config holds the jitter buffer tunables.
type Config struct {
	// TargetDepth is the minimum buffered packet count before playout
	// begins, and before it resumes after an underrun.
	TargetDepth int

	// WaitBudget is how many pull cycles to wait for a missing sequence
	// before skipping forward to the earliest available one.
	WaitBudget int

	// MaxSpan bounds the retained working set; when exceeded, the oldest
	// entries are evicted. Bounds memory under pathological reordering.
	MaxSpan int
}

// DefaultConfig returns the tunables used when the caller does not
// override them: roughly 100ms of warm-up at 20ms audio packets.
func DefaultConfig() Config {
	return Config{TargetDepth: 5, WaitBudget: 3, MaxSpan: 64}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TargetDepth <= 0 {
		c.TargetDepth = d.TargetDepth
	}
	if c.WaitBudget <= 0 {
		c.WaitBudget = d.WaitBudget
	}
	if c.MaxSpan < c.TargetDepth {
		c.MaxSpan = d.MaxSpan
	}
	return c
}

// Stats is a snapshot of the buffer counters.
type Stats struct {
	Late      uint64 // arrived at or before the last played sequence
	Gaps      uint64 // skip-forward events after exhausting the wait budget
	Overflow  uint64 // evicted oldest entries beyond MaxSpan
	Underruns uint64 // transitions back into buffering on an empty set
	Resyncs   uint64 // producer restarts detected from the sequence jump
	Depth     int    // currently retained packets
	Buffering bool   // warm-up gate active
}

// Buffer is a sequence-keyed reordering buffer. It is owned by exactly one
// producer/consumer pair; Push and Pull may run on different goroutines.
type Buffer struct {
	mu        sync.Mutex
	cfg       Config
	packets   map[uint32]*packet.Packet
	next      uint32 // next sequence to hand to playout
	anchored  bool   // next initialized from the first pushed packet
	buffering bool
	waiting   int

	late      uint64
	gaps      uint64
	overflow  uint64
	underruns uint64
	resyncs   uint64
}

// New creates a jitter buffer. Zero-valued config fields fall back to
// DefaultConfig.
func New(cfg Config) *Buffer {
	return &Buffer{
		cfg:       cfg.withDefaults(),
		packets:   make(map[uint32]*packet.Packet),
		buffering: true,
	}
}

// Push inserts a received packet into the working set. Packets at or
// before the last played sequence are dropped and counted as late. A
// sequence far behind the cursor re-anchors the buffer on the assumption
// that the producer restarted.
func (b *Buffer) Push(p *packet.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.anchored {
		b.anchored = true
		b.next = p.Sequence
	}

	if p.Sequence < b.next {
		if b.next-p.Sequence > resyncThreshold {
			b.resyncs++
			b.packets = make(map[uint32]*packet.Packet)
			b.next = p.Sequence
			b.buffering = true
			b.waiting = 0
		} else {
			b.late++
			return
		}
	}

	b.packets[p.Sequence] = p

	for len(b.packets) > b.cfg.MaxSpan {
		b.evictOldest()
	}
}

// evictOldest removes the smallest retained sequence. Caller holds the lock.
func (b *Buffer) evictOldest() {
	var oldest uint32
	first := true
	for seq := range b.packets {
		if first || seq < oldest {
			oldest = seq
			first = false
		}
	}
	if !first {
		delete(b.packets, oldest)
		b.overflow++
	}
}

// Pull returns the next in-order packet, or nil when playout should render
// silence or a frozen frame this cycle. It is called at the stream's
// nominal packet cadence.
func (b *Buffer) Pull() *packet.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buffering {
		if len(b.packets) < b.cfg.TargetDepth {
			return nil
		}
		b.buffering = false
	}

	if p, ok := b.packets[b.next]; ok {
		delete(b.packets, b.next)
		b.next++
		b.waiting = 0
		return p
	}

	if len(b.packets) == 0 {
		// Underrun: flush back into warm-up rather than skipping ahead.
		b.buffering = true
		b.waiting = 0
		b.underruns++
		return nil
	}

	b.waiting++
	if b.waiting <= b.cfg.WaitBudget {
		return nil
	}

	// Wait budget exhausted: one gap event, skip to the earliest available
	// sequence so a single lost packet adds only bounded latency.
	var earliest uint32
	first := true
	for seq := range b.packets {
		if first || seq < earliest {
			earliest = seq
			first = false
		}
	}
	b.gaps++
	b.waiting = 0

	p := b.packets[earliest]
	delete(b.packets, earliest)
	b.next = earliest + 1
	return p
}

// Flush drops the working set and re-enters warm-up. The playout cursor is
// kept so late stragglers from before the flush are still rejected.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.packets = make(map[uint32]*packet.Packet)
	b.buffering = true
	b.waiting = 0
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Late:      b.late,
		Gaps:      b.gaps,
		Overflow:  b.overflow,
		Underruns: b.underruns,
		Resyncs:   b.resyncs,
		Depth:     len(b.packets),
		Buffering: b.buffering,
	}
}
