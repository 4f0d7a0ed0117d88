// Package pipeline assembles the media data paths. The send side pulls
// frames from a source, stamps them into packets and pushes them through
// a dumping queue onto a transport session. The receive side drains a
// transport receiver through a dumping queue into a jitter buffer and
// plays packets out on a fixed cadence.
//
// Both workers are designed to run under the supervisor: any transport
// failure ends Run with an error, and a relaunch re-dials while the
// queues shed whatever went stale during the outage.
package pipeline

import (
	"context"

	"github.com/openrover/fieldlink/internal/packet"
)

// Frame is one unit of captured media handed to the send side.
type Frame struct {
	Payload []byte

	// AlgorithmDelay is the codec's processing delay in samples, carried
	// through so the far side can compensate during playout.
	AlgorithmDelay uint32
}

// Source produces frames. Next blocks until a frame is available or ctx
// is cancelled.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// Player consumes packets at playout time.
type Player interface {
	Play(p *packet.Packet) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Frame, error)

// Next calls f.
func (f SourceFunc) Next(ctx context.Context) (Frame, error) { return f(ctx) }

// PlayerFunc adapts a function to the Player interface.
type PlayerFunc func(p *packet.Packet) error

// Play calls f.
func (f PlayerFunc) Play(p *packet.Packet) error { return f(p) }
