package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/openrover/fieldlink/internal/packet"
	"github.com/openrover/fieldlink/internal/pipeline"
)

// pipeSource reads encoded frames from a local pipe fed by an external
// encoder. The pipe is opened lazily on first read and dropped on error,
// so a supervisor relaunch naturally reattaches to a restarted encoder.
type pipeSource struct {
	path  string
	chunk int

	mu sync.Mutex
	f  *os.File
}

func newPipeSource(path string, chunk int) *pipeSource {
	return &pipeSource{path: path, chunk: chunk}
}

func (s *pipeSource) Next(ctx context.Context) (pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		// Opening a FIFO read-only blocks until the encoder attaches.
		f, err := os.OpenFile(s.path, os.O_RDONLY, 0)
		if err != nil {
			return pipeline.Frame{}, fmt.Errorf("open source %s: %w", s.path, err)
		}
		s.f = f
	}

	buf := make([]byte, s.chunk)
	n, err := s.f.Read(buf)
	if err != nil {
		s.f.Close()
		s.f = nil
		return pipeline.Frame{}, fmt.Errorf("read source %s: %w", s.path, err)
	}
	return pipeline.Frame{Payload: buf[:n]}, nil
}

// pipeSink writes played-out payloads to a local pipe for an external
// decoder. Same lazy-open, drop-on-error discipline as pipeSource.
type pipeSink struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func newPipeSink(path string) *pipeSink {
	return &pipeSink{path: path}
}

func (p *pipeSink) Play(pkt *packet.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		f, err := os.OpenFile(p.path, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("open sink %s: %w", p.path, err)
		}
		p.f = f
	}
	if _, err := p.f.Write(pkt.Payload); err != nil {
		p.f.Close()
		p.f = nil
		return fmt.Errorf("write sink %s: %w", p.path, err)
	}
	return nil
}
