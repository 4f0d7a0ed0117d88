package metrics

import (
	"context"
	"time"
)

// Poller copies component snapshots into the registry on a fixed cadence.
// Register snapshot functions before calling Run.
type Poller struct {
	interval time.Duration
	sources  []func()
}

// NewPoller creates a poller. Interval defaults to 2s.
func NewPoller(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{interval: interval}
}

// Add registers a snapshot function. Not safe to call after Run starts.
func (p *Poller) Add(fn func()) {
	p.sources = append(p.sources, fn)
}

// Run polls until ctx is cancelled. One final pass runs on shutdown so
// the last scrape reflects final counter values.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.collect()
			return nil
		case <-ticker.C:
			p.collect()
		}
	}
}

func (p *Poller) collect() {
	for _, fn := range p.sources {
		fn()
	}
}
