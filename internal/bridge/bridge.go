// Package bridge relays command bytes between the message bus and a local
// serial device. Operator commands arrive on a tx subject and are written
// to the device; bytes read from the device are published on an rx
// subject. Both directions pass through small dumping queues, so a stalled
// or absent device never blocks the bus and stale commands are shed rather
// than delivered late.
//
// The bridge owns device availability: when the device disappears it keeps
// running, polls for reopen, and resumes relaying once the device is back.
// Losing the device is an expected condition, not a bridge crash.
package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openrover/fieldlink/internal/events"
	"github.com/openrover/fieldlink/internal/queue"
)

// Device is a byte-oriented local endpoint, typically a serial port.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Opener produces a fresh Device. Called on startup and again on every
// reopen attempt after the device is lost.
type Opener func() (Device, error)

// BusConn is the slice of the bus client the bridge needs.
type BusConn interface {
	Publish(subject string, data []byte)
	Subscribe(subject string, h func(data []byte))
}

// Config describes one bridged device.
type Config struct {
	Name      string // command, gimbal; used in logs and events
	TxSubject string // bus subject carrying bytes for the device
	RxSubject string // bus subject carrying bytes from the device

	// QueueDepth bounds each direction's dumping queue. Default 8.
	QueueDepth int

	// ReopenInterval is the poll cadence while the device is gone.
	// Default 2s.
	ReopenInterval time.Duration

	// ReadChunk is the device read buffer size. Default 256.
	ReadChunk int

	Logger *slog.Logger
	Bus    *events.Bus // optional; receives DeviceStateChangedEvents
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 8
	}
	if c.ReopenInterval <= 0 {
		c.ReopenInterval = 2 * time.Second
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a snapshot of the bridge counters.
type Stats struct {
	TxWritten     uint64 // payloads written to the device
	TxDropped     uint64 // payloads shed from the tx queue
	TxFailed      uint64 // payloads lost to device write errors
	RxPublished   uint64 // device reads published on the bus
	RxDropped     uint64 // device reads shed from the rx queue
	DeviceReopens uint64 // successful reopens after loss
	DeviceErrors  uint64 // read/write errors that dropped the device
}

// Bridge relays between a bus subject pair and one device.
type Bridge struct {
	cfg  Config
	open Opener
	conn BusConn

	txq *queue.Queue[[]byte]
	rxq *queue.Queue[[]byte]

	available atomic.Bool

	txWritten atomic.Uint64
	txFailed  atomic.Uint64
	rxPub     atomic.Uint64
	reopens   atomic.Uint64
	devErrors atomic.Uint64
}

// New creates a bridge. The tx subscription is installed immediately so
// commands start queueing before Run is called.
func New(cfg Config, open Opener, conn BusConn) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:  cfg,
		open: open,
		conn: conn,
		txq:  queue.New[[]byte](cfg.QueueDepth),
		rxq:  queue.New[[]byte](cfg.QueueDepth),
	}
	conn.Subscribe(cfg.TxSubject, func(data []byte) {
		b.txq.Put(append([]byte(nil), data...))
	})
	return b
}

// Run relays until ctx is cancelled. Device loss is handled inline with a
// reopen poll loop; only cancellation ends the bridge.
func (b *Bridge) Run(ctx context.Context) error {
	go b.publishLoop(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		dev, err := b.open()
		if err != nil {
			b.cfg.Logger.Debug("Device unavailable", "bridge", b.cfg.Name, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.cfg.ReopenInterval):
			}
			continue
		}

		b.setAvailable(true, nil)
		err = b.relay(ctx, dev)
		dev.Close()
		b.setAvailable(false, err)

		if ctx.Err() != nil {
			return nil
		}
		b.devErrors.Add(1)
		b.cfg.Logger.Warn("Device lost, will reopen", "bridge", b.cfg.Name, "error", err)
	}
}

// relay runs the reader and writer for one device incarnation. Returns
// the device error that ended the session, or nil on cancellation.
// Delivery to the device is at most once: a payload whose Write fails is
// counted in TxFailed and lost along with the device session, never
// re-queued for the next incarnation.
func (b *Bridge) relay(ctx context.Context, dev Device) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)

	go func() {
		buf := make([]byte, b.cfg.ReadChunk)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				errc <- err
				return
			}
			if n > 0 {
				b.rxq.Put(append([]byte(nil), buf[:n]...))
			}
		}
	}()

	go func() {
		for {
			data, err := b.txq.Get(sessCtx)
			if err != nil {
				errc <- nil
				return
			}
			if _, err := dev.Write(data); err != nil {
				b.txFailed.Add(1)
				errc <- err
				return
			}
			b.txWritten.Add(1)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// publishLoop drains the rx queue onto the bus for the bridge's whole
// lifetime, across device incarnations.
func (b *Bridge) publishLoop(ctx context.Context) {
	for {
		data, err := b.rxq.Get(ctx)
		if err != nil {
			return
		}
		b.conn.Publish(b.cfg.RxSubject, data)
		b.rxPub.Add(1)
	}
}

func (b *Bridge) setAvailable(up bool, cause error) {
	b.available.Store(up)
	if up {
		b.reopens.Add(1)
		b.cfg.Logger.Info("Device ready", "bridge", b.cfg.Name)
	}
	if b.cfg.Bus == nil {
		return
	}
	ev := events.DeviceStateChangedEvent{
		Path:      b.cfg.Name,
		Available: up,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	b.cfg.Bus.Publish(ev)
}

// Name returns the configured bridge name.
func (b *Bridge) Name() string { return b.cfg.Name }

// DeviceAvailable reports whether the device is currently open.
func (b *Bridge) DeviceAvailable() bool { return b.available.Load() }

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	reopens := b.reopens.Load()
	if reopens > 0 {
		// The first open is not a reopen.
		reopens--
	}
	return Stats{
		TxWritten:     b.txWritten.Load(),
		TxDropped:     b.txq.Dropped(),
		TxFailed:      b.txFailed.Load(),
		RxPublished:   b.rxPub.Load(),
		RxDropped:     b.rxq.Dropped(),
		DeviceReopens: reopens,
		DeviceErrors:  b.devErrors.Load(),
	}
}

// QueuedCommands reports the tx queue depth, mostly for tests and metrics.
func (b *Bridge) QueuedCommands() int { return b.txq.Len() }
