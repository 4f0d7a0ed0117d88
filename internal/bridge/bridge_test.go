package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeBus dispatches synchronously and records everything published.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	records  map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string][]func([]byte)),
		records:  make(map[string][][]byte),
	}
}

func (f *fakeBus) Publish(subject string, data []byte) {
	f.mu.Lock()
	f.records[subject] = append(f.records[subject], append([]byte(nil), data...))
	hs := f.handlers[subject]
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeBus) Subscribe(subject string, h func([]byte)) {
	f.mu.Lock()
	f.handlers[subject] = append(f.handlers[subject], h)
	f.mu.Unlock()
}

func (f *fakeBus) published(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.records[subject]))
	copy(out, f.records[subject])
	return out
}

// fakeDevice is a scriptable serial port stand-in.
type fakeDevice struct {
	mu        sync.Mutex
	written   [][]byte
	rx        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	failWrite bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		rx:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case data := <-d.rx:
		return copy(p, data), nil
	case <-d.closed:
		return 0, io.ErrClosedPipe
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWrite {
		return 0, errors.New("input/output error")
	}
	d.written = append(d.written, append([]byte(nil), p...))
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.written))
	copy(out, d.written)
	return out
}

func testConfig() Config {
	return Config{
		Name:           "command",
		TxSubject:      "robot.tx",
		RxSubject:      "robot.rx",
		QueueDepth:     8,
		ReopenInterval: 20 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandReachesDevice(t *testing.T) {
	fb := newFakeBus()
	dev := newFakeDevice()
	b := New(testConfig(), func() (Device, error) { return dev, nil }, fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = b.Run(ctx); close(done) }()

	fb.Publish("robot.tx", []byte{0x10, 0x20})

	waitFor(t, func() bool { return len(dev.writes()) == 1 }, "command never written to device")
	if w := dev.writes()[0]; w[0] != 0x10 || w[1] != 0x20 {
		t.Errorf("command corrupted: %x", w)
	}

	cancel()
	<-done
}

func TestDeviceBytesPublished(t *testing.T) {
	fb := newFakeBus()
	dev := newFakeDevice()
	b := New(testConfig(), func() (Device, error) { return dev, nil }, fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	dev.rx <- []byte("pose update")

	waitFor(t, func() bool { return len(fb.published("robot.rx")) == 1 }, "telemetry never published")
	if string(fb.published("robot.rx")[0]) != "pose update" {
		t.Errorf("telemetry corrupted: %q", fb.published("robot.rx")[0])
	}
	if b.Stats().RxPublished != 1 {
		t.Errorf("expected 1 rx published, got %d", b.Stats().RxPublished)
	}
}

func TestQueueBoundedWhileDeviceUnavailable(t *testing.T) {
	fb := newFakeBus()

	var mu sync.Mutex
	var dev *fakeDevice // nil means the device is unplugged
	open := func() (Device, error) {
		mu.Lock()
		defer mu.Unlock()
		if dev == nil {
			return nil, errors.New("no such device")
		}
		return dev, nil
	}

	b := New(testConfig(), open, fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Flood commands while the device is gone. The queue must stay at its
	// bound and shed the oldest.
	for i := 0; i < 20; i++ {
		fb.Publish("robot.tx", []byte{byte(i)})
	}
	if depth := b.QueuedCommands(); depth != 8 {
		t.Errorf("expected queue depth 8, got %d", depth)
	}
	if dropped := b.Stats().TxDropped; dropped != 12 {
		t.Errorf("expected 12 dropped commands, got %d", dropped)
	}

	// Plug the device in. The bridge must resume without being restarted
	// and deliver the retained, newest commands.
	mu.Lock()
	dev = newFakeDevice()
	d := dev
	mu.Unlock()

	waitFor(t, func() bool { return len(d.writes()) == 8 }, "retained commands never delivered")
	if w := d.writes()[0]; w[0] != 12 {
		t.Errorf("expected oldest retained command 12, got %d", w[0])
	}
	if w := d.writes()[7]; w[0] != 19 {
		t.Errorf("expected newest command 19, got %d", w[0])
	}
}

func TestDeviceLossAndReopen(t *testing.T) {
	fb := newFakeBus()

	var mu sync.Mutex
	first := newFakeDevice()
	second := newFakeDevice()
	opens := 0
	open := func() (Device, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 1 {
			return first, nil
		}
		return second, nil
	}

	b := New(testConfig(), open, fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	waitFor(t, b.DeviceAvailable, "device never opened")

	// Kill the first device; the bridge must reopen and keep relaying.
	first.Close()
	waitFor(t, func() bool { return b.Stats().DeviceReopens >= 1 }, "device never reopened")

	fb.Publish("robot.tx", []byte{0x42})
	waitFor(t, func() bool { return len(second.writes()) == 1 }, "command not delivered after reopen")
	if b.Stats().DeviceErrors == 0 {
		t.Error("device loss not counted")
	}
}

func TestWriteErrorDropsDevice(t *testing.T) {
	fb := newFakeBus()

	var mu sync.Mutex
	bad := newFakeDevice()
	bad.failWrite = true
	good := newFakeDevice()
	opens := 0
	open := func() (Device, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 1 {
			return bad, nil
		}
		return good, nil
	}

	b := New(testConfig(), open, fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	fb.Publish("robot.tx", []byte{0x01})

	waitFor(t, func() bool { return b.Stats().TxFailed == 1 }, "write failure never counted")
	waitFor(t, func() bool { return b.Stats().DeviceReopens >= 1 }, "device never reopened after write failure")

	fb.Publish("robot.tx", []byte{0x02})
	waitFor(t, func() bool { return len(good.writes()) >= 1 }, "relay did not resume on new device")
}
