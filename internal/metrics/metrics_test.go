package metrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLinkCache(t *testing.T) {
	stream := "cache-test"
	DeleteStream(stream)

	if m := GetLink(stream); m != nil {
		t.Error("expected nil before any report")
	}

	SetSender(stream, 100, 150000)
	SetReceiver(stream, 95, 2, 1, 0)
	SetJitter(stream, 5, 0, 3, 1, 0)

	m := GetLink(stream)
	if m == nil {
		t.Fatal("expected cached link metrics")
	}
	if m.PacketsSent != 100 || m.PacketsReceived != 95 {
		t.Errorf("packet counters wrong: %+v", m)
	}
	if m.Gaps != 3 || m.Underruns != 1 {
		t.Errorf("jitter counters wrong: %+v", m)
	}

	// The returned copy is independent of the cache.
	m.PacketsSent = 999
	if GetLink(stream).PacketsSent != 100 {
		t.Error("cache mutated through returned copy")
	}

	DeleteStream(stream)
	if GetLink(stream) != nil {
		t.Error("expected nil after delete")
	}
}

func TestGaugeValues(t *testing.T) {
	stream := "gauge-test"
	defer DeleteStream(stream)

	SetReceiver(stream, 42, 3, 1, 2)

	if got := testutil.ToFloat64(receiverPackets.WithLabelValues(stream)); got != 42 {
		t.Errorf("packets_received = %v, want 42", got)
	}
	if got := testutil.ToFloat64(receiverSupersessions.WithLabelValues(stream)); got != 2 {
		t.Errorf("supersessions = %v, want 2", got)
	}

	SetBridge("command", 10, 20, 1, true)
	if got := testutil.ToFloat64(bridgeDeviceUp.WithLabelValues("command")); got != 1 {
		t.Errorf("device_up = %v, want 1", got)
	}
	SetBridge("command", 10, 20, 1, false)
	if got := testutil.ToFloat64(bridgeDeviceUp.WithLabelValues("command")); got != 0 {
		t.Errorf("device_up = %v, want 0", got)
	}
}

func TestPollerCollects(t *testing.T) {
	var calls atomic.Int32
	p := NewPoller(20 * time.Millisecond)
	p.Add(func() { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	time.Sleep(70 * time.Millisecond)
	cancel()
	<-done

	// At least two ticks plus the final shutdown pass.
	if calls.Load() < 3 {
		t.Errorf("expected at least 3 collections, got %d", calls.Load())
	}
}
